// corvidd is the relay daemon: it loads a configuration (spec.md §6),
// builds one Unit per configured unit name, and runs them until every
// quitWhenSent unit has drained its spool or a termination signal arrives.
//
// See https://pkg.go.dev/github.com/corvid-mail/corvid for more details.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	"github.com/corvid-mail/corvid/internal/admin"
	"github.com/corvid-mail/corvid/internal/config"
	"github.com/corvid-mail/corvid/internal/dnsbl"
	"github.com/corvid-mail/corvid/internal/filter"
	"github.com/corvid-mail/corvid/internal/forwarder"
	"github.com/corvid-mail/corvid/internal/maillog"
	"github.com/corvid-mail/corvid/internal/monitor"
	"github.com/corvid-mail/corvid/internal/sasl"
	"github.com/corvid-mail/corvid/internal/secrets"
	"github.com/corvid-mail/corvid/internal/set"
	"github.com/corvid-mail/corvid/internal/smtpsrv"
	"github.com/corvid-mail/corvid/internal/store"
	"github.com/corvid-mail/corvid/internal/unit"
)

// Exit codes, per spec.md §6: "0 success, 1 generic error, 2 usage error or
// listen-port-in-use, 3 runtime error".
const (
	exitOK      = 0
	exitGeneric = 1
	exitUsage   = 2
	exitRuntime = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	configPath, argv, err := splitArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := config.Load(configPath, argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "corvidd:", err)
		return exitUsage
	}

	log.Init()
	log.Infof("corvidd starting (%d unit(s))", len(cfg.UnitOrder))

	mon := monitor.New()
	var monitorAddr string

	units := make([]*unit.Unit, 0, len(cfg.UnitOrder))
	for _, name := range cfg.UnitOrder {
		o := cfg.Units[name]
		configureLogging(o)

		u, err := buildUnit(name, o, mon)
		if err != nil {
			log.Errorf("unit %q: %v", name, err)
			return exitRuntime
		}
		if err := bindListeners(u, o); err != nil {
			log.Errorf("unit %q: %v", name, err)
			return exitUsage
		}
		units = append(units, u)

		if o.MonitorAddress != "" {
			monitorAddr = o.MonitorAddress
		}
	}

	if len(units) == 0 {
		fmt.Fprintln(os.Stderr, "corvidd: no units configured")
		return exitUsage
	}

	if monitorAddr != "" {
		go func() {
			if err := mon.ListenAndServe(monitorAddr, "/metrics"); err != nil {
				log.Errorf("monitor: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go signalHandler(cancel)

	for _, u := range units {
		u.Start(ctx)
	}

	return waitForExit(ctx, units)
}

// waitForExit blocks until ctx is cancelled (a terminating signal arrived)
// or every quitWhenSent unit has signalled Done; units with quitWhenSent
// unset never contribute a Done channel closing on their own, so the
// process only exits that way when ALL configured units are quitWhenSent.
func waitForExit(ctx context.Context, units []*unit.Unit) int {
	done := make(chan struct{})
	go func() {
		for _, u := range units {
			if !u.QuitWhenSent {
				<-ctx.Done()
				return
			}
			<-u.Done()
		}
		close(done)
	}()

	select {
	case <-ctx.Done():
		log.Infof("corvidd: terminating")
		return exitOK
	case <-done:
		log.Infof("corvidd: all units quit-when-sent, exiting")
		return exitOK
	}
}

// signalHandler reopens logs on SIGHUP (mirroring chasquid's log rotation
// hook) and cancels ctx on SIGTERM/SIGINT so the event loop can unwind.
func signalHandler(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("reopening log: %v", err)
			}
			if err := maillog.Reopen(); err != nil {
				log.Errorf("reopening maillog: %v", err)
			}
		default:
			cancel()
			return
		}
	}
}

// splitArgs pulls the one positional config-file argument (spec.md §6: "A
// positional argument names a config file") out of argv, leaving the rest
// as "--key value" entries for config.Load's own parser.
func splitArgs(args []string) (configPath string, rest []string, err error) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--") {
			rest = append(rest, a)
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "--") {
				rest = append(rest, args[i+1])
				i++
			}
			continue
		}
		if configPath != "" {
			return "", nil, fmt.Errorf("unexpected extra argument %q", a)
		}
		configPath = a
	}
	return configPath, rest, nil
}

// configureLogging points the mail transaction log at the location o
// names, mirroring chasquid.go's initMailLog; the process-wide daemon log
// itself (blitiri.com.ar/go/log) is configured by log.Init() from its own
// flags and only reopened here on SIGHUP.
func configureLogging(o *config.Options) {
	var mlog *maillog.Logger
	var err error
	switch o.LogFile {
	case "":
		mlog = maillog.New(os.Stdout)
	default:
		mlog, err = maillog.NewFile(o.LogFile)
	}
	if err != nil {
		log.Errorf("opening mail log %q: %v", o.LogFile, err)
		return
	}
	maillog.Default = mlog
}

// buildUnit wires one configured Options into a fully constructed Unit:
// spool, SMTP server, forwarder, secrets, filters, TLS and the admin
// interface, grounded on chasquid.go's per-domain construction loop
// generalized to corvid's per-Unit one.
func buildUnit(name string, o *config.Options, mon *monitor.Monitor) (*unit.Unit, error) {
	if o.SpoolDir == "" {
		return nil, fmt.Errorf("spool-dir is required")
	}
	st, err := store.New(o.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("opening spool %q: %w", o.SpoolDir, err)
	}

	srvCfg, err := buildServerConfig(o, st)
	if err != nil {
		return nil, err
	}
	srv := smtpsrv.NewServer(srvCfg)

	fwd, err := buildForwarder(o)
	if err != nil {
		return nil, err
	}

	u := unit.New(name, st, srv, fwd)
	u.Monitor = mon
	u.Poll = o.Poll
	u.QuitWhenSent = !o.Forward && !o.ForwardOnDisconnect && !o.Immediate && o.Poll == 0

	if o.ForwardOnDisconnect {
		srvCfg.OnDisconnect = u.ConnectionClosed
	}
	if o.Immediate {
		srvCfg.OnMessageCommitted = func() { u.Request("immediate") }
	}

	if o.DNSBL != "" {
		checker, err := dnsbl.New(o.DNSBL)
		if err != nil {
			return nil, fmt.Errorf("dnsbl: %w", err)
		}
		checker.Start()
		u.DNSBL = checker
	}

	if addr := adminAddress(o); addr != "" {
		u.Admin = admin.New(u.Handlers())
		u.AdminAddr = addr
	}

	return u, nil
}

// adminAddress resolves the admin interface's listen address: an
// "admin=<addr>" entry in --interface takes precedence (it can name a
// specific host), falling back to "--admin <port>" bound on all
// interfaces, per spec.md §6.
func adminAddress(o *config.Options) string {
	for _, it := range o.Interfaces {
		prefix, addr, ok := strings.Cut(it, "=")
		if !ok || prefix != "admin" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil && o.Admin != "" {
			addr = net.JoinHostPort(addr, o.Admin)
		}
		return addr
	}
	if o.Admin != "" {
		return net.JoinHostPort("", o.Admin)
	}
	return ""
}

func buildServerConfig(o *config.Options, st *store.Store) (*smtpsrv.Config, error) {
	serverOpts := splitList(o.ServerSMTPConfig)

	tlsCfg, err := loadTLSConfig(o.ServerTLSCertificate, o.ServerTLSVerify, false)
	if err != nil {
		return nil, fmt.Errorf("server TLS: %w", err)
	}

	cfg := &smtpsrv.Config{
		Hostname:          o.Domain,
		Ident:             "corvidd",
		MaxDataSize:       o.Size,
		CommandTimeout:    o.ResponseTimeout,
		ConnTimeout:       o.ConnectionTimeout,
		PipeliningEnabled: serverOpts["pipelining"],
		ChunkingEnabled:   serverOpts["chunking"],
		SMTPUTF8Enabled:   serverOpts["smtputf8"] || serverOpts["smtputf8strict"],
		EightBitStrict:    !serverOpts["nostrictparsing"],
		TLSConfig:         tlsCfg,
		ServerTLSRequired: o.ServerTLSRequired,
		FilterTimeout:     o.FilterTimeout,
		Store:             st,
	}

	for _, a := range o.Anonymous {
		switch a {
		case "server":
			cfg.AnonymousServer = true
		case "vrfy":
			cfg.AnonymousVRFY = true
		case "content":
			cfg.AnonymousContent = true
		}
	}

	if o.Domain != "" {
		cfg.LocalDomains = set.NewString(o.Domain)
	}

	if o.Filter != "" {
		f, err := filter.New(o.Filter, o.FilterTimeout, nil)
		if err != nil {
			return nil, fmt.Errorf("filter: %w", err)
		}
		cfg.StoreFilter = f
	}
	if o.AddressVerifier != "" {
		v, err := filter.NewVerifier(o.AddressVerifier, o.FilterTimeout)
		if err != nil {
			return nil, fmt.Errorf("address-verifier: %w", err)
		}
		cfg.Verifier = v
	}

	if o.ServerAuth != "" {
		secretStore, err := secrets.Load(o.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("server-auth: %w", err)
		}
		cfg.Secrets = secretStore
		cfg.AuthMechs = []string{sasl.CramSHA256, sasl.CramSHA1, sasl.CramMD5, sasl.Plain, sasl.Login}
		cfg.Challenges = sasl.NewChallengeGenerator(o.Domain)
	}

	return cfg, nil
}

func buildForwarder(o *config.Options) (*forwarder.Client, error) {
	tlsCfg, err := loadTLSConfig(o.ClientTLSCertificate, o.ClientTLSVerify, false)
	if err != nil {
		return nil, fmt.Errorf("client TLS: %w", err)
	}
	if tlsCfg != nil && o.ClientTLSVerifyName != "" {
		tlsCfg.ServerName = o.ClientTLSVerifyName
	}

	fwd := &forwarder.Client{
		HelloDomain:     o.Domain,
		TLSConfig:       tlsCfg,
		RequireTLS:      o.ClientTLSRequired,
		SmartHost:       o.ForwardTo,
		RecipientPolicy: forwarder.ForwardToSome,
	}

	switch {
	case o.ClientAuth == "":
		// No outgoing authentication configured.
	case strings.HasPrefix(o.ClientAuth, "plain:"):
		fields := strings.SplitN(strings.TrimPrefix(o.ClientAuth, "plain:"), ":", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("client-auth: malformed inline credential %q", o.ClientAuth)
		}
		fwd.Secrets = secrets.FromClientCredential(fields[0], fields[1])
	default:
		secretStore, err := secrets.Load(o.ClientAuth)
		if err != nil {
			return nil, fmt.Errorf("client-auth: %w", err)
		}
		fwd.Secrets = secretStore
	}

	for _, opt := range o.ClientSMTPConfig {
		switch opt {
		case "pipelining":
			fwd.Pipelining = true
		case "eightbitstrict":
			fwd.EightBitStrict = true
		}
	}

	return fwd, nil
}

// splitList turns a []string of config tokens into a membership set, for
// the --server-smtp-config/--client-smtp-config option lists.
func splitList(tokens []string) map[string]bool {
	m := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		m[t] = true
	}
	return m
}

// bindListeners parses o.Interfaces (spec.md §6: "comma-separated, with
// optional smtp=/pop=/admin= prefixes") plus systemd socket activation and
// registers the resulting listeners with u.
func bindListeners(u *unit.Unit, o *config.Options) error {
	systemdLs, err := systemd.Listeners()
	if err != nil {
		return fmt.Errorf("systemd listeners: %w", err)
	}

	specs := parseInterfaces(o.Interfaces, o.Port)
	if len(specs) == 0 {
		specs = []ifaceSpec{{mode: smtpsrv.ModeSMTP, addr: net.JoinHostPort("", strconv.Itoa(o.Port))}}
	}

	bound := 0
	for _, spec := range specs {
		if spec.systemdName != "" {
			ls := systemdLs[spec.systemdName]
			if len(ls) == 0 {
				return fmt.Errorf("no systemd listeners named %q", spec.systemdName)
			}
			for _, l := range ls {
				u.Server.AddListener(l, spec.mode)
				bound++
			}
			continue
		}
		if err := u.Listen(spec.addr, spec.mode); err != nil {
			return fmt.Errorf("listening on %s: %w", spec.addr, err)
		}
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("no address to listen on")
	}

	// u.Admin's own listener is started by Unit.Start, once every Unit is
	// fully constructed and bound, not here.
	return nil
}

// ifaceSpec is one resolved --interface entry.
type ifaceSpec struct {
	mode        smtpsrv.SocketMode
	addr        string
	systemdName string // non-"" means "use systemd's <name> socket set"
}

// parseInterfaces maps spec.md §6's "<list>" syntax
// ("smtp=127.0.0.1:25,submission=:587,systemd") into concrete listen specs.
// A bare entry with no prefix is treated as "smtp=". "pop=" entries are
// accepted but logged as unsupported, since this build has no POP server.
func parseInterfaces(list []string, port int) []ifaceSpec {
	var specs []ifaceSpec
	for _, it := range list {
		prefix, addr, ok := strings.Cut(it, "=")
		if !ok {
			addr = prefix
			prefix = "smtp"
		}

		mode := smtpsrv.ModeSMTP
		switch prefix {
		case "smtp":
			mode = smtpsrv.ModeSMTP
		case "submission":
			mode = smtpsrv.ModeSubmission
		case "submission-tls":
			mode = smtpsrv.ModeSubmissionTLS
		case "admin":
			continue // resolved by adminAddress, not bound here
		case "pop":
			log.Errorf("interface %q: pop serving is not implemented, ignoring", it)
			continue
		default:
			log.Errorf("interface %q: unknown prefix %q, ignoring", it, prefix)
			continue
		}

		if addr == "systemd" {
			specs = append(specs, ifaceSpec{mode: mode, systemdName: prefix})
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, strconv.Itoa(port))
		}
		specs = append(specs, ifaceSpec{mode: mode, addr: addr})
	}
	return specs
}
