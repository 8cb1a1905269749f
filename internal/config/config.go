// Package config implements corvid's configuration surface: a long-options
// command-line parser, a plain "key value" config file format, and the
// "<prefix>-<key>" syntax that lets one process host several Units sharing
// a single set of process-wide defaults (spec.md §6). Grounded on chasquid's
// internal/config.Load/override layering (file, then command-line,
// overriding a set of defaults) but working over a flat key/value text
// format instead of chasquid's protobuf, since spec.md's secrets/envelope
// formats already diverged from chasquid's protobuf-based ones the same
// way.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Options holds one Unit's fully-resolved configuration: the long-options
// list of spec.md §6, minus the handful (--help, --version, positional
// config file path) that never reach a Unit.
type Options struct {
	Port       int
	Interfaces []string // e.g. "smtp=127.0.0.1:25", "pop=eth0", or a bare address

	SpoolDir    string
	DeliveryDir string

	ForwardTo           string
	Forward              bool
	Poll                 time.Duration
	ForwardOnDisconnect  bool
	Immediate            bool

	ServerTLS           bool
	ServerTLSConnection bool
	ServerTLSCertificate string // "key,cert"
	ServerTLSVerify      string
	ServerTLSRequired    bool

	ClientTLS           bool
	ClientTLSConnection bool
	ClientTLSRequired   bool
	ClientTLSCertificate string
	ClientTLSVerify      string
	ClientTLSVerifyName  string

	ServerAuth string // path, or "pam:"
	PopAuth    string
	ClientAuth string // path, or "plain:user:pwd"

	Filter          string
	ClientFilter    string
	AddressVerifier string
	FilterTimeout   time.Duration

	IdleTimeout       time.Duration
	ResponseTimeout   time.Duration
	ConnectionTimeout time.Duration
	PromptTimeout     time.Duration

	Size      int64
	Domain    string
	Anonymous []string // subset of {vrfy, server, content, client}

	Admin          string
	AdminTerminate bool

	Pop         bool
	PopPort     string
	PopByName   bool
	PopNoDelete bool

	LogFile    string
	LogTime    bool
	LogAddress bool
	Verbose    bool
	Debug      bool

	NoDaemon bool
	User     string
	PIDFile  string

	DNSBL string

	ServerSMTPConfig []string
	ClientSMTPConfig []string

	MonitorAddress string
}

// defaults mirrors spec.md §6's "Important ones" defaults.
func defaults() Options {
	return Options{
		Port:              25,
		FilterTimeout:     60 * time.Second,
		IdleTimeout:       60 * time.Second,
		ResponseTimeout:   60 * time.Second,
		ConnectionTimeout: 40 * time.Second,
		PromptTimeout:     20 * time.Second,
	}
}

// Config is the result of a Load call: a set of process-wide defaults plus
// zero or more named Units (spec.md §4.8), each with its own fully resolved
// Options. A configuration with no "<prefix>-<key>" entries and no explicit
// "units" declaration produces exactly one Unit, named "".
type Config struct {
	Units     map[string]*Options
	UnitOrder []string
}

// entry is one parsed "key value" assignment, kept in file/CLI order so
// that later entries for the same key win (mirrors how chasquid's override
// layers file-then-overrides).
type entry struct {
	key   string
	value string
	bare  bool // true for a flag given with no value, e.g. "--server-tls"
}

// Load builds a Config from a config file at path (may be "" to skip it)
// and a set of "--key value"/"--key=value"/"--key" command-line arguments,
// which take precedence over the file.
func Load(path string, argv []string) (*Config, error) {
	var entries []entry

	if path != "" {
		fileEntries, err := parseFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		entries = append(entries, fileEntries...)
	}

	cliEntries, err := parseArgv(argv)
	if err != nil {
		return nil, fmt.Errorf("config: parsing arguments: %w", err)
	}
	entries = append(entries, cliEntries...)

	return build(entries)
}

// parseFile reads a config file: one non-empty, non-"#"-comment "<key>
// [<value>]" line per option, same names as the long options without
// leading dashes (spec.md §6 "A positional argument names a config file").
func parseFile(path string) ([]entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		key := fields[0]
		if len(fields) == 1 {
			entries = append(entries, entry{key: key, bare: true})
			continue
		}
		entries = append(entries, entry{key: key, value: strings.TrimSpace(fields[1])})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// parseArgv parses "--key value", "--key=value" and bare "--key" arguments,
// stripping the leading "--" so the resulting key matches the config file's
// dash-free spelling. Grounded on chasquid-util's parseArgs, generalized to
// split on a following positional token rather than requiring "=".
func parseArgv(argv []string) ([]entry, error) {
	var entries []entry
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		if !strings.HasPrefix(a, "--") {
			return nil, fmt.Errorf("unexpected positional argument %q", a)
		}
		key := strings.TrimPrefix(a, "--")
		if eq := strings.IndexByte(key, '='); eq >= 0 {
			entries = append(entries, entry{key: key[:eq], value: key[eq+1:]})
			continue
		}
		if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "--") {
			entries = append(entries, entry{key: key, value: argv[i+1]})
			i++
			continue
		}
		entries = append(entries, entry{key: key, bare: true})
	}
	return entries, nil
}

// build resolves a flat entry list (already in file-then-CLI precedence
// order) into a Config, splitting "<prefix>-<key>" entries off to their
// named Unit for every unit a "units" entry names, wherever that entry
// appears in the list.
func build(entries []entry) (*Config, error) {
	var unitNames []string
	globalEntries := entries[:0:0]
	perUnit := map[string][]entry{}

	for _, e := range entries {
		if e.key == "units" {
			unitNames = splitList(e.value)
			continue
		}
		globalEntries = append(globalEntries, e)
	}
	if len(unitNames) == 0 {
		unitNames = []string{""}
	}

	var common []entry
	for _, e := range globalEntries {
		matched := false
		for _, name := range unitNames {
			if name == "" {
				continue
			}
			if prefix := name + "-"; strings.HasPrefix(e.key, prefix) {
				unitEntry := e
				unitEntry.key = strings.TrimPrefix(e.key, prefix)
				perUnit[name] = append(perUnit[name], unitEntry)
				matched = true
				break
			}
		}
		if !matched {
			common = append(common, e)
		}
	}

	cfg := &Config{Units: map[string]*Options{}, UnitOrder: unitNames}
	for _, name := range unitNames {
		o := defaults()
		if err := applyAll(&o, common); err != nil {
			return nil, err
		}
		if err := applyAll(&o, perUnit[name]); err != nil {
			return nil, err
		}
		cfg.Units[name] = &o
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyAll(o *Options, entries []entry) error {
	for _, e := range entries {
		if err := apply(o, e); err != nil {
			return err
		}
	}
	return nil
}

// apply sets the Options field named by e.key. Durations are given in
// seconds, as spec.md §6's "<sec>" options show; sizes in bytes.
func apply(o *Options, e entry) error {
	switch e.key {
	case "port":
		return setInt(&o.Port, e.value)
	case "interface":
		o.Interfaces = splitList(e.value)
	case "spool-dir":
		o.SpoolDir = e.value
	case "delivery-dir":
		o.DeliveryDir = e.value
	case "forward-to":
		o.ForwardTo = e.value
	case "forward":
		o.Forward = true
	case "poll":
		return setSeconds(&o.Poll, e.value)
	case "forward-on-disconnect":
		o.ForwardOnDisconnect = true
	case "immediate":
		o.Immediate = true
	case "server-tls":
		o.ServerTLS = true
	case "server-tls-connection":
		o.ServerTLSConnection = true
	case "server-tls-certificate":
		o.ServerTLSCertificate = e.value
	case "server-tls-verify":
		o.ServerTLSVerify = e.value
	case "server-tls-required":
		o.ServerTLSRequired = true
	case "client-tls":
		o.ClientTLS = true
	case "client-tls-connection":
		o.ClientTLSConnection = true
	case "client-tls-required":
		o.ClientTLSRequired = true
	case "client-tls-certificate":
		o.ClientTLSCertificate = e.value
	case "client-tls-verify":
		o.ClientTLSVerify = e.value
	case "client-tls-verify-name":
		o.ClientTLSVerifyName = e.value
	case "server-auth":
		o.ServerAuth = e.value
	case "pop-auth":
		o.PopAuth = e.value
	case "client-auth":
		o.ClientAuth = e.value
	case "filter":
		o.Filter = e.value
	case "client-filter":
		o.ClientFilter = e.value
	case "address-verifier":
		o.AddressVerifier = e.value
	case "filter-timeout":
		return setSeconds(&o.FilterTimeout, e.value)
	case "idle-timeout":
		return setSeconds(&o.IdleTimeout, e.value)
	case "response-timeout":
		return setSeconds(&o.ResponseTimeout, e.value)
	case "connection-timeout":
		return setSeconds(&o.ConnectionTimeout, e.value)
	case "prompt-timeout":
		return setSeconds(&o.PromptTimeout, e.value)
	case "size":
		return setInt64(&o.Size, e.value)
	case "domain":
		o.Domain = e.value
	case "anonymous":
		o.Anonymous = splitList(e.value)
	case "admin":
		o.Admin = e.value
	case "admin-terminate":
		o.AdminTerminate = true
	case "pop":
		o.Pop = true
	case "pop-port":
		o.PopPort = e.value
	case "pop-by-name":
		o.PopByName = true
	case "pop-no-delete":
		o.PopNoDelete = true
	case "log":
		// bare "--log" selects the default sink; "--log-file" is separate.
	case "log-file":
		o.LogFile = e.value
	case "log-time":
		o.LogTime = true
	case "log-address":
		o.LogAddress = true
	case "verbose":
		o.Verbose = true
	case "debug":
		o.Debug = true
	case "no-daemon":
		o.NoDaemon = true
	case "user":
		o.User = e.value
	case "pid-file":
		o.PIDFile = e.value
	case "dnsbl":
		o.DNSBL = e.value
	case "server-smtp-config":
		o.ServerSMTPConfig = splitList(e.value)
	case "client-smtp-config":
		o.ClientSMTPConfig = splitList(e.value)
	case "monitor-address":
		o.MonitorAddress = e.value
	default:
		return fmt.Errorf("unknown option %q", e.key)
	}
	return nil
}

func setInt(dst *int, s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", s, err)
	}
	*dst = n
	return nil
}

func setSeconds(dst *time.Duration, s string) error {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid seconds value %q: %w", s, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
