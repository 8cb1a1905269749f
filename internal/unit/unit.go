// Package unit implements corvid's Unit (spec.md §4.8, Component L): the
// object that binds one spool to one SMTP server, one admin server and one
// forwarding client, and drives the idle/requested/running/pending
// forwarding state machine between them. Grounded on chasquid.go's
// composition style (flag-driven construction of a queue, an smtpsrv
// server and a courier, wired together and then started) and on
// internal/smtpsrv/server.go's own "build a Config, then ListenAndServe"
// shape, generalized from chasquid's single implicit instance to corvid's
// explicit, possibly-multiple Units sharing one process (spec.md §6
// "<prefix>-<key>" multi-unit configurations).
package unit

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/corvid-mail/corvid/internal/admin"
	"github.com/corvid-mail/corvid/internal/dnsbl"
	"github.com/corvid-mail/corvid/internal/envelope"
	"github.com/corvid-mail/corvid/internal/forwarder"
	"github.com/corvid-mail/corvid/internal/monitor"
	"github.com/corvid-mail/corvid/internal/smtpsrv"
	"github.com/corvid-mail/corvid/internal/store"
)

// State is one position in spec.md §4.8's forwarding state machine:
//
//	idle ──(startup|disconnect|poll|admin|rescan)──→ requested
//	requested ──(client free)──→ running
//	running   ──(client done)──→ idle
//	requested ──(client busy)──→ pending (remembered, fired once current run ends)
type State int

const (
	Idle State = iota
	Requested
	Running
	Pending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Running:
		return "running"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// listenerSpec remembers one bound address so SMTPDisable/SMTPEnable can
// tear down and rebuild the same set of listeners.
type listenerSpec struct {
	addr string
	mode smtpsrv.SocketMode
}

// Unit owns one spool directory's server, forwarder and admin interface,
// and serializes forwarding runs against it (spec.md §5 "Forwarding runs
// are serialised per Unit; across units they run independently").
type Unit struct {
	Name string

	Store     *store.Store
	Server    *smtpsrv.Server
	Forwarder *forwarder.Client
	Admin     *admin.Server
	AdminAddr string
	Monitor   *monitor.Monitor
	DNSBL     *dnsbl.Checker

	// Poll, if positive, triggers a "poll" forwarding request on this
	// interval in addition to event-driven ones.
	Poll time.Duration
	// QuitWhenSent implements spec.md §4.8's "quitWhenSent": when a
	// forwarding run finishes with nothing left in the spool, Done is
	// closed so the owning process can exit its event loop.
	QuitWhenSent bool

	mu       sync.Mutex
	running  bool
	pending  bool
	reason   string
	listenAddrs []listenerSpec
	smtpEnabled bool

	done     chan struct{}
	doneOnce sync.Once
}

// New builds a Unit. Callers populate Server/Forwarder/Admin/Monitor/DNSBL
// themselves (each has its own construction story: TLS certs, secrets
// files, filter specs) and then call Listen/ListenAndServe.
func New(name string, st *store.Store, srv *smtpsrv.Server, fwd *forwarder.Client) *Unit {
	return &Unit{
		Name:        name,
		Store:       st,
		Server:      srv,
		Forwarder:   fwd,
		smtpEnabled: true,
		done:        make(chan struct{}),
	}
}

// Listen binds addr for mode, consulting DNSBL (if configured) before
// handing a connection to Server. Addresses are remembered so a later
// "smtp disable" + "smtp enable" admin cycle can reopen the same sockets.
func (u *Unit) Listen(addr string, mode smtpsrv.SocketMode) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if u.DNSBL != nil {
		l = &filteringListener{Listener: l, checker: u.DNSBL, monitor: u.Monitor}
	}
	u.Server.AddListener(l, mode)
	if u.Monitor != nil {
		u.Monitor.ListenerAdded()
	}

	u.mu.Lock()
	u.listenAddrs = append(u.listenAddrs, listenerSpec{addr: addr, mode: mode})
	u.mu.Unlock()
	return nil
}

// Start runs the Unit's server, admin interface and forwarding loop. It
// does not block; Done reports when QuitWhenSent has fired.
func (u *Unit) Start(ctx context.Context) {
	u.Server.ListenAndServe()

	if u.Admin != nil {
		go func() {
			if err := u.Admin.ListenAndServe(u.AdminAddr); err != nil {
				log.Errorf("unit %s: admin server: %v", u.Name, err)
			}
		}()
	}

	token, ch := u.Store.Subscribe()
	go func() {
		defer u.Store.Unsubscribe(token)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				u.Request("rescan")
			}
		}
	}()

	if u.Poll > 0 {
		go func() {
			t := time.NewTicker(u.Poll)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					u.Request("poll")
				}
			}
		}()
	}

	u.Request("startup")
}

// Done is closed once a forwarding run finishes with an empty spool while
// QuitWhenSent is set.
func (u *Unit) Done() <-chan struct{} { return u.done }

// ConnectionClosed drives the "disconnect" event (spec.md §4.8); wire it
// into smtpsrv.Config.OnDisconnect for --forward-on-disconnect.
func (u *Unit) ConnectionClosed() { u.Request("disconnect") }

// Request implements the requested→running/pending transition: if the
// forwarding client is free, a run starts immediately; if one is already
// running, this request is remembered and re-fires once that run ends.
// Reason strings are preserved for observability (spec.md §4.8), surfaced
// through State for the admin "status" command.
func (u *Unit) Request(reason string) {
	u.mu.Lock()
	u.reason = reason
	if u.running {
		u.pending = true
		u.mu.Unlock()
		return
	}
	u.running = true
	u.mu.Unlock()

	go u.runForwarding(reason)
}

func (u *Unit) runForwarding(reason string) {
	if u.Monitor != nil {
		u.Monitor.ForwardRunStarted()
	}
	if u.Admin != nil {
		u.Admin.Notify("out: start")
	}

	remaining, err := u.forwardAll()
	if err != nil {
		log.Errorf("unit %s: forwarding run (%s): %v", u.Name, reason, err)
	}

	if u.Admin != nil {
		u.Admin.Notify("out: end")
	}

	u.mu.Lock()
	again := u.pending
	u.pending = false
	u.running = false
	u.mu.Unlock()

	if again {
		u.Request("pending")
		return
	}
	if u.QuitWhenSent && remaining == 0 {
		u.doneOnce.Do(func() { close(u.done) })
	}
}

// forwardAll drains the spool once: every committed message is read,
// delivered via Forwarder (resolving its recipient domains), and either
// removed (fully delivered), marked failed (permanent failure) or left in
// place (transient failure, retried on the next run). It returns the
// number of messages still in the spool when it returns.
func (u *Unit) forwardAll() (int, error) {
	ids, err := u.Store.Scan()
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := u.forwardOne(id); err != nil {
			log.Errorf("unit %s: forwarding %s: %v", u.Name, id, err)
		}
	}

	remaining, err := u.Store.Scan()
	if err != nil {
		return 0, err
	}
	return len(remaining), nil
}

// forwardOne delivers one message's remote recipients, grouped by domain
// (or routed through Forwarder.SmartHost if configured), per spec.md §4.4.
// Local recipients are expected to already have been consumed by a
// deliver:/copy: filter at commit time (internal/filter.DeliveryFilter);
// any left over here are reported as permanently undeliverable, since this
// Unit has no other way to reach a local mailbox.
func (u *Unit) forwardOne(id string) error {
	env, content, err := u.Store.Read(id)
	if err != nil {
		return err
	}

	if len(env.ToRemote) == 0 {
		if len(env.ToLocal) > 0 {
			return u.Store.FailWithReason(id, "no local delivery configured for remaining recipients")
		}
		return u.Store.Remove(id)
	}

	byDomain := map[string][]string{}
	for _, addr := range env.ToRemote {
		domain := envelope.DomainOf(addr)
		byDomain[domain] = append(byDomain[domain], addr)
	}

	var anyPermanent bool
	var lastErr error
	for domain, to := range byDomain {
		out := u.Forwarder.Deliver(context.Background(), domain, env.From(), env.FromAuthenticationOut, to, content, env.Body)
		if u.Monitor != nil {
			result := "delivered"
			if !out.Delivered {
				result = "failed"
			}
			u.Monitor.DeliveryCompleted(result)
		}
		if out.Delivered {
			continue
		}
		lastErr = out.Err
		if out.Permanent {
			anyPermanent = true
		}
	}

	if lastErr == nil {
		return u.Store.Remove(id)
	}
	if anyPermanent {
		return u.Store.FailWithReason(id, lastErr.Error())
	}
	// Transient: leave the message in place for the next run.
	return nil
}

// State reports the Unit's current forwarding state and the reason that
// produced it, for the admin "status" command.
func (u *Unit) State() (State, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch {
	case u.running && u.pending:
		return Pending, u.reason
	case u.running:
		return Running, u.reason
	default:
		return Idle, u.reason
	}
}

// Handlers builds the admin.Handlers wiring for this Unit, to be passed to
// admin.New. Grounded on spec.md §4.9's exact command table.
func (u *Unit) Handlers() admin.Handlers {
	return admin.Handlers{
		Status:      u.adminStatus,
		List:        u.Store.Scan,
		Failures:    u.Store.Failures,
		UnfailAll:   u.Store.UnfailAll,
		Flush:       func() error { u.Request("admin"); return nil },
		Forward:     func() error { u.Request("admin"); return nil },
		DNSBLStart:  u.dnsblStart,
		DNSBLStop:   u.dnsblStop,
		SMTPEnable:  u.smtpEnable,
		SMTPDisable: u.smtpDisable,
		Info:        u.adminInfo,
	}
}

func (u *Unit) adminStatus() string {
	state, reason := u.State()
	s := fmt.Sprintf("unit: %s\nstate: %s\nreason: %s\n", u.Name, state, reason)
	if u.Monitor != nil {
		s += u.Monitor.Status()
	}
	return s
}

func (u *Unit) dnsblStart() {
	if u.DNSBL != nil {
		u.DNSBL.Start()
	}
}

func (u *Unit) dnsblStop() {
	if u.DNSBL != nil {
		u.DNSBL.Stop()
	}
}

// smtpDisable closes every listener Listen opened, stopping new SMTP
// connections without tearing down the Unit's other components.
func (u *Unit) smtpDisable() {
	u.mu.Lock()
	u.smtpEnabled = false
	u.mu.Unlock()
	u.Server.Close()
}

// smtpEnable reopens the listeners closed by smtpDisable.
func (u *Unit) smtpEnable() {
	u.mu.Lock()
	if u.smtpEnabled {
		u.mu.Unlock()
		return
	}
	specs := append([]listenerSpec(nil), u.listenAddrs...)
	u.smtpEnabled = true
	u.listenAddrs = nil
	u.mu.Unlock()

	for _, spec := range specs {
		if err := u.Listen(spec.addr, spec.mode); err != nil {
			log.Errorf("unit %s: re-listening on %s: %v", u.Name, spec.addr, err)
		}
	}
	u.Server.ListenAndServe()
}

func (u *Unit) adminInfo(key string) (string, bool) {
	switch key {
	case "name":
		return u.Name, true
	case "spool-dir":
		return u.Store.Dir(), true
	default:
		return "", false
	}
}

// filteringListener wraps a net.Listener, refusing connections from peers
// DNSBL reports as blocked before they ever reach smtpsrv. Grounded on the
// same "wrap net.Listener" shape chasquid's internal/systemd uses for
// socket-activated listeners, applied here to an accept-time policy check
// instead of fd provenance.
type filteringListener struct {
	net.Listener
	checker *dnsbl.Checker
	monitor *monitor.Monitor
}

func (l *filteringListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr != nil {
			return conn, nil
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return conn, nil
		}

		blocked, hits, err := l.checker.Check(context.Background(), ip)
		if err != nil {
			log.Errorf("dnsbl: checking %s: %v", ip, err)
			return conn, nil
		}
		if !blocked {
			return conn, nil
		}

		log.Infof("dnsbl: refusing %s (%v)", ip, hits)
		if l.monitor != nil {
			l.monitor.MessageRejected("dnsbl")
		}
		conn.Close()
	}
}
