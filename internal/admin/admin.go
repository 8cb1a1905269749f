// Package admin implements corvid's admin interface (spec.md §4.9,
// Component M): a CRLF-framed, line-oriented command protocol for
// inspecting and controlling a running Unit. Grounded on chasquid's
// internal/localrpc for its accept-loop/per-connection-goroutine shape and
// its choice of net/textproto for line framing, but using spec.md's own
// plain command set (help/status/list/failures/unfail-all/pid/notify/
// flush/forward/dnsbl/smtp/info/terminate/quit) instead of localrpc's
// URL-values RPC encoding.
package admin

import (
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"sync"

	"blitiri.com.ar/go/log"
)

// maxErrors is spec.md §4.9's "after 30 errors the connection is dropped".
const maxErrors = 30

// Handlers wires the admin command set into whatever owns the Unit's
// components; a nil field disables that command ("error: ... not
// available") rather than panicking, so a Unit can expose a subset (e.g.
// omit Terminate on a process that hosts several Units).
type Handlers struct {
	Status      func() string
	List        func() ([]string, error)
	Failures    func() ([]string, error)
	UnfailAll   func() error
	Flush       func() error
	Forward     func() error
	DNSBLStart  func()
	DNSBLStop   func()
	SMTPEnable  func()
	SMTPDisable func()
	Info        func(key string) (string, bool)
	Terminate   func()
}

// Server accepts admin connections and dispatches each line to Handlers.
type Server struct {
	h Handlers

	mu   sync.Mutex
	lis  net.Listener
	subs map[*subscriber]struct{}
}

// subscriber is one connection that has issued "notify"; Notify pushes
// EVENT lines to every subscriber until its connection closes.
type subscriber struct {
	mu sync.Mutex
	w  *textproto.Writer
}

func (s *subscriber) push(event string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Push notifications are "prefixed by a CRLF" (spec.md §4.9): an empty
	// line separates them from whatever command/reply pair preceded them.
	s.w.PrintfLine("")
	s.w.PrintfLine("EVENT: %s", event)
}

// New builds a Server dispatching into h. Call ListenAndServe to start it.
func New(h Handlers) *Server {
	return &Server{h: h, subs: map[*subscriber]struct{}{}}
}

// ListenAndServe binds addr and serves admin connections until Accept
// fails (typically because Close was called).
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lis = l
	s.mu.Unlock()

	log.Infof("admin: listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

// Close stops accepting new admin connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

// Notify pushes event to every connection that has issued "notify", e.g.
// Notify("out: start") when a Unit's forwarding run begins.
func (s *Server) Notify(event string) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(event)
	}
}

func (s *Server) unsubscribe(sub *subscriber) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	tp := textproto.NewConn(conn)
	defer tp.Close()

	sub := &subscriber{w: &tp.Writer}
	defer s.unsubscribe(sub)

	errs := 0
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}

		reply, quit, unrecognised := s.dispatch(strings.TrimSpace(line), sub)

		sub.mu.Lock()
		werr := tp.PrintfLine("%s", reply)
		sub.mu.Unlock()
		if werr != nil {
			return
		}

		if unrecognised {
			errs++
			if errs >= maxErrors {
				return
			}
		}
		if quit {
			return
		}
	}
}

// dispatch runs one command line, returning its reply, whether the
// connection should close, and whether the input counted as an
// "unrecognised command" toward the 30-error drop threshold.
func (s *Server) dispatch(line string, sub *subscriber) (reply string, quit, unrecognised bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: unrecognised command", false, true
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help":
		return helpText, false, false
	case "status":
		if s.h.Status == nil {
			return "error: status not available", false, false
		}
		return s.h.Status(), false, false
	case "list":
		return s.ids("list", s.h.List)
	case "failures":
		return s.ids("failures", s.h.Failures)
	case "unfail-all":
		if s.h.UnfailAll == nil {
			return "error: unfail-all not available", false, false
		}
		if err := s.h.UnfailAll(); err != nil {
			return "error: " + err.Error(), false, false
		}
		return "", false, false
	case "pid":
		return strconv.Itoa(os.Getpid()), false, false
	case "notify":
		s.mu.Lock()
		s.subs[sub] = struct{}{}
		s.mu.Unlock()
		return "OK", false, false
	case "flush":
		if s.h.Flush == nil {
			return "error: flush not available", false, false
		}
		if err := s.h.Flush(); err != nil {
			return "error: " + err.Error(), false, false
		}
		return "OK", false, false
	case "forward":
		if s.h.Forward == nil {
			return "error: forward not available", false, false
		}
		if err := s.h.Forward(); err != nil {
			return "error: " + err.Error(), false, false
		}
		return "OK", false, false
	case "dnsbl":
		return s.toggle(args, "dnsbl", s.h.DNSBLStart, s.h.DNSBLStop)
	case "smtp":
		return s.enableDisable(args)
	case "info":
		if len(args) != 1 || s.h.Info == nil {
			return "error: usage: info <key>", false, false
		}
		v, ok := s.h.Info(args[0])
		if !ok {
			return "error: unknown key", false, false
		}
		return v, false, false
	case "terminate":
		if s.h.Terminate == nil {
			return "error: terminate not available", false, false
		}
		s.h.Terminate()
		return "OK", true, false
	case "quit":
		return "OK", true, false
	default:
		return "error: unrecognised command", false, true
	}
}

func (s *Server) ids(name string, fn func() ([]string, error)) (string, bool, bool) {
	if fn == nil {
		return "error: " + name + " not available", false, false
	}
	ids, err := fn()
	if err != nil {
		return "error: " + err.Error(), false, false
	}
	return strings.Join(ids, "\n"), false, false
}

func (s *Server) toggle(args []string, name string, start, stop func()) (string, bool, bool) {
	if len(args) == 0 {
		return "error: usage: " + name + " start|stop", false, false
	}
	switch args[0] {
	case "start":
		if start == nil {
			return "error: " + name + " not configured", false, false
		}
		start()
		return "OK", false, false
	case "stop":
		if stop == nil {
			return "error: " + name + " not configured", false, false
		}
		stop()
		return "OK", false, false
	default:
		return "error: usage: " + name + " start|stop", false, false
	}
}

func (s *Server) enableDisable(args []string) (string, bool, bool) {
	if len(args) == 0 {
		return "error: usage: smtp enable|disable", false, false
	}
	switch args[0] {
	case "enable":
		if s.h.SMTPEnable == nil {
			return "error: smtp control not configured", false, false
		}
		s.h.SMTPEnable()
		return "OK", false, false
	case "disable":
		if s.h.SMTPDisable == nil {
			return "error: smtp control not configured", false, false
		}
		s.h.SMTPDisable()
		return "OK", false, false
	default:
		return "error: usage: smtp enable|disable", false, false
	}
}

const helpText = "help                  this message\n" +
	"status                multi-line snapshot from Monitor\n" +
	"list                  message ids of committed messages\n" +
	"failures              message ids of failed messages\n" +
	"unfail-all            rename all *.envelope.bad back\n" +
	"pid                   process id\n" +
	"notify                subscribe this connection to push events\n" +
	"flush                 start a forwarding run now\n" +
	"forward               request one forwarding cycle\n" +
	"dnsbl start|stop      control dnsbl blocking\n" +
	"smtp enable|disable   control SMTP acceptance\n" +
	"info <key>            lookup from a predefined key/value map\n" +
	"terminate             quit the event loop\n" +
	"quit                  close this admin connection"
