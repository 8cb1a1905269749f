package smtpsrv

import (
	"crypto/tls"
	"net"

	"blitiri.com.ar/go/log"
	"github.com/corvid-mail/corvid/internal/maillog"
)

// Server accepts connections on one or more listening sockets and spawns a
// Conn for each, sharing a single Config across all of them. The Unit
// (spec.md §4.8) that owns a Server builds its Config once, from the
// fully-parsed configuration, and never mutates it afterward; reloadable
// state (secrets, local domains) lives behind the pointers Config holds, not
// in Server itself.
type Server struct {
	cfg *Config

	listeners map[SocketMode][]net.Listener
}

// NewServer returns a Server that will use cfg for every accepted
// connection. cfg.TLSConfig, if set, is used both for STARTTLS on
// ModeSMTP/ModeSubmission and for wrapping ModeSubmissionTLS listeners.
func NewServer(cfg *Config) *Server {
	return &Server{
		cfg:       cfg,
		listeners: map[SocketMode][]net.Listener{},
	}
}

// AddListener registers an already-bound listener (e.g. from systemd socket
// activation, or a plain net.Listen call made by the caller) to be served in
// the given mode.
func (s *Server) AddListener(l net.Listener, mode SocketMode) {
	s.listeners[mode] = append(s.listeners[mode], l)
}

// Close closes every listener registered so far (via AddListener or
// Listen), stopping their accept loops; already-accepted connections are
// left running. Used by the admin "smtp disable" command (spec.md §4.9) to
// stop taking new mail without tearing down the whole Unit.
func (s *Server) Close() error {
	var firstErr error
	for mode, ls := range s.listeners {
		for _, l := range ls {
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(s.listeners, mode)
	}
	return firstErr
}

// Listen binds addr and registers the resulting listener for mode. It is a
// convenience wrapper around net.Listen + AddListener for callers that don't
// need systemd activation.
func (s *Server) Listen(addr string, mode SocketMode) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.AddListener(l, mode)
	return nil
}

// ListenAndServe runs every registered listener's accept loop in its own
// goroutine and returns once all of them have been started; it does not
// block. Callers that want ListenAndServe to block until the server is
// asked to stop should select on a context or signal channel themselves
// (spec.md §4.8 leaves process lifetime to the Unit, not to smtpsrv).
func (s *Server) ListenAndServe() {
	for mode, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("smtpsrv: listening on %s (%v)", l.Addr(), mode)
			if s.cfg.MailLog != nil {
				s.cfg.MailLog.Listening(l.Addr().String())
			} else {
				maillog.Listening(l.Addr().String())
			}
			go s.serve(l, mode)
		}
	}
}

// serve runs l's accept loop, handing each connection to a new Conn. It
// returns only when Accept fails permanently (e.g. the listener was
// closed), logging the reason.
func (s *Server) serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		if s.cfg.TLSConfig == nil {
			log.Errorf("smtpsrv: %s requires TLSConfig, none configured; not serving", mode)
			return
		}
		l = tls.NewListener(l, s.cfg.TLSConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Errorf("smtpsrv: accept on %s: %v", l.Addr(), err)
			return
		}

		sc := newConn(conn, s.cfg, mode)
		go sc.Handle()
	}
}
