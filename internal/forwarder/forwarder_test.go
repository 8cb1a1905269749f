package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/corvid-mail/corvid/internal/store"
	"github.com/corvid-mail/corvid/internal/testlib"
)

// fakeServer is a response-keyed stand-in for a remote SMTP peer, grounded
// on chasquid's internal/courier/smtp_test.go FakeServer: it replies to
// each received line by looking it up in a canned table, with special
// handling for the banner, STARTTLS and DATA's trailing dot-terminated
// block.
type fakeServer struct {
	t         *testing.T
	responses map[string]string
	addr      string
	tlsConfig *tls.Config
	wg        sync.WaitGroup
}

func newFakeServer(t *testing.T, responses map[string]string) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t, responses: responses}
	s.start()
	return s
}

func (s *fakeServer) start() {
	s.t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.t.Fatalf("fake server listen: %v", err)
	}
	s.addr = l.Addr().String()

	if _, ok := s.responses["_STARTTLS"]; ok {
		dir := testlib.MustTempDir(s.t)
		s.t.Cleanup(func() { testlib.RemoveIfOk(s.t, dir) })
		cfg, err := testlib.GenerateCert(dir)
		if err != nil {
			s.t.Fatalf("GenerateCert: %v", err)
		}
		s.tlsConfig = cfg
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer l.Close()

		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := textproto.NewReader(bufio.NewReader(c))
		c.Write([]byte(s.responses["_welcome"]))

		for {
			line, err := r.ReadLine()
			if err != nil {
				return
			}

			if line == "STARTTLS" && s.responses["_STARTTLS"] == "ok" {
				c.Write([]byte(s.responses["STARTTLS"]))
				tlsSrv := tls.Server(c, s.tlsConfig)
				if err := tlsSrv.Handshake(); err != nil {
					return
				}
				c = tlsSrv
				defer c.Close()
				r = textproto.NewReader(bufio.NewReader(c))
				continue
			}

			c.Write([]byte(s.responses[line]))
			if line == "DATA" {
				if _, err := r.ReadDotBytes(); err != nil {
					return
				}
				c.Write([]byte(s.responses["_DATA"]))
			}
		}
	}()
}

func (s *fakeServer) wait() { s.wg.Wait() }

func withTestMX(t *testing.T, hosts map[string][]string) {
	t.Helper()
	saved := lookupMX
	lookupMX = func(name string) ([]*net.MX, error) {
		if mxs, ok := hosts[name]; ok {
			records := make([]*net.MX, len(mxs))
			for i, h := range mxs {
				records[i] = &net.MX{Host: h, Pref: uint16(i)}
			}
			return records, nil
		}
		return nil, &net.DNSError{IsNotFound: true}
	}
	t.Cleanup(func() { lookupMX = saved })
}

func TestDeliverSuccess(t *testing.T) {
	responses := map[string]string{
		"_welcome":           "220 welcome\r\n",
		"EHLO hello":         "250 ehlo ok\r\n",
		"MAIL FROM:<me@me>":  "250 mail ok\r\n",
		"RCPT TO:<to@there>": "250 rcpt ok\r\n",
		"DATA":               "354 send data\r\n",
		"_DATA":              "250 data ok\r\n",
		"QUIT":               "250 quit ok\r\n",
	}
	srv := newFakeServer(t, responses)

	host, _, _ := net.SplitHostPort(srv.addr)
	withTestMX(t, map[string][]string{"there": {host}})
	withDialer(t, map[string]string{host: srv.addr})

	c := &Client{HelloDomain: "hello"}
	out := c.Deliver(context.Background(), "there", "me@me", "", []string{"to@there"}, []byte("hello\r\n"), store.Body7Bit)
	if !out.Delivered {
		t.Fatalf("Deliver failed: %+v err=%v", out, out.Err)
	}
	if len(out.Recipients) != 1 || !out.Recipients[0].Accepted {
		t.Fatalf("recipients = %+v", out.Recipients)
	}

	srv.wait()
}

func TestDeliverTriesNextHostOnTransientFailure(t *testing.T) {
	responses := map[string]string{
		"_welcome":           "220 welcome\r\n",
		"EHLO hello":         "250 ehlo ok\r\n",
		"MAIL FROM:<me@me>":  "250 mail ok\r\n",
		"RCPT TO:<to@there>": "250 rcpt ok\r\n",
		"DATA":               "354 send data\r\n",
		"_DATA":              "250 data ok\r\n",
		"QUIT":               "250 quit ok\r\n",
	}
	srv := newFakeServer(t, responses)
	host, _, _ := net.SplitHostPort(srv.addr)

	withTestMX(t, map[string][]string{"there": {"unreachable.invalid", host}})
	withDialer(t, map[string]string{host: srv.addr})

	c := &Client{HelloDomain: "hello"}
	out := c.Deliver(context.Background(), "there", "me@me", "", []string{"to@there"}, []byte("hello\r\n"), store.Body7Bit)
	if !out.Delivered {
		t.Fatalf("Deliver failed: %+v err=%v", out, out.Err)
	}

	srv.wait()
}

func TestDeliverRcptRejectedIsAbandoned(t *testing.T) {
	responses := map[string]string{
		"_welcome":           "220 welcome\r\n",
		"EHLO hello":         "250 ehlo ok\r\n",
		"MAIL FROM:<me@me>":  "250 mail ok\r\n",
		"RCPT TO:<to@there>": "550 no such user\r\n",
	}
	srv := newFakeServer(t, responses)
	host, _, _ := net.SplitHostPort(srv.addr)
	withTestMX(t, map[string][]string{"there": {host}})
	withDialer(t, map[string]string{host: srv.addr})

	c := &Client{HelloDomain: "hello"}
	out := c.Deliver(context.Background(), "there", "me@me", "", []string{"to@there"}, []byte("hello\r\n"), store.Body7Bit)
	if out.Delivered {
		t.Fatalf("expected delivery to be abandoned, got %+v", out)
	}
	if !out.Permanent {
		t.Fatalf("expected a permanent failure, got %+v err=%v", out, out.Err)
	}

	srv.wait()
}

func TestDotStuff(t *testing.T) {
	in := []byte("one\r\n.two\r\nthree\r\n")
	out := dotStuff(in)
	want := "one\r\n..two\r\nthree\r\n.\r\n"
	if string(out) != want {
		t.Fatalf("dotStuff = %q, want %q", out, want)
	}
}

// withDialer redirects dialTimeout so each configured MX host connects to
// its mapped test address instead of the real network; any host absent
// from the map fails to connect, letting tests exercise the
// try-the-next-host fallback in Deliver.
func withDialer(t *testing.T, hostAddrs map[string]string) {
	t.Helper()
	saved := dialTimeout
	dialTimeout = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		real, ok := hostAddrs[host]
		if !ok {
			return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("no route to %s in test", host)}
		}
		return net.DialTimeout(network, real, timeout)
	}
	t.Cleanup(func() { dialTimeout = saved })
}
