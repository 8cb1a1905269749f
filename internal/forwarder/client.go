// Package forwarder implements corvid's SMTP client protocol: the outgoing
// half of a relay, which resolves a remote domain to a Location (an ordered
// host list), connects, negotiates STARTTLS/AUTH and delivers one spooled
// message per spec.md §4.4. Grounded on chasquid's
// internal/courier/smtp.go for the connect/EHLO/STARTTLS/retry shape, but
// adapted to spec.md's own state machine (cConnect..cQuit), its distinct
// timeout classes, its must_accept_all_recipients/forward_to_some RCPT
// policy, and BDAT/CHUNKING support that chasquid's courier never needed.
package forwarder

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-mail/corvid/internal/envelope"
	"github.com/corvid-mail/corvid/internal/sasl"
	"github.com/corvid-mail/corvid/internal/secrets"
	"github.com/corvid-mail/corvid/internal/store"
)

// dialTimeout is net.DialTimeout by default; tests override it so the fake
// server can be reached without a real port-25 listener or DNS lookup.
var dialTimeout = net.DialTimeout

// defaultMechPreference is the order cAuth tries client mechanisms in,
// per spec.md §4.4: "CRAM-SHA256 > CRAM-SHA1 > CRAM-MD5 > PLAIN > LOGIN
// unless restricted".
var defaultMechPreference = []string{
	sasl.CramSHA256, sasl.CramSHA1, sasl.CramMD5, sasl.Plain, sasl.Login,
}

// RecipientPolicy controls how cRcpt's per-recipient results decide whether
// the transaction proceeds to DATA/BDAT, per spec.md §4.4 "cRcpt policy".
type RecipientPolicy int

const (
	// MustAcceptAll means any non-2xx RCPT reply abandons the whole message.
	MustAcceptAll RecipientPolicy = iota
	// ForwardToSome means at least one 2xx is enough; the rest are recorded
	// as not-forwarded-to but don't block delivery to the others.
	ForwardToSome
)

// Client delivers spooled messages to remote domains over outgoing SMTP.
// One Client is shared across every delivery attempt a Unit makes; it holds
// no per-message state.
type Client struct {
	// HelloDomain is sent in EHLO/HELO.
	HelloDomain string

	// TLSConfig enables STARTTLS when non-nil; ServerName is overwritten
	// per-attempt with the MX host being tried.
	TLSConfig *tls.Config
	// RequireTLS aborts (as a transient failure, so the message is retried
	// once the peer or network condition improves) delivery attempts that
	// can't negotiate TLS.
	RequireTLS bool

	// Secrets backs cAuth; nil disables client authentication entirely.
	Secrets *secrets.Store
	// AuthMechs restricts which mechanisms cAuth will offer, in preference
	// order; nil/empty means defaultMechPreference.
	AuthMechs []string

	// Pipelining allows MAIL and all RCPTs to be written as one batch when
	// the peer advertises PIPELINING, per spec.md §4.4 "Pipelining (client)";
	// DATA/BDAT is sent only after their replies have been read.
	Pipelining bool
	// EightBitStrict rejects 8bit/binarymime messages locally, without
	// attempting delivery, when the peer lacks 8BITMIME.
	EightBitStrict bool
	// RecipientPolicy governs cRcpt's accept-some-vs-accept-all behavior.
	RecipientPolicy RecipientPolicy

	// Timeout classes, per spec.md §4.4 "Timeouts". Zero means a sane
	// built-in default (see the per-class accessors and orDefault below).
	ConnTimeout       time.Duration
	SecureConnTimeout time.Duration
	ResponseTimeout   time.Duration
	ReadyTimeout      time.Duration

	// SmartHost, if set (spec.md §6 "--forward-to <host:port>"), routes
	// every Deliver call to this single host:port instead of resolving the
	// recipient domain's MX records.
	SmartHost string
}

func (c *Client) connTimeout() time.Duration       { return orDefault(c.ConnTimeout, time.Minute) }
func (c *Client) secureConnTimeout() time.Duration { return orDefault(c.SecureConnTimeout, time.Minute) }
func (c *Client) responseTimeout() time.Duration   { return orDefault(c.ResponseTimeout, 5*time.Minute) }
func (c *Client) readyTimeout() time.Duration      { return orDefault(c.ReadyTimeout, 30*time.Second) }

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// RecipientResult is one recipient's outcome within a delivery attempt.
type RecipientResult struct {
	Address   string
	Accepted  bool
	Permanent bool
	Reply     string
}

// Outcome is the result of one Deliver call: either the message was handed
// off (Delivered), abandoned with a reason (Err, Permanent), or every MX
// candidate failed transiently (Err set, Permanent false).
type Outcome struct {
	Delivered  bool
	Recipients []RecipientResult
	Err        error
	Permanent  bool
	Host       string // the MX host the successful (or last) attempt used
}

// Deliver resolves domain to a Location and tries each candidate host in
// turn, per spec.md §4.4 "cConnect ... On fail, try next address." The
// first host that completes the transaction (successfully or with a
// permanent per-message failure) ends the loop; transient failures fall
// through to the next host.
func (c *Client) Deliver(ctx context.Context, domain, from, authOut string, to []string, data []byte, body store.BodyKind) Outcome {
	hosts := []string{c.SmartHost}
	if c.SmartHost == "" {
		var err error
		hosts, err = Location(domain)
		if err != nil || len(hosts) == 0 {
			return Outcome{Err: fmt.Errorf("forwarder: could not find mail server for %q: %v", domain, err), Permanent: true}
		}
	}

	var lastErr error
	for _, host := range hosts {
		out := c.attempt(ctx, host, from, authOut, to, data, body)
		out.Host = host
		if out.Err == nil || out.Permanent {
			return out
		}
		lastErr = out.Err
	}
	return Outcome{Err: fmt.Errorf("forwarder: all MXs for %q failed transiently (last: %v)", domain, lastErr)}
}

// attempt runs the full cConnect..cQuit state machine against one host.
// host is either a bare MX hostname (port 25 is assumed) or, when routing
// through SmartHost, a "host:port" pair.
func (c *Client) attempt(ctx context.Context, host, from, authOut string, to []string, data []byte, body store.BodyKind) Outcome {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "25")
	}
	conn, err := dialTimeout("tcp", addr, c.connTimeout())
	if err != nil {
		return Outcome{Err: err}
	}
	defer conn.Close()

	w := &wire{conn: conn, br: bufio.NewReader(conn)}

	conn.SetReadDeadline(time.Now().Add(c.readyTimeout()))
	if _, err := w.readReply(); err != nil {
		if !isTimeout(err) {
			return Outcome{Err: err}
		}
		// Banner timed out: spec.md §4.4 says proceed anyway.
	}

	caps, err := c.ehlo(w, host)
	if err != nil {
		return Outcome{Err: err}
	}

	onTLS := false
	if c.TLSConfig != nil {
		if _, ok := caps["STARTTLS"]; ok {
			tlsConn, terr := c.startTLS(w, host)
			if terr != nil {
				if c.RequireTLS {
					return Outcome{Err: fmt.Errorf("forwarder: TLS required but failed: %w", terr)}
				}
				// Continue without TLS, per spec.md §4.4 "else continue".
			} else {
				conn = tlsConn
				w = &wire{conn: conn, br: bufio.NewReader(conn)}
				onTLS = true
				caps, err = c.ehlo(w, host)
				if err != nil {
					return Outcome{Err: err}
				}
			}
		} else if c.RequireTLS {
			return Outcome{Err: fmt.Errorf("forwarder: peer %s does not support STARTTLS", host)}
		}
	}

	if (body == store.Body8BitMime || body == store.BodyBinaryMime) && c.EightBitStrict {
		if _, ok := caps["8BITMIME"]; !ok {
			return Outcome{Err: fmt.Errorf("forwarder: message is 8bit but %s lacks 8BITMIME", host), Permanent: true}
		}
	}

	if c.Secrets != nil {
		if err := c.auth(w, caps, onTLS, from, authOut); err != nil {
			return Outcome{Err: fmt.Errorf("forwarder: authentication to %s failed: %w", host, err), Permanent: true}
		}
	}

	recipients, sendErr := c.mailAndRcpt(w, caps, from, to)
	if sendErr != nil {
		return Outcome{Err: sendErr}
	}

	accepted := make([]string, 0, len(to))
	anyPermanent, anyTemporary := false, false
	for _, r := range recipients {
		if r.Accepted {
			accepted = append(accepted, r.Address)
		} else if r.Permanent {
			anyPermanent = true
		} else {
			anyTemporary = true
		}
	}

	needAll := c.RecipientPolicy == MustAcceptAll
	if len(accepted) == 0 || (needAll && len(accepted) != len(to)) {
		w.writeLine("QUIT")
		w.readReply()
		perm := anyPermanent && !anyTemporary
		return Outcome{Recipients: recipients, Err: fmt.Errorf("forwarder: no acceptable recipients at %s", host), Permanent: perm}
	}

	useChunking := body == store.BodyBinaryMime
	if _, ok := caps["CHUNKING"]; !ok {
		useChunking = false
	}

	var dataErr reply
	if useChunking {
		dataErr, err = c.sendBDAT(w, data)
	} else {
		dataErr, err = c.sendDATA(w, data)
	}
	if err != nil {
		return Outcome{Recipients: recipients, Err: err}
	}

	w.writeLine("QUIT")
	w.readReply()

	if !dataErr.ok() {
		return Outcome{Recipients: recipients, Err: dataErr, Permanent: dataErr.Permanent()}
	}

	return Outcome{Delivered: true, Recipients: recipients}
}

func (c *Client) ehlo(w *wire, host string) (map[string][]string, error) {
	if err := w.writeLinef("EHLO %s", c.HelloDomain); err != nil {
		return nil, err
	}
	conn := w.conn
	conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	lines, r, err := w.readMultiReply()
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, r
	}
	caps := map[string][]string{}
	for _, l := range lines[1:] {
		fields := strings.Fields(l)
		if len(fields) == 0 {
			continue
		}
		caps[strings.ToUpper(fields[0])] = fields[1:]
	}
	return caps, nil
}

func (c *Client) startTLS(w *wire, host string) (net.Conn, error) {
	if err := w.writeLine("STARTTLS"); err != nil {
		return nil, err
	}
	w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	r, err := w.readReply()
	if err != nil {
		return nil, err
	}
	if !r.ok() {
		return nil, r
	}

	cfg := c.TLSConfig.Clone()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	cfg.ServerName = host
	tlsConn := tls.Client(w.conn, cfg)
	tlsConn.SetDeadline(time.Now().Add(c.secureConnTimeout()))
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// pickMech chooses the highest-preference mechanism both this Client and
// the peer support, restricting PLAIN/LOGIN to an already-TLS connection
// exactly as the server side does (internal/sasl.AllowedMechs).
func (c *Client) pickMech(advertised []string, onTLS bool) string {
	pref := c.AuthMechs
	if len(pref) == 0 {
		pref = defaultMechPreference
	}
	offered := map[string]bool{}
	for _, m := range advertised {
		offered[strings.ToUpper(m)] = true
	}
	for _, m := range sasl.AllowedMechs(pref, onTLS) {
		if offered[m] {
			return m
		}
	}
	return ""
}

func (c *Client) auth(w *wire, caps map[string][]string, onTLS bool, from, authOut string) error {
	mech := c.pickMech(caps["AUTH"], onTLS)
	if mech == "" {
		return nil
	}

	id := authOut
	if id == "" {
		id = from
	}
	secret, ok := c.Secrets.ClientSecret(strings.ToLower(mech), id)
	if !ok {
		return nil
	}

	switch mech {
	case sasl.Plain:
		user, _ := envelope.Split(id)
		resp := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + secret))
		if err := w.writeLinef("AUTH PLAIN %s", resp); err != nil {
			return err
		}
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err := w.readReply()
		if err != nil {
			return err
		}
		if !r.ok() {
			return r
		}
		return nil
	case sasl.Login:
		user, _ := envelope.Split(id)
		if err := w.writeLine("AUTH LOGIN"); err != nil {
			return err
		}
		if err := c.expectPromptAndSend(w, base64.StdEncoding.EncodeToString([]byte(user))); err != nil {
			return err
		}
		if err := c.expectPromptAndSend(w, base64.StdEncoding.EncodeToString([]byte(secret))); err != nil {
			return err
		}
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err := w.readReply()
		if err != nil {
			return err
		}
		if !r.ok() {
			return r
		}
		return nil
	default: // CRAM-*
		user, _ := envelope.Split(id)
		if err := w.writeLinef("AUTH %s", mech); err != nil {
			return err
		}
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err := w.readReply()
		if err != nil {
			return err
		}
		if r.Code != 334 {
			return r
		}
		challenge, derr := base64.StdEncoding.DecodeString(r.Msg)
		if derr != nil {
			return derr
		}
		digest := sasl.ComputeCRAMDigest(mech, secret, string(challenge))
		resp := base64.StdEncoding.EncodeToString([]byte(user + " " + digest))
		if err := w.writeLine(resp); err != nil {
			return err
		}
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err = w.readReply()
		if err != nil {
			return err
		}
		if !r.ok() {
			return r
		}
		return nil
	}
}

// expectPromptAndSend reads a 334 continuation and replies with resp.
func (c *Client) expectPromptAndSend(w *wire, resp string) error {
	w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	r, err := w.readReply()
	if err != nil {
		return err
	}
	if r.Code != 334 {
		return r
	}
	return w.writeLine(resp)
}

// mailAndRcpt issues MAIL FROM followed by one RCPT TO per recipient,
// batching the writes ahead of the reads when PIPELINING is usable, per
// spec.md §4.4 "Pipelining (client)".
func (c *Client) mailAndRcpt(w *wire, caps map[string][]string, from string, to []string) ([]RecipientResult, error) {
	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", from)
	if _, ok := caps["8BITMIME"]; ok {
		mailCmd += " BODY=8BITMIME"
	}

	pipeline := c.Pipelining
	if _, ok := caps["PIPELINING"]; !ok {
		pipeline = false
	}

	cmds := make([]string, 0, len(to)+1)
	cmds = append(cmds, mailCmd)
	for _, addr := range to {
		cmds = append(cmds, fmt.Sprintf("RCPT TO:<%s>", addr))
	}

	if pipeline {
		for _, cmd := range cmds {
			if err := w.writeLine(cmd); err != nil {
				return nil, err
			}
		}
	} else {
		if err := w.writeLine(cmds[0]); err != nil {
			return nil, err
		}
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err := w.readReply()
		if err != nil {
			return nil, err
		}
		if !r.ok() {
			return nil, r
		}
	}

	if pipeline {
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		if _, err := w.readReply(); err != nil {
			return nil, err
		}
	}

	results := make([]RecipientResult, 0, len(to))
	for _, addr := range to {
		w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
		r, err := w.readReply()
		if err != nil {
			return nil, err
		}
		results = append(results, RecipientResult{
			Address:   addr,
			Accepted:  r.ok(),
			Permanent: r.Permanent(),
			Reply:     r.Error(),
		})
	}
	return results, nil
}

func (c *Client) sendDATA(w *wire, data []byte) (reply, error) {
	if err := w.writeLine("DATA"); err != nil {
		return reply{}, err
	}
	w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	r, err := w.readReply()
	if err != nil {
		return reply{}, err
	}
	if r.Code != 354 {
		return r, nil
	}

	if _, err := w.conn.Write(dotStuff(data)); err != nil {
		return reply{}, err
	}
	w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	return w.readReply()
}

func (c *Client) sendBDAT(w *wire, data []byte) (reply, error) {
	if err := w.writeLinef("BDAT %d LAST", len(data)); err != nil {
		return reply{}, err
	}
	if _, err := w.conn.Write(data); err != nil {
		return reply{}, err
	}
	w.conn.SetDeadline(time.Now().Add(c.responseTimeout()))
	return w.readReply()
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// dotStuff applies RFC 5321 §4.5.2 transparency to data before the
// terminating "CRLF.CRLF": a line beginning with '.' gets a second '.'
// prepended.
func dotStuff(data []byte) []byte {
	lines := strings.Split(string(data), "\r\n")
	var b strings.Builder
	for i, l := range lines {
		if i == len(lines)-1 && l == "" {
			break
		}
		if strings.HasPrefix(l, ".") {
			b.WriteByte('.')
		}
		b.WriteString(l)
		b.WriteString("\r\n")
	}
	b.WriteString(".\r\n")
	return []byte(b.String())
}

// wire is the minimal line-oriented transport cClient speaks over: reading
// and writing CRLF-terminated commands/replies, grounded on the same
// net/textproto primitives chasquid's internal/smtp/smtp.go builds on.
type wire struct {
	conn net.Conn
	br   *bufio.Reader
}

func (w *wire) writeLine(s string) error {
	_, err := fmt.Fprintf(w.conn, "%s\r\n", s)
	return err
}

func (w *wire) writeLinef(format string, args ...interface{}) error {
	return w.writeLine(fmt.Sprintf(format, args...))
}

// readReply reads a single (possibly multi-line) SMTP reply and returns its
// code and the text of its last line.
func (w *wire) readReply() (reply, error) {
	lines, r, err := w.readMultiReply()
	_ = lines
	return r, err
}

// readMultiReply reads every "code-text"/"code text" line of one reply,
// returning each line's text (without the code prefix) plus the parsed
// final line.
func (w *wire) readMultiReply() ([]string, reply, error) {
	tp := textproto.NewReader(w.br)
	var lines []string
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return lines, reply{}, err
		}
		if len(line) < 4 {
			return lines, reply{}, fmt.Errorf("forwarder: malformed reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return lines, reply{}, fmt.Errorf("forwarder: malformed reply code in %q", line)
		}
		sep := line[3]
		text := line[4:]
		lines = append(lines, text)
		if sep == ' ' {
			return lines, reply{Code: code, Msg: text}, nil
		}
		if sep != '-' {
			return lines, reply{}, fmt.Errorf("forwarder: malformed reply separator in %q", line)
		}
	}
}
