package smtpsrv

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-mail/corvid/internal/envelope"
	"github.com/corvid-mail/corvid/internal/filter"
	"github.com/corvid-mail/corvid/internal/linebuf"
	"github.com/corvid-mail/corvid/internal/sasl"
	"github.com/corvid-mail/corvid/internal/store"
	"github.com/corvid-mail/corvid/internal/tlsconst"
	"github.com/corvid-mail/corvid/internal/trace"
)

const defaultMaxRecipients = 100

// errAuthFailed is returned by plainAuthenticate/cramAuthenticate to signal
// a credential mismatch, as distinct from a backing-store error.
var errAuthFailed = errors.New("smtpsrv: authentication failed")

// Conn represents one accepted SMTP connection and its session state
// (spec.md §3 "SMTP server session state").
type Conn struct {
	cfg  *Config
	mode SocketMode

	conn         net.Conn
	remoteAddr   net.Addr
	tlsConnState *tls.ConnectionState
	writer       *bufio.Writer
	buf          *linebuf.Buffer
	pending      []linebuf.Line

	tr *trace.Trace

	hostname   string
	ehloDomain string
	isESMTP    bool
	onTLS      bool

	completedAuth bool
	authUser      string
	authDomain    string
	authMech      string
	authErrCount  int

	w        *store.Writer
	mailFrom string
	rcptTo   []string
	utf8     bool
	bodyKind store.BodyKind

	deadline time.Time
}

// newConn builds a Conn for an accepted connection; cfg and mode are shared
// across every connection a Server accepts.
func newConn(c net.Conn, cfg *Config, mode SocketMode) *Conn {
	return &Conn{
		cfg:      cfg,
		mode:     mode,
		conn:     c,
		hostname: cfg.Hostname,
		onTLS:    mode.TLS,
		deadline: time.Now().Add(connTimeoutOrDefault(cfg)),
	}
}

func connTimeoutOrDefault(cfg *Config) time.Duration {
	if cfg.ConnTimeout > 0 {
		return cfg.ConnTimeout
	}
	return 20 * time.Minute
}

func commandTimeoutOrDefault(cfg *Config) time.Duration {
	if cfg.CommandTimeout > 0 {
		return cfg.CommandTimeout
	}
	return 1 * time.Minute
}

// Close the underlying connection.
func (c *Conn) Close() { c.conn.Close() }

// Handle runs the session's command loop until the peer disconnects, QUITs,
// or a fatal error/timeout closes the connection (spec.md §4.3).
func (c *Conn) Handle() {
	defer c.Close()
	if c.cfg.OnDisconnect != nil {
		defer c.cfg.OnDisconnect()
	}

	c.tr = trace.New("SMTP.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()

	c.conn.SetDeadline(time.Now().Add(commandTimeoutOrDefault(c.cfg)))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("TLS handshake: %v", err)
			return
		}
		state := tc.ConnectionState()
		c.tlsConnState = &state
		if name := state.ServerName; name != "" {
			c.hostname = name
		}
	}

	c.remoteAddr = c.conn.RemoteAddr()
	c.writer = bufio.NewWriter(c.conn)
	c.buf = linebuf.New(linebuf.Auto, bufMax(c.cfg.MaxDataSize))

	ident := c.cfg.Ident
	if ident == "" {
		ident = "corvidd"
	}
	if c.cfg.AnonymousServer {
		c.printfLine("220 %s ESMTP", c.hostname)
	} else {
		c.printfLine("220 %s ESMTP %s", c.hostname, ident)
	}

	var err error
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}
		c.conn.SetDeadline(time.Now().Add(commandTimeoutOrDefault(c.cfg)))

		var cmd, params string
		cmd, params, err = c.readCommand()
		if err != nil {
			c.writeResponse(554, "5.4.0 error reading command: "+err.Error())
			break
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		code, msg, quit := c.dispatch(cmd, params)
		if code > 0 {
			c.tr.Debugf("<- %d %s", code, msg)
			if code >= 400 {
				c.tr.Errorf("%s failed: %d %s", cmd, code, msg)
				c.authErrCount++
			}
			if werr := c.writeResponse(code, msg); werr != nil {
				err = werr
				break
			}
		}
		if quit {
			break
		}
		if c.authErrCount >= 3 {
			c.writeResponse(421, "4.5.0 too many errors, bye")
			break
		}
	}

	if err != nil && err != io.EOF {
		c.tr.Errorf("exiting with error: %v", err)
	}
}

func bufMax(maxDataSize int64) int64 {
	if maxDataSize <= 0 {
		return 0
	}
	if maxDataSize < 1000 {
		return 1000
	}
	return maxDataSize
}

// dispatch runs one command and returns the reply (code 0 means no reply,
// used by STARTTLS which writes its own intermediate response) and whether
// the connection should close after replying.
func (c *Conn) dispatch(cmd, params string) (code int, msg string, quit bool) {
	switch cmd {
	case "HELO":
		code, msg = c.HELO(params)
	case "EHLO":
		code, msg = c.EHLO(params)
	case "HELP":
		code, msg = 214, "2.0.0 at your service"
	case "NOOP":
		code, msg = 250, "2.0.0 ok"
	case "RSET":
		c.resetEnvelope()
		code, msg = 250, "2.0.0 ok"
	case "VRFY":
		if c.cfg.AnonymousVRFY {
			code, msg = 252, "2.1.5 cannot verify, try sending"
		} else {
			code, msg = 502, "5.5.1 VRFY not implemented"
		}
	case "EXPN":
		code, msg = 502, "5.5.1 EXPN not implemented"
	case "MAIL":
		code, msg = c.MAIL(params)
	case "RCPT":
		code, msg = c.RCPT(params)
	case "DATA":
		code, msg = c.DATA(params)
	case "BDAT":
		code, msg = c.BDAT(params)
	case "STARTTLS":
		code, msg = c.STARTTLS(params)
	case "AUTH":
		code, msg = c.AUTH(params)
	case "QUIT":
		c.writeResponse(221, "2.0.0 bye")
		return 0, "", true
	default:
		code, msg = 500, "5.5.1 unknown command"
	}
	return code, msg, false
}

// HELO command handler.
func (c *Conn) HELO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 HELO requires a domain argument"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.isESMTP = false
	return 250, c.hostname
}

// EHLO command handler; advertises the extension set per spec.md §4.3.
func (c *Conn) EHLO(params string) (int, string) {
	if strings.TrimSpace(params) == "" {
		return 501, "5.5.4 EHLO requires a domain argument"
	}
	c.ehloDomain = strings.Fields(params)[0]
	c.isESMTP = true
	c.resetEnvelope()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", c.hostname)
	fmt.Fprintf(&b, "SIZE %d\n", c.cfg.MaxDataSize)
	fmt.Fprintf(&b, "8BITMIME\n")
	if c.cfg.ChunkingEnabled {
		fmt.Fprintf(&b, "BINARYMIME\n")
		fmt.Fprintf(&b, "CHUNKING\n")
	}
	if c.cfg.SMTPUTF8Enabled {
		fmt.Fprintf(&b, "SMTPUTF8\n")
	}
	fmt.Fprintf(&b, "ENHANCEDSTATUSCODES\n")
	if c.cfg.PipeliningEnabled {
		fmt.Fprintf(&b, "PIPELINING\n")
	}
	if c.cfg.TLSConfig != nil && !c.onTLS {
		fmt.Fprintf(&b, "STARTTLS\n")
	}
	if mechs := c.allowedMechs(); len(mechs) > 0 {
		fmt.Fprintf(&b, "AUTH %s\n", strings.Join(mechs, " "))
	}
	return 250, strings.TrimRight(b.String(), "\n")
}

func (c *Conn) allowedMechs() []string {
	if c.cfg.Secrets == nil || len(c.cfg.AuthMechs) == 0 {
		return nil
	}
	return sasl.AllowedMechs(c.cfg.AuthMechs, c.onTLS)
}

// MAIL command handler (spec.md §4.3 "MAIL FROM").
func (c *Conn) MAIL(params string) (int, string) {
	if !strings.HasPrefix(strings.ToUpper(params), "FROM:") {
		return 500, "5.5.2 syntax error in parameters"
	}
	if c.cfg.Secrets != nil && !c.completedAuth {
		return 530, "5.7.0 authentication required"
	}
	if c.cfg.ServerTLSRequired && !c.onTLS {
		return 530, "5.7.0 must issue STARTTLS first"
	}

	rest := params[len("FROM:"):]
	rawAddr, paramStr := splitFirstToken(rest)

	c.resetEnvelope()

	size, bodyKind, authID, utf8, perr := parseMailParams(paramStr, c.cfg.ChunkingEnabled)
	if perr != "" {
		return 501, perr
	}
	if c.cfg.MaxDataSize > 0 && size > c.cfg.MaxDataSize {
		return 552, "5.3.4 message size exceeds fixed maximum"
	}
	if utf8 && !c.cfg.SMTPUTF8Enabled {
		return 501, "5.6.7 SMTPUTF8 not supported"
	}

	addr := ""
	if strings.ReplaceAll(rawAddr, " ", "") == "<>" {
		addr = ""
	} else {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 sender address malformed"
		}
		addr = e.Address
		if len(addr) > 256 {
			return 501, "5.1.7 sender address too long"
		}
	}

	fromLocal := envelope.DomainIn(addr, c.cfg.LocalDomains) && addr != ""
	c.w = c.cfg.Store.NewWriter(addr, fromLocal, authID, bodyKind)
	c.w.SetUTF8Mailboxes(utf8)
	c.mailFrom = addr
	c.bodyKind = bodyKind
	c.utf8 = utf8
	return 250, "2.1.5 ok"
}

// splitFirstToken splits "addr rest..." into its first space-delimited
// token and everything after, tolerating extra spaces before the address
// and before the parameters ("FROM: <a>  SIZE=10"). The address and its
// parameters must be separated by a space; "FROM:<a>SIZE=10" is not split.
func splitFirstToken(s string) (first, rest string) {
	s = strings.TrimLeft(s, " ")
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i+1:], " ")
}

// parseMailParams parses the MAIL FROM parameter list
// (SIZE=/BODY=/AUTH=/SMTPUTF8), per spec.md §4.3.
func parseMailParams(s string, chunkingEnabled bool) (size int64, body store.BodyKind, authID string, utf8 bool, errMsg string) {
	body = store.Body7Bit
	for _, tok := range strings.Fields(s) {
		kv := strings.SplitN(tok, "=", 2)
		key := strings.ToUpper(kv[0])
		val := ""
		if len(kv) == 2 {
			val = kv[1]
		}
		switch key {
		case "SIZE":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil || n < 0 {
				return 0, body, "", false, "5.5.4 malformed SIZE parameter"
			}
			size = n
		case "BODY":
			switch strings.ToUpper(val) {
			case "7BIT":
				body = store.Body7Bit
			case "8BITMIME":
				body = store.Body8BitMime
			case "BINARYMIME":
				if !chunkingEnabled {
					return 0, body, "", false, "5.5.4 BINARYMIME requires CHUNKING"
				}
				body = store.BodyBinaryMime
			default:
				return 0, body, "", false, "5.5.4 unknown BODY parameter"
			}
		case "AUTH":
			authID = xtextOrEmpty(val)
		case "SMTPUTF8":
			utf8 = true
		}
	}
	return size, body, authID, utf8, ""
}

func xtextOrEmpty(v string) string {
	if v == "<>" {
		return ""
	}
	return v
}

// RCPT command handler (spec.md §4.3 "RCPT TO").
func (c *Conn) RCPT(params string) (int, string) {
	if !strings.HasPrefix(strings.ToUpper(params), "TO:") {
		return 500, "5.5.2 syntax error in parameters"
	}
	if c.w == nil {
		return 503, "5.5.1 sender not yet given"
	}

	maxRcpt := c.cfg.MaxRecipients
	if maxRcpt <= 0 {
		maxRcpt = defaultMaxRecipients
	}
	if len(c.rcptTo) >= maxRcpt {
		return 452, "4.5.3 too many recipients"
	}

	rawAddr, _ := splitFirstToken(params[len("TO:"):])
	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 malformed destination address"
	}
	addr := e.Address
	if len(addr) > 256 {
		return 501, "5.1.3 destination address too long"
	}

	if c.cfg.Verifier == nil {
		c.w.AddTo(addr, envelope.DomainIn(addr, c.cfg.LocalDomains))
		c.rcptTo = append(c.rcptTo, addr)
		return 250, "2.1.5 ok"
	}

	ctx, cancel := context.WithTimeout(context.Background(), filterTimeout(c.cfg))
	defer cancel()
	status, verr := c.cfg.Verifier.Verify(ctx, addr)
	if verr != nil {
		c.tr.Errorf("verifier error for %q: %v", addr, verr)
		return 451, "4.3.0 temporary error checking address"
	}

	switch status.Kind {
	case filter.Local:
		dest := addr
		if status.Mailbox != "" {
			dest = status.Mailbox
		}
		c.w.AddTo(dest, true)
	case filter.Remote:
		dest := addr
		if status.RewrittenAddress != "" {
			dest = status.RewrittenAddress
		}
		c.w.AddTo(dest, false)
	case filter.Invalid:
		reason := status.Reason
		if reason == "" {
			reason = "destination address is invalid"
		}
		return 550, "5.1.1 " + reason
	case filter.VerifierTemporary:
		reason := status.Reason
		if reason == "" {
			reason = "temporary error checking address"
		}
		return 450, "4.3.0 " + reason
	case filter.Abort:
		c.writeResponse(451, "4.3.0 "+status.Reason)
		c.conn.Close()
		return 0, ""
	}

	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 ok"
}

func filterTimeout(cfg *Config) time.Duration {
	if cfg.FilterTimeout > 0 {
		return cfg.FilterTimeout
	}
	return 30 * time.Second
}

// DATA command handler: reads a dot-stuffed body and commits it
// (spec.md §4.3 "DATA").
func (c *Conn) DATA(params string) (int, string) {
	if c.w == nil || len(c.rcptTo) == 0 {
		return 503, "5.5.1 need MAIL and RCPT before DATA"
	}

	if err := c.writeResponse(354, "go ahead"); err != nil {
		return 0, ""
	}
	c.conn.SetDeadline(c.deadline)

	if _, err := c.w.ReserveID(); err != nil {
		return 451, "4.3.0 failed to reserve message id: " + err.Error()
	}
	c.addReceivedHeader()

	c.buf.SetDotStuffing(true)
	err := c.readBodyInto(func(line linebuf.Line) bool {
		if line.EndOfBody {
			return true
		}
		c.w.AddContentLine(line.Data)
		return false
	})
	if err != nil {
		if err == linebuf.ErrTooLarge {
			return 552, "5.3.4 message too big"
		}
		return 554, "5.4.0 error reading DATA: " + err.Error()
	}

	return c.commitAndRespond()
}

// BDAT command handler (spec.md §4.3 "BDAT n [LAST]").
func (c *Conn) BDAT(params string) (int, string) {
	if !c.cfg.ChunkingEnabled {
		return 500, "5.5.1 BDAT not supported"
	}
	if c.w == nil || len(c.rcptTo) == 0 {
		return 503, "5.5.1 need MAIL and RCPT before BDAT"
	}

	fields := strings.Fields(params)
	if len(fields) == 0 {
		return 501, "5.5.4 BDAT requires a chunk size"
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		return 501, "5.5.4 malformed BDAT chunk size"
	}
	last := len(fields) > 1 && strings.EqualFold(fields[1], "LAST")

	if c.w.ID() == "" {
		if _, err := c.w.ReserveID(); err != nil {
			return 451, "4.3.0 failed to reserve message id: " + err.Error()
		}
		c.addReceivedHeader()
	}

	c.conn.SetDeadline(c.deadline)
	if n > 0 {
		c.buf.Expect(n)
		err := c.readBodyInto(func(line linebuf.Line) bool {
			c.w.AddContentLine(line.Data)
			return true
		})
		if err != nil {
			if err == linebuf.ErrTooLarge {
				return 552, "5.3.4 message too big"
			}
			return 554, "5.4.0 error reading BDAT: " + err.Error()
		}
	}

	if !last {
		return 250, "2.0.0 ok"
	}
	return c.commitAndRespond()
}

// commitAndRespond prepares and commits the writer, runs the store filter
// if configured, and returns the final reply for DATA/BDAT LAST.
func (c *Conn) commitAndRespond() (int, string) {
	authID := ""
	if c.completedAuth {
		authID = c.authUser + "@" + c.authDomain
	}
	if err := c.w.Prepare(authID, c.remoteAddr.String(), ""); err != nil {
		c.resetEnvelope()
		return 451, "4.3.0 failed to prepare message: " + err.Error()
	}
	id, err := c.w.Commit(true)
	if err != nil {
		c.resetEnvelope()
		return 451, "4.3.0 failed to commit message: " + err.Error()
	}

	if c.cfg.MailLog != nil {
		c.cfg.MailLog.Queued(c.remoteAddr, c.mailFrom, c.rcptTo, id)
	}
	c.tr.Printf("queued %s", id)

	outcome := filter.Outcome{Kind: filter.Ok}
	if c.cfg.StoreFilter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), filterTimeout(c.cfg))
		var ferr error
		outcome, ferr = c.cfg.StoreFilter.Run(ctx, id, c.cfg.Store.ContentPath(id), c.cfg.Store.EnvelopePath(id))
		cancel()
		if ferr != nil {
			c.tr.Errorf("store filter error: %v", ferr)
			outcome = filter.Outcome{Kind: filter.Temporary, Reason: ferr.Error()}
		}
	}

	c.resetEnvelope()

	switch outcome.Kind {
	case filter.OkAndRescan:
		c.cfg.Store.RequestRescan()
		fallthrough
	case filter.Ok, filter.Abandon:
		if outcome.Kind != filter.Abandon && c.cfg.OnMessageCommitted != nil {
			c.cfg.OnMessageCommitted()
		}
		return 250, "2.0.0 queued as " + id
	case filter.Reject:
		return 554, "5.7.1 " + outcome.Reason
	case filter.Temporary:
		return 452, "4.3.0 " + outcome.Reason
	default:
		return 554, "5.7.1 rejected"
	}
}

// readBodyInto drains already-buffered and newly-read bytes through the
// line buffer, calling consume for each delivered line until it reports
// done, EOF, or the connection errors.
func (c *Conn) readBodyInto(consume func(linebuf.Line) bool) error {
	chunk := make([]byte, 64*1024)
	for {
		done := false
		applyErr := c.buf.Apply(false, func(l linebuf.Line) error {
			if done {
				return nil
			}
			if consume(l) {
				done = true
			}
			return nil
		})
		if applyErr != nil {
			return applyErr
		}
		if done {
			return nil
		}

		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.buf.Add(chunk[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) addReceivedHeader() {
	if c.cfg.AnonymousContent {
		return
	}

	var b strings.Builder
	if c.completedAuth {
		fmt.Fprintf(&b, "from %s\n", c.ehloDomain)
	} else {
		fmt.Fprintf(&b, "from [%s] (%s)\n", addrLiteral(c.remoteAddr), c.ehloDomain)
	}
	fmt.Fprintf(&b, "by %s (corvidd) ", c.hostname)

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}
	fmt.Fprintf(&b, "with %s\n", with)

	if c.tlsConnState != nil {
		fmt.Fprintf(&b, "tls %s\n", tlsconst.CipherSuiteName(c.tlsConnState.CipherSuite))
	}

	fmt.Fprintf(&b, "(over %s, ", c.mode)
	if c.tlsConnState != nil {
		fmt.Fprintf(&b, "%s, ", tlsconst.VersionName(c.tlsConnState.Version))
	} else {
		fmt.Fprintf(&b, "plaintext, ")
	}
	fmt.Fprintf(&b, "id %s)\n", c.w.ID())
	fmt.Fprintf(&b, "; %s", time.Now().Format(time.RFC1123Z))

	c.w.AddReception(strings.TrimRight(b.String(), "\n"))
}

func addrLiteral(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	s := tcp.IP.String()
	if strings.Contains(s, ":") {
		return "IPv6:" + s
	}
	return s
}

// STARTTLS command handler.
func (c *Conn) STARTTLS(params string) (int, string) {
	if c.onTLS {
		return 503, "5.5.1 already using TLS"
	}
	if c.cfg.TLSConfig == nil {
		return 500, "5.5.1 TLS not configured"
	}

	if err := c.writeResponse(220, "2.0.0 ready to start TLS"); err != nil {
		return 0, ""
	}

	tlsConn := tls.Server(c.conn, c.cfg.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return 554, "5.5.0 TLS handshake failed: " + err.Error()
	}

	c.conn = tlsConn
	c.writer = bufio.NewWriter(c.conn)
	c.buf = linebuf.New(linebuf.Auto, bufMax(c.cfg.MaxDataSize))
	state := tlsConn.ConnectionState()
	c.tlsConnState = &state
	c.onTLS = true
	if name := state.ServerName; name != "" {
		c.hostname = name
	}

	c.resetEnvelope()
	c.ehloDomain = ""
	c.isESMTP = false
	return 0, ""
}

// AUTH command handler (spec.md §4.3 "AUTH").
func (c *Conn) AUTH(params string) (int, string) {
	if c.cfg.Secrets == nil {
		return 502, "5.5.1 AUTH not supported"
	}
	if c.completedAuth {
		return 503, "5.5.1 already authenticated"
	}
	if c.cfg.ServerTLSRequired && !c.onTLS {
		return 530, "5.7.0 must issue STARTTLS first"
	}

	fields := strings.SplitN(params, " ", 2)
	mech := strings.ToUpper(fields[0])
	allowed := false
	for _, m := range c.allowedMechs() {
		if m == mech {
			allowed = true
		}
	}
	if !allowed {
		return 504, "5.5.4 mechanism not available"
	}

	challenge := ""
	if c.cfg.Challenges != nil {
		challenge = c.cfg.Challenges.Next()
	}

	server, err := sasl.NewServer(mech, challenge, c.plainAuthenticate, c.cramAuthenticate(mech))
	if err != nil {
		return 504, "5.5.4 " + err.Error()
	}

	var response []byte
	if len(fields) == 2 {
		response = []byte(fields[1])
		if mech == sasl.Plain || mech == sasl.Login {
			decoded, derr := decodeBase64(response)
			if derr != nil {
				return 501, "5.5.2 malformed initial response"
			}
			response = decoded
		}
	}

	for {
		challengeOut, done, serr := server.Next(response)
		if serr != nil {
			if serr == errAuthFailed {
				c.authFailed()
				return 535, "5.7.8 authentication failed"
			}
			return 454, "4.7.0 temporary authentication failure"
		}
		if done {
			break
		}

		prompt := encodeBase64(challengeOut)
		if err := c.writeResponse(334, prompt); err != nil {
			return 0, ""
		}
		line, rerr := c.readLine()
		if rerr != nil {
			return 554, "5.4.0 error reading AUTH response: " + rerr.Error()
		}
		decoded, derr := decodeBase64([]byte(line))
		if derr != nil {
			return 501, "5.5.2 malformed AUTH response"
		}
		response = decoded
	}

	if !c.completedAuth {
		// server.Next returned done=true without calling our authenticator
		// success path (e.g. CRAM rejected): treat as failure.
		c.authFailed()
		return 535, "5.7.8 authentication failed"
	}

	if c.cfg.MailLog != nil {
		c.cfg.MailLog.Auth(c.remoteAddr, c.authUser+"@"+c.authDomain, true)
	}
	return 235, "2.7.0 authentication successful"
}

func (c *Conn) authFailed() {
	if c.cfg.MailLog != nil {
		c.cfg.MailLog.Auth(c.remoteAddr, "", false)
	}
}

// plainAuthenticate backs PLAIN and LOGIN via the secrets store.
func (c *Conn) plainAuthenticate(identity, username, password string) error {
	id := username
	if !strings.Contains(id, "@") {
		if identity != "" && strings.Contains(identity, "@") {
			id = identity
		} else {
			id = username + "@" + c.ehloDomain
		}
	}
	user, domain := envelope.Split(id)

	ok, err := c.cfg.Secrets.ServerAuthenticate("plain", id, password)
	if err != nil {
		return err
	}
	if !ok {
		return errAuthFailed
	}
	c.authUser, c.authDomain, c.authMech, c.completedAuth = user, domain, "PLAIN", true
	return nil
}

// cramAuthenticate backs the CRAM-* family via the secrets store.
func (c *Conn) cramAuthenticate(mech string) sasl.CRAMAuthenticator {
	lower := strings.ToLower(mech)
	return func(username, challenge, digest string) error {
		id := username
		if !strings.Contains(id, "@") {
			id = username + "@" + c.ehloDomain
		}
		secret, ok := c.cfg.Secrets.ServerCRAMSecret(lower, id)
		if !ok || !sasl.VerifyCRAMDigest(mech, secret, challenge, digest) {
			return errAuthFailed
		}
		user, domain := envelope.Split(id)
		c.authUser, c.authDomain, c.authMech, c.completedAuth = user, domain, mech, true
		return nil
	}
}

func (c *Conn) resetEnvelope() {
	c.w = nil
	c.mailFrom = ""
	c.rcptTo = nil
	c.utf8 = false
	if c.buf != nil {
		c.buf.Reset()
	}
}

func decodeBase64(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func encodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	line, err := c.readLine()
	if err != nil {
		return "", "", err
	}
	sp := strings.SplitN(line, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}
	return cmd, params, nil
}

// readLine returns the next pipelined-or-not command line, drawing first
// from whatever the line buffer already has and only reading the socket
// when it doesn't (spec.md §4.3 "Pipelining").
func (c *Conn) readLine() (string, error) {
	for {
		if len(c.pending) > 0 {
			l := c.pending[0]
			c.pending = c.pending[1:]
			if len(l.Data) > 1000 {
				return "", fmt.Errorf("line too long")
			}
			return string(l.Data), nil
		}

		applyErr := c.buf.Apply(false, func(l linebuf.Line) error {
			c.pending = append(c.pending, l)
			return nil
		})
		if applyErr != nil {
			return "", applyErr
		}
		if len(c.pending) > 0 {
			continue
		}

		chunk := make([]byte, 4096)
		n, rerr := c.conn.Read(chunk)
		if n > 0 {
			c.buf.Add(chunk[:n])
		}
		if rerr != nil {
			return "", rerr
		}
	}
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a (possibly multi-line) SMTP reply.
func writeResponse(w io.Writer, code int, msg string) error {
	lines := strings.Split(msg, "\n")
	var i int
	for i = 0; i < len(lines)-1; i++ {
		if _, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i]); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[i])
	return err
}
