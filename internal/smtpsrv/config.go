// Package smtpsrv implements corvid's SMTP server protocol state machine:
// greeting, EHLO/HELO, optional STARTTLS/AUTH, MAIL/RCPT/DATA/BDAT, with
// pipelining, chunking, size limits and SMTPUTF8 handling per spec.md §4.3.
// Grounded on chasquid's internal/smtpsrv/conn.go and server.go, adapted to
// dispatch through corvid's own internal/store, internal/filter and
// internal/sasl rather than chasquid's queue/auth/aliases stack.
package smtpsrv

import (
	"crypto/tls"
	"time"

	"github.com/corvid-mail/corvid/internal/filter"
	"github.com/corvid-mail/corvid/internal/maillog"
	"github.com/corvid-mail/corvid/internal/sasl"
	"github.com/corvid-mail/corvid/internal/secrets"
	"github.com/corvid-mail/corvid/internal/set"
	"github.com/corvid-mail/corvid/internal/store"
)

// SocketMode distinguishes the listening socket a Conn was accepted on:
// plain SMTP, MSA submission, or TLS-wrapped submission. Policies such as
// the mandatory-AUTH rule differ between them.
type SocketMode struct {
	IsSubmission bool
	TLS          bool
}

func (m SocketMode) String() string {
	s := "smtp"
	if m.IsSubmission {
		s = "submission"
	}
	if m.TLS {
		s += "+tls"
	}
	return s
}

var (
	ModeSMTP          = SocketMode{}
	ModeSubmission    = SocketMode{IsSubmission: true}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
)

// Config holds everything a Conn needs that doesn't change per-connection:
// the Unit (spec.md §4.8) that owns this server builds one and shares it
// across every accepted connection.
type Config struct {
	// Hostname is used in the greeting, EHLO response and Received header.
	Hostname string

	// Ident is appended to the greeting line, e.g. "corvidd".
	Ident string

	// MaxDataSize bounds a single message's DATA/BDAT payload; 0 means
	// unlimited, advertised as "SIZE 0".
	MaxDataSize int64

	// MaxRecipients bounds RCPT commands per message; 0 means the spec's
	// suggested default of 100.
	MaxRecipients int

	// CommandTimeout bounds each command round-trip (not DATA/BDAT bodies).
	CommandTimeout time.Duration

	// ConnTimeout is the absolute deadline for the whole connection.
	ConnTimeout time.Duration

	// PipeliningEnabled advertises and permits PIPELINING.
	PipeliningEnabled bool
	// ChunkingEnabled advertises and permits BDAT/CHUNKING and, as a
	// consequence, BINARYMIME.
	ChunkingEnabled bool
	// SMTPUTF8Enabled advertises SMTPUTF8 and accepts UTF-8 mailbox parts.
	SMTPUTF8Enabled bool
	// EightBitStrict records the configured 8-bit strictness. Neither
	// smtpsrv nor local delivery reads it; the forwarder's own
	// Client.EightBitStrict is what gates sending 8-bit bodies.
	EightBitStrict bool

	// AnonymousServer suppresses the daemon identity from the greeting.
	AnonymousServer bool
	// AnonymousVRFY makes VRFY always answer 252 instead of 502.
	AnonymousVRFY bool
	// AnonymousContent skips prepending a Received header to accepted mail.
	AnonymousContent bool

	// TLSConfig enables STARTTLS (ModeSMTP/ModeSubmission) or direct TLS
	// (ModeSubmissionTLS) when non-nil.
	TLSConfig *tls.Config
	// ServerTLSRequired rejects MAIL/AUTH before TLS is established.
	ServerTLSRequired bool

	// AuthMechs is the full set of mechanisms this server is willing to
	// offer, before AUTH's required TLS-only narrowing (spec.md §4.3).
	AuthMechs []string

	// LocalDomains classifies the sender in MAIL, and classifies recipients
	// in RCPT when no Verifier is set (a Verifier's verdict alone decides
	// otherwise).
	LocalDomains *set.String

	// Verifier classifies each accepted RCPT TO address (spec.md §4.7).
	Verifier filter.Verifier
	// StoreFilter, if set, runs against each committed message before the
	// final DATA/BDAT response (spec.md §4.7).
	StoreFilter filter.Filter
	// FilterTimeout bounds a single StoreFilter/Verifier invocation.
	FilterTimeout time.Duration

	// Store is where accepted messages are committed.
	Store *store.Store

	// Secrets backs AUTH; nil means AUTH is never offered.
	Secrets *secrets.Store
	// Challenges mints CRAM-* challenges; required iff any CRAM-* mechanism
	// is in AuthMechs.
	Challenges *sasl.ChallengeGenerator

	// MailLog records transaction-log lines; nil disables logging.
	MailLog *maillog.Logger

	// OnDisconnect, if set, is called after each connection finishes
	// handling (successfully or not). The owning Unit uses this to drive
	// its forwarding state machine's "disconnect" event (spec.md §4.8) when
	// --forward-on-disconnect is configured.
	OnDisconnect func()

	// OnMessageCommitted, if set, is called after a message is committed to
	// the store and the store filter, if any, returned Ok or OkAndRescan; it
	// is not called for Abandon, Reject or Temporary. The owning Unit uses
	// this to drive the "immediate" forwarding trigger (spec.md §6
	// "--immediate"), kicking off a forwarding run without waiting for the
	// connection to close or a poll tick.
	OnMessageCommitted func()
}
