package filter

import "context"

// StatusKind enumerates what a recipient verifier decided about one
// address, per spec.md §4.7 "Verifier".
type StatusKind int

const (
	// Local means the address resolves to a local mailbox.
	Local StatusKind = iota
	// Remote means the address should be forwarded as-is, or as rewritten
	// to RewrittenAddress if non-empty.
	Remote
	// Invalid means the address is permanently unacceptable.
	Invalid
	// VerifierTemporary means the verifier couldn't render a verdict now.
	VerifierTemporary
	// Abort means the verifier asked the caller to drop the connection
	// entirely (spec.md §4.2 RCPT TO "abort" category).
	Abort
)

// Status is the result of running a Verifier against one address.
type Status struct {
	Kind StatusKind

	// Mailbox and FullName are set for Local.
	Mailbox  string
	FullName string

	// RewrittenAddress is set for Remote when the verifier wants the
	// recipient address changed before it's recorded in the envelope.
	RewrittenAddress string

	// Reason is set for Invalid/VerifierTemporary.
	Reason string
}

// Verifier checks one recipient address and reports how it should be
// routed. Implementations must honor ctx's deadline the same way Filter
// does.
type Verifier interface {
	Verify(ctx context.Context, address string) (Status, error)
}
