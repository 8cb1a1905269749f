// Package filter dispatches a committed message (or, for verifiers, a
// single recipient address) to an external program or network service that
// decides what should happen to it, per spec.md §4.7.
package filter

import (
	"context"
	"fmt"
)

// Outcome is the result of running a filter against a message.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for Reject/Abandon/Temporary
}

// OutcomeKind enumerates the categories a filter dispatch can resolve to.
type OutcomeKind int

const (
	// Ok means the message is accepted as-is.
	Ok OutcomeKind = iota
	// OkAndRescan means the message is accepted, and the store should be
	// told to rescan for forwarding work (e.g. the filter queued something
	// else that's now ready).
	OkAndRescan
	// Reject means the message is permanently refused; Reason holds the
	// text to report to the submitter.
	Reject
	// Abandon means the message should be dropped silently: no bounce, no
	// further processing.
	Abandon
	// Temporary means the filter could not render a verdict right now;
	// the caller should retry later.
	Temporary
)

func (k OutcomeKind) String() string {
	switch k {
	case Ok:
		return "ok"
	case OkAndRescan:
		return "ok-and-rescan"
	case Reject:
		return "reject"
	case Abandon:
		return "abandon"
	case Temporary:
		return "temporary"
	default:
		return "unknown"
	}
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return fmt.Sprintf("%s: %s", o.Kind, o.Reason)
}

// Filter is the common dispatch contract for both executable, network and
// built-in filters: run the filter against an already-committed message and
// report what should happen to it. Implementations must honor ctx's
// deadline: a timed-out run returns Temporary and leaves no orphaned child
// process or socket.
type Filter interface {
	Run(ctx context.Context, id, contentPath, envelopePath string) (Outcome, error)
}
