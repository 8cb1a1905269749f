package filter

import (
	"fmt"
	"strings"
	"time"
)

// New builds a Filter from a configuration string of the form
// "scheme:rest", per spec.md §4.7:
//
//	file:/path/to/prog     executable filter
//	net:host:port          network filter
//	spam:host:port         spamd, accept/reject on score
//	spam-edit:host:port    spamd, always accept, rewrites content
//	deliver:/path/to/dir   built-in local delivery into a Maildir
//	copy:/path/to/dir      built-in local delivery, same write path as deliver:
//
// mailboxes is only consulted for deliver:/copy:, mapping a local address
// to its mailbox directory name.
func New(spec string, timeout time.Duration, mailboxes map[string]string) (Filter, error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("filter: %q has no scheme", spec)
	}

	switch scheme {
	case "file":
		return &ExecFilter{Path: rest, Timeout: timeout}, nil
	case "net":
		return &NetFilter{Addr: rest, Timeout: timeout}, nil
	case "spam":
		return &SpamFilter{Addr: rest, Timeout: timeout, Edit: false}, nil
	case "spam-edit":
		return &SpamFilter{Addr: rest, Timeout: timeout, Edit: true}, nil
	case "deliver":
		return &DeliveryFilter{DeliveryDir: rest, Mailboxes: mailboxes, Copy: false}, nil
	case "copy":
		return &DeliveryFilter{DeliveryDir: rest, Mailboxes: mailboxes, Copy: true}, nil
	default:
		return nil, fmt.Errorf("filter: unknown scheme %q", scheme)
	}
}

// NewVerifier builds a Verifier from a configuration string, mirroring New
// for the verifier dispatch surface (spec.md §4.7 "Verifier").
func NewVerifier(spec string, timeout time.Duration) (Verifier, error) {
	scheme, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("verifier: %q has no scheme", spec)
	}

	switch scheme {
	case "file":
		return &ExecVerifier{Path: rest, Timeout: timeout}, nil
	case "net":
		return &NetVerifier{Addr: rest, Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("verifier: unknown scheme %q", scheme)
	}
}
