package filter

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/corvid-mail/corvid/internal/trace"
)

// NetFilter dispatches to a long-lived filter daemon over TCP, per spec.md
// §4.7 "Network filter (net:)": connect, write the message's absolute
// content path, and read back one verdict line.
type NetFilter struct {
	Addr    string
	Timeout time.Duration
}

func (f *NetFilter) Run(ctx context.Context, id, contentPath, envelopePath string) (Outcome, error) {
	tr := trace.New("filter.Net", id)
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.Addr)
	if err != nil {
		return Outcome{Kind: Temporary, Reason: err.Error()}, nil
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(contentPath + "\n")); err != nil {
		return Outcome{Kind: Temporary, Reason: err.Error()}, nil
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return Outcome{Kind: Temporary, Reason: err.Error()}, nil
	}
	line = strings.TrimRight(line, "\r\n")

	if line == "" || strings.EqualFold(line, "ok") {
		return Outcome{Kind: Ok}, nil
	}
	return Outcome{Kind: Reject, Reason: line}, nil
}

// NetVerifier is the network-dispatched counterpart of NetFilter for
// recipient verification, following the same connect/write/read-one-line
// shape with the address in place of a content path.
type NetVerifier struct {
	Addr    string
	Timeout time.Duration
}

func (v *NetVerifier) Verify(ctx context.Context, address string) (Status, error) {
	tr := trace.New("filter.NetVerifier", address)
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", v.Addr)
	if err != nil {
		return Status{Kind: VerifierTemporary, Reason: err.Error()}, nil
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write([]byte(address + "\n")); err != nil {
		return Status{Kind: VerifierTemporary, Reason: err.Error()}, nil
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return Status{Kind: VerifierTemporary, Reason: err.Error()}, nil
	}
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == "" || strings.EqualFold(line, "local"):
		return Status{Kind: Local, Mailbox: address}, nil
	case strings.HasPrefix(line, "local:"):
		return Status{Kind: Local, Mailbox: strings.TrimPrefix(line, "local:")}, nil
	case strings.HasPrefix(line, "remote:"):
		return Status{Kind: Remote, RewrittenAddress: strings.TrimPrefix(line, "remote:")}, nil
	default:
		return Status{Kind: Invalid, Reason: line}, nil
	}
}
