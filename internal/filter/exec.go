package filter

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/corvid-mail/corvid/internal/trace"
)

// ExecFilter runs an external program against a committed message, per
// spec.md §4.7 "Executable filter (file:)". It is grounded on chasquid's
// internal/courier MDA/Procmail couriers: exec.CommandContext for the
// timeout, and mapping the child's exit status to a verdict.
type ExecFilter struct {
	Path    string
	Timeout time.Duration
}

// exit code ranges, per spec.md §4.7.
const (
	exitAbandon     = 100
	exitOkAndRescan = 103
)

func (f *ExecFilter) Run(ctx context.Context, id, contentPath, envelopePath string) (Outcome, error) {
	tr := trace.New("filter.Exec", id)
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path, contentPath, envelopePath)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Outcome{Kind: Temporary, Reason: "filter timed out"}, nil
	}

	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Outcome{}, tr.Errorf("running filter %s: %v", f.Path, err)
		}
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return Outcome{}, tr.Errorf("running filter %s: %v", f.Path, err)
		}
		code = status.ExitStatus()
	}

	line := firstLine(stdout.Bytes())

	switch {
	case code == 0:
		return Outcome{Kind: Ok}, nil
	case code == exitOkAndRescan:
		return Outcome{Kind: OkAndRescan}, nil
	case code == exitAbandon:
		return Outcome{Kind: Abandon, Reason: line}, nil
	case code >= 1 && code <= 99:
		reason := line
		if reason == "" {
			reason = "rejected"
		}
		return Outcome{Kind: Reject, Reason: reason}, nil
	default:
		return Outcome{Kind: Temporary, Reason: fmt.Sprintf("filter exited %d", code)}, nil
	}
}

func firstLine(b []byte) string {
	s := bufio.NewScanner(bytes.NewReader(b))
	if s.Scan() {
		return strings.TrimSpace(s.Text())
	}
	return ""
}

// ExecVerifier runs an external recipient verifier, per spec.md §4.7
// "Verifier" / "Executable verifier". The address is passed via the
// CORVID_VERIFY_ADDRESS environment variable (and a couple of split-out
// convenience variables), matching the "env vars for the request fields"
// contract; on a Local verdict the child prints the mailbox on the first
// stdout line and the full name on the second.
type ExecVerifier struct {
	Path    string
	Timeout time.Duration
}

func (v *ExecVerifier) Verify(ctx context.Context, address string) (Status, error) {
	tr := trace.New("filter.ExecVerifier", address)
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(ctx, v.Timeout)
	defer cancel()

	user, domain, _ := strings.Cut(address, "@")

	cmd := exec.CommandContext(ctx, v.Path)
	cmd.Env = append(cmd.Environ(),
		"CORVID_VERIFY_ADDRESS="+address,
		"CORVID_VERIFY_USER="+user,
		"CORVID_VERIFY_DOMAIN="+domain,
	)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return Status{Kind: VerifierTemporary, Reason: "verifier timed out"}, nil
	}

	code := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return Status{}, tr.Errorf("running verifier %s: %v", v.Path, err)
		}
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return Status{}, tr.Errorf("running verifier %s: %v", v.Path, err)
		}
		code = status.ExitStatus()
	}

	lines := strings.SplitN(stdout.String(), "\n", 3)
	reason := strings.TrimSpace(lines[0])

	switch code {
	case 0:
		mailbox := reason
		fullName := ""
		if len(lines) > 1 {
			fullName = strings.TrimSpace(lines[1])
		}
		if mailbox == "" {
			mailbox = address
		}
		return Status{Kind: Local, Mailbox: mailbox, FullName: fullName}, nil
	case 1:
		rewritten := reason
		if rewritten == "" {
			rewritten = address
		}
		return Status{Kind: Remote, RewrittenAddress: rewritten}, nil
	case exitAbandon:
		return Status{Kind: Abort, Reason: reason}, nil
	case 2:
		return Status{Kind: Invalid, Reason: reason}, nil
	default:
		return Status{Kind: VerifierTemporary, Reason: fmt.Sprintf("verifier exited %d", code)}, nil
	}
}
