package filter

import (
	"context"
	"os"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	f, err := os.CreateTemp("", "corvid-filter-test-*.sh")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString("#!/bin/sh\n" + body); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()
	if err := os.Chmod(f.Name(), 0700); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

func TestExecFilterOk(t *testing.T) {
	path := writeScript(t, "exit 0\n")
	f := &ExecFilter{Path: path, Timeout: time.Minute}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Ok {
		t.Fatalf("got %v, want Ok", o)
	}
}

func TestExecFilterReject(t *testing.T) {
	path := writeScript(t, "echo 'no thanks'\nexit 5\n")
	f := &ExecFilter{Path: path, Timeout: time.Minute}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Reject || o.Reason != "no thanks" {
		t.Fatalf("got %v, want Reject(no thanks)", o)
	}
}

func TestExecFilterAbandon(t *testing.T) {
	path := writeScript(t, "exit 100\n")
	f := &ExecFilter{Path: path, Timeout: time.Minute}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Abandon {
		t.Fatalf("got %v, want Abandon", o)
	}
}

func TestExecFilterOkAndRescan(t *testing.T) {
	path := writeScript(t, "exit 103\n")
	f := &ExecFilter{Path: path, Timeout: time.Minute}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != OkAndRescan {
		t.Fatalf("got %v, want OkAndRescan", o)
	}
}

func TestExecFilterTemporaryOnOtherExit(t *testing.T) {
	path := writeScript(t, "exit 200\n")
	f := &ExecFilter{Path: path, Timeout: time.Minute}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Temporary {
		t.Fatalf("got %v, want Temporary", o)
	}
}

func TestExecFilterTimeout(t *testing.T) {
	path := writeScript(t, "sleep 2\nexit 0\n")
	f := &ExecFilter{Path: path, Timeout: 50 * time.Millisecond}
	o, err := f.Run(context.Background(), "id1", "/tmp/content", "/tmp/envelope")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Temporary {
		t.Fatalf("got %v, want Temporary", o)
	}
}

func TestExecVerifierLocal(t *testing.T) {
	path := writeScript(t, "echo alice\necho Alice A\nexit 0\n")
	v := &ExecVerifier{Path: path, Timeout: time.Minute}
	s, err := v.Verify(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if s.Kind != Local || s.Mailbox != "alice" || s.FullName != "Alice A" {
		t.Fatalf("got %+v, want Local(alice, Alice A)", s)
	}
}

func TestExecVerifierInvalid(t *testing.T) {
	path := writeScript(t, "echo no such user\nexit 2\n")
	v := &ExecVerifier{Path: path, Timeout: time.Minute}
	s, err := v.Verify(context.Background(), "nobody@example.com")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if s.Kind != Invalid || s.Reason != "no such user" {
		t.Fatalf("got %+v, want Invalid(no such user)", s)
	}
}
