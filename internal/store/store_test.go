package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestWriteCommitReadRemove(t *testing.T) {
	s := mustStore(t)

	w := s.NewWriter("sender@example.com", false, "", Body7Bit)
	w.AddTo("bob@example.org", false)
	w.AddContentLine([]byte("Subject: hi"))
	w.AddContentLine([]byte(""))
	w.AddContentLine([]byte("hello there"))

	if err := w.Prepare("auth-id", "192.0.2.1:1234", ""); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	id, err := w.Commit(true)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ids, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Scan = %v, want [%s]", ids, id)
	}

	env, content, err := s.Read(id)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if env.FromRemote != "sender@example.com" {
		t.Errorf("From = %q", env.FromRemote)
	}
	want := "Subject: hi\r\n\r\nhello there\r\n"
	if string(content) != want {
		t.Errorf("content = %q, want %q", content, want)
	}

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	ids, err = s.Scan()
	if err != nil {
		t.Fatalf("Scan after Remove: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Scan after Remove = %v, want empty", ids)
	}
}

func TestScanExcludesPartialAndBad(t *testing.T) {
	s := mustStore(t)

	w := s.NewWriter("a@b.com", false, "", Body7Bit)
	w.AddTo("c@d.com", false)
	if err := w.Prepare("", "", ""); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// Leave it as .new, uncommitted: Scan must not see it.
	ids, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Scan saw an uncommitted message: %v", ids)
	}

	id, err := w.Commit(false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Fail(id); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	ids, err = s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("Scan saw a failed message: %v", ids)
	}
	failures, err := s.Failures()
	if err != nil {
		t.Fatalf("Failures: %v", err)
	}
	if len(failures) != 1 || failures[0] != id {
		t.Fatalf("Failures = %v, want [%s]", failures, id)
	}

	if err := s.UnfailAll(); err != nil {
		t.Fatalf("UnfailAll: %v", err)
	}
	ids, err = s.Scan()
	if err != nil {
		t.Fatalf("Scan after UnfailAll: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("Scan after UnfailAll = %v, want [%s]", ids, id)
	}
}

func TestFailWithReasonRecordsReason(t *testing.T) {
	s := mustStore(t)

	w := s.NewWriter("a@b.com", false, "", Body7Bit)
	w.AddTo("c@d.com", false)
	if err := w.Prepare("", "", ""); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	id, err := w.Commit(false)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := s.FailWithReason(id, "550 mailbox unavailable"); err != nil {
		t.Fatalf("FailWithReason: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, id+envelopeBadSuffix))
	if err != nil {
		t.Fatalf("reading .envelope.bad: %v", err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if env.Reason != "550 mailbox unavailable" {
		t.Fatalf("Reason = %q, want %q", env.Reason, "550 mailbox unavailable")
	}
}

func TestScanListsEveryCommitted(t *testing.T) {
	s := mustStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		w := s.NewWriter("a@b.com", false, "", Body7Bit)
		w.AddTo("c@d.com", false)
		if err := w.Prepare("", "", ""); err != nil {
			t.Fatalf("Prepare: %v", err)
		}
		id, err := w.Commit(false)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		ids = append(ids, id)
	}

	got, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(got) != len(ids) {
		t.Fatalf("Scan = %v, want %v", got, ids)
	}
}

func TestSubscribeRequestRescan(t *testing.T) {
	s := mustStore(t)

	token, ch := s.Subscribe()
	defer s.Unsubscribe(token)

	s.RequestRescan()
	select {
	case <-ch:
	default:
		t.Fatal("RequestRescan did not notify subscriber")
	}

	// Must not block even with a full buffer and no reader.
	s.RequestRescan()
	s.RequestRescan()
}

func TestNextFreeIDSkipsCollisions(t *testing.T) {
	s := mustStore(t)

	id, err := s.nextFreeID()
	if err != nil {
		t.Fatalf("nextFreeID: %v", err)
	}

	// Simulate another process having already claimed the very next
	// candidate id by creating its content.new file out from under the
	// generator, without consuming the counter through nextFreeID.
	collideID := fmt.Sprintf("%d.%d", s.ids.startSeconds, s.ids.counter+1)
	if err := os.WriteFile(filepath.Join(s.dir, collideID+contentNewSuffix), nil, 0640); err != nil {
		t.Fatalf("pre-creating collision file: %v", err)
	}

	got, err := s.nextFreeID()
	if err != nil {
		t.Fatalf("nextFreeID: %v", err)
	}
	if got == id || got == collideID {
		t.Fatalf("nextFreeID returned a colliding id: %s", got)
	}
}
