package filter

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	maildir "github.com/emersion/go-maildir"

	"github.com/corvid-mail/corvid/internal/store"
)

// readSoleMaildirMessage returns the content of the single message
// delivered into mailboxDir's "new" subdirectory.
func readSoleMaildirMessage(t *testing.T, mailboxDir string) string {
	t.Helper()
	d := maildir.Dir(mailboxDir)
	keys, err := d.Unseen()
	if err != nil {
		t.Fatalf("Unseen: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("got %d delivered messages, want 1", len(keys))
	}
	r, err := d.Open(keys[0])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading delivered message: %v", err)
	}
	return string(data)
}

func TestDeliveryFilterSingleLocalRecipient(t *testing.T) {
	spoolDir := t.TempDir()
	deliveryDir := t.TempDir()

	contentPath := filepath.Join(spoolDir, "id1.content")
	envelopePath := filepath.Join(spoolDir, "id1.envelope")

	if err := os.WriteFile(contentPath, []byte("hello"), 0640); err != nil {
		t.Fatalf("WriteFile content: %v", err)
	}
	env := &store.Envelope{FromRemote: "a@b.com", ToLocal: []string{"alice@here"}}
	if err := os.WriteFile(envelopePath, env.Marshal(), 0640); err != nil {
		t.Fatalf("WriteFile envelope: %v", err)
	}

	f := &DeliveryFilter{
		DeliveryDir: deliveryDir,
		Mailboxes:   map[string]string{"alice@here": "alice"},
	}
	o, err := f.Run(context.Background(), "id1", contentPath, envelopePath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Abandon {
		t.Fatalf("got %v, want Abandon", o)
	}

	got := readSoleMaildirMessage(t, filepath.Join(deliveryDir, "alice"))
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestDeliveryFilterLeavesRemoteRecipient(t *testing.T) {
	spoolDir := t.TempDir()
	deliveryDir := t.TempDir()

	contentPath := filepath.Join(spoolDir, "id1.content")
	envelopePath := filepath.Join(spoolDir, "id1.envelope")

	if err := os.WriteFile(contentPath, []byte("hello"), 0640); err != nil {
		t.Fatalf("WriteFile content: %v", err)
	}
	env := &store.Envelope{
		FromRemote: "a@b.com",
		ToLocal:    []string{"alice@here"},
		ToRemote:   []string{"bob@elsewhere.com"},
	}
	if err := os.WriteFile(envelopePath, env.Marshal(), 0640); err != nil {
		t.Fatalf("WriteFile envelope: %v", err)
	}

	f := &DeliveryFilter{
		DeliveryDir: deliveryDir,
		Mailboxes:   map[string]string{"alice@here": "alice"},
	}
	o, err := f.Run(context.Background(), "id1", contentPath, envelopePath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Kind != Ok {
		t.Fatalf("got %v, want Ok (remote recipient still pending)", o)
	}

	// The spool's content file must survive for the remote delivery.
	if _, err := os.Stat(contentPath); err != nil {
		t.Fatalf("content file missing after delivery: %v", err)
	}

	gotEnv, err := os.ReadFile(envelopePath)
	if err != nil {
		t.Fatalf("reading rewritten envelope: %v", err)
	}
	parsed, err := store.ParseEnvelope(gotEnv)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	if len(parsed.ToLocal) != 0 {
		t.Fatalf("ToLocal = %v, want empty", parsed.ToLocal)
	}
	if len(parsed.ToRemote) != 1 || parsed.ToRemote[0] != "bob@elsewhere.com" {
		t.Fatalf("ToRemote = %v, want [bob@elsewhere.com]", parsed.ToRemote)
	}
}
