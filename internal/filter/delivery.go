package filter

import (
	"context"
	"io"
	"os"
	"path/filepath"

	maildir "github.com/emersion/go-maildir"

	"github.com/corvid-mail/corvid/internal/safeio"
	"github.com/corvid-mail/corvid/internal/store"
	"github.com/corvid-mail/corvid/internal/trace"
)

// DeliveryFilter implements the built-in "deliver:"/"copy:" filters, per
// spec.md §4.7: after commit, every To-Local recipient with an entry in
// Mailboxes gets the message written into a Maildir (<DeliveryDir>/<mailbox>,
// the standard tmp/new/cur layout) via go-maildir, rather than a single flat
// file. Recipients handled this way are removed from the envelope; once no
// recipients remain at all, the message is done and reported as Abandon so
// the caller takes it out of the forwarding queue without bouncing it.
type DeliveryFilter struct {
	DeliveryDir string
	Mailboxes   map[string]string // local address -> mailbox directory name
	Copy        bool              // kept for config compatibility; Maildir delivery always copies bytes
}

func (f *DeliveryFilter) Run(ctx context.Context, id, contentPath, envelopePath string) (Outcome, error) {
	tr := trace.New("filter.Delivery", id)
	defer tr.Finish()

	envData, err := os.ReadFile(envelopePath)
	if err != nil {
		return Outcome{}, tr.Errorf("reading envelope: %v", err)
	}
	env, err := store.ParseEnvelope(envData)
	if err != nil {
		return Outcome{}, tr.Errorf("parsing envelope: %v", err)
	}

	var remaining []string
	for _, addr := range env.ToLocal {
		mailbox, ok := f.Mailboxes[addr]
		if !ok {
			// Unknown mailbox: leave it for the caller to resolve another
			// way rather than silently dropping it.
			remaining = append(remaining, addr)
			continue
		}
		if err := f.deliverTo(mailbox, id, contentPath); err != nil {
			return Outcome{}, tr.Errorf("delivering to %s: %v", mailbox, err)
		}
	}
	env.ToLocal = remaining

	if len(env.ToLocal) == 0 && len(env.ToRemote) == 0 {
		return Outcome{Kind: Abandon, Reason: "delivered locally"}, nil
	}

	if err := safeio.WriteFile(envelopePath, env.Marshal(), 0640); err != nil {
		return Outcome{}, tr.Errorf("rewriting envelope: %v", err)
	}
	return Outcome{Kind: Ok}, nil
}

// deliverTo writes id's content into mailbox's Maildir, creating the
// tmp/new/cur structure on first use. go-maildir's Create writes through a
// uniquely-named file under tmp/ and renames it into new/ on Close, so a
// reader never observes a partially written message. contentPath itself is
// left alone: a message can have both local and remote recipients, and a
// remote recipient further down the envelope may still need the spooled
// content after this call returns. Run does not remove it either: once
// every recipient, local and remote, has been consumed it reports Abandon
// and leaves the spooled message to its caller.
func (f *DeliveryFilter) deliverTo(mailbox, id, contentPath string) error {
	dir := maildir.Dir(filepath.Join(f.DeliveryDir, mailbox))
	if err := dir.Init(); err != nil {
		return err
	}

	in, err := os.Open(contentPath)
	if err != nil {
		return err
	}
	defer in.Close()

	_, w, err := dir.Create(nil)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
