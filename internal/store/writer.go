package store

import (
	"bytes"
	"fmt"
)

// Writer accumulates one message's envelope and content before it is
// committed to the store. The zero value is not usable; obtain one from
// Store.NewWriter.
type Writer struct {
	store *Store
	id    string

	env     Envelope
	content bytes.Buffer

	prepared bool
}

// NewWriter begins a new message: from is the submitter's address (either
// local or remote, per fromLocal), fromAuthOut is the auth id corvid will
// present when eventually forwarding the message onward, and body records
// how AddContentLine's argument should be interpreted.
func (s *Store) NewWriter(from string, fromLocal bool, fromAuthOut string, body BodyKind) *Writer {
	w := &Writer{store: s}
	if fromLocal {
		w.env.FromLocal = from
	} else {
		w.env.FromRemote = from
	}
	w.env.FromAuthenticationOut = fromAuthOut
	w.env.Body = body
	return w
}

// AddTo records one accepted recipient, routed as local or remote per the
// verifier's outcome (spec.md §4.2 "RCPT TO").
func (w *Writer) AddTo(address string, isLocal bool) {
	if isLocal {
		w.env.ToLocal = append(w.env.ToLocal, address)
	} else {
		w.env.ToRemote = append(w.env.ToRemote, address)
	}
}

// SetUTF8Mailboxes records whether this message was accepted with SMTPUTF8,
// so forwarding and local delivery know its From/To addresses may contain
// non-ASCII local parts.
func (w *Writer) SetUTF8Mailboxes(v bool) {
	w.env.Utf8Mailboxes = v
}

// AddContentLine appends one line of body content. For 7bit/8bitmime bodies
// it appends line followed by a CRLF; for binarymime it appends line's bytes
// verbatim, since binarymime content is not line-oriented.
func (w *Writer) AddContentLine(line []byte) {
	w.content.Write(line)
	if w.env.Body != BodyBinaryMime {
		w.content.WriteString("\r\n")
	}
}

// AddReception prepends a Received header built from the given fields ahead
// of whatever content has been written so far, per spec.md §4.2 DATA step 1.
// It is a no-op if header is empty (e.g. anonymous=content).
func (w *Writer) AddReception(header string) {
	if header == "" {
		return
	}
	rest := append([]byte(nil), w.content.Bytes()...)
	w.content.Reset()
	w.content.WriteString(header)
	w.content.WriteString("\r\n")
	w.content.Write(rest)
}

// ReserveID claims this message's id up front, before the rest of the
// envelope is known — e.g. so a Received header added via AddReception can
// reference it. Later calls return the same id; Prepare reuses the
// reservation instead of claiming a second id.
func (w *Writer) ReserveID() (string, error) {
	if w.id != "" {
		return w.id, nil
	}
	id, err := w.store.nextFreeID()
	if err != nil {
		return "", err
	}
	w.id = id
	return id, nil
}

// Prepare sets the remaining envelope fields gathered at submission-accept
// time and writes out the ".envelope.new"/".content.new" pair. It must be
// called before Commit.
func (w *Writer) Prepare(authID, peerAddr, clientCert string) error {
	if len(w.env.ToLocal) == 0 && len(w.env.ToRemote) == 0 {
		return fmt.Errorf("store: cannot prepare a message with no recipients")
	}

	if _, err := w.ReserveID(); err != nil {
		return err
	}

	w.env.Authentication = authID
	w.env.Client = peerAddr
	w.env.ClientCertificate = clientCert

	if err := w.store.writeNew(w.id, w.env.Marshal(), w.content.Bytes()); err != nil {
		return err
	}
	w.prepared = true
	return nil
}

// Commit atomically publishes the message: content.new is renamed to
// content, then envelope.new to envelope. Scan only ever sees the state
// before or after both renames, never in between, because it always lists
// envelope files first and checks for a matching content file.
func (w *Writer) Commit(sync bool) (string, error) {
	if !w.prepared {
		return "", fmt.Errorf("store: Commit called before Prepare")
	}
	if err := w.store.commit(w.id, sync); err != nil {
		return "", err
	}
	return w.id, nil
}

// ID returns the message id assigned by ReserveID or Prepare, or "" before
// either runs.
func (w *Writer) ID() string {
	return w.id
}
