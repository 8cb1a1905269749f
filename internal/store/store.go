// Package store implements corvid's message spool: a flat directory of
// envelope+content file pairs, written atomically and scanned for
// forwarding. See spec.md §4.6 "Message store (spool)".
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/corvid-mail/corvid/internal/safeio"
)

const (
	envelopeSuffix    = ".envelope"
	envelopeNewSuffix = ".envelope.new"
	envelopeBadSuffix = ".envelope.bad"
	contentSuffix     = ".content"
	contentNewSuffix  = ".content.new"
)

// SubscriptionToken identifies one Subscribe call so it can later be
// Unsubscribed, without Store having to hold a back-pointer into whatever
// object owns the channel.
type SubscriptionToken uint64

// Store owns one spool directory. A single Store is meant to be used from
// one goroutine per spec.md §4.6's concurrency note ("not thread-shared");
// Subscribe/RequestRescan are the exception, safe for concurrent use, since
// rescans are requested from SMTP connection goroutines (a store filter's
// rescan outcome) while the owning Unit listens on its own goroutine.
type Store struct {
	dir string
	ids *idGen

	mu        sync.Mutex
	subs      map[SubscriptionToken]chan struct{}
	nextToken SubscriptionToken
}

// New opens the spool directory dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	return &Store{
		dir:  dir,
		ids:  newIDGen(),
		subs: map[SubscriptionToken]chan struct{}{},
	}, nil
}

// Dir returns the spool directory this Store manages, for the admin "info"
// command (spec.md §4.9).
func (s *Store) Dir() string { return s.dir }

// EnvelopePath and ContentPath expose a committed message's on-disk paths
// to external filters (spec.md §4.7), which run out-of-process and so need
// real paths rather than in-memory data.
func (s *Store) EnvelopePath(id string) string { return s.envelopePath(id) }
func (s *Store) ContentPath(id string) string  { return s.contentPath(id) }

func (s *Store) envelopePath(id string) string    { return filepath.Join(s.dir, id+envelopeSuffix) }
func (s *Store) envelopeNewPath(id string) string { return filepath.Join(s.dir, id+envelopeNewSuffix) }
func (s *Store) envelopeBadPath(id string) string { return filepath.Join(s.dir, id+envelopeBadSuffix) }
func (s *Store) contentPath(id string) string     { return filepath.Join(s.dir, id+contentSuffix) }
func (s *Store) contentNewPath(id string) string  { return filepath.Join(s.dir, id+contentNewSuffix) }

// nextFreeID claims an id: it generates candidates from the process-wide
// counter and confirms each is actually free on disk via an exclusive
// create of its content.new file, looping past any collision.
func (s *Store) nextFreeID() (string, error) {
	for {
		id := s.ids.Next()
		f, err := safeio.CreateExclusive(s.contentNewPath(id), 0640)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return "", err
		}
		f.Close()
		return id, nil
	}
}

// writeNew writes the (already-claimed) content.new and envelope.new files
// for id.
func (s *Store) writeNew(id string, envelope, content []byte) error {
	if err := safeio.WriteFile(s.contentNewPath(id), content, 0640); err != nil {
		return err
	}
	return safeio.WriteFile(s.envelopeNewPath(id), envelope, 0640)
}

// commit renames content.new→content then envelope.new→envelope, per
// spec.md §4.6 step 4; a scanner that lists envelope files and confirms a
// matching content file never observes a half-committed message, because
// content always lands first.
func (s *Store) commit(id string, sync bool) error {
	if sync {
		if err := fsyncPath(s.contentNewPath(id)); err != nil {
			return err
		}
	}
	if err := os.Rename(s.contentNewPath(id), s.contentPath(id)); err != nil {
		return err
	}
	if sync {
		if err := fsyncPath(s.envelopeNewPath(id)); err != nil {
			return err
		}
	}
	if err := os.Rename(s.envelopeNewPath(id), s.envelopePath(id)); err != nil {
		return err
	}
	if sync {
		fsyncDir(s.dir)
	}
	return nil
}

// entry is one scanned message: its id and the envelope file's mtime, used
// to sort the live list oldest-first.
type entry struct {
	id    string
	mtime int64
}

// Scan returns the ids of committed messages, sorted by envelope-file mtime
// ascending. Partial entries (missing a content file, or an envelope with
// no End sentinel) and .envelope.bad entries are excluded. Scan tolerates
// entries appearing or disappearing mid-enumeration, since an external
// filter or a concurrent forwarding run may be mutating the directory.
func (s *Store) Scan() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var entries []entry
	for _, de := range des {
		name := de.Name()
		if !strings.HasSuffix(name, envelopeSuffix) || strings.HasSuffix(name, envelopeNewSuffix) || strings.HasSuffix(name, envelopeBadSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, envelopeSuffix)

		if _, err := os.Stat(s.contentPath(id)); err != nil {
			continue
		}
		envData, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		if _, err := ParseEnvelope(envData); err == ErrPartialEnvelope {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, entry{id: id, mtime: fi.ModTime().UnixNano()})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].mtime < entries[j].mtime })

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

// Failures returns the ids of messages whose envelope was marked .bad by
// Fail.
func (s *Store) Failures() ([]string, error) {
	des, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, de := range des {
		name := de.Name()
		if strings.HasSuffix(name, envelopeBadSuffix) {
			ids = append(ids, strings.TrimSuffix(name, envelopeBadSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Fail marks id as permanently failed by renaming its envelope to
// .envelope.bad, taking it out of Scan's live list.
func (s *Store) Fail(id string) error {
	return os.Rename(s.envelopePath(id), s.envelopeBadPath(id))
}

// FailWithReason marks id as permanently failed like Fail, but first
// rewrites the envelope with a Reason line recording why, per spec.md
// §4.4's per-message commit rule: "on 5xx: rename envelope to
// .envelope.bad and record the reason in a Reason: line".
func (s *Store) FailWithReason(id, reason string) error {
	envData, err := os.ReadFile(s.envelopePath(id))
	if err != nil {
		return err
	}
	env, err := ParseEnvelope(envData)
	if err != nil && err != ErrPartialEnvelope {
		return err
	}
	env.Reason = reason
	if err := safeio.WriteFile(s.envelopePath(id), env.Marshal(), 0640); err != nil {
		return err
	}
	return s.Fail(id)
}

// UnfailAll renames every .envelope.bad back to .envelope, per the admin
// "unfail-all" command (spec.md §4.9).
func (s *Store) UnfailAll() error {
	ids, err := s.Failures()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := os.Rename(s.envelopeBadPath(id), s.envelopePath(id)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes both files of a committed message, e.g. after a successful
// forward or a built-in deliver/copy filter consuming every recipient.
func (s *Store) Remove(id string) error {
	err1 := os.Remove(s.contentPath(id))
	err2 := os.Remove(s.envelopePath(id))
	if err1 != nil {
		return err1
	}
	return err2
}

// Read loads id's envelope and content.
func (s *Store) Read(id string) (*Envelope, []byte, error) {
	envData, err := os.ReadFile(s.envelopePath(id))
	if err != nil {
		return nil, nil, err
	}
	env, err := ParseEnvelope(envData)
	if err != nil {
		return nil, nil, fmt.Errorf("store: reading %s: %w", id, err)
	}
	content, err := os.ReadFile(s.contentPath(id))
	if err != nil {
		return nil, nil, err
	}
	return env, content, nil
}

// Subscribe registers for rescan notifications: ch receives a value (never
// blocking the sender, since it's buffered and drops sends if full) every
// time RequestRescan fires. Callers must Unsubscribe with the returned
// token when done.
func (s *Store) Subscribe() (SubscriptionToken, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextToken++
	token := s.nextToken
	ch := make(chan struct{}, 1)
	s.subs[token] = ch
	return token, ch
}

// Unsubscribe removes a subscription registered with Subscribe.
func (s *Store) Unsubscribe(token SubscriptionToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, token)
}

// RequestRescan notifies every subscriber that the store may have new work
// (spec.md §4.6 "Notifications"). A store filter's OkAndRescan outcome
// funnels through here; the admin "forward"/"flush" commands and the --poll
// timer call Unit.Request directly instead.
func (s *Store) RequestRescan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
