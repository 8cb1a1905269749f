// Package secrets implements corvid's secrets store: per-user credentials
// for server-side AUTH and the client credentials corvid presents when
// forwarding to an upstream smarthost (spec.md §3, §6 "Secrets file",
// Component K). Grounded on chasquid's internal/userdb (password schemes)
// and internal/auth (timing-safe Authenticate, base64 AUTH response
// decoding), but the on-disk format here is spec.md's own plain
// "side type id secret" text file rather than userdb's text-protobuf.
package secrets

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/corvid-mail/corvid/internal/xtext"
)

// Row is one parsed line of the secrets file.
type Row struct {
	Side   string // "client", "server", or "server.<mech>"
	Type   string // "plain", "plain:b", "md5", "scrypt"
	ID     string
	Secret string
}

// Store holds every row of a secrets file as a list that find scans in
// file order. It is safe for concurrent use.
type Store struct {
	path string
	pam  bool

	mu   sync.RWMutex
	rows []Row
}

// Load reads and parses a secrets file. If path is "pam:", no file is read
// and the store defers all server-side authentication to the PAM backend
// (see pam.go); client secrets still come from nowhere in that case, since
// PAM only authenticates incoming connections.
func Load(path string) (*Store, error) {
	if path == "pam:" {
		return &Store{path: path, pam: true}, nil
	}

	s := &Store{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the secrets file from disk, replacing the in-memory rows
// only if the read succeeds.
func (s *Store) Reload() error {
	if s.pam {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return fmt.Errorf("secrets: %s:%d: expected 4 fields, got %d", s.path, lineNo, len(fields))
		}

		row := Row{Side: fields[0], Type: fields[1]}
		id, secret, err := decodeFields(row.Type, fields[2], fields[3])
		if err != nil {
			return fmt.Errorf("secrets: %s:%d: %v", s.path, lineNo, err)
		}
		row.ID, row.Secret = id, secret
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.rows = rows
	s.mu.Unlock()
	return nil
}

// decodeFields decodes the id/secret pair per the row's type: xtext for
// "plain" and "md5", base64 for both fields of "plain:b". The "scrypt" type
// carries a pre-hashed secret (HashScrypt's own "scrypt:<salt>:<hash>"
// encoding) rather than a raw credential, so only its id is xtext-decoded.
func decodeFields(typ, id, secret string) (string, string, error) {
	if typ == "plain:b" {
		idb, err := base64.StdEncoding.DecodeString(id)
		if err != nil {
			return "", "", fmt.Errorf("invalid base64 id: %v", err)
		}
		secretb, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return "", "", fmt.Errorf("invalid base64 secret: %v", err)
		}
		return string(idb), string(secretb), nil
	}
	if typ == "scrypt" {
		return xtext.Decode(id), secret, nil
	}
	return xtext.Decode(id), xtext.Decode(secret), nil
}

// IsPAM reports whether this store defers server authentication to PAM.
func (s *Store) IsPAM() bool {
	return s.pam
}

// FromClientCredential builds a Store holding a single inline client
// credential, for spec.md §6's "--client-auth plain:user:pwd" form, which
// names a credential directly instead of pointing at a secrets file.
func FromClientCredential(id, secret string) *Store {
	return &Store{rows: []Row{{Side: "client", Type: "plain", ID: id, Secret: secret}}}
}

// find returns the most specific row matching side/mech and id: a
// mechanism-specific side (e.g. "server.cram-md5") wins over the generic
// "server" side.
func (s *Store) find(generic, specific, id string) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var genericMatch Row
	found := false
	for _, r := range s.rows {
		if r.ID != id {
			continue
		}
		if r.Side == specific {
			return r, true
		}
		if r.Side == generic {
			genericMatch = r
			found = true
		}
	}
	return genericMatch, found
}
