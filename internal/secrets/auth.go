package secrets

import (
	"crypto/subtle"
	"math/rand"
	"time"
)

// AuthDuration is how long ServerAuthenticate should take, approximately,
// regardless of outcome, to blunt basic timing attacks against the secrets
// lookup. Mirrors chasquid's internal/auth.Authenticator.AuthDuration.
var AuthDuration = 100 * time.Millisecond

// ServerAuthenticate checks a PLAIN/LOGIN credential against the store.
// mech should be "plain" or "login"; id is the normalized user@domain
// identity. A PAM-backed store delegates to authenticatePAM (pam.go), which
// in this build always reports false with ErrPAMUnavailable.
func (s *Store) ServerAuthenticate(mech, id, password string) (ok bool, err error) {
	defer pad(time.Now())

	if s.pam {
		return authenticatePAM(id, password)
	}

	row, found := s.find("server", "server."+mech, id)
	if !found {
		return false, nil
	}
	if row.Type == "scrypt" {
		return VerifyScrypt(row.Secret, password)
	}
	return subtle.ConstantTimeCompare([]byte(row.Secret), []byte(password)) == 1, nil
}

// ServerCRAMSecret returns the secret to use when verifying a CRAM-*
// response for id: either the row's plaintext secret (type "plain"/
// "plain:b") or its pre-hashed HMAC key (type "md5"), which the caller
// passes straight to sasl.VerifyCRAMDigest.
func (s *Store) ServerCRAMSecret(mech, id string) (secret string, ok bool) {
	row, found := s.find("server", "server."+mech, id)
	if !found || row.Type == "scrypt" {
		// CRAM needs the raw (or MD5-keyed) secret to compute an HMAC; a
		// one-way scrypt hash can't serve that, so such rows are invisible
		// to CRAM and only usable via ServerAuthenticate.
		return "", false
	}
	return row.Secret, true
}

// ClientSecret returns the credential corvid should present when
// forwarding to an upstream smarthost that requires AUTH, keyed by the
// mechanism it negotiated and the id (usually corvid's own account name on
// that smarthost).
func (s *Store) ClientSecret(mech, id string) (secret string, ok bool) {
	row, found := s.find("client", "client."+mech, id)
	if !found {
		return "", false
	}
	return row.Secret, true
}

// pad sleeps out the remainder of AuthDuration (plus 0-20% jitter) since
// start, so Authenticate calls take roughly the same wall-clock time
// whether the lookup found a row or not.
func pad(start time.Time) {
	elapsed := time.Since(start)
	delay := AuthDuration - elapsed
	if delay <= 0 {
		return
	}
	maxDelta := int64(float64(delay) * 0.2)
	if maxDelta > 0 {
		delay += time.Duration(rand.Int63n(maxDelta))
	}
	time.Sleep(delay)
}
