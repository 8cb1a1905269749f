package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"strings"

	gosasl "github.com/emersion/go-sasl"
)

// errUnexpectedResponse is returned if the client sends a third message in
// a CRAM exchange, which only ever has two legs (challenge, response).
var errUnexpectedResponse = errors.New("sasl: unexpected client response")

// cramServer implements gosasl.Server for the CRAM-* family: the first
// Next call (nil response) offers the challenge, the second verifies the
// client's "<username> <hex-hmac>" response via authenticate.
type cramServer struct {
	challenge    string
	authenticate CRAMAuthenticator
	done         bool
}

func (s *cramServer) Next(response []byte) (challenge []byte, done bool, err error) {
	if s.done {
		return nil, true, errUnexpectedResponse
	}
	if response == nil {
		return []byte(s.challenge), false, nil
	}

	s.done = true
	username, digest, ok := strings.Cut(string(response), " ")
	if !ok || username == "" || digest == "" {
		return nil, true, errors.New("sasl: malformed CRAM response")
	}
	if err := s.authenticate(username, s.challenge, digest); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

// NewCRAMMD5Server returns a CRAM-MD5 server using challenge as the single
// challenge offered to the client. Use ChallengeGenerator.Next to produce
// it per spec.md §4.3.
func NewCRAMMD5Server(challenge string, authenticate CRAMAuthenticator) gosasl.Server {
	return &cramServer{challenge: challenge, authenticate: authenticate}
}

// NewCRAMSHA1Server is CRAM-MD5's sibling using SHA-1 as the HMAC hash.
func NewCRAMSHA1Server(challenge string, authenticate CRAMAuthenticator) gosasl.Server {
	return &cramServer{challenge: challenge, authenticate: authenticate}
}

// NewCRAMSHA256Server is CRAM-MD5's sibling using SHA-256 as the HMAC hash.
func NewCRAMSHA256Server(challenge string, authenticate CRAMAuthenticator) gosasl.Server {
	return &cramServer{challenge: challenge, authenticate: authenticate}
}

// HashFor returns the HMAC hash constructor for a CRAM-* mechanism name,
// for use by callers implementing the CRAMAuthenticator (they need it to
// recompute the expected digest against a stored secret).
func HashFor(mech string) func() hash.Hash {
	switch mech {
	case CramSHA1:
		return sha1.New
	case CramSHA256:
		return sha256.New
	default:
		return md5.New
	}
}

// ComputeCRAMDigest returns the hex-encoded HMAC of challenge under secret,
// using mech's hash. This is what a correct client response's digest half
// must equal.
func ComputeCRAMDigest(mech, secret, challenge string) string {
	mac := hmac.New(HashFor(mech), []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCRAMDigest recomputes the HMAC of challenge under secret using
// mech's hash and compares it, constant-time, against digest (hex-encoded,
// case-insensitive as CRAM implementations vary in casing).
// Authenticators wire this up against whatever the secrets store returns.
func VerifyCRAMDigest(mech, secret, challenge, digest string) bool {
	expected := ComputeCRAMDigest(mech, secret, challenge)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(digest)))
}
