// Package sasl adapts github.com/emersion/go-sasl's client/server
// mechanisms to corvid's AUTH dispatch (spec.md §4.3): PLAIN and LOGIN are
// go-sasl as-is, while the CRAM-* family (CRAM-MD5/SHA1/SHA256) is
// implemented directly here, since go-sasl only ships CRAM-MD5 and none of
// its variants generate a challenge bound to this process the way spec.md
// requires.
package sasl

import gosasl "github.com/emersion/go-sasl"

// Mechanism name constants, as sent in AUTH <mech> and advertised in EHLO.
const (
	Plain     = gosasl.Plain
	Login     = gosasl.Login
	CramMD5   = "CRAM-MD5"
	CramSHA1  = "CRAM-SHA1"
	CramSHA256 = "CRAM-SHA256"
)

// PlainAuthenticator verifies a PLAIN or LOGIN credential. identity is the
// optional authorization identity PLAIN carries (usually empty); username
// and password are the submitted credentials.
type PlainAuthenticator func(identity, username, password string) error

// CRAMAuthenticator verifies a CRAM-* response: username is as submitted,
// challenge is the exact string the server offered, and digest is the
// hex-encoded HMAC the client computed over it.
type CRAMAuthenticator func(username, challenge, digest string) error
