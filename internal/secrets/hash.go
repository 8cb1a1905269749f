package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters match chasquid's internal/userdb SCRYPT scheme: N=2^14,
// r=8, p=1, 32-byte derived key, 16-byte random salt.
const (
	scryptLogN    = 14
	scryptR       = 8
	scryptP       = 1
	scryptKeyLen  = 32
	scryptSaltLen = 16
)

// HashScrypt derives a storable "scrypt:<salt>:<hash>" secret for a
// server-side (or, were POP serving built, pop-side) row, so the secrets
// file never holds an incoming password in plaintext. Verified by
// VerifyScrypt from ServerAuthenticate.
func HashScrypt(password string) (string, error) {
	salt := make([]byte, scryptSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secrets: generating salt: %w", err)
	}

	key, err := scrypt.Key([]byte(password), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("secrets: scrypt: %w", err)
	}

	return "scrypt:" + b64(salt) + ":" + b64(key), nil
}

// VerifyScrypt checks password against a "scrypt:<salt>:<hash>" row
// produced by HashScrypt.
func VerifyScrypt(stored, password string) (bool, error) {
	parts := strings.SplitN(stored, ":", 3)
	if len(parts) != 3 || parts[0] != "scrypt" {
		return false, fmt.Errorf("secrets: malformed scrypt row")
	}
	salt, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false, fmt.Errorf("secrets: malformed scrypt salt: %w", err)
	}
	want, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return false, fmt.Errorf("secrets: malformed scrypt hash: %w", err)
	}

	got, err := scrypt.Key([]byte(password), salt, 1<<scryptLogN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false, fmt.Errorf("secrets: scrypt: %w", err)
	}

	return constantTimeEqual(got, want), nil
}

// HashBcrypt and VerifyBcrypt back cmd/corvid-secrets's interactive
// password prompt (used by add-server, add-client and check): the tool
// reads the password twice and uses a throwaway bcrypt hash of the first
// entry to confirm the second matches, rather than comparing the two raw
// strings in memory for longer than necessary. No bcrypt hash is ever
// written to the secrets file.
func HashBcrypt(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("secrets: bcrypt: %w", err)
	}
	return string(h), nil
}

// VerifyBcrypt reports whether password matches a hash produced by
// HashBcrypt.
func VerifyBcrypt(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
