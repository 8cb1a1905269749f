package store

import "github.com/corvid-mail/corvid/internal/xtext"

// EncodeXtext and DecodeXtext are kept here as thin aliases to
// internal/xtext, which also backs the secrets file format: both the
// envelope and secrets formats use the same RFC 1891 encoding (spec.md §3,
// §6), so the codec itself lives in one shared, lower-level package rather
// than being duplicated or making internal/secrets depend on the message
// store.
func EncodeXtext(s string) string { return xtext.Encode(s) }
func DecodeXtext(s string) string { return xtext.Decode(s) }
