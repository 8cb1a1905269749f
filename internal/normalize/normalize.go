// Package normalize contains functions to normalize usernames, domains and
// addresses, so that SMTPUTF8 mailboxes and plain ASCII ones compare equal
// regardless of how the submitter chose to write them.
package normalize

import (
	"github.com/corvid-mail/corvid/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalices an username using PRECIS.
// On error, it will also return the original username to simplify callers.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}

	return norm, nil
}

// Domain normalizes a domain name, converting it to its Unicode form so it
// compares equal regardless of whether the submitter used IDNA-ASCII or
// native UTF-8 (relevant for the envelope's Utf8-Mailboxes flag).
func Domain(domain string) (string, error) {
	norm, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return norm, nil
}

// Addr normalizes a full user@domain address using PRECIS for the user part
// and IDNA for the domain. On error, it also returns the original address to
// simplify callers.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)

	user, err := User(user)
	if err != nil {
		return addr, err
	}

	domain, err = Domain(domain)
	if err != nil {
		return addr, err
	}

	return user + "@" + domain, nil
}
