package sasl

import (
	"fmt"

	gosasl "github.com/emersion/go-sasl"
)

// NewServer builds a gosasl.Server for mech, dispatching to go-sasl's own
// PLAIN/LOGIN implementations or to this package's CRAM-* ones. challenge
// is only consulted for the CRAM-* mechanisms; pass the generator's next
// value even when the session hasn't decided the mechanism yet, since the
// cost of generating one is negligible.
func NewServer(mech, challenge string, plain PlainAuthenticator, cram CRAMAuthenticator) (gosasl.Server, error) {
	switch mech {
	case Plain:
		if plain == nil {
			return nil, fmt.Errorf("sasl: %s not configured", mech)
		}
		return gosasl.NewPlainServer(gosasl.PlainAuthenticator(plain)), nil
	case Login:
		if plain == nil {
			return nil, fmt.Errorf("sasl: %s not configured", mech)
		}
		return gosasl.NewLoginServer(func(username, password string) error {
			return plain("", username, password)
		}), nil
	case CramMD5, CramSHA1, CramSHA256:
		if cram == nil {
			return nil, fmt.Errorf("sasl: %s not configured", mech)
		}
		return &cramServer{challenge: challenge, authenticate: cram}, nil
	default:
		return nil, fmt.Errorf("sasl: unsupported mechanism %q", mech)
	}
}

// AllowedMechs narrows the full mechanism set to those permitted given
// whether the connection is currently encrypted: CRAM-* mechanisms never
// transmit the password itself, so they're offered regardless; PLAIN and
// LOGIN send credentials in the clear (modulo base64) and spec.md §4.3
// requires TLS-only mechs be dropped from the advertised set when
// unencrypted.
func AllowedMechs(all []string, tlsActive bool) []string {
	if tlsActive {
		return all
	}
	var allowed []string
	for _, m := range all {
		switch m {
		case CramMD5, CramSHA1, CramSHA256:
			allowed = append(allowed, m)
		}
	}
	return allowed
}
