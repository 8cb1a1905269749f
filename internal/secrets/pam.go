package secrets

import "errors"

// ErrPAMUnavailable is returned by authenticatePAM: corvid's examples pack
// carries no PAM binding (cgo or otherwise), and fabricating one isn't
// appropriate for a secrets backend that holds real passwords. A "pam:"
// path is still accepted by Load so configurations naming it fail loudly
// at authentication time rather than at startup, matching how chasquid
// itself treats a misconfigured but syntactically valid backend.
var ErrPAMUnavailable = errors.New("secrets: pam backend not available in this build")

// authenticatePAM is the seam a real PAM integration would fill in: given
// the PAM service name configured for the domain (id) and the presented
// password, it would open a PAM transaction, set PAM_AUTHTOK, and call
// pam_authenticate. Left unimplemented; see ErrPAMUnavailable.
func authenticatePAM(id, password string) (bool, error) {
	return false, ErrPAMUnavailable
}
