// Package tlsconst renders TLS version and cipher suite identifiers in a
// human-readable form, for use in Received: header tls-info fields and
// admin/status output.
package tlsconst

import (
	"crypto/tls"
	"fmt"
)

var versionName = map[uint16]string{
	tls.VersionSSL30: "SSL-3.0",
	tls.VersionTLS10: "TLS-1.0",
	tls.VersionTLS11: "TLS-1.1",
	tls.VersionTLS12: "TLS-1.2",
	tls.VersionTLS13: "TLS-1.3",
}

// VersionName returns a human-readable TLS version name.
func VersionName(v uint16) string {
	if name, ok := versionName[v]; ok {
		return name
	}
	return fmt.Sprintf("TLS-%#04x", v)
}

// CipherSuiteName returns a human-readable TLS cipher suite name, using the
// standard library's IANA-derived table where possible.
func CipherSuiteName(s uint16) string {
	for _, cs := range tls.CipherSuites() {
		if cs.ID == s {
			return cs.Name
		}
	}
	for _, cs := range tls.InsecureCipherSuites() {
		if cs.ID == s {
			return cs.Name
		}
	}
	return fmt.Sprintf("TLS_UNKNOWN_CIPHER_SUITE-%#04x", s)
}
