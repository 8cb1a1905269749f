package forwarder

import (
	"net"

	"golang.org/x/net/idna"
)

// lookupMX is net.LookupMX by default; tests override it to avoid depending
// on a real resolver, the same hook chasquid's internal/courier/smtp.go
// uses.
var lookupMX = net.LookupMX

// maxCandidates caps how many addresses a single Location carries, to keep
// delivery attempt times bounded and limit abuse via enormous MX sets.
const maxCandidates = 5

// Location resolves a remote domain to the ordered list of hosts the client
// protocol should try, per spec.md §4.4 "Entry: given a Location
// (address-list from resolver)".
func Location(domain string) ([]string, error) {
	asciiDomain, err := idna.ToASCII(domain)
	if err != nil {
		return nil, err
	}

	records, err := lookupMX(asciiDomain)
	if err != nil {
		dnsErr, ok := err.(*net.DNSError)
		if !ok {
			return nil, err
		}
		if !dnsErr.IsNotFound {
			return nil, err
		}
		// No MX record: RFC 5321 §5.1 falls back to the domain itself (an
		// implicit MX of the domain, preference 0).
		return []string{asciiDomain}, nil
	}

	hosts := make([]string, 0, len(records))
	for _, r := range records {
		hosts = append(hosts, r.Host)
	}
	if len(hosts) > maxCandidates {
		hosts = hosts[:maxCandidates]
	}
	return hosts, nil
}
