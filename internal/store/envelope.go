package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// BodyKind records how the content file's octets should be interpreted and
// transmitted onward.
type BodyKind string

const (
	Body7Bit       BodyKind = "7bit"
	Body8BitMime   BodyKind = "8bitmime"
	BodyBinaryMime BodyKind = "binarymime"
)

// ErrPartialEnvelope is returned by ParseEnvelope when the file has no
// trailing "End: 1" sentinel, meaning a writer was interrupted before
// finishing it.
var ErrPartialEnvelope = errors.New("store: envelope missing End sentinel")

// Envelope is the parsed form of a "<id>.envelope" file: SMTP-level routing
// metadata kept alongside a message's content.
type Envelope struct {
	// Exactly one of FromLocal/FromRemote is set.
	FromLocal  string
	FromRemote string

	ToLocal  []string
	ToRemote []string

	Authentication         string
	Client                 string
	ClientCertificate      string
	FromAuthenticationIn   string
	FromAuthenticationOut  string
	Utf8Mailboxes          bool
	Body                   BodyKind

	// Reason records why delivery was given up on, once the forwarder has
	// renamed this envelope to "<id>.envelope.bad" after a permanent (5xx)
	// failure. Empty for envelopes still awaiting delivery.
	Reason string
}

// From returns whichever of FromLocal/FromRemote is set.
func (e *Envelope) From() string {
	if e.FromLocal != "" {
		return e.FromLocal
	}
	return e.FromRemote
}

// Recipients returns every recipient, local and remote, for callers that
// don't care about the distinction (e.g. logging).
func (e *Envelope) Recipients() []string {
	all := make([]string, 0, len(e.ToLocal)+len(e.ToRemote))
	all = append(all, e.ToLocal...)
	all = append(all, e.ToRemote...)
	return all
}

// Marshal renders the envelope to its on-disk text form.
func (e *Envelope) Marshal() []byte {
	var b bytes.Buffer

	if e.FromLocal != "" {
		fmt.Fprintf(&b, "From-Local: %s\n", e.FromLocal)
	} else {
		fmt.Fprintf(&b, "From-Remote: %s\n", e.FromRemote)
	}
	for _, r := range e.ToLocal {
		fmt.Fprintf(&b, "To-Local: %s\n", r)
	}
	for _, r := range e.ToRemote {
		fmt.Fprintf(&b, "To-Remote: %s\n", r)
	}
	if e.Authentication != "" {
		fmt.Fprintf(&b, "Authentication: %s\n", EncodeXtext(e.Authentication))
	}
	if e.Client != "" {
		fmt.Fprintf(&b, "Client: %s\n", e.Client)
	}
	if e.ClientCertificate != "" {
		fmt.Fprintf(&b, "Client-Certificate: %s\n", e.ClientCertificate)
	}
	if e.FromAuthenticationIn != "" {
		fmt.Fprintf(&b, "From-Authentication-In: %s\n", EncodeXtext(e.FromAuthenticationIn))
	}
	if e.FromAuthenticationOut != "" {
		fmt.Fprintf(&b, "From-Authentication-Out: %s\n", EncodeXtext(e.FromAuthenticationOut))
	}
	if e.Utf8Mailboxes {
		b.WriteString("Utf8-Mailboxes: yes\n")
	} else {
		b.WriteString("Utf8-Mailboxes: no\n")
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "Body: %s\n", e.Body)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", EncodeXtext(e.Reason))
	}
	b.WriteString("End: 1\n")

	return b.Bytes()
}

// ParseEnvelope parses the text form produced by Marshal. It returns
// ErrPartialEnvelope if there's no "End: 1" line, which callers should
// treat as "this message was never fully committed".
func ParseEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	sawEnd := false

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			key, val, ok = strings.Cut(line, ":")
			if !ok {
				continue
			}
		}

		switch key {
		case "From-Local":
			e.FromLocal = val
		case "From-Remote":
			e.FromRemote = val
		case "To-Local":
			e.ToLocal = append(e.ToLocal, val)
		case "To-Remote":
			e.ToRemote = append(e.ToRemote, val)
		case "Authentication":
			e.Authentication = DecodeXtext(val)
		case "Client":
			e.Client = val
		case "Client-Certificate":
			e.ClientCertificate = val
		case "From-Authentication-In":
			e.FromAuthenticationIn = DecodeXtext(val)
		case "MailFromAuthIn":
			// Legacy alias, honored on read only.
			if e.FromAuthenticationIn == "" {
				e.FromAuthenticationIn = DecodeXtext(val)
			}
		case "From-Authentication-Out":
			e.FromAuthenticationOut = DecodeXtext(val)
		case "Utf8-Mailboxes":
			e.Utf8Mailboxes = val == "yes"
		case "Body":
			e.Body = BodyKind(val)
		case "Reason":
			e.Reason = DecodeXtext(val)
		case "End":
			sawEnd = true
		}
	}

	if !sawEnd {
		return e, ErrPartialEnvelope
	}
	if len(e.ToLocal) == 0 && len(e.ToRemote) == 0 {
		return e, errors.New("store: envelope has no recipients")
	}
	return e, nil
}
