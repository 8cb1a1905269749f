package forwarder

import "fmt"

// reply is one parsed SMTP response: a (possibly multi-line) reply code and
// text, read off the wire by readReply.
type reply struct {
	Code int
	Msg  string
}

func (r reply) Error() string {
	return fmt.Sprintf("%d %s", r.Code, r.Msg)
}

// Temporary reports whether this reply is in the 4xx class (spec.md §4.4
// cRcpt "4xx => temporary").
func (r reply) Temporary() bool { return r.Code >= 400 && r.Code < 500 }

// Permanent reports whether this reply is in the 5xx class.
func (r reply) Permanent() bool { return r.Code >= 500 }

// ok reports whether this reply is in the 2xx class.
func (r reply) ok() bool { return r.Code >= 200 && r.Code < 300 }
