// Package linebuf implements incremental line framing for SMTP-style
// connections: CRLF/LF/auto-detected terminators, the SMTP DATA
// dot-stuffing convention, and a fixed-length "expect" mode for BDAT
// chunks. It is independent of any particular socket or event loop;
// callers feed it bytes as they're read and drain complete units as they
// become available, following the same add/apply split chasquid's
// internal/smtpsrv/dotreader.go used internally for its DATA handling.
package linebuf

import (
	"bytes"
	"errors"
)

// Mode selects the line terminator convention.
type Mode int

const (
	// Auto locks onto CRLF or LF based on the first terminator seen.
	Auto Mode = iota
	CRLF
	LF
)

var (
	// ErrTooLarge is returned when a line (or the currently framed unit)
	// would exceed the buffer's configured maximum.
	ErrTooLarge = errors.New("linebuf: line exceeds configured maximum size")
)

// Line is one unit of output from Apply.
type Line struct {
	// Data is the line's content, with its terminator stripped and, in
	// dot-stuffing mode, a doubled leading dot undone. Reused across calls;
	// copy it if you need to retain it past the handler call.
	Data []byte

	// EOLSize is the number of terminator bytes that were stripped (2 for
	// CRLF, 1 for LF, 0 for a partial fragment or an Expect(n) chunk).
	EOLSize int

	// EndOfBody is true exactly once per dot-stuffed body: when the lone
	// "." line is seen. Data is empty and EOLSize is 0 on that delivery;
	// the terminating line itself is never delivered to the handler.
	EndOfBody bool

	// Partial is true when Data was delivered before a terminator was
	// found, because fragmentsAllowed was set and the configured maximum
	// was reached.
	Partial bool
}

// Buffer accumulates bytes added via Add and frames them into Lines as
// Apply is called. The zero value is not usable; use New.
type Buffer struct {
	mode   Mode
	locked bool
	term   []byte

	max int64 // 0 = unlimited

	raw []byte

	dotStuffing bool
	expectN     int64 // >=0 while consuming a fixed-length chunk
}

// New returns a Buffer using the given terminator policy. max, if positive,
// bounds the size of any single delivered unit (a line, or an Expect
// chunk); exceeding it is reported as ErrTooLarge.
func New(mode Mode, max int64) *Buffer {
	return &Buffer{mode: mode, max: max, expectN: -1}
}

// SetDotStuffing switches dot-stuffed body framing on or off. It is used by
// the SMTP server and client around a DATA body: lines beginning with ".."
// have one leading dot removed, and the line "." ends the body without
// being delivered.
func (b *Buffer) SetDotStuffing(on bool) {
	b.dotStuffing = on
}

// Expect switches the buffer to deliver exactly n octets as a single
// fragment, ignoring line terminators and dot-stuffing, for a BDAT chunk.
// It is cleared automatically once that many bytes have been delivered.
func (b *Buffer) Expect(n int64) {
	b.expectN = n
}

// Reset clears dot-stuffing and Expect state, e.g. after a session reset
// following STARTTLS or after RSET. The terminator lock and any buffered
// bytes are left untouched.
func (b *Buffer) Reset() {
	b.dotStuffing = false
	b.expectN = -1
}

// Add appends newly read bytes to the buffer.
func (b *Buffer) Add(p []byte) {
	b.raw = append(b.raw, p...)
}

// Pending reports how many unconsumed bytes are currently buffered.
func (b *Buffer) Pending() int {
	return len(b.raw)
}

// Apply delivers every complete unit currently extractable from the bytes
// added so far, calling handler once per unit in order, and returns when no
// further unit can be extracted. If fragmentsAllowed, a line that has
// reached the configured maximum without a terminator is also delivered,
// marked Partial, so callers can enforce line-length limits without
// buffering unboundedly; otherwise such input accumulates until either a
// terminator appears or ErrTooLarge is returned.
//
// Bytes are delivered exactly once, in order; a unit is only removed from
// the buffer once its handler call returns without error.
func (b *Buffer) Apply(fragmentsAllowed bool, handler func(Line) error) error {
	for {
		if b.expectN >= 0 {
			if b.max > 0 && b.expectN > b.max {
				return ErrTooLarge
			}
			if int64(len(b.raw)) < b.expectN {
				return nil
			}
			chunk := clone(b.raw[:b.expectN])
			n := b.expectN
			if err := handler(Line{Data: chunk}); err != nil {
				return err
			}
			b.consume(int(n))
			b.expectN = -1
			continue
		}

		ok, data, eol, consumed, err := b.nextLine()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		line := Line{Data: clone(data), EOLSize: eol}
		if b.dotStuffing {
			switch {
			case len(line.Data) == 1 && line.Data[0] == '.':
				line.Data = nil
				line.EOLSize = 0
				line.EndOfBody = true
				b.dotStuffing = false
			case len(line.Data) >= 1 && line.Data[0] == '.':
				// Any line starting with a period has one leading period
				// removed, per RFC 5321 section 4.5.2; the sender only
				// doubles periods, so this is unconditional on the
				// receiving side.
				line.Data = line.Data[1:]
			}
		}

		if err := handler(line); err != nil {
			return err
		}
		b.consume(consumed)
	}

	if b.expectN < 0 && b.max > 0 && int64(len(b.raw)) >= b.max {
		if !fragmentsAllowed {
			return ErrTooLarge
		}
		frag := clone(b.raw)
		if err := handler(Line{Data: frag, Partial: true}); err != nil {
			return err
		}
		b.consume(len(b.raw))
	}

	return nil
}

// nextLine looks for the next terminated line in b.raw without consuming
// it; the caller removes the bytes via consume once the handler accepts
// them. It does not itself enforce the configured maximum on an
// as-yet-unterminated line; Apply does that once no more complete lines
// can be extracted, so that fragmentsAllowed callers can still observe the
// oversized partial instead of just getting an error.
func (b *Buffer) nextLine() (ok bool, data []byte, eolSize, consumed int, err error) {
	if !b.locked {
		idx := bytes.IndexByte(b.raw, '\n')
		if idx < 0 {
			return false, nil, 0, 0, nil
		}
		switch b.mode {
		case CRLF:
			b.term = []byte("\r\n")
		case LF:
			b.term = []byte("\n")
		default:
			if idx > 0 && b.raw[idx-1] == '\r' {
				b.term = []byte("\r\n")
			} else {
				b.term = []byte("\n")
			}
		}
		b.locked = true
	}

	idx := bytes.Index(b.raw, b.term)
	if idx < 0 {
		return false, nil, 0, 0, nil
	}
	if b.max > 0 && int64(idx) > b.max {
		return false, nil, 0, 0, ErrTooLarge
	}
	return true, b.raw[:idx], len(b.term), idx + len(b.term), nil
}

// consume drops n bytes from the front of the buffer, compacting the
// backing array once it has grown much larger than what's left in it.
func (b *Buffer) consume(n int) {
	b.raw = b.raw[n:]
	if cap(b.raw) > 4096 && len(b.raw)*2 < cap(b.raw) {
		nb := make([]byte, len(b.raw))
		copy(nb, b.raw)
		b.raw = nb
	}
}

func clone(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
