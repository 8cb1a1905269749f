package linebuf

import (
	"bytes"
	"testing"
)

// collectBody runs a full DATA-style exchange through a Buffer in dot-stuffing
// mode and returns the concatenation of delivered lines, each re-terminated
// with '\n', plus whether EndOfBody was ever seen.
func collectBody(t *testing.T, input string, max int64) (string, bool, error) {
	t.Helper()

	b := New(CRLF, max)
	b.SetDotStuffing(true)

	var out bytes.Buffer
	sawEnd := false

	b.Add([]byte(input))
	err := b.Apply(false, func(l Line) error {
		if l.EndOfBody {
			sawEnd = true
			return nil
		}
		out.Write(l.Data)
		out.WriteByte('\n')
		return nil
	})
	return out.String(), sawEnd, err
}

func TestDotStuffedBody(t *testing.T) {
	cases := []struct {
		input   string
		max     int64
		want    string
		wantEnd bool
		wantErr error
	}{
		{"abc\r\n.\r\n", 0, "abc\n", true, nil},
		{"\r\n.\r\n", 0, "\n", true, nil},
		{".\r\n", 0, "", true, nil},

		// Dot-stuffing, per RFC 5321 section 4.5.2.
		{"abc\r\n.def\r\n.\r\n", 0, "abc\ndef\n", true, nil},
		{"abc\r\n..def\r\n.\r\n", 0, "abc\n.def\n", true, nil},
		{"abc\r\n..\r\n.\r\n", 0, "abc\n.\n", true, nil},
		{".x\r\n.\r\n", 0, "x\n", true, nil},
		{"..\r\n.\r\n", 0, ".\n", true, nil},

		// Not yet terminated: nothing is reported as EndOfBody.
		{"abc\r\n", 0, "abc\n", false, nil},

		// Over the maximum line size.
		{"abcdefg\r\n.\r\n", 5, "", false, ErrTooLarge},
	}

	for i, c := range cases {
		got, sawEnd, err := collectBody(t, c.input, c.max)
		if err != c.wantErr {
			t.Errorf("case %d %q: got error %v, want %v", i, c.input, err, c.wantErr)
			continue
		}
		if err != nil {
			continue
		}
		if got != c.want {
			t.Errorf("case %d %q: got %q, want %q", i, c.input, got, c.want)
		}
		if sawEnd != c.wantEnd {
			t.Errorf("case %d %q: got EndOfBody=%v, want %v", i, c.input, sawEnd, c.wantEnd)
		}
	}
}

func TestPlainLines(t *testing.T) {
	b := New(CRLF, 0)
	b.Add([]byte("MAIL FROM:<a@b>\r\nRCPT TO:<c@d>\r\n"))

	var got []string
	err := b.Apply(false, func(l Line) error {
		got = append(got, string(l.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{"MAIL FROM:<a@b>", "RCPT TO:<c@d>"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPartialLineNotDeliveredUntilApply(t *testing.T) {
	b := New(CRLF, 0)
	b.Add([]byte("MAIL FROM"))

	called := false
	if err := b.Apply(false, func(l Line) error {
		called = true
		return nil
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if called {
		t.Fatalf("handler called on incomplete line")
	}

	b.Add([]byte(":<a@b>\r\n"))
	if err := b.Apply(false, func(l Line) error {
		called = true
		if string(l.Data) != "MAIL FROM:<a@b>" {
			t.Errorf("got %q", l.Data)
		}
		return nil
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !called {
		t.Fatalf("handler never called once line completed")
	}
}

func TestAutoDetectLocksTerminator(t *testing.T) {
	b := New(Auto, 0)
	b.Add([]byte("first\r\nsecond\n"))

	var got []string
	err := b.Apply(false, func(l Line) error {
		got = append(got, string(l.Data))
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// The terminator locks to CRLF on the first line seen; "second\n" is
	// therefore not a complete line under that lock and is left buffered.
	if len(got) != 1 || got[0] != "first" {
		t.Fatalf("got %v, want [first]", got)
	}
	if b.Pending() == 0 {
		t.Fatalf("expected the unterminated remainder to still be buffered")
	}
}

func TestExpectChunk(t *testing.T) {
	b := New(CRLF, 0)
	b.Expect(5)
	b.Add([]byte("abc"))

	called := false
	err := b.Apply(false, func(l Line) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if called {
		t.Fatalf("handler called before all expected bytes arrived")
	}

	// Once the rest of the expected bytes arrive, the chunk is delivered
	// and normal line framing immediately resumes over whatever's left.
	b.Add([]byte("de\r\n"))
	var deliveries []Line
	if err := b.Apply(false, func(l Line) error {
		deliveries = append(deliveries, l)
		return nil
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("got %d deliveries, want 2: %+v", len(deliveries), deliveries)
	}
	if string(deliveries[0].Data) != "abcde" {
		t.Errorf("chunk: got %q, want %q", deliveries[0].Data, "abcde")
	}
	if string(deliveries[1].Data) != "" {
		t.Errorf("trailing line: got %q, want empty", deliveries[1].Data)
	}
}

func TestPartialFragmentAtWatermark(t *testing.T) {
	b := New(CRLF, 4)
	b.Add([]byte("toolong"))

	var got Line
	called := false
	err := b.Apply(true, func(l Line) error {
		called = true
		got = l
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !called || !got.Partial {
		t.Fatalf("expected a partial fragment delivery, got called=%v %+v", called, got)
	}
	if string(got.Data) != "toolong" {
		t.Errorf("got %q", got.Data)
	}
}

func TestLosslessness(t *testing.T) {
	input := "EHLO there\r\nMAIL FROM:<a@b>\r\nRCPT TO:<c@d>\r\nDATA\r\n"
	b := New(CRLF, 0)
	b.Add([]byte(input))

	var out bytes.Buffer
	err := b.Apply(false, func(l Line) error {
		out.Write(l.Data)
		for i := 0; i < l.EOLSize; i++ {
			if i == 0 && l.EOLSize == 2 {
				out.WriteByte('\r')
			}
			if i == l.EOLSize-1 {
				out.WriteByte('\n')
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out.String() != input {
		t.Errorf("got %q, want %q", out.String(), input)
	}
}
