package filter

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/corvid-mail/corvid/internal/safeio"
	"github.com/corvid-mail/corvid/internal/trace"
)

// SpamFilter dispatches a message to a SpamAssassin spamd daemon, per
// spec.md §4.7 "Spam (spam: / spam-edit:)". No pack library speaks spamd's
// wire protocol (a small header-then-body exchange modeled on HTTP), so
// it's implemented directly against net.Conn here.
//
// Edit selects between the two configured schemes: false is plain "spam:"
// (accept/reject on the score verdict), true is "spam-edit:" (always
// accept, but overwrite the content file with spamd's rewritten body,
// which carries the X-Spam-* headers spamd adds).
type SpamFilter struct {
	Addr    string
	Timeout time.Duration
	Edit    bool
}

func (f *SpamFilter) Run(ctx context.Context, id, contentPath, envelopePath string) (Outcome, error) {
	tr := trace.New("filter.Spam", id)
	defer tr.Finish()

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	body, err := os.ReadFile(contentPath)
	if err != nil {
		return Outcome{}, tr.Errorf("reading content: %v", err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", f.Addr)
	if err != nil {
		return Outcome{Kind: Temporary, Reason: err.Error()}, nil
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	cmd := "CHECK"
	if f.Edit {
		cmd = "PROCESS"
	}
	fmt.Fprintf(conn, "%s SPAMC/1.5\r\n", cmd)
	fmt.Fprintf(conn, "Content-length: %d\r\n", len(body))
	fmt.Fprintf(conn, "\r\n")
	if _, err := conn.Write(body); err != nil {
		return Outcome{Kind: Temporary, Reason: err.Error()}, nil
	}

	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return Outcome{Kind: Temporary, Reason: "spamd: " + err.Error()}, nil
	}
	if !strings.HasPrefix(statusLine, "SPAMD/") {
		return Outcome{Kind: Temporary, Reason: "spamd: unexpected greeting"}, nil
	}

	var isSpam bool
	var score, threshold float64
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return Outcome{Kind: Temporary, Reason: "spamd: " + err.Error()}, nil
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}
		key, val, _ := strings.Cut(line, ":")
		val = strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "content-length":
			contentLength, _ = strconv.Atoi(val)
		case "spam":
			isSpam, score, threshold = parseSpamHeader(val)
		}
	}

	if f.Edit {
		rewritten := make([]byte, contentLength)
		if _, err := readFull(r, rewritten); err != nil {
			return Outcome{Kind: Temporary, Reason: "spamd: reading rewritten body: " + err.Error()}, nil
		}
		if err := safeio.WriteFile(contentPath, rewritten, 0640); err != nil {
			return Outcome{}, tr.Errorf("writing rewritten content: %v", err)
		}
		return Outcome{Kind: Ok}, nil
	}

	if isSpam {
		return Outcome{Kind: Reject, Reason: fmt.Sprintf("spam score %.1f exceeds threshold %.1f", score, threshold)}, nil
	}
	return Outcome{Kind: Ok}, nil
}

// parseSpamHeader parses a spamd "Spam: True ; 15.0 / 5.0" style header
// value into (isSpam, score, threshold).
func parseSpamHeader(val string) (bool, float64, float64) {
	parts := strings.SplitN(val, ";", 2)
	isSpam := strings.EqualFold(strings.TrimSpace(parts[0]), "true")
	var score, threshold float64
	if len(parts) == 2 {
		nums := strings.SplitN(parts[1], "/", 2)
		if len(nums) == 2 {
			score, _ = strconv.ParseFloat(strings.TrimSpace(nums[0]), 64)
			threshold, _ = strconv.ParseFloat(strings.TrimSpace(nums[1]), 64)
		}
	}
	return isSpam, score, threshold
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
