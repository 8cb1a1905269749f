package sasl

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// ChallengeGenerator produces CRAM-* challenge strings, each unique within
// this process: "<pid.counter.unixnano@hostname>", per spec.md §4.3
// ("a unique token bound to process id, monotonic counter and configured
// challenge-hostname").
type ChallengeGenerator struct {
	hostname string
	pid      int
	counter  uint64
}

// NewChallengeGenerator builds a generator that stamps every challenge with
// hostname (typically the configured server name, not necessarily the
// kernel hostname).
func NewChallengeGenerator(hostname string) *ChallengeGenerator {
	return &ChallengeGenerator{hostname: hostname, pid: os.Getpid()}
}

// Next returns a fresh challenge string.
func (g *ChallengeGenerator) Next() string {
	n := atomic.AddUint64(&g.counter, 1)
	return fmt.Sprintf("<%d.%d.%d@%s>", g.pid, n, time.Now().UnixNano(), g.hostname)
}
