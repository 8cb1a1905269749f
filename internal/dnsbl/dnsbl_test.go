package dnsbl

import (
	"context"
	"net"
	"testing"
	"time"
)

func withLookup(t *testing.T, hits map[string]bool) {
	t.Helper()
	saved := lookupHost
	lookupHost = func(ctx context.Context, host string) ([]string, error) {
		for zone, hit := range hits {
			if hit && len(host) > len(zone) && host[len(host)-len(zone):] == zone {
				return []string{"127.0.0.2"}, nil
			}
		}
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	t.Cleanup(func() { lookupHost = saved })
}

func TestParseSpec(t *testing.T) {
	c, err := New("dns.example:53,500,1,zen.spamhaus.org,bl.spamcop.net")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Timeout != 500*time.Millisecond {
		t.Errorf("Timeout = %v, want 500ms", c.Timeout)
	}
	if c.Threshold != 1 {
		t.Errorf("Threshold = %d, want 1", c.Threshold)
	}
	if len(c.Zones) != 2 {
		t.Errorf("Zones = %v, want 2 entries", c.Zones)
	}
}

func TestCheckReportsNotBlockedWhenStopped(t *testing.T) {
	withLookup(t, map[string]bool{"zen.spamhaus.org": true})
	c, err := New("x:1,500,1,zen.spamhaus.org")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blocked, _, err := c.Check(context.Background(), net.ParseIP("127.0.0.2"))
	if err != nil || blocked {
		t.Fatalf("Check (stopped) = %v, %v, want false, nil", blocked, err)
	}
}

func TestCheckBlocksOnHit(t *testing.T) {
	withLookup(t, map[string]bool{"zen.spamhaus.org": true})
	c, err := New("x:1,500,1,zen.spamhaus.org")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()

	blocked, hits, err := c.Check(context.Background(), net.ParseIP("127.0.0.2"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !blocked {
		t.Fatalf("Check = not blocked, want blocked")
	}
	if len(hits) != 1 || hits[0] != "zen.spamhaus.org" {
		t.Fatalf("hits = %v, want [zen.spamhaus.org]", hits)
	}
}

func TestCheckThresholdRequiresMultipleHits(t *testing.T) {
	withLookup(t, map[string]bool{"zen.spamhaus.org": true, "bl.spamcop.net": false})
	c, err := New("x:1,500,2,zen.spamhaus.org,bl.spamcop.net")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()

	blocked, _, err := c.Check(context.Background(), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if blocked {
		t.Fatalf("Check = blocked with only 1/2 threshold hits")
	}
}

func TestCheckIgnoresIPv6(t *testing.T) {
	withLookup(t, map[string]bool{"zen.spamhaus.org": true})
	c, err := New("x:1,500,1,zen.spamhaus.org")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()

	blocked, hits, err := c.Check(context.Background(), net.ParseIP("2001:db8::1"))
	if err != nil || blocked || hits != nil {
		t.Fatalf("Check(IPv6) = %v, %v, %v, want false, nil, nil", blocked, hits, err)
	}
}

func TestStopDisablesAfterStart(t *testing.T) {
	withLookup(t, map[string]bool{"zen.spamhaus.org": true})
	c, _ := New("x:1,500,1,zen.spamhaus.org")
	c.Start()
	c.Stop()

	blocked, _, err := c.Check(context.Background(), net.ParseIP("127.0.0.2"))
	if err != nil || blocked {
		t.Fatalf("Check after Stop = %v, %v, want false, nil", blocked, err)
	}
}
