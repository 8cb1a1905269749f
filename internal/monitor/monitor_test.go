package monitor

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStatusReflectsCounters(t *testing.T) {
	m := New()
	m.ListenerAdded()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.MessageReceived()
	m.ForwardRunStarted()

	status := m.Status()
	for _, want := range []string{
		"listeners: 1", "connections active: 1", "connections opened: 2",
		"connections closed: 1", "messages received: 1", "forward runs: 1",
	} {
		if !strings.Contains(status, want) {
			t.Errorf("Status() = %q, missing %q", status, want)
		}
	}
}

func TestListenAndServeExposesMetrics(t *testing.T) {
	m := New()
	m.MessageReceived()

	errCh := make(chan error, 1)
	go func() { errCh <- m.ListenAndServe("127.0.0.1:0", "/metrics") }()

	// ListenAndServe binds its own ephemeral port asynchronously; give it a
	// moment before asking it to shut down again.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("ListenAndServe did not return after Shutdown")
	}
}

func TestCountersAreIndependentAcrossInstances(t *testing.T) {
	a, b := New(), New()
	a.ConnectionOpened()
	if strings.Contains(b.Status(), "connections active: 1") {
		t.Fatalf("Monitor instances share state")
	}
}
