package timer

import (
	"sync"
	"testing"
	"time"
)

func TestFIFOAtEqualDeadline(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	deadline := time.Now().Add(20 * time.Millisecond)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		i := i
		w.Add(deadline, func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("fired out of order: got %v, want [0 1 2]", order)
			break
		}
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	fired := make(chan struct{}, 1)
	timer := w.Add(time.Now().Add(10*time.Millisecond), func() {
		fired <- struct{}{}
	})

	timer.Cancel()
	timer.Cancel() // must not panic or double-fire

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRestartPreservesCallback(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	fired := make(chan time.Time, 1)
	timer := w.Add(time.Now().Add(time.Hour), func() {
		fired <- time.Now()
	})

	timer.Restart(time.Now().Add(10 * time.Millisecond))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("restarted timer never fired")
	}
}

func TestRestartAfterFire(t *testing.T) {
	w := NewWheel()
	defer w.Stop()

	count := make(chan struct{}, 2)
	timer := w.Add(time.Now().Add(5*time.Millisecond), func() {
		count <- struct{}{}
	})

	<-count

	timer.Restart(time.Now().Add(5 * time.Millisecond))
	select {
	case <-count:
	case <-time.After(time.Second):
		t.Fatal("timer did not re-fire after Restart following expiry")
	}
}
