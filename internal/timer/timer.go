// Package timer implements a sorted deadline queue: add a callback to fire
// at a given time, cancel it, or restart it at a new deadline. Timers with
// equal deadlines fire in the order they were added.
//
// corvid runs each connection and forwarding attempt as its own goroutine
// rather than a single-threaded event loop, so its timeouts are a
// context.WithDeadline or a net.Conn.SetDeadline call at the point of use,
// and unit polling uses a time.Ticker. No other corvid package uses Wheel.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a handle to a single scheduled callback. The zero Timer is not
// usable; obtain one from Wheel.Add.
type Timer struct {
	w        *Wheel
	deadline time.Time
	seq      uint64
	callback func()
	index    int // position in the heap, maintained by container/heap
	canceled bool
}

// Wheel is a deadline-ordered queue of pending Timers, serviced by a single
// background goroutine that sleeps until the earliest deadline.
type Wheel struct {
	mu   sync.Mutex
	next uint64
	pq   timerHeap
	wake *time.Timer // fires when the earliest deadline may have changed

	stop chan struct{}
	once sync.Once
}

// NewWheel starts a Wheel. Call Stop when done to release its goroutine.
func NewWheel() *Wheel {
	w := &Wheel{
		wake: time.NewTimer(time.Hour),
		stop: make(chan struct{}),
	}
	go w.run()
	return w
}

// Add schedules callback to run at deadline, and returns a handle that can
// be used to Cancel or Restart it. callback runs on the Wheel's internal
// goroutine, so it must not block.
func (w *Wheel) Add(deadline time.Time, callback func()) *Timer {
	w.mu.Lock()
	defer w.mu.Unlock()

	t := &Timer{w: w, deadline: deadline, callback: callback, seq: w.next}
	w.next++
	heap.Push(&w.pq, t)
	w.rearmLocked()
	return t
}

// Cancel removes t from the wheel; it is idempotent; canceling an already
// fired or already canceled Timer is a no-op.
func (t *Timer) Cancel() {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()
	t.w.removeLocked(t)
}

// Restart reschedules t to fire at a new deadline, preserving its callback
// identity. If t already fired or was canceled, Restart re-arms it as a new
// pending timer.
func (t *Timer) Restart(deadline time.Time) {
	t.w.mu.Lock()
	defer t.w.mu.Unlock()

	t.w.removeLocked(t)
	t.deadline = deadline
	t.seq = t.w.next
	t.w.next++
	t.canceled = false
	heap.Push(&t.w.pq, t)
	t.w.rearmLocked()
}

// removeLocked drops t from the heap if it is still present. Must be called
// with w.mu held.
func (w *Wheel) removeLocked(t *Timer) {
	if t.canceled || t.index < 0 || t.index >= len(w.pq) || w.pq[t.index] != t {
		t.canceled = true
		return
	}
	heap.Remove(&w.pq, t.index)
	t.canceled = true
}

// rearmLocked resets the wake timer to fire at the new earliest deadline.
// Must be called with w.mu held.
func (w *Wheel) rearmLocked() {
	if !w.wake.Stop() {
		select {
		case <-w.wake.C:
		default:
		}
	}
	if len(w.pq) == 0 {
		return
	}
	d := time.Until(w.pq[0].deadline)
	if d < 0 {
		d = 0
	}
	w.wake.Reset(d)
}

// run is the Wheel's background goroutine: it wakes whenever the earliest
// deadline may have passed, fires every Timer whose deadline has arrived (in
// heap order, which matches insertion order for equal deadlines because
// seq breaks ties), and rearms for the new earliest deadline.
func (w *Wheel) run() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.wake.C:
			w.fireDue()
		}
	}
}

func (w *Wheel) fireDue() {
	var due []func()

	w.mu.Lock()
	now := time.Now()
	for len(w.pq) > 0 && !w.pq[0].deadline.After(now) {
		t := heap.Pop(&w.pq).(*Timer)
		t.canceled = true
		due = append(due, t.callback)
	}
	w.rearmLocked()
	w.mu.Unlock()

	for _, cb := range due {
		cb()
	}
}

// Stop releases the Wheel's background goroutine. Pending timers are
// discarded without firing.
func (w *Wheel) Stop() {
	w.once.Do(func() {
		close(w.stop)
	})
}

// timerHeap implements container/heap.Interface, ordering by deadline and
// then by sequence number so that equal-deadline timers fire FIFO.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
