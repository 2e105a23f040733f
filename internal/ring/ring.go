// Package ring implements the bounded FIFO queue that forms the single
// synchronization point between a reader goroutine (HCI socket reader, ATT
// pipe reader) and the goroutines submitting blocking requests against it.
//
// A plain lock-free MPMC ring (as hedzr/go-ringbuf/v2/mpmc provides) gives
// bounded capacity but not the blocking-with-timeout and predicate-scan
// contract spec.md §4.C requires (GetUntil must be able to scan past
// non-matching head elements, optionally dropping them, within a bound);
// a byte-oriented ring (smallnest/ringbuffer, used by the L2CAP layer for
// raw byte framing) doesn't fit a typed-value queue at all. Ring therefore
// layers a sync.Cond over a plain slice, the direct generalization of the
// teacher's internal/lua.RingChannel from "drop oldest on overflow" to
// "block the producer until space frees up", which is what a command/reply
// pipeline that must never silently lose a reply needs.
package ring

import (
	"errors"
	"sync"
	"time"
)

// Sentinel outcomes. ErrTimeout and ErrInterrupted are distinguished so
// callers can tell a bounded wait expiring from a deliberate shutdown.
var (
	ErrTimeout     = errors.New("ring: timeout")
	ErrInterrupted = errors.New("ring: interrupted")
	ErrClosed      = errors.New("ring: closed")
)

// Ring is a fixed-capacity FIFO of opaque payloads, safe for concurrent
// producers and a single logical consumer loop (additional consumers may
// call Get/GetUntil concurrently; they compete for the same head element).
type Ring[T any] struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  []T
	cap  int

	closed      bool
	interruptR  bool
	interruptW  bool
}

// New creates a Ring with the given capacity (must be > 0).
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ring: capacity must be > 0")
	}
	r := &Ring[T]{cap: capacity}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Put inserts v, blocking while the ring is full until space opens up,
// timeout elapses, the ring is closed, or a writer interrupt is raised.
func (r *Ring[T]) Put(v T, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	deadline := deadlineFor(timeout)
	for len(r.buf) >= r.cap {
		if r.closed {
			return ErrClosed
		}
		if r.interruptW {
			r.interruptW = false
			return ErrInterrupted
		}
		if waitExpired(r.cond, deadline) {
			return ErrTimeout
		}
	}
	if r.closed {
		return ErrClosed
	}
	r.buf = append(r.buf, v)
	r.cond.Broadcast()
	return nil
}

// Get removes and returns the head element, blocking until one is
// available, timeout elapses, the ring is closed, or a reader interrupt is
// raised.
func (r *Ring[T]) Get(timeout time.Duration) (T, error) {
	return r.GetUntil(func(T) bool { return true }, true, timeout)
}

// GetUntil scans from the head for the first element satisfying pred. If
// consumeOnlyMatch is false, every non-matching head element scanned along
// the way is dropped from the ring; if true, non-matching elements are left
// in place (GetUntil acts as a blocking lookahead, not a filter). Returns
// the first match, or a timeout/closed/interrupted error if none arrives
// within the bound.
func (r *Ring[T]) GetUntil(pred func(T) bool, consumeOnlyMatch bool, timeout time.Duration) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	deadline := deadlineFor(timeout)
	for {
		if r.closed {
			return zero, ErrClosed
		}
		for i, v := range r.buf {
			if pred(v) {
				if consumeOnlyMatch && i > 0 {
					// Matched past the head: remove only the match, keep
					// the skipped-over elements for later consumers.
					r.buf = append(r.buf[:i:i], r.buf[i+1:]...)
				} else if consumeOnlyMatch {
					r.buf = r.buf[1:]
				} else {
					// Drop everything up to and including the match.
					r.buf = r.buf[i+1:]
				}
				r.cond.Broadcast()
				return v, nil
			}
			if !consumeOnlyMatch {
				// Will be dropped once we reach/replace the slice below.
				continue
			}
		}
		if r.interruptR {
			r.interruptR = false
			return zero, ErrInterrupted
		}
		if waitExpired(r.cond, deadline) {
			return zero, ErrTimeout
		}
	}
}

// Clear discards all buffered elements.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = nil
	r.cond.Broadcast()
}

// Len reports the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// InterruptRead wakes exactly one pending Get/GetUntil call with
// ErrInterrupted, without closing the ring.
func (r *Ring[T]) InterruptRead() {
	r.mu.Lock()
	r.interruptR = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// InterruptWrite wakes exactly one pending Put call with ErrInterrupted.
func (r *Ring[T]) InterruptWrite() {
	r.mu.Lock()
	r.interruptW = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Close wakes every pending and future Put/Get/GetUntil call with
// ErrClosed. Idempotent.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// waitExpired blocks on cond until broadcast or the deadline, returning
// true iff the deadline passed with no broadcast. A zero deadline means
// "wait forever".
func waitExpired(cond *sync.Cond, deadline time.Time) bool {
	if deadline.IsZero() {
		cond.Wait()
		return false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return true
	}
	done := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		cond.L.Lock()
		close(done)
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()
	cond.Wait()
	select {
	case <-done:
		return true
	default:
		return false
	}
}
