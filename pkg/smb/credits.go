package smb

import (
	"context"
	"sync"

	"github.com/ineffectivecoder/smbwire/pkg/metrics"
)

// creditLedger is the per-connection credit balance. available never goes
// negative and only grows through Grant, so it never exceeds the sum of
// grants. Waiters are served strictly in arrival order: a large request at
// the head is not overtaken by smaller ones behind it.
type creditLedger struct {
	mu        sync.Mutex
	available int32
	granted   int64
	waiters   []*creditWaiter
	closed    bool
	metrics   *metrics.Metrics
}

type creditWaiter struct {
	n      int32
	ready  chan struct{}
	served bool
}

// newCreditLedger starts with initial credits, counted as the first grant.
func newCreditLedger(initial int32, m *metrics.Metrics) *creditLedger {
	l := &creditLedger{available: initial, granted: int64(initial), metrics: m}
	m.SetCredits(int(initial))
	return l
}

// Acquire takes n credits, blocking until they are available, ctx ends or
// the ledger is closed.
func (l *creditLedger) Acquire(ctx context.Context, n int32) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrConnClosed
	}
	if len(l.waiters) == 0 && l.available >= n {
		l.available -= n
		l.metrics.SetCredits(int(l.available))
		l.mu.Unlock()
		return nil
	}
	w := &creditWaiter{n: n, ready: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	select {
	case <-w.ready:
		l.mu.Lock()
		defer l.mu.Unlock()
		if !w.served {
			return ErrConnClosed
		}
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		defer l.mu.Unlock()
		if w.served {
			// Granted while ctx ended; hand the credits back.
			l.available += n
		} else {
			l.remove(w)
		}
		l.dispatch()
		return ctx.Err()
	}
}

// Grant adds n credits returned by the server.
func (l *creditLedger) Grant(n int32) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available += n
	l.granted += int64(n)
	l.dispatch()
}

// Release returns n credits that were acquired but never spent.
func (l *creditLedger) Release(n int32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available += n
	l.dispatch()
}

// Available returns the current balance.
func (l *creditLedger) Available() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available
}

// Granted returns the cumulative credits ever granted, including the initial balance.
func (l *creditLedger) Granted() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.granted
}

// Close wakes every waiter with ErrConnClosed.
func (l *creditLedger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, w := range l.waiters {
		close(w.ready)
	}
	l.waiters = nil
}

// dispatch serves waiters from the head while credits last. Caller holds mu.
func (l *creditLedger) dispatch() {
	for len(l.waiters) > 0 && !l.closed {
		w := l.waiters[0]
		if l.available < w.n {
			break
		}
		l.available -= w.n
		w.served = true
		close(w.ready)
		l.waiters = l.waiters[1:]
	}
	l.metrics.SetCredits(int(l.available))
}

func (l *creditLedger) remove(w *creditWaiter) {
	for i, x := range l.waiters {
		if x == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}
