package smb

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreditLedgerAcquire(t *testing.T) {
	l := newCreditLedger(3, nil)
	if err := l.Acquire(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if got := l.Available(); got != 1 {
		t.Errorf("available = %d, want 1", got)
	}
	l.Grant(5)
	if got, g := l.Available(), l.Granted(); got != 6 || g != 8 {
		t.Errorf("available = %d granted = %d, want 6 and 8", got, g)
	}
	l.Release(2)
	if got, g := l.Available(), l.Granted(); got != 8 || g != 8 {
		t.Errorf("after release available = %d granted = %d", got, g)
	}
	l.Grant(0)
	l.Grant(-4)
	if got := l.Available(); got != 8 {
		t.Errorf("non-positive grants changed the balance to %d", got)
	}
}

func TestCreditLedgerFIFO(t *testing.T) {
	l := newCreditLedger(0, nil)
	ctx := context.Background()

	big := make(chan error, 1)
	go func() { big <- l.Acquire(ctx, 3) }()
	waitWaiters(t, l, 1)

	small := make(chan error, 1)
	go func() { small <- l.Acquire(ctx, 1) }()
	waitWaiters(t, l, 2)

	// One credit would satisfy the small waiter, but it queued second.
	l.Grant(1)
	select {
	case <-small:
		t.Fatal("small request overtook the head of the queue")
	case <-big:
		t.Fatal("big request served with one credit")
	case <-time.After(50 * time.Millisecond):
	}

	l.Grant(2)
	if err := <-big; err != nil {
		t.Fatalf("big: %v", err)
	}
	select {
	case <-small:
		t.Fatal("small served without credits left")
	case <-time.After(20 * time.Millisecond):
	}
	l.Grant(1)
	if err := <-small; err != nil {
		t.Fatalf("small: %v", err)
	}
	if got := l.Available(); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
}

func TestCreditLedgerContextCancel(t *testing.T) {
	l := newCreditLedger(0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	l.mu.Lock()
	n := len(l.waiters)
	l.mu.Unlock()
	if n != 0 {
		t.Errorf("%d waiters left behind", n)
	}
	// A cancelled waiter must not hold up the queue.
	l.Grant(1)
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
}

func TestCreditLedgerClose(t *testing.T) {
	l := newCreditLedger(0, nil)
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), 1) }()
	waitWaiters(t, l, 1)
	l.Close()
	if err := <-done; !errors.Is(err, ErrConnClosed) {
		t.Fatalf("waiter err = %v", err)
	}
	if err := l.Acquire(context.Background(), 1); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("acquire after close = %v", err)
	}
}

func waitWaiters(t *testing.T, l *creditLedger, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		got := len(l.waiters)
		l.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never saw %d waiters", n)
}
