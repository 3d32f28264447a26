// Package lockregistry implements per-address exclusive leases: single
// holder at a time, FIFO-fair waiters, optional acquire timeout and lease
// expiry. One Registry is scoped to a single process and, in this codebase,
// to a single Chain Wallet Manager's set of addresses.
package lockregistry

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noname2290/wallet-fleet/internal/coreerrors"
)

// AcquireOptions configures one Acquire call.
type AcquireOptions struct {
	// WaitToAcquireTimeout bounds how long Acquire blocks for a free slot.
	// Zero means wait indefinitely (subject to ctx).
	WaitToAcquireTimeout time.Duration
	// LeaseTimeout, if positive, causes the registry to spontaneously free
	// the address that long after this acquire succeeds.
	LeaseTimeout time.Duration
}

type waiter struct {
	done         chan struct{}
	token        string
	err          error
	leaseTimeout time.Duration
	elem         *list.Element
}

type entry struct {
	token            string
	lastExpiredToken string
	acquiredAt       time.Time
	deadline         time.Time
	timer            *time.Timer
	waiters          *list.List
}

// Registry is safe for concurrent use. Operations on distinct addresses
// only ever contend on the short critical section guarding the address
// index itself, never on each other's waiter queues.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire blocks until address is free, opts.WaitToAcquireTimeout elapses
// (ErrAcquireTimeout), or ctx is done (ErrCancelled). On success it returns
// an opaque holder token that must be presented to Release.
func (r *Registry) Acquire(ctx context.Context, address string, opts AcquireOptions) (string, error) {
	r.mu.Lock()
	e := r.entryLocked(address)
	if e.token == "" {
		token := uuid.NewString()
		e.token = token
		e.acquiredAt = time.Now()
		r.armLeaseLocked(e, address, token, opts.LeaseTimeout)
		r.mu.Unlock()
		return token, nil
	}

	w := &waiter{done: make(chan struct{}), leaseTimeout: opts.LeaseTimeout}
	w.elem = e.waiters.PushBack(w)
	r.mu.Unlock()

	var timeoutCh <-chan time.Time
	if opts.WaitToAcquireTimeout > 0 {
		timer := time.NewTimer(opts.WaitToAcquireTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-w.done:
		if w.err != nil {
			return "", w.err
		}
		return w.token, nil
	case <-timeoutCh:
		return r.abandonWaiter(e, w, coreerrors.ErrAcquireTimeout)
	case <-ctx.Done():
		return r.abandonWaiter(e, w, fmt.Errorf("%w: %v", coreerrors.ErrCancelled, ctx.Err()))
	}
}

// abandonWaiter is invoked when a timeout or ctx cancellation races the
// grantor; it re-checks under the lock so a concurrent grant is never lost.
func (r *Registry) abandonWaiter(e *entry, w *waiter, giveUpErr error) (string, error) {
	r.mu.Lock()
	select {
	case <-w.done:
		r.mu.Unlock()
		if w.err != nil {
			return "", w.err
		}
		return w.token, nil
	default:
	}
	e.waiters.Remove(w.elem)
	r.mu.Unlock()
	return "", giveUpErr
}

// Release frees address if token matches its current holder, waking the
// next FIFO waiter (if any). It returns how long the lock was held.
func (r *Registry) Release(address, token string) (time.Duration, error) {
	r.mu.Lock()
	e, ok := r.entries[address]
	if !ok {
		r.mu.Unlock()
		return 0, coreerrors.ErrNotHeld
	}
	if e.token != token {
		expired := token != "" && e.lastExpiredToken == token
		r.mu.Unlock()
		if expired {
			return 0, coreerrors.ErrLeaseExpired
		}
		return 0, coreerrors.ErrNotHeld
	}
	held := time.Since(e.acquiredAt)
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.deadline = time.Time{}
	r.grantNextLocked(e, address)
	r.mu.Unlock()
	return held, nil
}

// CancelAll fails every current waiter, across every address, with
// ErrCancelled and empties their queues. It does not touch current
// holders; callers stopping a manager still expect in-flight work to run
// to completion and release normally.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		for el := e.waiters.Front(); el != nil; {
			next := el.Next()
			w := el.Value.(*waiter)
			e.waiters.Remove(el)
			w.err = coreerrors.ErrCancelled
			close(w.done)
			el = next
		}
	}
}

// ActiveCount returns the number of addresses currently held.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.token != "" {
			n++
		}
	}
	return n
}

func (r *Registry) entryLocked(address string) *entry {
	e, ok := r.entries[address]
	if !ok {
		e = &entry{waiters: list.New()}
		r.entries[address] = e
	}
	return e
}

// grantNextLocked either hands the lock to the next waiter or, if none,
// marks the address free. Caller holds r.mu.
func (r *Registry) grantNextLocked(e *entry, address string) {
	front := e.waiters.Front()
	if front == nil {
		e.token = ""
		e.acquiredAt = time.Time{}
		return
	}
	e.waiters.Remove(front)
	w := front.Value.(*waiter)
	token := uuid.NewString()
	w.token = token
	e.token = token
	e.acquiredAt = time.Now()
	r.armLeaseLocked(e, address, token, w.leaseTimeout)
	close(w.done)
}

// armLeaseLocked (re)schedules the spontaneous-free timer for e, tagged
// with the token it applies to so a stale fire after a later
// acquire/release is a no-op. Caller holds r.mu.
func (r *Registry) armLeaseLocked(e *entry, address, token string, leaseTimeout time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if leaseTimeout <= 0 {
		e.deadline = time.Time{}
		return
	}
	e.deadline = time.Now().Add(leaseTimeout)
	e.timer = time.AfterFunc(leaseTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if e.token != token {
			return // already released or re-granted since this timer was armed
		}
		e.lastExpiredToken = token
		e.timer = nil
		e.deadline = time.Time{}
		r.grantNextLocked(e, address)
	})
}
