// Package gate admits at most one in-flight detection per requester.
//
// TryAdmit never queues: a requester who re-submits while their previous
// request is still running gets detect.ErrBusy immediately. Distinct
// requesters never block each other.
package gate

import (
	"context"
	"sync"
)

// Release frees an admitted slot. It is safe to call more than once.
type Release func()

// Gate is the per-requester admission guard.
type Gate interface {
	// TryAdmit acquires the requester's slot without waiting.
	// It returns detect.ErrBusy if the slot is already held.
	TryAdmit(ctx context.Context, requesterID string) (Release, error)
}

// onceRelease makes fn idempotent.
func onceRelease(fn func()) Release {
	var once sync.Once
	return func() { once.Do(fn) }
}

// Pinger is implemented by gates backed by an external service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the service behind g. Gates without one are always healthy.
func Ping(ctx context.Context, g Gate) error {
	if p, ok := g.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
