package gate

import (
	"context"
	"fmt"
	"sync"

	"detect-bridge/internal/detect"
)

// MemoryGate keeps one mutex per requester for the life of the process.
//
// The map is never pruned: its size is the number of distinct requesters
// seen, not the number of requests.
// TODO: add idle eviction if requester churn ever makes this map large.
type MemoryGate struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMemoryGate creates an in-process gate.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{
		locks: make(map[string]*sync.Mutex),
	}
}

func (g *MemoryGate) TryAdmit(_ context.Context, requesterID string) (Release, error) {
	g.mu.Lock()
	l, ok := g.locks[requesterID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[requesterID] = l
	}
	g.mu.Unlock()

	if !l.TryLock() {
		return nil, fmt.Errorf("requester %q: %w", requesterID, detect.ErrBusy)
	}
	return onceRelease(l.Unlock), nil
}

// Len returns the number of requesters seen so far.
func (g *MemoryGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

var _ Gate = (*MemoryGate)(nil)
