// Package authz decides which detection modes a requester may use.
package authz

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"detect-bridge/internal/detect"
)

// Policy checks whether requesterID may run mode. It returns nil when
// allowed and an error wrapping detect.ErrForbiddenMode when not.
type Policy interface {
	Authorize(ctx context.Context, requesterID string, mode detect.Mode) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, requesterID string, mode detect.Mode) error

func (f PolicyFunc) Authorize(ctx context.Context, requesterID string, mode detect.Mode) error {
	return f(ctx, requesterID, mode)
}

// AllowAll permits every mode for everyone.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, string, detect.Mode) error { return nil }

// AllowList restricts ModePro to a fixed set of requesters. ModeFast is
// always allowed. An empty list allows everyone.
type AllowList struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewAllowList(ids ...string) *AllowList {
	l := &AllowList{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		l.Add(id)
	}
	return l
}

// Add grants ModePro to id.
func (l *AllowList) Add(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	l.mu.Lock()
	l.ids[id] = struct{}{}
	l.mu.Unlock()
}

func (l *AllowList) Authorize(_ context.Context, requesterID string, mode detect.Mode) error {
	if mode != detect.ModePro {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.ids) == 0 {
		return nil
	}
	if _, ok := l.ids[requesterID]; ok {
		return nil
	}
	return fmt.Errorf("%w: requester %q may not use %s mode", detect.ErrForbiddenMode, requesterID, mode)
}

var (
	_ Policy = AllowAll{}
	_ Policy = (*AllowList)(nil)
	_ Policy = PolicyFunc(nil)
)
