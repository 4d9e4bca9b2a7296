package engine

import (
	"context"
	"sync"
)

// groupSemaphore bounds concurrent runs of one Task.Group. The first limit
// seen for a group wins.
type groupSemaphore struct {
	ch chan struct{}
}

func (g *groupSemaphore) acquire(ctx context.Context, stopCh <-chan struct{}) error {
	select {
	case g.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

func (g *groupSemaphore) release() {
	select {
	case <-g.ch:
	default:
	}
}

type groupStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func (s *groupStore) get(name string, limit int) *groupSemaphore {
	if name == "" || limit <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = map[string]*groupSemaphore{}
	}
	g := s.groups[name]
	if g == nil {
		g = &groupSemaphore{ch: make(chan struct{}, limit)}
		s.groups[name] = g
	}
	return g
}
