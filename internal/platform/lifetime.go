package platform

import (
	"context"
	"sync"
)

// Lifetime keeps background work alive past the event that started it.
// Wait blocks until every WaitUntil function has returned.
type Lifetime struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

// WaitUntil runs fn in its own goroutine and tracks it until it returns.
// Errors are logged; the event that scheduled fn has already completed.
// It returns false without running fn once Close has been called.
func (l *Lifetime) WaitUntil(ctx context.Context, name string, fn func(ctx context.Context) error) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		log.Debug("background work rejected, lifetime closed", "work", name)
		return false
	}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		if err := fn(ctx); err != nil {
			log.Warn("background work failed", "work", name, "error", err)
		}
	}()
	return true
}

// Wait blocks until all tracked work has settled. WaitUntil callers block
// while Wait is in progress, so no work is added under a running Wait.
func (l *Lifetime) Wait() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wg.Wait()
}

// Close rejects further work and waits for what is already running.
func (l *Lifetime) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}
