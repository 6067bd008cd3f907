package platform

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrSyncUnavailable = errors.New("sync manager unavailable")

// SyncManager records one-off sync registrations and fires a sync event for
// each registered tag. A tag registered several times before it fires is
// delivered once.
type SyncManager struct {
	mu      sync.Mutex
	pending []string
	seen    map[string]bool
	closed  bool
	wake    chan struct{}
}

func NewSyncManager() *SyncManager {
	return &SyncManager{
		seen: make(map[string]bool),
		wake: make(chan struct{}, 1),
	}
}

// Register requests a sync event for tag.
func (s *SyncManager) Register(tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSyncUnavailable
	}
	if !s.seen[tag] {
		s.seen[tag] = true
		s.pending = append(s.pending, tag)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the tags waiting to fire.
func (s *SyncManager) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// Close rejects further registrations.
func (s *SyncManager) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Flush fires every pending tag through d and returns how many fired.
// Handler errors are logged; the tag is not re-queued.
func (s *SyncManager) Flush(ctx context.Context, d *Dispatcher) int {
	s.mu.Lock()
	tags := s.pending
	s.pending = nil
	s.seen = make(map[string]bool)
	s.mu.Unlock()

	for _, tag := range tags {
		if err := d.Dispatch(ctx, Event{Name: EventSync, Tag: tag}); err != nil {
			log.Warn("sync handler failed", "tag", tag, "error", err)
		}
	}
	return len(tags)
}

// Run fires registrations as they arrive until ctx is cancelled.
func (s *SyncManager) Run(ctx context.Context, d *Dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.Flush(ctx, d)
		}
	}
}

// Scheduler fires periodicsync events for registered tags no more often
// than their minimum interval.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]time.Duration
}

func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]time.Duration)}
}

// Register adds or replaces a periodic task.
func (s *Scheduler) Register(tag string, minInterval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[tag] = minInterval
}

// Tags returns the registered periodic tags and their intervals.
func (s *Scheduler) Tags() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.tasks))
	for k, v := range s.tasks {
		out[k] = v
	}
	return out
}

// Run starts one ticker per task registered at call time and blocks until
// ctx is cancelled and every ticker loop has exited.
func (s *Scheduler) Run(ctx context.Context, d *Dispatcher) {
	var wg sync.WaitGroup
	for tag, every := range s.Tags() {
		wg.Add(1)
		go func(tag string, every time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := d.Dispatch(ctx, Event{Name: EventPeriodicSync, Tag: tag}); err != nil {
						log.Warn("periodic sync failed", "tag", tag, "error", err)
					}
				}
			}
		}(tag, every)
	}
	wg.Wait()
}
