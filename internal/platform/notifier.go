package platform

import (
	"context"
	"sync"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/pkg/types"
)

// Permission is the user's notification permission.
type Permission string

const (
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
	PermissionDefault Permission = "default"
)

// Sink displays a notification.
type Sink interface {
	Show(ctx context.Context, n types.Notification) error
}

// LogSink writes notifications to the structured log.
type LogSink struct{}

func (LogSink) Show(_ context.Context, n types.Notification) error {
	log.Info("notification", "title", n.Title, "body", n.Body, "tag", n.Tag, "url", n.URL)
	return nil
}

// MemorySink keeps the most recent notifications.
type MemorySink struct {
	mu    sync.Mutex
	limit int
	items []types.Notification
}

// NewMemorySink keeps at most limit notifications; limit <= 0 keeps all.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

func (m *MemorySink) Show(_ context.Context, n types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	if m.limit > 0 && len(m.items) > m.limit {
		m.items = m.items[len(m.items)-m.limit:]
	}
	return nil
}

func (m *MemorySink) Items() []types.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Notification(nil), m.items...)
}

// Sinks fans a notification out to several sinks and returns the first error.
type Sinks []Sink

func (s Sinks) Show(ctx context.Context, n types.Notification) error {
	var first error
	for _, sink := range s {
		if err := sink.Show(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Notifier shows notifications when permission is granted and silently
// drops them otherwise.
type Notifier struct {
	mu      sync.RWMutex
	perm    Permission
	sink    Sink
	metrics *metrics.Collector
}

func NewNotifier(perm Permission, sink Sink, m *metrics.Collector) *Notifier {
	if sink == nil {
		sink = LogSink{}
	}
	return &Notifier{perm: perm, sink: sink, metrics: m}
}

func (n *Notifier) Permission() Permission {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.perm
}

func (n *Notifier) SetPermission(p Permission) {
	n.mu.Lock()
	n.perm = p
	n.mu.Unlock()
}

// Show displays notif. Without permission it is a no-op returning nil.
func (n *Notifier) Show(ctx context.Context, notif types.Notification) error {
	if n.Permission() != PermissionGranted {
		log.Debug("notification suppressed", "title", notif.Title, "permission", n.Permission())
		n.metrics.RecordNotificationSuppressed()
		return nil
	}
	if err := n.sink.Show(ctx, notif); err != nil {
		return err
	}
	n.metrics.RecordNotification(notif.Tag)
	return nil
}
