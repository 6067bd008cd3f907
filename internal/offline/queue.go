// Package offline holds user actions that could not complete immediately and
// replays them when the platform fires a sync trigger. It also keeps the
// last-known copy of monitored records and the user's preferences.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/platform"
	"github.com/ChuLiYu/railhub/internal/storage"
	"github.com/ChuLiYu/railhub/pkg/types"
)

var log = slog.Default()

var ErrInvalidPayload = errors.New("payload is not valid JSON")

// HTTPDoer performs outbound requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SyncRegistrar asks the platform for a future sync trigger.
type SyncRegistrar interface {
	Register(tag string) error
}

// Notifier shows a user-visible notification.
type Notifier interface {
	Show(ctx context.Context, n types.Notification) error
}

// Connectivity reports whether the hosting app is online.
type Connectivity interface {
	Online() bool
}

// QueueOptions wires the optional collaborators of a Queue.
type QueueOptions struct {
	Registrar    SyncRegistrar
	Connectivity Connectivity
	Notifier     Notifier
	Icon         string
	Metrics      *metrics.Collector
}

// Queue persists pending actions.
type Queue struct {
	store storage.ActionStore
	opts  QueueOptions
}

func NewQueue(store storage.ActionStore, opts QueueOptions) *Queue {
	return &Queue{store: store, opts: opts}
}

// Enqueue stores a new envelope and returns its id. The write is local
// only. Afterwards a background-sync trigger is requested; failing to get
// one is logged and does not fail the enqueue.
func (q *Queue) Enqueue(ctx context.Context, rawType string, payload json.RawMessage) (types.ActionID, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}

	env, err := q.store.AddPending(ctx, types.Envelope{
		Type:    types.ParseActionType(rawType),
		RawType: rawType,
		Payload: payload,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s action: %w", rawType, err)
	}
	q.opts.Metrics.RecordEnqueue(string(env.Type))
	if n, err := q.store.CountPending(ctx); err == nil {
		q.opts.Metrics.SetPending(n)
	}
	log.Info("action enqueued", "id", env.ID, "type", rawType)

	if q.opts.Registrar != nil {
		if err := q.opts.Registrar.Register(platform.TagBackgroundSync); err != nil {
			log.Warn("sync registration failed, action waits for the next trigger", "id", env.ID, "error", err)
		}
	}
	return env.ID, nil
}

// ScheduleAction enqueues like Enqueue and, when the app is offline, tells
// the user the action will run once connectivity returns.
func (q *Queue) ScheduleAction(ctx context.Context, rawType string, payload json.RawMessage) (types.ActionID, error) {
	id, err := q.Enqueue(ctx, rawType, payload)
	if err != nil {
		return 0, err
	}

	if q.opts.Connectivity != nil && !q.opts.Connectivity.Online() && q.opts.Notifier != nil {
		err := q.opts.Notifier.Show(ctx, types.Notification{
			Title: "Action Scheduled",
			Body:  "Your action will be processed when you're back online",
			Icon:  q.opts.Icon,
			Tag:   "offline-action",
		})
		if err != nil {
			log.Warn("offline notice failed", "id", id, "error", err)
		}
	}
	return id, nil
}

// Pending returns every pending envelope in FIFO order.
func (q *Queue) Pending(ctx context.Context) ([]types.Envelope, error) {
	return q.store.ListPending(ctx)
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.store.CountPending(ctx)
}
