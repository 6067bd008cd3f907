package offline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/storage"
	"github.com/ChuLiYu/railhub/pkg/types"
)

// Replayer replays one envelope. *Dispatcher satisfies it.
type Replayer interface {
	Dispatch(ctx context.Context, env types.Envelope) error
}

// Engine drains the pending queue.
//
// A drain reads one snapshot of all pending envelopes and replays them one at
// a time in id order. A failed envelope stays in the store and the drain moves
// on to the next one. Only store errors abort a drain. Envelopes enqueued
// while a drain runs are left for the next one. Drains never overlap.
type Engine struct {
	store    storage.ActionStore
	replayer Replayer
	metrics  *metrics.Collector
	tracer   trace.Tracer

	mu sync.Mutex
}

func NewEngine(store storage.ActionStore, replayer Replayer, m *metrics.Collector) *Engine {
	return &Engine{
		store:    store,
		replayer: replayer,
		metrics:  m,
		tracer:   otel.Tracer("github.com/ChuLiYu/railhub/internal/offline"),
	}
}

// Drain replays every envelope pending at call time.
func (e *Engine) Drain(ctx context.Context) (result types.DrainResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "offline.Drain")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	envs, err := e.store.ListPending(ctx)
	if err != nil {
		log.Error("drain aborted, pending actions unreadable", "error", err)
		return types.DrainResult{}, fmt.Errorf("failed to list pending actions: %w", err)
	}

	result = types.DrainResult{
		Succeeded: make([]types.ActionID, 0, len(envs)),
		Failed:    make([]types.ActionID, 0),
	}
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.replay(ctx, env); err != nil {
			result.Failed = append(result.Failed, env.ID)
			if result.Errors == nil {
				result.Errors = make(map[types.ActionID]string)
			}
			result.Errors[env.ID] = err.Error()
			e.metrics.RecordReplay(string(env.Type), false)
			log.Warn("action replay failed", "id", env.ID, "type", env.RawType, "error", err)
			continue
		}
		result.Succeeded = append(result.Succeeded, env.ID)
		e.metrics.RecordReplay(string(env.Type), true)
	}

	span.SetAttributes(
		attribute.Int("railhub.succeeded", len(result.Succeeded)),
		attribute.Int("railhub.failed", len(result.Failed)),
	)
	e.metrics.ObserveDrain(time.Since(start).Seconds())
	if n, err := e.store.CountPending(ctx); err == nil {
		e.metrics.SetPending(n)
	}
	if len(envs) > 0 {
		log.Info("drain finished", "succeeded", len(result.Succeeded), "failed", len(result.Failed))
	}
	return result, nil
}

// replay dispatches env and deletes it on success. A failed delete after a
// successful dispatch counts as a failure; the envelope will be replayed again.
func (e *Engine) replay(ctx context.Context, env types.Envelope) (err error) {
	ctx, span := e.tracer.Start(ctx, "offline.Dispatch", trace.WithAttributes(
		attribute.String("railhub.action_id", env.ID.String()),
		attribute.String("railhub.action_type", env.RawType),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := e.replayer.Dispatch(ctx, env); err != nil {
		return err
	}
	if err := e.store.DeletePending(ctx, env.ID); err != nil {
		return fmt.Errorf("dispatched but failed to remove %s: %w", env.ID, err)
	}
	return nil
}
