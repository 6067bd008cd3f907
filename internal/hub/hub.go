// ============================================================================
// railhub Hub - 組合根 (composition root)
// ============================================================================
//
// Package: internal/hub
// File: hub.go
//
// 職責:
//   Opens the store once, constructs every service once and hands each one
//   its collaborators. Nothing in railhub is a package-level singleton; the
//   HTTP adapter, the CLI and the tests all go through a Hub.
//
// 事件表 (platform.Dispatcher):
//   install                         -> cache.OnInstall
//   activate                        -> cache.OnActivate
//   sync/background-sync            -> offline.Engine.Drain
//   sync/train-status-sync          -> notify.Monitor.Refresh
//   periodicsync/train-updates      -> notify.Monitor.Refresh
//   push                            -> notify.Monitor.Push
//   notificationclick               -> notify.Monitor.Click
//
// 背景循環 (started by Start, stopped by Stop):
//   1. sync loop     - fires one sync event per registered tag
//   2. periodic loop - fires periodicsync on each tag's interval
//   3. push loop     - websocket push listener, only when push_url is set
//
// 啟動流程:
//   install -> activate. A failed install leaves the cache redundant and
//   every request falls through to the network; the hub still starts.
//
// ============================================================================

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/railhub/internal/cache"
	"github.com/ChuLiYu/railhub/internal/config"
	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/notify"
	"github.com/ChuLiYu/railhub/internal/offline"
	"github.com/ChuLiYu/railhub/internal/platform"
	"github.com/ChuLiYu/railhub/internal/storage"
	"github.com/ChuLiYu/railhub/pkg/types"
)

var log = slog.Default()

var ErrStopped = errors.New("hub is stopped")

// ============================================================================
// 資料結構定義
// ============================================================================

// Options carries the collaborators a Hub cannot build from config alone.
// Every field is optional.
type Options struct {
	Client  *http.Client       // outbound client for origin and API calls
	Sink    platform.Sink      // notification sink, defaults to platform.LogSink
	Metrics *metrics.Collector // nil disables metrics
	Store   storage.Store      // pre-opened store; the hub closes it on Stop
}

// Hub owns the store and every service built on it.
type Hub struct {
	cfg     config.Config
	store   storage.Store
	metrics *metrics.Collector

	Cache    *cache.Controller
	Queue    *offline.Queue
	Engine   *offline.Engine
	Records  *offline.Records
	Monitor  *notify.Monitor
	Events   *platform.Dispatcher
	Sync     *platform.SyncManager
	Periodic *platform.Scheduler
	Clients  *platform.Clients
	Online   *platform.Connectivity
	Notifier *platform.Notifier

	mu        sync.Mutex
	cancel    context.CancelFunc
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// Status is a point-in-time view of the hub.
type Status struct {
	State       string             `json:"state"`
	Version     string             `json:"version"`
	Online      bool               `json:"online"`
	Permission  string             `json:"permission"`
	Pending     int                `json:"pending"`
	SyncTags    []string           `json:"sync_tags"`
	Generations []cache.Generation `json:"generations"`
	Clients     int                `json:"clients"`
	Uptime      string             `json:"uptime,omitempty"`
}

// ============================================================================
// 建構
// ============================================================================

// New validates cfg, opens the configured store and wires every service.
func New(cfg config.Config, opts Options) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = storage.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	sink := opts.Sink
	if sink == nil {
		sink = platform.LogSink{}
	}

	h := &Hub{
		cfg:      cfg,
		store:    store,
		metrics:  opts.Metrics,
		Events:   platform.NewDispatcher(),
		Sync:     platform.NewSyncManager(),
		Periodic: platform.NewScheduler(),
		Clients:  platform.NewClients(),
		Online:   platform.NewConnectivity(true),
		Notifier: platform.NewNotifier(platform.Permission(cfg.Notify.Permission), sink, opts.Metrics),
	}

	h.Cache = cache.NewController(cache.Config{
		Prefix:           cfg.Cache.Prefix,
		Version:          cfg.Cache.Version,
		Origin:           cfg.Server.Origin,
		Manifest:         cfg.Cache.Manifest,
		NetworkFirst:     cfg.Cache.NetworkFirst,
		CacheFirst:       cfg.Cache.CacheFirst,
		FetchTimeout:     cfg.FetchTimeout(),
		MaxRevalidations: cfg.Cache.MaxRevalidations,
	}, store, client, h.Clients, opts.Metrics)

	h.Queue = offline.NewQueue(store, offline.QueueOptions{
		Registrar:    h.Sync,
		Connectivity: h.Online,
		Notifier:     h.Notifier,
		Icon:         cfg.Notify.Icon,
		Metrics:      opts.Metrics,
	})
	h.Engine = offline.NewEngine(store, offline.NewDispatcher(cfg.Server.API, client, cfg.DispatchTimeout()), opts.Metrics)
	h.Records = offline.NewRecords(store, cfg.Server.API, client, cfg.FetchTimeout())

	h.Monitor = notify.NewMonitor(notify.Options{
		API:      cfg.Server.API,
		Client:   client,
		Timeout:  cfg.FetchTimeout(),
		Cache:    h.Cache,
		Notifier: h.Notifier,
		Opener:   h.Clients,
		Icon:     cfg.Notify.Icon,
		Badge:    cfg.Notify.Badge,
	})

	h.registerEvents()
	h.Periodic.Register(platform.TagTrainUpdates, cfg.PeriodicEvery())

	// 連線恢復時補一次同步
	h.Online.OnChange(func(online bool) {
		if !online {
			return
		}
		if err := h.Sync.Register(platform.TagBackgroundSync); err != nil {
			log.Warn("sync registration on reconnect failed", "error", err)
		}
	})

	return h, nil
}

func (h *Hub) registerEvents() {
	h.Events.Handle(platform.EventInstall, func(ctx context.Context, _ platform.Event) error {
		return h.Cache.OnInstall(ctx)
	})
	h.Events.Handle(platform.EventActivate, func(ctx context.Context, _ platform.Event) error {
		return h.Cache.OnActivate(ctx)
	})
	h.Events.HandleTag(platform.EventSync, platform.TagBackgroundSync, func(ctx context.Context, _ platform.Event) error {
		_, err := h.Engine.Drain(ctx)
		return err
	})
	refresh := func(ctx context.Context, _ platform.Event) error {
		_, err := h.Monitor.Refresh(ctx, nil)
		return err
	}
	h.Events.HandleTag(platform.EventSync, platform.TagTrainStatusSync, refresh)
	// 週期觸發也重送失敗的動作
	h.Events.HandleTag(platform.EventPeriodicSync, platform.TagTrainUpdates, func(ctx context.Context, ev platform.Event) error {
		h.syncIfPending(ctx, "periodic")
		return refresh(ctx, ev)
	})
	h.Events.Handle(platform.EventPush, func(ctx context.Context, ev platform.Event) error {
		return h.Monitor.Push(ctx, string(ev.Data))
	})
	h.Events.Handle(platform.EventNotificationClick, func(ctx context.Context, ev platform.Event) error {
		return h.Monitor.Click(ctx, ev.Action)
	})
}

// ============================================================================
// 生命週期
// ============================================================================

// Start installs and activates the cache generation, then starts the
// background loops. The loops stop when ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return ErrStopped
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.startTime = time.Now()
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	if err := h.Events.Dispatch(ctx, platform.Event{Name: platform.EventInstall}); err != nil {
		log.Error("install failed, serving from network only", "version", h.cfg.Cache.Version, "error", err)
	} else if err := h.Events.Dispatch(ctx, platform.Event{Name: platform.EventActivate}); err != nil {
		log.Error("activate failed", "version", h.cfg.Cache.Version, "error", err)
	}

	// 重啟後補送上次留下的動作
	h.syncIfPending(ctx, "start")

	h.loopWg.Add(2)
	go func() {
		defer h.loopWg.Done()
		h.Sync.Run(loopCtx, h.Events)
		log.Info("sync loop stopped")
	}()
	go func() {
		defer h.loopWg.Done()
		h.Periodic.Run(loopCtx, h.Events)
		log.Info("periodic loop stopped")
	}()

	if h.cfg.Notify.PushURL != "" {
		h.loopWg.Add(1)
		go func() {
			defer h.loopWg.Done()
			listener := &platform.PushListener{URL: h.cfg.Notify.PushURL, Dispatcher: h.Events}
			_ = listener.Run(loopCtx)
			log.Info("push loop stopped")
		}()
	}

	log.Info("hub started", "state", h.Cache.State(), "version", h.cfg.Cache.Version)
	return nil
}

// Stop ends the background loops, waits for in-flight revalidations and
// closes the store. It is safe to call more than once.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	cancel := h.cancel
	h.mu.Unlock()

	log.Info("stopping hub...")

	// 1. 拒絕新的同步登記
	h.Sync.Close()

	// 2. 停止循環
	if cancel != nil {
		cancel()
	}
	h.loopWg.Wait()

	// 3. 等待背景重新驗證寫入
	h.Cache.Close()

	// 4. 關閉儲存
	if err := h.store.Close(); err != nil {
		log.Error("failed to close store", "error", err)
	}
	log.Info("hub stopped")
}

// syncIfPending registers background-sync when envelopes are waiting.
// Registrations are not persisted, so this is how a restart or a periodic
// wake-up picks up actions left by an earlier failure.
func (h *Hub) syncIfPending(ctx context.Context, reason string) {
	n, err := h.store.CountPending(ctx)
	if err != nil {
		log.Warn("failed to count pending actions", "reason", reason, "error", err)
		return
	}
	if n == 0 {
		return
	}
	if err := h.Sync.Register(platform.TagBackgroundSync); err != nil {
		log.Warn("sync registration failed", "reason", reason, "pending", n, "error", err)
		return
	}
	log.Info("pending actions found, sync requested", "reason", reason, "pending", n)
}

// ============================================================================
// 公開方法
// ============================================================================

// Drain replays the pending queue now.
func (h *Hub) Drain(ctx context.Context) (types.DrainResult, error) {
	return h.Engine.Drain(ctx)
}

// RequestSync asks the sync loop for a background-sync event.
func (h *Hub) RequestSync() error {
	return h.Sync.Register(platform.TagBackgroundSync)
}

// SetOnline updates connectivity. Going online requests a sync.
func (h *Hub) SetOnline(online bool) {
	h.Online.SetOnline(online)
}

// Status reports the cache state, queue depth and stored generations.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	pending, err := h.store.CountPending(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count pending actions: %w", err)
	}
	gens, err := h.Cache.Generations(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		State:       h.Cache.State().String(),
		Version:     h.cfg.Cache.Version,
		Online:      h.Online.Online(),
		Permission:  string(h.Notifier.Permission()),
		Pending:     pending,
		SyncTags:    h.Sync.Pending(),
		Generations: gens,
		Clients:     len(h.Clients.List()),
	}
	h.mu.Lock()
	if h.started {
		st.Uptime = time.Since(h.startTime).Round(time.Second).String()
	}
	h.mu.Unlock()
	return st, nil
}

// Store exposes the underlying store, mainly for health checks.
func (h *Hub) Store() storage.Store { return h.store }

func (h *Hub) Config() config.Config { return h.cfg }
