package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railhub/internal/cache"
	"github.com/ChuLiYu/railhub/internal/config"
	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/platform"
	"github.com/ChuLiYu/railhub/internal/storage"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeOrigin serves the app shell and the railway API.
type fakeOrigin struct {
	*httptest.Server
	apiDown atomic.Bool
	booked  atomic.Int32
}

func newFakeOrigin(t *testing.T) *fakeOrigin {
	o := &fakeOrigin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tickets/book", func(w http.ResponseWriter, r *http.Request) {
		if o.apiDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		o.booked.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/trains/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"trainNumber":"12951","hasImportantUpdate":true},{"trainNumber":"12002","hasImportantUpdate":true}]`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "shell "+r.URL.Path)
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

func testConfig(t *testing.T, origin string) config.Config {
	cfg := config.Default()
	cfg.Server.Origin = origin
	cfg.Store.Path = filepath.Join(t.TempDir(), "store")
	cfg.Cache.Manifest = []string{"/", "/index.html", "/manifest.json"}
	cfg.Cache.FetchTimeout = "2s"
	cfg.Sync.DispatchTimeout = "2s"
	return cfg
}

func newHub(t *testing.T, cfg config.Config, sink platform.Sink) *Hub {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	h, err := New(cfg, Options{Sink: sink, Metrics: metrics.NewCollector()})
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	return h
}

// ============================================================================
// Tests
// ============================================================================

func TestStartInstallsAndActivates(t *testing.T) {
	origin := newFakeOrigin(t)
	h := newHub(t, testConfig(t, origin.URL), nil)

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, cache.StateActivated, h.Cache.State())

	st, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "activated", st.State)
	assert.Equal(t, "v2", st.Version)
	require.NotEmpty(t, st.Generations)
	assert.Equal(t, "railway-static-v2", st.Generations[len(st.Generations)-1].Name)
	assert.Equal(t, 3, st.Generations[len(st.Generations)-1].Entries)
}

func TestStartSurvivesFailedInstall(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Cache.FetchTimeout = "200ms"
	h := newHub(t, cfg, nil)

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, cache.StateRedundant, h.Cache.State())

	st, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Generations, "nothing stored after a failed install")
}

func TestOfflineBookingCompletesOnReconnect(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.apiDown.Store(true)
	sink := platform.NewMemorySink(0)
	h := newHub(t, testConfig(t, origin.URL), sink)
	require.NoError(t, h.Start(context.Background()))
	ctx := context.Background()

	h.SetOnline(false)
	_, err := h.Queue.ScheduleAction(ctx, "book_ticket", json.RawMessage(`{"train":"12951"}`))
	require.NoError(t, err)
	require.Len(t, sink.Items(), 1)
	assert.Equal(t, "Action Scheduled", sink.Items()[0].Title)

	// the enqueue-time sync fires against a dead API and leaves the action
	assert.Eventually(t, func() bool { return len(h.Sync.Pending()) == 0 }, 2*time.Second, 10*time.Millisecond)
	st, err := h.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)

	origin.apiDown.Store(false)
	h.SetOnline(true)

	assert.Eventually(t, func() bool {
		st, err := h.Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), origin.booked.Load())
}

func TestEventTableRoutes(t *testing.T) {
	origin := newFakeOrigin(t)
	sink := platform.NewMemorySink(0)
	h := newHub(t, testConfig(t, origin.URL), sink)
	ctx := context.Background()

	assert.ElementsMatch(t, []string{
		"activate",
		"install",
		"notificationclick",
		"periodicsync/train-updates",
		"push",
		"sync/background-sync",
		"sync/train-status-sync",
	}, h.Events.Routes())

	require.NoError(t, h.Events.Dispatch(ctx, platform.Event{Name: platform.EventPeriodicSync, Tag: platform.TagTrainUpdates}))
	require.NoError(t, h.Events.Dispatch(ctx, platform.Event{Name: platform.EventPush, Data: []byte("Platform 4")}))
	require.NoError(t, h.Events.Dispatch(ctx, platform.Event{Name: platform.EventNotificationClick, Action: "view"}))

	items := sink.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "2 train(s) have important updates", items[0].Body)
	assert.Equal(t, "Platform 4", items[1].Body)
	assert.Equal(t, []string{"/?view=updates"}, h.Clients.Opened())
}

func TestStopIsIdempotent(t *testing.T) {
	origin := newFakeOrigin(t)
	h := newHub(t, testConfig(t, origin.URL), nil)
	require.NoError(t, h.Start(context.Background()))

	h.Stop()
	h.Stop()

	assert.ErrorIs(t, h.Start(context.Background()), ErrStopped)
	_, err := h.Status(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, h.RequestSync(), platform.ErrSyncUnavailable)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "bolt"
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

// 重啟恢復：pending actions written before a restart are replayed after it.
func TestPendingActionsSurviveRestart(t *testing.T) {
	for _, driver := range []string{storage.DriverLevelDB, storage.DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			origin := newFakeOrigin(t)
			origin.apiDown.Store(true)
			cfg := testConfig(t, origin.URL)
			cfg.Store.Driver = driver
			ctx := context.Background()

			first := newHub(t, cfg, nil)
			first.Sync.Close()
			for i := 0; i < 5; i++ {
				_, err := first.Queue.Enqueue(ctx, "book_ticket", json.RawMessage(`{"seq":1}`))
				require.NoError(t, err)
			}
			first.Stop()

			origin.apiDown.Store(false)
			second := newHub(t, cfg, nil)
			st, err := second.Status(ctx)
			require.NoError(t, err)
			assert.Equal(t, 5, st.Pending)

			res, err := second.Drain(ctx)
			require.NoError(t, err)
			assert.Len(t, res.Succeeded, 5)
			assert.True(t, isAscending(res.Succeeded), "replayed in arrival order")
			assert.Equal(t, int32(5), origin.booked.Load())
		})
	}
}

func TestStartReplaysActionsLeftBeforeRestart(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.apiDown.Store(true)
	cfg := testConfig(t, origin.URL)
	ctx := context.Background()

	first := newHub(t, cfg, nil)
	first.Sync.Close()
	for i := 0; i < 3; i++ {
		_, err := first.Queue.Enqueue(ctx, "book_ticket", json.RawMessage(`{"train":"12951"}`))
		require.NoError(t, err)
	}
	first.Stop()

	origin.apiDown.Store(false)
	second := newHub(t, cfg, nil)
	require.NoError(t, second.Start(ctx))

	assert.Eventually(t, func() bool {
		st, err := second.Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), origin.booked.Load())
}

func TestPeriodicTriggerRetriesFailedActions(t *testing.T) {
	origin := newFakeOrigin(t)
	origin.apiDown.Store(true)
	cfg := testConfig(t, origin.URL)
	cfg.Sync.PeriodicEvery = "50ms"
	h := newHub(t, cfg, nil)
	ctx := context.Background()
	require.NoError(t, h.Start(ctx))

	_, err := h.Queue.Enqueue(ctx, "book_ticket", json.RawMessage(`{"train":"12951"}`))
	require.NoError(t, err)
	_, err = h.Drain(ctx)
	require.NoError(t, err)
	st, err := h.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Pending, "dead API leaves the action queued")

	// no enqueue, no connectivity change, no explicit sync
	origin.apiDown.Store(false)

	assert.Eventually(t, func() bool {
		st, err := h.Status(ctx)
		return err == nil && st.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), origin.booked.Load())
}

func isAscending[T ~uint64](ids []T) bool {
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			return false
		}
	}
	return true
}
