package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/pkg/types"
)

// ============================================================================
// Dispatch table
// ============================================================================

func TestDispatchRoutesByNameAndTag(t *testing.T) {
	d := NewDispatcher()
	var got []string
	d.Handle(EventSync, func(ctx context.Context, ev Event) error {
		got = append(got, "generic:"+ev.Tag)
		return nil
	})
	d.HandleTag(EventSync, TagBackgroundSync, func(ctx context.Context, ev Event) error {
		got = append(got, "drain")
		return nil
	})

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, Event{Name: EventSync, Tag: TagBackgroundSync}))
	require.NoError(t, d.Dispatch(ctx, Event{Name: EventSync, Tag: "other"}))

	assert.Equal(t, []string{"drain", "generic:other"}, got)
	assert.Equal(t, []string{"sync", "sync/background-sync"}, d.Routes())
}

func TestDispatchWithoutHandler(t *testing.T) {
	d := NewDispatcher()
	err := d.Dispatch(context.Background(), Event{Name: EventPush})
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestDispatchReturnsHandlerError(t *testing.T) {
	d := NewDispatcher()
	boom := errors.New("boom")
	d.Handle(EventInstall, func(ctx context.Context, ev Event) error { return boom })
	assert.ErrorIs(t, d.Dispatch(context.Background(), Event{Name: EventInstall}), boom)
}

// ============================================================================
// Lifetime
// ============================================================================

func TestLifetimeWaitBlocksUntilWorkSettles(t *testing.T) {
	var l Lifetime
	var done atomic.Int32

	for i := 0; i < 3; i++ {
		l.WaitUntil(context.Background(), "work", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			done.Add(1)
			return nil
		})
	}
	l.WaitUntil(context.Background(), "failing", func(ctx context.Context) error {
		return errors.New("ignored")
	})

	l.Wait()
	assert.Equal(t, int32(3), done.Load())
}

func TestLifetimeCloseRejectsLateWork(t *testing.T) {
	var l Lifetime
	release := make(chan struct{})
	var ran atomic.Int32

	require.True(t, l.WaitUntil(context.Background(), "slow", func(ctx context.Context) error {
		<-release
		ran.Add(1)
		return nil
	}))

	closed := make(chan struct{})
	go func() {
		l.Close()
		close(closed)
	}()

	assert.Eventually(t, func() bool {
		return !l.WaitUntil(context.Background(), "late", func(ctx context.Context) error { return nil })
	}, time.Second, 5*time.Millisecond)

	select {
	case <-closed:
		t.Fatal("Close returned before running work settled")
	default:
	}
	close(release)
	<-closed
	assert.Equal(t, int32(1), ran.Load())
}

func TestLifetimeConcurrentWaitAndWaitUntil(t *testing.T) {
	var l Lifetime
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.WaitUntil(context.Background(), "work", func(ctx context.Context) error { return nil })
		}()
		go func() {
			defer wg.Done()
			l.Wait()
		}()
	}
	wg.Wait()
	l.Wait()
}

// ============================================================================
// Sync manager & scheduler
// ============================================================================

func TestSyncManagerDeduplicatesTags(t *testing.T) {
	s := NewSyncManager()
	require.NoError(t, s.Register(TagBackgroundSync))
	require.NoError(t, s.Register(TagBackgroundSync))
	require.NoError(t, s.Register(TagTrainStatusSync))
	assert.Equal(t, []string{TagBackgroundSync, TagTrainStatusSync}, s.Pending())

	d := NewDispatcher()
	var fired []string
	d.Handle(EventSync, func(ctx context.Context, ev Event) error {
		fired = append(fired, ev.Tag)
		return nil
	})

	assert.Equal(t, 2, s.Flush(context.Background(), d))
	assert.Equal(t, []string{TagBackgroundSync, TagTrainStatusSync}, fired)
	assert.Empty(t, s.Pending())
}

func TestSyncManagerRunFiresRegistrations(t *testing.T) {
	s := NewSyncManager()
	d := NewDispatcher()
	fired := make(chan string, 1)
	d.Handle(EventSync, func(ctx context.Context, ev Event) error {
		fired <- ev.Tag
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, d)

	require.NoError(t, s.Register(TagBackgroundSync))
	select {
	case tag := <-fired:
		assert.Equal(t, TagBackgroundSync, tag)
	case <-time.After(2 * time.Second):
		t.Fatal("sync event not fired")
	}
}

func TestSyncManagerClosed(t *testing.T) {
	s := NewSyncManager()
	s.Close()
	assert.ErrorIs(t, s.Register(TagBackgroundSync), ErrSyncUnavailable)
}

func TestSchedulerFiresPeriodicSync(t *testing.T) {
	sched := NewScheduler()
	sched.Register(TagTrainUpdates, 10*time.Millisecond)

	d := NewDispatcher()
	var count atomic.Int32
	d.HandleTag(EventPeriodicSync, TagTrainUpdates, func(ctx context.Context, ev Event) error {
		count.Add(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	sched.Run(ctx, d)

	assert.GreaterOrEqual(t, count.Load(), int32(2))
}

// ============================================================================
// Clients & connectivity
// ============================================================================

func TestClientsClaim(t *testing.T) {
	c := NewClients()
	c.Attach("b", "/dashboard")
	c.Attach("a", "/")

	for _, cl := range c.List() {
		assert.Empty(t, cl.Controller, "pages attach uncontrolled")
	}

	require.NoError(t, c.Claim(context.Background(), "v3"))
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	for _, cl := range list {
		assert.Equal(t, "v3", cl.Controller)
	}

	c.Detach("a")
	assert.Len(t, c.List(), 1)

	require.NoError(t, c.OpenWindow(context.Background(), "/?view=updates"))
	assert.Equal(t, []string{"/?view=updates"}, c.Opened())
}

func TestConnectivityNotifiesOnTransitionOnly(t *testing.T) {
	c := NewConnectivity(true)
	var changes []bool
	c.OnChange(func(online bool) { changes = append(changes, online) })

	c.SetOnline(true)
	c.SetOnline(false)
	c.SetOnline(false)
	c.SetOnline(true)

	assert.Equal(t, []bool{false, true}, changes)
	assert.True(t, c.Online())
}

// ============================================================================
// Notifier
// ============================================================================

func TestNotifierRespectsPermission(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	m := metrics.NewCollector()
	sink := NewMemorySink(0)
	n := NewNotifier(PermissionDefault, sink, m)

	notif := types.Notification{Title: "Train Updates", Body: "1 train(s) have important updates", Tag: "train-updates"}
	require.NoError(t, n.Show(context.Background(), notif), "missing permission must not fail")
	assert.Empty(t, sink.Items())

	n.SetPermission(PermissionGranted)
	require.NoError(t, n.Show(context.Background(), notif))
	require.Len(t, sink.Items(), 1)
	assert.Equal(t, "Train Updates", sink.Items()[0].Title)
}

func TestMemorySinkLimit(t *testing.T) {
	sink := NewMemorySink(2)
	for _, title := range []string{"a", "b", "c"} {
		require.NoError(t, sink.Show(context.Background(), types.Notification{Title: title}))
	}
	items := sink.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].Title)
	assert.Equal(t, "c", items[1].Title)
}

func TestSinksFanOut(t *testing.T) {
	a, b := NewMemorySink(0), NewMemorySink(0)
	require.NoError(t, Sinks{a, LogSink{}, b}.Show(context.Background(), types.Notification{Title: "x"}))
	assert.Len(t, a.Items(), 1)
	assert.Len(t, b.Items(), 1)
}

// ============================================================================
// Push listener
// ============================================================================

func TestPushListenerDispatchesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"text":"Delay on 12951"}`))
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`plain text`))
		_, _, _ = conn.Read(r.Context())
	}))
	defer srv.Close()

	d := NewDispatcher()
	var mu sync.Mutex
	var got []string
	received := make(chan struct{}, 2)
	d.Handle(EventPush, func(ctx context.Context, ev Event) error {
		mu.Lock()
		got = append(got, string(ev.Data))
		mu.Unlock()
		received <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	l := &PushListener{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Dispatcher:     d,
		ReconnectDelay: 10 * time.Millisecond,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("push frame not dispatched")
		}
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Delay on 12951", "plain text"}, got)
}
