package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/platform"
)

type recordingCache struct {
	paths  []string
	bodies []string
	err    error
}

func (c *recordingCache) Put(ctx context.Context, path string, status int, header http.Header, body io.Reader) error {
	b, _ := io.ReadAll(body)
	c.paths = append(c.paths, path)
	c.bodies = append(c.bodies, string(b))
	return c.err
}

func statusAPI(t *testing.T, feed string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != StatusPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, feed)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const twoImportant = `[
	{"trainNumber":"12951","hasImportantUpdate":true},
	{"trainNumber":"12952","hasImportantUpdate":false},
	{"trainNumber":"22439","hasImportantUpdate":true}
]`

func TestRefreshEmitsOneSummary(t *testing.T) {
	sink := platform.NewMemorySink(0)
	cache := &recordingCache{}
	m := NewMonitor(Options{
		API:      statusAPI(t, twoImportant).URL,
		Cache:    cache,
		Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil),
		Icon:     "/icons/icon-192x192.png",
	})

	n, err := m.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	items := sink.Items()
	require.Len(t, items, 1, "one notification per refresh")
	assert.Equal(t, "Train Updates", items[0].Title)
	assert.Equal(t, "2 train(s) have important updates", items[0].Body)
	assert.Equal(t, UpdatesURL, items[0].URL)
	assert.Equal(t, TagTrainUpdate, items[0].Tag)
	assert.True(t, items[0].RequireInteraction)
	require.Len(t, items[0].Actions, 2)
	assert.Equal(t, ActionView, items[0].Actions[0].ID)

	assert.Equal(t, []string{StatusPath}, cache.paths)
	assert.JSONEq(t, twoImportant, cache.bodies[0])
}

func TestRefreshCustomSignificance(t *testing.T) {
	sink := platform.NewMemorySink(0)
	m := NewMonitor(Options{
		API:      statusAPI(t, twoImportant).URL,
		Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil),
	})

	n, err := m.Refresh(context.Background(), func(s TrainStatus) bool { return s.TrainNumber == "12952" })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, sink.Items(), 1)
	assert.Equal(t, "1 train(s) have important updates", sink.Items()[0].Body)
}

func TestRefreshNothingSignificant(t *testing.T) {
	sink := platform.NewMemorySink(0)
	m := NewMonitor(Options{
		API:      statusAPI(t, `[{"trainNumber":"12951"}]`).URL,
		Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil),
	})

	n, err := m.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.Items())
}

func TestRefreshWithoutPermissionIsNoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := platform.NewMemorySink(0)
	m := NewMonitor(Options{
		API:      statusAPI(t, twoImportant).URL,
		Notifier: platform.NewNotifier(platform.PermissionDefault, sink, metrics.NewCollectorWith(reg)),
	})

	n, err := m.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, sink.Items())
}

func TestRefreshCacheFailureIsNotFatal(t *testing.T) {
	sink := platform.NewMemorySink(0)
	m := NewMonitor(Options{
		API:      statusAPI(t, twoImportant).URL,
		Cache:    &recordingCache{err: errors.New("quota exceeded")},
		Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil),
	})

	_, err := m.Refresh(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, sink.Items(), 1)
}

func TestRefreshErrors(t *testing.T) {
	testCases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			name: "malformed feed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"not":"a list"}`)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			sink := platform.NewMemorySink(0)
			cache := &recordingCache{}
			m := NewMonitor(Options{
				API:      srv.URL,
				Timeout:  time.Second,
				Cache:    cache,
				Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil),
			})

			_, err := m.Refresh(context.Background(), nil)
			require.Error(t, err)
			assert.Empty(t, sink.Items())
			assert.Empty(t, cache.paths)
		})
	}
}

func TestPush(t *testing.T) {
	sink := platform.NewMemorySink(0)
	m := NewMonitor(Options{Notifier: platform.NewNotifier(platform.PermissionGranted, sink, nil)})

	require.NoError(t, m.Push(context.Background(), "Platform changed to 4"))
	require.NoError(t, m.Push(context.Background(), ""))

	items := sink.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "Indian Railways", items[0].Title)
	assert.Equal(t, "Platform changed to 4", items[0].Body)
	assert.Equal(t, defaultPushBody, items[1].Body)
	assert.Equal(t, ActionExplore, items[0].Actions[0].ID)
	assert.Equal(t, ActionClose, items[0].Actions[1].ID)
}

func TestClick(t *testing.T) {
	clients := platform.NewClients()
	m := NewMonitor(Options{Opener: clients})
	ctx := context.Background()

	require.NoError(t, m.Click(ctx, ActionExplore))
	require.NoError(t, m.Click(ctx, ActionView))
	require.NoError(t, m.Click(ctx, ActionDismiss))
	require.NoError(t, m.Click(ctx, ""))

	assert.Equal(t, []string{"/", UpdatesURL}, clients.Opened())
}
