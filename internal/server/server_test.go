package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/railhub/internal/config"
	"github.com/ChuLiYu/railhub/internal/hub"
	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newOrigin(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tickets/book", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/api/trains/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[]`)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, origin string) (*Server, *hub.Hub, *httptest.Server) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	cfg := config.Default()
	cfg.Server.Origin = origin
	cfg.Store.Path = filepath.Join(t.TempDir(), "store")
	cfg.Cache.Manifest = []string{"/", "/index.html"}
	cfg.Cache.FetchTimeout = "500ms"

	h, err := hub.New(cfg, hub.Options{Metrics: metrics.NewCollector()})
	require.NoError(t, err)
	t.Cleanup(h.Stop)
	require.NoError(t, h.Start(context.Background()))

	s := NewServer(h)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(h.Cache.Wait)
	return s, h, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// ============================================================================
// Fetch proxy
// ============================================================================

func TestFetchThroughCache(t *testing.T) {
	origin := newOrigin(t)
	_, _, ts := newTestServer(t, origin.URL)

	testCases := []struct {
		name   string
		path   string
		header string
		body   string
	}{
		{name: "manifest entry", path: "/index.html", header: "stale-while-revalidate/cache", body: "<html>/index.html</html>"},
		{name: "api call", path: "/api/trains/status", header: "network-first/network", body: "[]"},
		{name: "static asset", path: "/icons/train.png", header: "cache-first/network", body: "<html>/icons/train.png</html>"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			b, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tc.header, resp.Header.Get(CacheHeader))
			assert.Equal(t, tc.body, string(b))
		})
	}

	// the cache-first asset is now stored
	resp, err := http.Get(ts.URL + "/icons/train.png")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "cache-first/cache", resp.Header.Get(CacheHeader))
}

func TestHeadAndPassThrough(t *testing.T) {
	origin := newOrigin(t)
	_, _, ts := newTestServer(t, origin.URL)

	resp, err := http.Head(ts.URL + "/index.html")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(CacheHeader))

	resp = postJSON(t, ts.URL+"/api/tickets/book", `{"train":"12951"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get(CacheHeader), "non-GET requests bypass the strategies")
}

func TestFetchAttachesClient(t *testing.T) {
	origin := newOrigin(t)
	_, h, ts := newTestServer(t, origin.URL)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/index.html", nil)
	require.NoError(t, err)
	req.Header.Set(ClientHeader, "tab-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	clients := h.Clients.List()
	require.Len(t, clients, 1)
	assert.Equal(t, "tab-1", clients[0].ID)
	assert.Equal(t, "/index.html", clients[0].URL)
}

func TestFetchWithoutNetworkOrCopy(t *testing.T) {
	_, _, ts := newTestServer(t, "http://127.0.0.1:1")

	resp, err := http.Get(ts.URL + "/api/trains/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

// ============================================================================
// Control API
// ============================================================================

func TestEnqueueAndDrain(t *testing.T) {
	origin := newOrigin(t)
	_, h, ts := newTestServer(t, origin.URL)
	h.Sync.Close() // keep the queue for the explicit drain below

	resp := postJSON(t, ts.URL+"/_railhub/actions", `{"type":"book_ticket","payload":{"train":"12951"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		ID types.ActionID `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.NotZero(t, created.ID)

	resp, err := http.Get(ts.URL + "/_railhub/actions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var pending []types.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pending))
	require.Len(t, pending, 1)
	assert.Equal(t, created.ID, pending[0].ID)

	resp = postJSON(t, ts.URL+"/_railhub/sync?wait=true", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res types.DrainResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, []types.ActionID{created.ID}, res.Succeeded)
	assert.Empty(t, res.Failed)
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	origin := newOrigin(t)
	_, _, ts := newTestServer(t, origin.URL)

	for _, body := range []string{`not json`, `{"payload":{}}`} {
		resp := postJSON(t, ts.URL+"/_railhub/actions", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestStatusAndOnline(t *testing.T) {
	origin := newOrigin(t)
	_, _, ts := newTestServer(t, origin.URL)

	resp := postJSON(t, ts.URL+"/_railhub/online", `{"online":false}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = postJSON(t, ts.URL+"/_railhub/online", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(ts.URL + "/_railhub/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st hub.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "activated", st.State)
	assert.False(t, st.Online)
	assert.Equal(t, "granted", st.Permission)
}

func TestEventEndpoint(t *testing.T) {
	origin := newOrigin(t)
	_, h, ts := newTestServer(t, origin.URL)

	resp := postJSON(t, ts.URL+"/_railhub/events", `{"name":"notificationclick","action":"explore"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"/"}, h.Clients.Opened())

	resp = postJSON(t, ts.URL+"/_railhub/events", `{"name":"fetch"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// ============================================================================
// gRPC health
// ============================================================================

func TestHealthFollowsStore(t *testing.T) {
	origin := newOrigin(t)
	s, h, _ := newTestServer(t, origin.URL)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.ServeGRPC(ctx, lis) }()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "railhub"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	h.Stop()
	s.UpdateHealth(ctx)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "railhub"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
