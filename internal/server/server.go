// Package server exposes a Hub over HTTP and gRPC.
//
// The HTTP side is what the hosting page talks to: every path outside
// /_railhub/ is fetched through the cache controller against the origin,
// and /_railhub/ carries the action queue, sync triggers and status. The
// gRPC side serves only the standard health service.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/railhub/internal/cache"
	"github.com/ChuLiYu/railhub/internal/hub"
	"github.com/ChuLiYu/railhub/internal/offline"
	"github.com/ChuLiYu/railhub/internal/platform"
)

var log = slog.Default()

const (
	CacheHeader  = "X-Railhub-Cache"
	ClientHeader = "X-Railhub-Client" // page id; the page is attached on its first fetch

	healthInterval = 5 * time.Second
)

// Server implements the page-facing HTTP API and the gRPC health service.
type Server struct {
	hub    *hub.Hub
	mux    *http.ServeMux
	health *health.Server
	grpc   *grpc.Server
}

// NewServer creates a server over h.
func NewServer(h *hub.Hub) *Server {
	s := &Server{
		hub:    h,
		mux:    http.NewServeMux(),
		health: health.NewServer(),
		grpc:   grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.mux.HandleFunc("POST /_railhub/actions", s.handleEnqueue)
	s.mux.HandleFunc("GET /_railhub/actions", s.handleListActions)
	s.mux.HandleFunc("POST /_railhub/sync", s.handleSync)
	s.mux.HandleFunc("GET /_railhub/status", s.handleStatus)
	s.mux.HandleFunc("POST /_railhub/online", s.handleOnline)
	s.mux.HandleFunc("POST /_railhub/events", s.handleEvent)
	s.mux.HandleFunc("/", s.handleFetch)

	s.UpdateHealth(context.Background())
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// UpdateHealth reports SERVING while the store answers and NOT_SERVING
// once it is closed or failing.
func (s *Server) UpdateHealth(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	if _, err := s.hub.Store().CountPending(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus("railhub", status)
}

// ============================================================================
// Serving
// ============================================================================

// ListenAndServe serves HTTP on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve HTTP: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ServeGRPC serves the health service on lis and refreshes its status until
// ctx is cancelled.
func (s *Server) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.UpdateHealth(ctx)
			}
		}
	}()

	log.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if id := r.Header.Get(ClientHeader); id != "" {
		s.hub.Clients.Attach(id, r.URL.Path)
	}

	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}

	target := s.hub.Cache.Resolve(r.URL.RequestURI())
	out, err := http.NewRequestWithContext(r.Context(), method, target, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	out.Header = r.Header.Clone()
	out.Header.Del("Connection")
	out.Header.Del(ClientHeader)

	res, err := s.hub.Cache.OnFetch(r.Context(), out)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, cache.ErrNoCachedResponse) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	resp := res.Response
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if res.Strategy != "" {
		w.Header().Set(CacheHeader, string(res.Strategy)+"/"+res.Source)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(resp.Body)
	}
}

type enqueueRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	id, err := s.hub.Queue.ScheduleAction(r.Context(), req.Type, req.Payload)
	if err != nil {
		if errors.Is(err, offline.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error("enqueue failed", "type", req.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue action")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	envs, err := s.hub.Queue.Pending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		res, err := s.hub.Drain(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	if err := s.hub.RequestSync(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"tag": platform.TagBackgroundSync})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.hub.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, `body must be {"online": bool}`)
		return
	}
	s.hub.SetOnline(*req.Online)
	w.WriteHeader(http.StatusNoContent)
}

type eventRequest struct {
	Name   string `json:"name"`
	Tag    string `json:"tag,omitempty"`
	Action string `json:"action,omitempty"`
	Data   string `json:"data,omitempty"`
}

// handleEvent delivers a platform event, e.g. a notification click.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	ev := platform.Event{
		Name:   platform.EventName(req.Name),
		Tag:    req.Tag,
		Action: req.Action,
		Data:   []byte(req.Data),
	}
	if err := s.hub.Events.Dispatch(r.Context(), ev); err != nil {
		if errors.Is(err, platform.ErrNoHandler) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
