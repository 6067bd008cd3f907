package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/railhub/internal/config"
	"github.com/ChuLiYu/railhub/internal/hub"
	"github.com/ChuLiYu/railhub/internal/platform"
)

// demoOrigin stands in for the dashboard origin and its railway API.
type demoOrigin struct {
	apiDown atomic.Bool
	booked  atomic.Int32
}

func (o *demoOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tickets/book":
		if o.apiDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		o.booked.Add(1)
		w.WriteHeader(http.StatusCreated)
	case "/api/trains/status":
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"trainNumber":"12951","hasImportantUpdate":true}]`)
	default:
		_, _ = io.WriteString(w, "<html>"+r.URL.Path+"</html>")
	}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <offline|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	origin := &demoOrigin{}
	origin.apiDown.Store(mode == "offline")
	srv := httptest.NewServer(origin)
	defer srv.Close()

	cfg := config.Default()
	cfg.Server.Origin = srv.URL
	cfg.Store.Path = "data/demo"
	cfg.Cache.Manifest = []string{"/", "/index.html"}

	sink := platform.NewMemorySink(0)
	h, err := hub.New(cfg, hub.Options{Sink: platform.Sinks{sink, platform.LogSink{}}})
	if err != nil {
		log.Fatalf("Failed to create hub: %v", err)
	}
	defer h.Stop()

	ctx := context.Background()
	before, err := h.Status(ctx)
	if err != nil {
		log.Fatalf("Failed to read status: %v", err)
	}
	if err := h.Start(ctx); err != nil {
		log.Fatalf("Failed to start hub: %v", err)
	}
	fmt.Printf("✓ Hub started (mode: %s, cache: %s)\n", mode, h.Cache.State())

	switch mode {
	case "offline":
		h.SetOnline(false)
		for i := 1; i <= 3; i++ {
			payload, _ := json.Marshal(map[string]any{"train": "12951", "seat": i})
			id, err := h.Queue.ScheduleAction(ctx, "book_ticket", payload)
			if err != nil {
				log.Fatalf("Failed to schedule booking: %v", err)
			}
			fmt.Printf("  queued booking #%s\n", id)
		}
		time.Sleep(200 * time.Millisecond)

		st, err := h.Status(ctx)
		if err != nil {
			log.Fatalf("Failed to read status: %v", err)
		}
		fmt.Printf("\n📊 Pending after offline sync attempt: %d\n", st.Pending)
		fmt.Printf("🔔 Notifications shown: %d\n", len(sink.Items()))
		fmt.Printf("\n💡 Run 'go run cmd/demo/main.go recover' to replay them\n")

	case "recover":
		fmt.Printf("\n📊 Pending after restart: %d\n", before.Pending)

		// Start already requested a sync for the leftovers
		deadline := time.Now().Add(5 * time.Second)
		pending := before.Pending
		for pending > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
			st, err := h.Status(ctx)
			if err != nil {
				log.Fatalf("Failed to read status: %v", err)
			}
			pending = st.Pending
		}
		fmt.Printf("✓ Replayed on start, still pending %d, bookings received by API: %d\n",
			pending, origin.booked.Load())

		n, err := h.Monitor.Refresh(ctx, nil)
		if err != nil {
			log.Fatalf("Refresh failed: %v", err)
		}
		fmt.Printf("🔔 %d train(s) with important updates\n", n)

	default:
		log.Fatalf("unknown mode %q", mode)
	}
}
