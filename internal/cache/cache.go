// ============================================================================
// railhub Cache Controller
// ============================================================================
//
// Package: internal/cache
// File: cache.go
//
// Generations:
//   <prefix>-static-<version>   populated from the install manifest
//   <prefix>-dynamic-<version>  populated at runtime by network-first and
//                               stale-while-revalidate fetches
//
// Lifecycle:
//   parsed -> installing -> installed -> activating -> activated
//                        \-> redundant (manifest fetch or store failed)
//
// Strategies (see Classifier):
//   network-first           network, then stored copy on transport failure
//   cache-first             stored copy, else network (stored into static)
//   stale-while-revalidate  stored copy now, refreshed in the background
//
// Writes made while serving a response are best-effort: failures are logged
// and counted, never returned.
//
// ============================================================================

package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ChuLiYu/railhub/internal/metrics"
	"github.com/ChuLiYu/railhub/internal/platform"
	"github.com/ChuLiYu/railhub/internal/storage"
	"github.com/ChuLiYu/railhub/pkg/types"
)

var log = slog.Default()

var (
	ErrNoCachedResponse = errors.New("no content available")
	ErrNotInstalled     = errors.New("cache controller not installed")
	ErrBusy             = errors.New("lifecycle transition already running")
)

// Response sources.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
)

// State is the controller lifecycle state.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ClientClaimer takes control of every attached page for a version.
type ClientClaimer interface {
	Claim(ctx context.Context, version string) error
}

// Config configures a Controller.
type Config struct {
	Prefix           string
	Version          string
	Origin           string   // base for relative manifest entries and Put keys
	Manifest         []string // fetched at install, in order
	NetworkFirst     []string
	CacheFirst       []string
	FetchTimeout     time.Duration
	MaxRevalidations int
}

func (c Config) StaticName() string  { return c.Prefix + "-static-" + c.Version }
func (c Config) DynamicName() string { return c.Prefix + "-dynamic-" + c.Version }

// FetchResult is the outcome of OnFetch.
type FetchResult struct {
	Response     types.CachedResponse
	Strategy     types.Strategy // empty for pass-through requests
	Source       string
	Revalidating bool // a background refresh was started
}

// Generation describes one stored generation.
type Generation struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Current bool   `json:"current"`
}

// Controller implements install, fetch and activate over a CacheStorage.
type Controller struct {
	cfg        Config
	classifier Classifier
	store      storage.CacheStorage
	client     Fetcher
	claimer    ClientClaimer
	metrics    *metrics.Collector
	tracer     trace.Tracer

	mu    sync.Mutex
	state State

	bgSem chan struct{}
	bg    platform.Lifetime
}

// NewController builds a controller. client defaults to http.DefaultClient
// and claimer may be nil.
func NewController(cfg Config, store storage.CacheStorage, client Fetcher, claimer ClientClaimer, m *metrics.Collector) *Controller {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.MaxRevalidations <= 0 {
		cfg.MaxRevalidations = 32
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	if client == nil {
		client = http.DefaultClient
	}
	return &Controller{
		cfg:        cfg,
		classifier: Classifier{NetworkFirst: cfg.NetworkFirst, CacheFirst: cfg.CacheFirst},
		store:      store,
		client:     client,
		claimer:    claimer,
		metrics:    m,
		tracer:     otel.Tracer("github.com/ChuLiYu/railhub/internal/cache"),
		bgSem:      make(chan struct{}, cfg.MaxRevalidations),
	}
}

func (c *Controller) Config() Config { return c.cfg }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	log.Info("cache lifecycle", "from", prev.String(), "to", s.String(), "version", c.cfg.Version)
}

// transition moves to next if allowed(current) holds and returns the state
// it found.
func (c *Controller) transition(next State, allowed func(State) bool) (State, bool) {
	c.mu.Lock()
	prev := c.state
	if !allowed(prev) {
		c.mu.Unlock()
		return prev, false
	}
	c.state = next
	c.mu.Unlock()
	log.Info("cache lifecycle", "from", prev.String(), "to", next.String(), "version", c.cfg.Version)
	return prev, true
}

// Classify returns the strategy for url.
func (c *Controller) Classify(url string) types.Strategy {
	return c.classifier.Classify(url)
}

// Resolve turns a path into the absolute URL used as the cache key.
func (c *Controller) Resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.cfg.Origin + path
}

// ============================================================================
// Fetch
// ============================================================================

// OnFetch serves req according to its strategy. GET requests are routed by
// Classify; other methods go straight to the network and are never stored.
func (c *Controller) OnFetch(ctx context.Context, req *http.Request) (FetchResult, error) {
	url := req.URL.String()

	if req.Method != http.MethodGet {
		resp, err := c.fetch(ctx, req.Method, url, req.Header, req.Body)
		if err != nil {
			return FetchResult{}, err
		}
		return FetchResult{Response: resp, Source: SourceNetwork}, nil
	}

	strategy := c.Classify(url)
	var (
		res FetchResult
		err error
	)
	switch strategy {
	case types.NetworkFirst:
		res, err = c.networkFirst(ctx, url, req.Header)
	case types.CacheFirst:
		res, err = c.cacheFirst(ctx, url, req.Header)
	default:
		res, err = c.staleWhileRevalidate(ctx, url, req.Header)
	}
	if err != nil {
		c.metrics.RecordFetchError(string(strategy))
		log.Debug("fetch failed", "url", url, "strategy", strategy, "error", err)
		return FetchResult{}, err
	}
	c.metrics.RecordFetch(string(strategy), res.Source)
	log.Debug("fetch served", "url", url, "strategy", strategy, "source", res.Source)
	return res, nil
}

func (c *Controller) networkFirst(ctx context.Context, url string, hdr http.Header) (FetchResult, error) {
	resp, err := c.fetch(ctx, http.MethodGet, url, hdr, nil)
	if err == nil {
		if is2xx(resp) {
			c.putBestEffort(ctx, c.cfg.DynamicName(), resp, types.NetworkFirst)
		}
		return FetchResult{Response: resp, Strategy: types.NetworkFirst, Source: SourceNetwork}, nil
	}

	cached, ok, merr := c.match(ctx, url)
	if merr != nil {
		return FetchResult{}, fmt.Errorf("failed to read cache after network error (%v): %w", err, merr)
	}
	if !ok {
		return FetchResult{}, fmt.Errorf("%w: %s: %w", ErrNoCachedResponse, url, err)
	}
	return FetchResult{Response: cached, Strategy: types.NetworkFirst, Source: SourceCache}, nil
}

func (c *Controller) cacheFirst(ctx context.Context, url string, hdr http.Header) (FetchResult, error) {
	cached, ok, err := c.match(ctx, url)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read cache: %w", err)
	}
	if ok {
		return FetchResult{Response: cached, Strategy: types.CacheFirst, Source: SourceCache}, nil
	}

	resp, err := c.fetch(ctx, http.MethodGet, url, hdr, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if is2xx(resp) {
		c.putBestEffort(ctx, c.cfg.StaticName(), resp, types.CacheFirst)
	}
	return FetchResult{Response: resp, Strategy: types.CacheFirst, Source: SourceNetwork}, nil
}

func (c *Controller) staleWhileRevalidate(ctx context.Context, url string, hdr http.Header) (FetchResult, error) {
	cached, ok, err := c.match(ctx, url)
	if err != nil {
		return FetchResult{}, fmt.Errorf("failed to read cache: %w", err)
	}
	if ok {
		started := c.revalidateAsync(url, hdr)
		return FetchResult{
			Response:     cached,
			Strategy:     types.StaleWhileRevalidate,
			Source:       SourceCache,
			Revalidating: started,
		}, nil
	}

	resp, err := c.fetch(ctx, http.MethodGet, url, hdr, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if is2xx(resp) {
		c.putBestEffort(ctx, c.cfg.DynamicName(), resp, types.StaleWhileRevalidate)
	}
	return FetchResult{Response: resp, Strategy: types.StaleWhileRevalidate, Source: SourceNetwork}, nil
}

// match looks in the current dynamic generation, then the current static
// one, then any other generation still present.
func (c *Controller) match(ctx context.Context, url string) (types.CachedResponse, bool, error) {
	for _, name := range []string{c.cfg.DynamicName(), c.cfg.StaticName(), ""} {
		resp, ok, err := c.store.CacheMatch(ctx, name, url)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return types.CachedResponse{}, false, nil
}

func (c *Controller) putBestEffort(ctx context.Context, generation string, resp types.CachedResponse, strategy types.Strategy) {
	if !storable(resp) {
		return
	}
	if err := c.store.CachePut(ctx, generation, resp); err != nil {
		log.Warn("cache write dropped", "generation", generation, "url", resp.URL, "strategy", strategy, "error", err)
		c.metrics.RecordCacheWriteFailure(string(strategy))
	}
}

// revalidateAsync refreshes url in the background. It returns false when the
// revalidation budget is exhausted and no refresh was started.
func (c *Controller) revalidateAsync(url string, hdr http.Header) bool {
	select {
	case c.bgSem <- struct{}{}:
	default:
		log.Debug("revalidation skipped, budget exhausted", "url", url)
		return false
	}

	hdr = hdr.Clone()
	started := c.bg.WaitUntil(context.Background(), "revalidate", func(ctx context.Context) error {
		defer func() { <-c.bgSem }()
		return c.revalidateOnce(ctx, url, hdr)
	})
	if !started {
		<-c.bgSem
	}
	return started
}

func (c *Controller) revalidateOnce(ctx context.Context, url string, hdr http.Header) error {
	resp, err := c.fetch(ctx, http.MethodGet, url, hdr, nil)
	if err != nil {
		return err
	}
	if !storable(resp) {
		return nil
	}

	cur, ok, err := c.store.CacheMatch(ctx, c.cfg.DynamicName(), url)
	if err == nil && ok && cur.Hash32 == resp.Hash32 {
		return nil
	}
	c.putBestEffort(ctx, c.cfg.DynamicName(), resp, types.StaleWhileRevalidate)
	return nil
}

// Wait blocks until every background revalidation has finished.
func (c *Controller) Wait() {
	c.bg.Wait()
}

// Close stops accepting revalidations and waits for the running ones.
func (c *Controller) Close() {
	c.bg.Close()
}

// Put stores a response body under path in the dynamic generation.
func (c *Controller) Put(ctx context.Context, path string, status int, header http.Header, body io.Reader) error {
	b, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	resp := types.CachedResponse{
		URL:      c.Resolve(path),
		Status:   status,
		Header:   cloneHeader(header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	resp.Hash32 = hash32(b)
	if err := c.store.CachePut(ctx, c.cfg.DynamicName(), resp); err != nil {
		return fmt.Errorf("failed to store %s: %w", resp.URL, err)
	}
	return nil
}

// Generations lists every stored generation and its entry count.
func (c *Controller) Generations(ctx context.Context) ([]Generation, error) {
	names, err := c.store.CacheNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	out := make([]Generation, 0, len(names))
	for _, name := range names {
		keys, err := c.store.CacheKeys(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", name, err)
		}
		out = append(out, Generation{
			Name:    name,
			Entries: len(keys),
			Current: name == c.cfg.StaticName() || name == c.cfg.DynamicName(),
		})
	}
	return out, nil
}
