// Package notify turns refreshes of monitored train state and push messages
// into user-visible notifications.
//
// One refresh emits at most one notification no matter how many trains
// qualify. Every notification goes through a permission-aware Notifier, so a
// missing permission degrades to a no-op rather than an error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/railhub/pkg/types"
)

var log = slog.Default()

const (
	StatusPath     = "/api/trains/status"
	UpdatesURL     = "/?view=updates"
	TagTrainUpdate = "train-updates"

	ActionExplore = "explore"
	ActionClose   = "close"
	ActionView    = "view"
	ActionDismiss = "dismiss"

	defaultPushBody = "Railway notification"
)

// TrainStatus is one item of the status feed.
type TrainStatus struct {
	TrainNumber        string `json:"trainNumber"`
	Name               string `json:"name,omitempty"`
	Status             string `json:"status,omitempty"`
	DelayMinutes       int    `json:"delayMinutes,omitempty"`
	HasImportantUpdate bool   `json:"hasImportantUpdate"`
}

// Significant decides whether a status update is worth a notification.
type Significant func(TrainStatus) bool

// HasImportantUpdate is the default significance test.
func HasImportantUpdate(s TrainStatus) bool { return s.HasImportantUpdate }

// HTTPDoer performs outbound requests. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier shows a notification. *platform.Notifier satisfies it.
type Notifier interface {
	Show(ctx context.Context, n types.Notification) error
}

// ResponseCache keeps the raw feed for offline reads. *cache.Controller
// satisfies it.
type ResponseCache interface {
	Put(ctx context.Context, path string, status int, header http.Header, body io.Reader) error
}

// WindowOpener opens a page. *platform.Clients satisfies it.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

type Options struct {
	API      string
	Client   HTTPDoer
	Timeout  time.Duration
	Cache    ResponseCache
	Notifier Notifier
	Opener   WindowOpener
	Icon     string
	Badge    string
}

// Monitor polls the status feed and emits notifications.
type Monitor struct {
	api      string
	client   HTTPDoer
	timeout  time.Duration
	cache    ResponseCache
	notifier Notifier
	opener   WindowOpener
	icon     string
	badge    string
}

func NewMonitor(opts Options) *Monitor {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Monitor{
		api:      strings.TrimRight(opts.API, "/"),
		client:   opts.Client,
		timeout:  opts.Timeout,
		cache:    opts.Cache,
		notifier: opts.Notifier,
		opener:   opts.Opener,
		icon:     opts.Icon,
		badge:    opts.Badge,
	}
}

// Refresh fetches the status feed, stores it for offline reads and emits one
// summary notification when any item passes significant. A nil significant
// uses HasImportantUpdate. It returns the number of qualifying items.
func (m *Monitor) Refresh(ctx context.Context, significant Significant) (int, error) {
	if significant == nil {
		significant = HasImportantUpdate
	}

	body, header, err := m.fetchStatus(ctx)
	if err != nil {
		return 0, err
	}

	var feed []TrainStatus
	if err := json.Unmarshal(body, &feed); err != nil {
		return 0, fmt.Errorf("failed to decode status feed: %w", err)
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, StatusPath, http.StatusOK, header, bytes.NewReader(body)); err != nil {
			log.Warn("failed to cache status feed", "error", err)
		}
	}

	n := 0
	for _, s := range feed {
		if significant(s) {
			n++
		}
	}
	if n == 0 {
		log.Debug("status refresh found nothing significant", "items", len(feed))
		return 0, nil
	}

	if err := m.show(ctx, m.updatesNotification(n)); err != nil {
		return n, err
	}
	return n, nil
}

func (m *Monitor) fetchStatus(ctx context.Context) ([]byte, http.Header, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.api+StatusPath, nil)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch status feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("failed to fetch status feed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read status feed: %w", err)
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	return body, header, nil
}

func (m *Monitor) updatesNotification(n int) types.Notification {
	return types.Notification{
		Title:              "Train Updates",
		Body:               fmt.Sprintf("%d train(s) have important updates", n),
		Icon:               m.icon,
		Badge:              m.badge,
		Tag:                TagTrainUpdate,
		URL:                UpdatesURL,
		RequireInteraction: true,
		Actions: []types.NotificationAction{
			{ID: ActionView, Label: "View Updates", Icon: "/icons/view.png"},
			{ID: ActionDismiss, Label: "Dismiss", Icon: "/icons/dismiss.png"},
		},
	}
}

// Push shows a push message. An empty text gets a generic body.
func (m *Monitor) Push(ctx context.Context, text string) error {
	if text == "" {
		text = defaultPushBody
	}
	return m.show(ctx, types.Notification{
		Title: "Indian Railways",
		Body:  text,
		Icon:  m.icon,
		Badge: m.badge,
		Actions: []types.NotificationAction{
			{ID: ActionExplore, Label: "View Details", Icon: "/icons/checkmark.png"},
			{ID: ActionClose, Label: "Close", Icon: "/icons/xmark.png"},
		},
	})
}

// Click handles a notification action. explore opens the home page and view
// opens the updates view. Other actions only close the notification.
func (m *Monitor) Click(ctx context.Context, action string) error {
	var target string
	switch action {
	case ActionExplore:
		target = "/"
	case ActionView:
		target = UpdatesURL
	default:
		return nil
	}
	if m.opener == nil {
		return nil
	}
	if err := m.opener.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("failed to open %s: %w", target, err)
	}
	return nil
}

func (m *Monitor) show(ctx context.Context, n types.Notification) error {
	if m.notifier == nil {
		return nil
	}
	if err := m.notifier.Show(ctx, n); err != nil {
		return fmt.Errorf("failed to show %q notification: %w", n.Title, err)
	}
	return nil
}
