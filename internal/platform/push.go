package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

// PushListener reads push frames from a websocket endpoint and dispatches
// each one as a push event. A frame is either {"text": "..."} or raw text.
type PushListener struct {
	URL            string
	Dispatcher     *Dispatcher
	ReconnectDelay time.Duration
}

type pushFrame struct {
	Text string `json:"text"`
}

// Run connects, reads until the connection drops, waits ReconnectDelay and
// reconnects. It returns ctx.Err() once ctx is cancelled.
func (p *PushListener) Run(ctx context.Context) error {
	delay := p.ReconnectDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	for {
		err := p.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("push connection lost", "url", p.URL, "error", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (p *PushListener) listen(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial push endpoint: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	log.Info("push connected", "url", p.URL)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if err := p.Dispatcher.Dispatch(ctx, Event{Name: EventPush, Data: pushText(data)}); err != nil {
			log.Warn("push handler failed", "error", err)
		}
	}
}

func pushText(data []byte) []byte {
	var f pushFrame
	if json.Unmarshal(data, &f) == nil && f.Text != "" {
		return []byte(f.Text)
	}
	return data
}
