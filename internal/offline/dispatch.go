package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/railhub/pkg/types"
)

var ErrUnknownActionType = errors.New("unknown action type")

// DispatchError is the failure of one envelope's replay.
type DispatchError struct {
	ID     types.ActionID
	Type   string
	Status int // remote status, 0 when no response was received
	Err    error
}

func (e *DispatchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dispatch %s #%s: status %d", e.Type, e.ID, e.Status)
	}
	return fmt.Sprintf("dispatch %s #%s: %v", e.Type, e.ID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Handler replays one envelope against its remote endpoint.
type Handler func(ctx context.Context, env types.Envelope) error

// Dispatcher routes envelopes to the handler of their action variant.
type Dispatcher struct {
	api      string
	client   HTTPDoer
	timeout  time.Duration
	handlers map[types.ActionType]Handler
}

// NewDispatcher registers the built-in handlers against api.
func NewDispatcher(api string, client HTTPDoer, timeout time.Duration) *Dispatcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		api:      strings.TrimRight(api, "/"),
		client:   client,
		timeout:  timeout,
		handlers: make(map[types.ActionType]Handler),
	}
	d.handlers[types.ActionBookTicket] = d.bookTicket
	d.handlers[types.ActionTrackTrain] = d.trackTrain
	return d
}

// Handle replaces the handler for t.
func (d *Dispatcher) Handle(t types.ActionType, h Handler) {
	d.handlers[t] = h
}

// Dispatch replays env. Every failure, including an unknown type, is
// returned as a *DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, env types.Envelope) error {
	h, ok := d.handlers[env.Type]
	if !ok || env.Type == types.ActionUnknown {
		return &DispatchError{
			ID:   env.ID,
			Type: env.RawType,
			Err:  fmt.Errorf("%w: %q", ErrUnknownActionType, env.RawType),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := h(ctx, env)
	if err == nil {
		return nil
	}
	var de *DispatchError
	if errors.As(err, &de) {
		de.ID, de.Type = env.ID, env.RawType
		return de
	}
	return &DispatchError{ID: env.ID, Type: env.RawType, Err: err}
}

func (d *Dispatcher) bookTicket(ctx context.Context, env types.Envelope) error {
	body := []byte(env.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}
	return d.do(ctx, http.MethodPost, d.api+"/api/tickets/book", body)
}

func (d *Dispatcher) trackTrain(ctx context.Context, env types.Envelope) error {
	var p struct {
		TrainNumber string `json:"trainNumber"`
	}
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode track_train payload: %w", err)
	}
	if p.TrainNumber == "" {
		return errors.New("track_train payload has no trainNumber")
	}
	return d.do(ctx, http.MethodGet, d.api+"/api/trains/track/"+url.PathEscape(p.TrainNumber), nil)
}

func (d *Dispatcher) do(ctx context.Context, method, target string, body []byte) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DispatchError{Status: resp.StatusCode}
	}
	return nil
}
