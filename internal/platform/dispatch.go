// Package platform is the thin adapter between lifecycle triggers (install,
// activate, fetch, sync, periodic sync, push, notification clicks) and the
// services that handle them. Handlers are registered in an explicit table and
// invoked synchronously by Dispatch.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var log = slog.Default()

var ErrNoHandler = errors.New("no handler registered")

// EventName names a lifecycle trigger.
type EventName string

const (
	EventInstall           EventName = "install"
	EventActivate          EventName = "activate"
	EventSync              EventName = "sync"
	EventPeriodicSync      EventName = "periodicsync"
	EventPush              EventName = "push"
	EventNotificationClick EventName = "notificationclick"
)

// Sync and periodic-sync tags.
const (
	TagBackgroundSync  = "background-sync"
	TagTrainStatusSync = "train-status-sync"
	TagTrainUpdates    = "train-updates"
)

// Event is one trigger delivered to the dispatch table.
type Event struct {
	Name   EventName
	Tag    string // sync / periodicsync routing key
	Action string // notification click action id
	Data   []byte // push payload
}

// Handler processes one event.
type Handler func(ctx context.Context, ev Event) error

type route struct {
	name EventName
	tag  string
}

// Dispatcher maps event names (and tags, for sync events) to handlers.
type Dispatcher struct {
	mu     sync.RWMutex
	routes map[route]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[route]Handler)}
}

// Handle registers h for every event called name. A later registration
// replaces an earlier one.
func (d *Dispatcher) Handle(name EventName, h Handler) {
	d.HandleTag(name, "", h)
}

// HandleTag registers h for events called name carrying tag.
func (d *Dispatcher) HandleTag(name EventName, tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[route{name: name, tag: tag}] = h
}

// Dispatch invokes the handler for ev. A tag-specific handler wins over the
// untagged one. Unroutable events return ErrNoHandler.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	h, ok := d.routes[route{name: ev.Name, tag: ev.Tag}]
	if !ok && ev.Tag != "" {
		h, ok = d.routes[route{name: ev.Name}]
	}
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNoHandler, ev.Name, ev.Tag)
	}

	log.Debug("dispatching event", "event", ev.Name, "tag", ev.Tag)
	return h(ctx, ev)
}

// Routes lists the registered routes as name or name/tag.
func (d *Dispatcher) Routes() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for r := range d.routes {
		if r.tag == "" {
			out = append(out, string(r.name))
			continue
		}
		out = append(out, string(r.name)+"/"+r.tag)
	}
	sort.Strings(out)
	return out
}
