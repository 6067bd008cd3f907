// Package types defines the domain model shared by the railhub cache controller,
// the offline action store and the sync engine.
package types

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ActionID identifies a pending action envelope. IDs are assigned by the store,
// strictly increasing, so ascending ID order is arrival order.
type ActionID uint64

func (id ActionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ActionType is the closed set of replayable action variants.
type ActionType string

const (
	ActionBookTicket ActionType = "book_ticket" // submit a ticket booking
	ActionTrackTrain ActionType = "track_train" // fetch a tracking status
	ActionUnknown    ActionType = "unknown"     // type written by a client this build does not know
)

// ParseActionType maps a raw type string onto a known variant. Unrecognised
// strings map to ActionUnknown; they are never rejected at enqueue time.
func ParseActionType(raw string) ActionType {
	switch ActionType(raw) {
	case ActionBookTicket, ActionTrackTrain:
		return ActionType(raw)
	default:
		return ActionUnknown
	}
}

// Envelope is one deferred user action. It is never mutated once stored.
type Envelope struct {
	ID        ActionID        `json:"id"`
	Type      ActionType      `json:"type"`
	RawType   string          `json:"raw_type"` // type string exactly as enqueued
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// OfflineRecord caches the last known value of a logical key.
type OfflineRecord struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Preference is a user setting written by the hosting application.
type Preference struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// CachedResponse is a response stored in a cache generation.
type CachedResponse struct {
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Strategy is the caching strategy applied to a request.
type Strategy string

const (
	NetworkFirst         Strategy = "network-first"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	Succeeded []ActionID          `json:"succeeded"`
	Failed    []ActionID          `json:"failed"`
	Errors    map[ActionID]string `json:"errors,omitempty"`
}

// NotificationAction is a button shown on a notification.
type NotificationAction struct {
	ID    string `json:"action"`
	Label string `json:"title"`
	Icon  string `json:"icon,omitempty"`
}

// Notification is a user-visible notification request.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge,omitempty"`
	Tag                string               `json:"tag,omitempty"`
	URL                string               `json:"url,omitempty"`
	RequireInteraction bool                 `json:"requireInteraction,omitempty"`
	Actions            []NotificationAction `json:"actions,omitempty"`
}
