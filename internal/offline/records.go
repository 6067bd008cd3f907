package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/railhub/internal/storage"
	"github.com/ChuLiYu/railhub/pkg/types"
)

const journeyPreferencesKey = "journeyPreferences"

// Records serves last-known copies of remote records and user preferences.
type Records struct {
	store   storage.RecordStore
	api     string
	client  HTTPDoer
	timeout time.Duration
}

func NewRecords(store storage.RecordStore, api string, client HTTPDoer, timeout time.Duration) *Records {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Records{store: store, api: strings.TrimRight(api, "/"), client: client, timeout: timeout}
}

// TrainStatus fetches the live status of a train and stores it under
// train_<number>. When the fetch fails the stored copy is returned with
// stale set. With no stored copy the fetch error is returned.
func (r *Records) TrainStatus(ctx context.Context, trainNumber string) (rec types.OfflineRecord, stale bool, err error) {
	key := "train_" + trainNumber

	payload, fetchErr := r.fetchJSON(ctx, r.api+"/api/trains/"+url.PathEscape(trainNumber)+"/status")
	if fetchErr == nil {
		if err := r.store.PutOfflineData(ctx, key, payload); err != nil {
			log.Warn("failed to keep offline copy", "key", key, "error", err)
		}
		return types.OfflineRecord{Key: key, Payload: payload, Timestamp: time.Now().UTC()}, false, nil
	}

	rec, err = r.store.GetOfflineData(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return types.OfflineRecord{}, false, fetchErr
	}
	if err != nil {
		return types.OfflineRecord{}, false, fmt.Errorf("failed to read offline copy: %w", err)
	}
	log.Info("serving offline copy", "key", key, "stored_at", rec.Timestamp, "cause", fetchErr)
	return rec, true, nil
}

func (r *Records) fetchJSON(ctx context.Context, target string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("GET %s: %w", target, ErrInvalidPayload)
	}
	return b, nil
}

// StoreOfflineData overwrites the last-known value for key.
func (r *Records) StoreOfflineData(ctx context.Context, key string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return ErrInvalidPayload
	}
	return r.store.PutOfflineData(ctx, key, payload)
}

func (r *Records) OfflineData(ctx context.Context, key string) (types.OfflineRecord, error) {
	return r.store.GetOfflineData(ctx, key)
}

func (r *Records) SavePreference(ctx context.Context, key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return ErrInvalidPayload
	}
	return r.store.PutPreference(ctx, key, value)
}

func (r *Records) Preference(ctx context.Context, key string) (json.RawMessage, error) {
	p, err := r.store.GetPreference(ctx, key)
	if err != nil {
		return nil, err
	}
	return p.Value, nil
}

func (r *Records) SaveJourneyPreferences(ctx context.Context, prefs json.RawMessage) error {
	return r.SavePreference(ctx, journeyPreferencesKey, prefs)
}

// JourneyPreferences returns storage.ErrNotFound until preferences are saved.
func (r *Records) JourneyPreferences(ctx context.Context) (json.RawMessage, error) {
	return r.Preference(ctx, journeyPreferencesKey)
}
