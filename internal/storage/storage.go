// ============================================================================
// railhub persistent store
// ============================================================================
//
// Package: internal/storage
// Purpose: the single owner of every persisted record kind:
//
//   pending actions  (FIFO by store-assigned ActionID)
//   offline data     (last-known value per key, overwritten on write)
//   user preferences (key -> value, never expired)
//   cache generations (named buckets of url -> CachedResponse)
//
// Concurrency:
//   Every method is safe for concurrent use. The page-facing HTTP adapter,
//   the sync engine and the periodic refresh all share one Store.
//   Within one record kind the last write wins.
//
// Drivers:
//   leveldb (default) and sqlite. Both satisfy the same contract, checked by
//   the shared tests in storage_test.go.
//
// ============================================================================

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/railhub/pkg/types"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrClosed is returned by every call made after Close.
	ErrClosed = errors.New("storage: store is closed")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("storage: unknown driver")
)

const (
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// ActionStore holds pending action envelopes.
type ActionStore interface {
	// AddPending assigns the next ActionID and persists env. The returned
	// envelope carries the assigned ID.
	AddPending(ctx context.Context, env types.Envelope) (types.Envelope, error)
	// ListPending returns every pending envelope, in ascending ID order, as of
	// one point in time.
	ListPending(ctx context.Context) ([]types.Envelope, error)
	DeletePending(ctx context.Context, id types.ActionID) error
	CountPending(ctx context.Context) (int, error)
}

// RecordStore holds offline data records and user preferences.
type RecordStore interface {
	PutOfflineData(ctx context.Context, key string, payload json.RawMessage) error
	GetOfflineData(ctx context.Context, key string) (types.OfflineRecord, error)
	PutPreference(ctx context.Context, key string, value json.RawMessage) error
	GetPreference(ctx context.Context, key string) (types.Preference, error)
}

// CacheStorage holds named cache generations.
type CacheStorage interface {
	// OpenCache creates the named generation if it does not exist.
	OpenCache(ctx context.Context, name string) error
	CacheNames(ctx context.Context) ([]string, error)
	CachePut(ctx context.Context, name string, resp types.CachedResponse) error
	// CachePutAll stores every response or none of them.
	CachePutAll(ctx context.Context, name string, resps []types.CachedResponse) error
	// CacheMatch looks url up in the named generation, or in every generation
	// in name order when name is empty.
	CacheMatch(ctx context.Context, name, url string) (types.CachedResponse, bool, error)
	CacheKeys(ctx context.Context, name string) ([]string, error)
	DeleteCache(ctx context.Context, name string) (bool, error)
}

// Store is the full persistent store.
type Store interface {
	ActionStore
	RecordStore
	CacheStorage
	Close() error
}

// Open opens the store for the given driver at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverLevelDB:
		return OpenLevelDB(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}
}
