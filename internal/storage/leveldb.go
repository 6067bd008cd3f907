package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ChuLiYu/railhub/pkg/types"
)

// Key layout:
//
//	meta:seq            last assigned ActionID (big-endian uint64)
//	p:<id be64>         pending envelope
//	d:<key>             offline data record
//	u:<key>             user preference
//	n:<generation>      generation marker
//	c:<generation>\x00<url>  cached response
var (
	seqKey          = []byte("meta:seq")
	pendingPrefix   = []byte("p:")
	dataPrefix      = []byte("d:")
	prefPrefix      = []byte("u:")
	genMarkerPrefix = []byte("n:")
	entryPrefix     = []byte("c:")
)

// LevelDBStore is the default Store driver.
type LevelDBStore struct {
	db *leveldb.DB

	seqMu sync.Mutex // serialises ActionID assignment
	seq   uint64
}

// OpenLevelDB opens (or creates) a leveldb store at path and recovers the
// ActionID counter.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	s := &LevelDBStore{db: db}

	b, err := db.Get(seqKey, nil)
	switch {
	case err == nil && len(b) == 8:
		s.seq = binary.BigEndian.Uint64(b)
	case err == nil, errors.Is(err, leveldb.ErrNotFound):
	default:
		_ = db.Close()
		return nil, fmt.Errorf("failed to read action sequence: %w", err)
	}
	return s, nil
}

func (s *LevelDBStore) Close() error {
	return mapLevelErr(s.db.Close())
}

// ---- pending actions ----

func pendingKey(id types.ActionID) []byte {
	k := make([]byte, len(pendingPrefix)+8)
	copy(k, pendingPrefix)
	binary.BigEndian.PutUint64(k[len(pendingPrefix):], uint64(id))
	return k
}

func (s *LevelDBStore) AddPending(ctx context.Context, env types.Envelope) (types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return types.Envelope{}, err
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	next := s.seq + 1
	env.ID = types.ActionID(next)
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}

	b, err := encodeGob(env)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("failed to encode envelope: %w", err)
	}
	seqBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBytes, next)

	batch := new(leveldb.Batch)
	batch.Put(pendingKey(env.ID), b)
	batch.Put(seqKey, seqBytes)
	if err := s.db.Write(batch, nil); err != nil {
		return types.Envelope{}, mapLevelErr(err)
	}
	s.seq = next
	return env, nil
}

func (s *LevelDBStore) ListPending(ctx context.Context) ([]types.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return nil, mapLevelErr(err)
	}
	defer snap.Release()

	it := snap.NewIterator(util.BytesPrefix(pendingPrefix), nil)
	defer it.Release()

	out := make([]types.Envelope, 0)
	for it.Next() {
		var env types.Envelope
		if err := decodeGob(it.Value(), &env); err != nil {
			return nil, fmt.Errorf("failed to decode envelope %x: %w", it.Key(), err)
		}
		out = append(out, env)
	}
	if err := it.Error(); err != nil {
		return nil, mapLevelErr(err)
	}
	return out, nil
}

func (s *LevelDBStore) DeletePending(ctx context.Context, id types.ActionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapLevelErr(s.db.Delete(pendingKey(id), nil))
}

func (s *LevelDBStore) CountPending(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	it := s.db.NewIterator(util.BytesPrefix(pendingPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, mapLevelErr(it.Error())
}

// ---- offline data & preferences ----

func (s *LevelDBStore) PutOfflineData(ctx context.Context, key string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec := types.OfflineRecord{Key: key, Payload: payload, Timestamp: time.Now().UTC()}
	b, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("failed to encode offline record: %w", err)
	}
	return mapLevelErr(s.db.Put(prefixed(dataPrefix, key), b, nil))
}

func (s *LevelDBStore) GetOfflineData(ctx context.Context, key string) (types.OfflineRecord, error) {
	var rec types.OfflineRecord
	if err := s.getGob(ctx, prefixed(dataPrefix, key), &rec); err != nil {
		return types.OfflineRecord{}, err
	}
	return rec, nil
}

func (s *LevelDBStore) PutPreference(ctx context.Context, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := encodeGob(types.Preference{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("failed to encode preference: %w", err)
	}
	return mapLevelErr(s.db.Put(prefixed(prefPrefix, key), b, nil))
}

func (s *LevelDBStore) GetPreference(ctx context.Context, key string) (types.Preference, error) {
	var p types.Preference
	if err := s.getGob(ctx, prefixed(prefPrefix, key), &p); err != nil {
		return types.Preference{}, err
	}
	return p, nil
}

// ---- cache generations ----

func entryKeyPrefix(name string) []byte {
	k := make([]byte, 0, len(entryPrefix)+len(name)+1)
	k = append(k, entryPrefix...)
	k = append(k, name...)
	return append(k, 0)
}

func entryKey(name, url string) []byte {
	return append(entryKeyPrefix(name), url...)
}

func (s *LevelDBStore) OpenCache(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapLevelErr(s.db.Put(prefixed(genMarkerPrefix, name), nil, nil))
}

func (s *LevelDBStore) CacheNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	it := s.db.NewIterator(util.BytesPrefix(genMarkerPrefix), nil)
	defer it.Release()
	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), genMarkerPrefix)))
	}
	return names, mapLevelErr(it.Error())
}

func (s *LevelDBStore) CachePut(ctx context.Context, name string, resp types.CachedResponse) error {
	return s.CachePutAll(ctx, name, []types.CachedResponse{resp})
}

// CachePutAll writes every response in one leveldb batch.
func (s *LevelDBStore) CachePutAll(ctx context.Context, name string, resps []types.CachedResponse) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(prefixed(genMarkerPrefix, name), nil)
	for _, resp := range resps {
		b, err := encodeGob(resp)
		if err != nil {
			return fmt.Errorf("failed to encode cached response: %w", err)
		}
		batch.Put(entryKey(name, resp.URL), b)
	}
	return mapLevelErr(s.db.Write(batch, nil))
}

func (s *LevelDBStore) CacheMatch(ctx context.Context, name, url string) (types.CachedResponse, bool, error) {
	names := []string{name}
	if name == "" {
		all, err := s.CacheNames(ctx)
		if err != nil {
			return types.CachedResponse{}, false, err
		}
		names = all
	}
	for _, n := range names {
		var resp types.CachedResponse
		err := s.getGob(ctx, entryKey(n, url), &resp)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return types.CachedResponse{}, false, err
		}
		return resp, true, nil
	}
	return types.CachedResponse{}, false, nil
}

func (s *LevelDBStore) CacheKeys(ctx context.Context, name string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := entryKeyPrefix(name)
	it := s.db.NewIterator(util.BytesPrefix(p), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), p)))
	}
	return keys, mapLevelErr(it.Error())
}

func (s *LevelDBStore) DeleteCache(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	marker := prefixed(genMarkerPrefix, name)
	ok, err := s.db.Has(marker, nil)
	if err != nil {
		return false, mapLevelErr(err)
	}
	if !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete(marker)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, mapLevelErr(err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, mapLevelErr(err)
	}
	return true, nil
}

// ---- helpers ----

func (s *LevelDBStore) getGob(ctx context.Context, key []byte, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := s.db.Get(key, nil)
	if err != nil {
		return mapLevelErr(err)
	}
	if err := decodeGob(b, v); err != nil {
		return fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return nil
}

func prefixed(prefix []byte, key string) []byte {
	k := make([]byte, 0, len(prefix)+len(key))
	k = append(k, prefix...)
	return append(k, key...)
}

func mapLevelErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return ErrClosed
	default:
		return err
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
