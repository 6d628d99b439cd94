package sync0

import (
	"context"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// KV is one stored record. ListAll returns them in lexicographic key order;
// components that need ordering (the write queue) encode it into the key.
type KV struct {
	Key   string
	Value []byte
}

// Store is the durable key-value contract every higher component builds on.
// Implementations open lazily on first use and survive process restarts.
// When the backing engine cannot be used, operations fail with a
// storage-unavailable fault that callers treat as "degraded, not fatal".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListAll(ctx context.Context, namespace string) ([]KV, error)
	Close() error
}

// ---- leveldb backend ----

type levelStore struct {
	path     string
	maxBytes int64

	mu        sync.Mutex
	db        *leveldb.DB
	openErr   error
	opened    bool
	totalSize int64
}

func newLevelStore(path string, maxBytes int64) *levelStore {
	return &levelStore{path: path, maxBytes: maxBytes}
}

// open is idempotent; the first failure is sticky until Close resets it so a
// broken data dir does not get hammered on every call.
func (s *levelStore) open() (*leveldb.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return s.db, s.openErr
	}
	s.opened = true
	db, err := leveldb.OpenFile(s.path, nil)
	if err != nil {
		s.openErr = storageUnavailable("open leveldb", err)
		return nil, s.openErr
	}
	s.db = db

	var total int64
	it := db.NewIterator(nil, nil)
	for it.Next() {
		total += int64(len(it.Key()) + len(it.Value()))
	}
	it.Release()
	if err := it.Error(); err != nil {
		_ = db.Close()
		s.db = nil
		s.openErr = storageUnavailable("scan leveldb", err)
		return nil, s.openErr
	}
	s.totalSize = total
	return s.db, nil
}

func (s *levelStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	db, err := s.open()
	if err != nil {
		return nil, false, err
	}
	b, err := db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageUnavailable("get "+key, err)
	}
	return b, true, nil
}

func (s *levelStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open()
	if err != nil {
		return err
	}

	delta := int64(len(key) + len(value))
	s.mu.Lock()
	if s.maxBytes > 0 && s.totalSize+delta > s.maxBytes {
		s.mu.Unlock()
		return storageUnavailable("disk budget exceeded", nil)
	}
	s.mu.Unlock()

	old, _ := db.Get([]byte(key), nil)
	if err := db.Put([]byte(key), value, nil); err != nil {
		return storageUnavailable("put "+key, err)
	}
	s.mu.Lock()
	if old != nil {
		s.totalSize -= int64(len(key) + len(old))
	}
	s.totalSize += delta
	s.mu.Unlock()
	return nil
}

func (s *levelStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	old, gerr := db.Get([]byte(key), nil)
	if err := db.Delete([]byte(key), nil); err != nil {
		return storageUnavailable("delete "+key, err)
	}
	if gerr == nil {
		s.mu.Lock()
		s.totalSize -= int64(len(key) + len(old))
		s.mu.Unlock()
	}
	return nil
}

func (s *levelStore) ListAll(ctx context.Context, namespace string) ([]KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	it := db.NewIterator(util.BytesPrefix([]byte(namespace)), nil)
	defer it.Release()

	var out []KV
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		v := make([]byte, len(it.Value()))
		copy(v, it.Value())
		out = append(out, KV{Key: string(k), Value: v})
	}
	if err := it.Error(); err != nil {
		return nil, storageUnavailable("iterate "+namespace, err)
	}
	return out, nil
}

func (s *levelStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		s.opened = false
		s.openErr = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.opened = false
	s.openErr = nil
	return err
}
