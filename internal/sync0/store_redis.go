package sync0

import (
	"context"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store over a shared redis instance for deployments
// where the sidecar is not the only replica. Durability knobs (AOF) are
// applied once at connect.
type redisStore struct {
	addr            string
	password        string
	db              int
	fullPersistence bool

	mu      sync.Mutex
	client  *redis.Client
	openErr error
}

func newRedisStore(addr, password string, db int, fullPersistence bool) *redisStore {
	return &redisStore{addr: addr, password: password, db: db, fullPersistence: fullPersistence}
}

func (s *redisStore) open(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil || s.openErr != nil {
		return s.client, s.openErr
	}

	client := redis.NewClient(&redis.Options{
		Addr:     s.addr,
		Password: s.password,
		DB:       s.db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		s.openErr = storageUnavailable("connect redis", err)
		return nil, s.openErr
	}

	appendonly := "no"
	appendfsync := "everysec"
	if s.fullPersistence {
		appendonly = "yes"
		appendfsync = "always"
	}
	// Best-effort: managed redis often forbids CONFIG SET.
	_ = client.ConfigSet(ctx, "appendonly", appendonly).Err()
	_ = client.ConfigSet(ctx, "appendfsync", appendfsync).Err()

	s.client = client
	return s.client, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	client, err := s.open(ctx)
	if err != nil {
		return nil, false, err
	}
	b, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageUnavailable("get "+key, err)
	}
	return b, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	client, err := s.open(ctx)
	if err != nil {
		return err
	}
	if err := client.Set(ctx, key, value, 0).Err(); err != nil {
		return storageUnavailable("set "+key, err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	client, err := s.open(ctx)
	if err != nil {
		return err
	}
	if err := client.Del(ctx, key).Err(); err != nil {
		return storageUnavailable("delete "+key, err)
	}
	return nil
}

func (s *redisStore) ListAll(ctx context.Context, namespace string) ([]KV, error) {
	client, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	var keys []string
	iter := client.Scan(ctx, 0, namespace+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, storageUnavailable("scan "+namespace, err)
	}
	// SCAN order is undefined; the Store contract is key order.
	sort.Strings(keys)

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		b, err := client.Get(ctx, k).Bytes()
		if err == redis.Nil {
			continue // deleted between scan and get
		}
		if err != nil {
			return nil, storageUnavailable("get "+k, err)
		}
		out = append(out, KV{Key: k, Value: b})
	}
	return out, nil
}

func (s *redisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		s.openErr = nil
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.openErr = nil
	return err
}
