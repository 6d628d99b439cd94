package sync0

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const cacheNS = "c:"

// CachedQueryEntry is one persisted read result. Expiry is absolute; an entry
// past it is deleted on the next read attempt and never handed back.
type CachedQueryEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix millis at persist
	Expiry    int64           `json:"expiry"`    // unix millis
}

// CacheKeeper snapshots live query results to the store and restores them at
// startup so reads survive reloads and offline periods.
type CacheKeeper struct {
	store      Store
	queries    QueryCache
	whitelist  []matcher
	defaultTTL time.Duration
	clock      func() time.Time
	log        *logrus.Entry
	failLog    *rateLimitedLogger
	stats      *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCacheKeeper(store Store, queries QueryCache, whitelist []matcher, defaultTTL time.Duration, log *logrus.Entry) *CacheKeeper {
	return &CacheKeeper{
		store:      store,
		queries:    queries,
		whitelist:  whitelist,
		defaultTTL: defaultTTL,
		clock:      time.Now,
		log:        log,
		failLog:    newRateLimitedLogger(log, time.Minute),
		stopCh:     make(chan struct{}),
	}
}

// ShouldPersist reports whether key belongs in the snapshot. An empty
// whitelist persists everything.
func (k *CacheKeeper) ShouldPersist(key string) bool {
	if len(k.whitelist) == 0 {
		return true
	}
	for _, m := range k.whitelist {
		if m.Match(key) {
			return true
		}
	}
	return false
}

// Persist writes one entry with expiry = now + ttl. Absent data is a no-op: a
// query that never resolved has nothing worth surviving a reload.
func (k *CacheKeeper) Persist(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	if data == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = k.defaultTTL
	}
	now := k.clock()
	ent := CachedQueryEntry{
		Data:      data,
		Timestamp: now.UnixMilli(),
		Expiry:    now.Add(ttl).UnixMilli(),
	}
	b, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	return k.store.Set(ctx, cacheNS+key, b)
}

// SnapshotAll persists every whitelisted active query. Wired to the →offline
// transition and to shutdown; safe to call proactively.
func (k *CacheKeeper) SnapshotAll(ctx context.Context) {
	for _, q := range k.queries.ActiveQueries() {
		if !k.ShouldPersist(q.Key) {
			continue
		}
		if err := k.Persist(ctx, q.Key, q.Data, k.defaultTTL); err != nil {
			// One line per minute even when every query in the snapshot fails.
			k.failLog.Warnf("read cache: snapshot of %q skipped: %v", q.Key, err)
		}
	}
}

// RestoreAll enumerates persisted entries once at startup. Live entries are
// injected back under their original key; expired ones are deleted, never
// resurrected. Running it twice with no intervening writes changes nothing.
func (k *CacheKeeper) RestoreAll(ctx context.Context) error {
	kvs, err := k.store.ListAll(ctx, cacheNS)
	if err != nil {
		return err
	}
	now := k.clock().UnixMilli()
	for _, kv := range kvs {
		key := kv.Key[len(cacheNS):]
		var ent CachedQueryEntry
		if err := json.Unmarshal(kv.Value, &ent); err != nil {
			k.log.WithError(err).WithField("key", key).Warn("read cache: corrupt entry dropped")
			_ = k.store.Delete(ctx, kv.Key)
			continue
		}
		if now > ent.Expiry {
			if err := k.store.Delete(ctx, kv.Key); err != nil {
				k.log.WithError(err).WithField("key", key).Warn("read cache: expired entry not removed")
			}
			if k.stats != nil {
				k.stats.expired.Add(1)
			}
			continue
		}
		k.queries.SetQueryData(key, ent.Data)
		if k.stats != nil {
			k.stats.restored.Add(1)
		}
	}
	return nil
}

// Invalidate removes one persisted entry.
func (k *CacheKeeper) Invalidate(ctx context.Context, key string) error {
	return k.store.Delete(ctx, cacheNS+key)
}

// Watch subscribes to connectivity edges: →offline snapshots, →online
// refetches only the queries already marked stale so fresh data is not
// re-requested.
func (k *CacheKeeper) Watch(conn ConnectivitySource) {
	ch, cancel := conn.Subscribe()
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		defer cancel()
		for {
			select {
			case <-k.stopCh:
				return
			case tr, ok := <-ch:
				if !ok {
					return
				}
				switch tr {
				case WentOffline:
					ctx, cancelSnap := context.WithTimeout(context.Background(), 30*time.Second)
					k.SnapshotAll(ctx)
					cancelSnap()
				case WentOnline:
					for _, q := range k.queries.ActiveQueries() {
						if q.Stale {
							k.queries.Refetch(q.Key)
						}
					}
				}
			}
		}
	}()
}

func (k *CacheKeeper) Stop() {
	close(k.stopCh)
	k.wg.Wait()
}
