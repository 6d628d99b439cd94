package sync0

import "sync/atomic"

// statsCollector tracks engine counters for the periodic stats log line and
// the status endpoint. All fields are monotonically increasing.
type statsCollector struct {
	queued   atomic.Int64 // requests persisted for later replay
	replayed atomic.Int64 // queued requests delivered by sync passes

	cacheHits   atomic.Int64 // router responses served from a generation
	cacheMisses atomic.Int64 // router responses fetched and stored
	staleServed atomic.Int64 // cache fallbacks after a network failure

	restored atomic.Int64 // query snapshots injected at startup
	expired  atomic.Int64 // snapshots dropped on expiry detection
}

type statsSnapshot struct {
	Queued      int64 `json:"queued"`
	Replayed    int64 `json:"replayed"`
	CacheHits   int64 `json:"cacheHits"`
	CacheMisses int64 `json:"cacheMisses"`
	StaleServed int64 `json:"staleServed"`
	Restored    int64 `json:"restored"`
	Expired     int64 `json:"expired"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	return statsSnapshot{
		Queued:      s.queued.Load(),
		Replayed:    s.replayed.Load(),
		CacheHits:   s.cacheHits.Load(),
		CacheMisses: s.cacheMisses.Load(),
		StaleServed: s.staleServed.Load(),
		Restored:    s.restored.Load(),
		Expired:     s.expired.Load(),
	}
}
