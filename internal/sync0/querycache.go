package sync0

import (
	"encoding/json"
	"sort"
	"sync"
)

// ActiveQuery is one live query the data-fetching layer currently tracks.
type ActiveQuery struct {
	Key   string
	Data  json.RawMessage
	Stale bool
}

// QueryCache is the live query cache collaborator: the in-memory cache the
// data-fetching layer reads from. The persistence keeper snapshots it on
// →offline and injects restored entries back into it at startup.
type QueryCache interface {
	SetQueryData(key string, data json.RawMessage)
	GetQueryData(key string) (json.RawMessage, bool)
	ActiveQueries() []ActiveQuery
	MarkStale(key string)
	// Refetch schedules a background refresh for key. Fresh queries are never
	// refetched through this path.
	Refetch(key string)
}

type memQuery struct {
	data  json.RawMessage
	stale bool
}

// memQueryCache is the in-process QueryCache implementation.
type memQueryCache struct {
	mu      sync.Mutex
	queries map[string]*memQuery

	// onRefetch receives scheduled refreshes; the service points it at the
	// router's origin fetch, tests at a recorder.
	onRefetch func(key string)
}

func newMemQueryCache(onRefetch func(key string)) *memQueryCache {
	return &memQueryCache{
		queries:   map[string]*memQuery{},
		onRefetch: onRefetch,
	}
}

func (c *memQueryCache) SetQueryData(key string, data json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[key] = &memQuery{data: data}
}

func (c *memQueryCache) GetQueryData(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queries[key]
	if !ok {
		return nil, false
	}
	return q.data, true
}

func (c *memQueryCache) ActiveQueries() []ActiveQuery {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.queries))
	for k := range c.queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]ActiveQuery, 0, len(keys))
	for _, k := range keys {
		q := c.queries[k]
		out = append(out, ActiveQuery{Key: k, Data: q.data, Stale: q.stale})
	}
	return out
}

func (c *memQueryCache) MarkStale(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queries[key]; ok {
		q.stale = true
	}
}

func (c *memQueryCache) Refetch(key string) {
	c.mu.Lock()
	if q, ok := c.queries[key]; ok {
		q.stale = false
	}
	fn := c.onRefetch
	c.mu.Unlock()
	if fn != nil {
		fn(key)
	}
}
