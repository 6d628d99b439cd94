package sync0

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	genNS         = "g:"
	metaActiveGen = "meta:router-generation"
)

// RespEntry is one cached origin response inside a router generation.
type RespEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// StrategyRouter intercepts every request and serves it by route class:
// cache-first for static assets, network-first with cache fallback for api
// and default traffic, network-first with a precached shell for navigations,
// and plain pass-through for everything unclassifiable. It owns its own
// versioned cache generations, independent of the write queue and the read
// cache.
type StrategyRouter struct {
	store    Store
	client   *http.Client
	origin   string
	rules    []RouteRule
	queue    *WriteQueue
	log      *logrus.Entry
	stats    *statsCollector
	shell    string
	manifest []string
	version  string

	mu         sync.Mutex
	activeGen  string
	waitingGen string
}

func NewStrategyRouter(store Store, client *http.Client, origin string, rules []RouteRule, queue *WriteQueue, shell string, manifest []string, version string, log *logrus.Entry) *StrategyRouter {
	return &StrategyRouter{
		store:    store,
		client:   client,
		origin:   strings.TrimRight(origin, "/"),
		rules:    rules,
		queue:    queue,
		log:      log,
		shell:    shell,
		manifest: manifest,
		version:  version,
	}
}

func genKey(gen, key string) string { return genNS + gen + ":" + key }

// Install precaches the configured manifest into this build's generation.
// When an older generation is still active, the new one stays waiting until
// SkipWaiting promotes it; otherwise it activates immediately.
func (rt *StrategyRouter) Install(ctx context.Context) error {
	prev := ""
	if b, ok, err := rt.store.Get(ctx, metaActiveGen); err == nil && ok {
		prev = string(b)
	} else if err != nil {
		return err
	}

	for _, path := range rt.manifest {
		if err := rt.precacheOne(ctx, path); err != nil {
			// Best-effort: a miss here is filled on first fetch.
			rt.log.WithError(err).WithField("path", path).Warn("router: precache miss")
		}
	}

	rt.mu.Lock()
	if prev != "" && prev != rt.version {
		rt.activeGen = prev
		rt.waitingGen = rt.version
		rt.mu.Unlock()
		rt.log.WithFields(logrus.Fields{
			"active":  prev,
			"waiting": rt.version,
		}).Info("router: new generation waiting")
		return nil
	}
	rt.mu.Unlock()
	return rt.Activate(ctx, rt.version)
}

func (rt *StrategyRouter) precacheOne(ctx context.Context, path string) error {
	ent, err := rt.fetchOrigin(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return errors.New("unexpected status " + http.StatusText(ent.Status))
	}
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return rt.store.Set(ctx, genKey(rt.version, path), b)
}

// Activate promotes gen and deletes every generation not in the allow-list,
// which is only the generation being activated.
func (rt *StrategyRouter) Activate(ctx context.Context, gen string) error {
	rt.mu.Lock()
	rt.activeGen = gen
	if rt.waitingGen == gen {
		rt.waitingGen = ""
	}
	rt.mu.Unlock()

	if err := rt.store.Set(ctx, metaActiveGen, []byte(gen)); err != nil {
		return err
	}

	kvs, err := rt.store.ListAll(ctx, genNS)
	if err != nil {
		return err
	}
	keep := genKey(gen, "")
	removed := 0
	for _, kv := range kvs {
		if strings.HasPrefix(kv.Key, keep) {
			continue
		}
		if err := rt.store.Delete(ctx, kv.Key); err != nil {
			rt.log.WithError(err).WithField("key", kv.Key).Warn("router: stale generation entry not removed")
			continue
		}
		removed++
	}
	rt.log.WithFields(logrus.Fields{
		"generation": gen,
		"removed":    removed,
	}).Info("router: generation active")
	return nil
}

// SkipWaiting promotes the waiting generation immediately. Returns the
// generation that is active afterwards.
func (rt *StrategyRouter) SkipWaiting(ctx context.Context) (string, error) {
	rt.mu.Lock()
	waiting := rt.waitingGen
	active := rt.activeGen
	rt.mu.Unlock()
	if waiting == "" {
		return active, nil
	}
	if err := rt.Activate(ctx, waiting); err != nil {
		return active, err
	}
	return waiting, nil
}

func (rt *StrategyRouter) ActiveGeneration() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.activeGen
}

func (rt *StrategyRouter) WaitingGeneration() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.waitingGen
}

func (rt *StrategyRouter) pickRule(path string) *RouteRule {
	for i := range rt.rules {
		r := &rt.rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func (rt *StrategyRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rule := rt.pickRule(r.URL.Path)

	if r.Method != http.MethodGet {
		if rule != nil && rule.Strategy == strategyAPI && isMutation(r.Method) && rt.queue != nil {
			rt.submitMutation(w, r)
			return
		}
		rt.passThrough(w, r)
		return
	}

	strategy := strategyDefault
	if rule != nil {
		strategy = rule.Strategy
	} else if acceptsHTML(r) {
		strategy = strategyNavigation
	}

	key := r.URL.RequestURI()
	switch strategy {
	case strategyStatic:
		rt.cacheFirst(w, r, key)
	case strategyAPI, strategyDefault:
		rt.networkFirst(w, r, key, false)
	case strategyNavigation:
		rt.networkFirst(w, r, key, true)
	default:
		// Never corrupt unclassified traffic.
		rt.passThrough(w, r)
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// submitMutation hands a mutating api request to the write queue. A queued
// outcome is a 202 with the offline sentinel body, not an error.
func (rt *StrategyRouter) submitMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	res, err := rt.queue.Submit(r.Context(), SubmitRequest{
		URL:            r.URL.RequestURI(),
		Method:         r.Method,
		Headers:        r.Header.Clone(),
		Body:           body,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil {
		var fault *Fault
		if errors.As(err, &fault) && fault.Kind == KindApplication {
			setSync0Header(w.Header(), "origin-error")
			w.WriteHeader(fault.Status)
			_, _ = w.Write(fault.Body)
			return
		}
		setSync0Header(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if res.Queued {
		setSync0Header(w.Header(), "queued")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"_offlineSubmitted": true,
			"_formId":           res.ID,
		})
		return
	}
	for k, vs := range res.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSync0Header(w.Header(), "pass")
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
}

func (rt *StrategyRouter) cacheFirst(w http.ResponseWriter, r *http.Request, key string) {
	if ent, ok := rt.cached(r.Context(), key); ok {
		rt.serve(w, ent, "hit")
		return
	}
	ent, err := rt.fetchOrigin(r.Context(), r.Method, key, r.Header)
	if err != nil {
		setSync0Header(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if ent.Status >= 200 && ent.Status < 300 {
		rt.storeEntry(r.Context(), key, ent)
	}
	rt.serve(w, ent, "miss")
}

func (rt *StrategyRouter) networkFirst(w http.ResponseWriter, r *http.Request, key string, navigation bool) {
	ent, err := rt.fetchOrigin(r.Context(), r.Method, key, r.Header)
	if err == nil {
		if ent.Status >= 200 && ent.Status < 300 && cacheable(ent.Header) {
			rt.storeEntry(r.Context(), key, ent)
			rt.serve(w, ent, "miss")
			return
		}
		// Origin answered; its response goes out unchanged and uncached.
		rt.serve(w, ent, "pass")
		return
	}

	if ent, ok := rt.cached(r.Context(), key); ok {
		if rt.stats != nil {
			rt.stats.staleServed.Add(1)
		}
		rt.serve(w, ent, "stale")
		return
	}
	if navigation && rt.shell != "" {
		if ent, ok := rt.cached(r.Context(), rt.shell); ok {
			if rt.stats != nil {
				rt.stats.staleServed.Add(1)
			}
			rt.serve(w, ent, "shell")
			return
		}
	}
	setSync0Header(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (rt *StrategyRouter) passThrough(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	ent, err := rt.fetchOriginWithBody(r.Context(), r.Method, r.URL.RequestURI(), r.Header, body)
	if err != nil {
		setSync0Header(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	rt.serve(w, ent, "pass")
}

func (rt *StrategyRouter) cached(ctx context.Context, key string) (RespEntry, bool) {
	gen := rt.ActiveGeneration()
	if gen == "" {
		return RespEntry{}, false
	}
	b, ok, err := rt.store.Get(ctx, genKey(gen, key))
	if err != nil || !ok {
		return RespEntry{}, false
	}
	var ent RespEntry
	if err := decodeGob(b, &ent); err != nil {
		return RespEntry{}, false
	}
	return ent, true
}

func (rt *StrategyRouter) storeEntry(ctx context.Context, key string, ent RespEntry) {
	gen := rt.ActiveGeneration()
	if gen == "" {
		return
	}
	b, err := encodeGob(ent)
	if err != nil {
		return
	}
	if err := rt.store.Set(ctx, genKey(gen, key), b); err != nil {
		rt.log.WithError(err).WithField("key", key).Warn("router: entry not cached")
	}
}

func (rt *StrategyRouter) fetchOrigin(ctx context.Context, method, uri string, headers http.Header) (RespEntry, error) {
	return rt.fetchOriginWithBody(ctx, method, uri, headers, nil)
}

func (rt *StrategyRouter) fetchOriginWithBody(ctx context.Context, method, uri string, headers http.Header, body []byte) (RespEntry, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rt.origin+uri, rd)
	if err != nil {
		return RespEntry{}, err
	}
	copyHeaders(req.Header, headers)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := rt.client.Do(req)
	if err != nil {
		return RespEntry{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return RespEntry{}, err
	}

	ent := RespEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     respBody,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func cacheable(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func (rt *StrategyRouter) serve(w http.ResponseWriter, ent RespEntry, tag string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-sync0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSync0Header(w.Header(), tag)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)

	if rt.stats != nil {
		switch tag {
		case "hit":
			rt.stats.cacheHits.Add(1)
		case "miss":
			rt.stats.cacheMisses.Add(1)
		}
	}
}

func setSync0Header(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Sync0", tag)
	}
	// In a CORS context custom headers are invisible to JS unless exposed.
	ensureExposedHeader(h, "X-Sync0")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
