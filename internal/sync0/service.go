package sync0

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Service wires the store, connectivity watch, write queue, cache keeper and
// strategy router together and exposes the HTTP surface.
type Service struct {
	cfg Config
	log *logrus.Logger

	httpClient *http.Client

	store   Store
	conn    *Netwatch
	queue   *WriteQueue
	queries *memQueryCache
	keeper  *CacheKeeper
	router  *StrategyRouter
	sched   *syncScheduler
	stats   *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log *logrus.Logger) (*Service, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var store Store
	switch cfg.Storage.Backend {
	case "redis":
		store = newRedisStore(
			cfg.Storage.Redis.Addr,
			cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB,
			cfg.Storage.Redis.FullPersistence,
		)
	default:
		store = newLevelStore(cfg.Storage.Path, cfg.Storage.diskMax)
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		stats:      &statsCollector{},
		stopCh:     make(chan struct{}),
	}

	// Without a probe there is nothing to derive the state from, so assume
	// online; with one, stay offline until the first probe succeeds.
	startOnline := cfg.Connectivity.Probe.URL == ""
	s.conn = NewNetwatch(startOnline, log.WithField("component", "netwatch"))

	s.queue = NewWriteQueue(store, s.httpClient, s.conn, cfg.Server.Origin, log.WithField("component", "queue"))
	s.queue.stats = s.stats

	s.queries = newMemQueryCache(s.refetchQuery)
	s.keeper = NewCacheKeeper(store, s.queries, cfg.ReadCache.whitelist, cfg.ReadCache.ttlDur, log.WithField("component", "readcache"))
	s.keeper.stats = s.stats

	s.router = NewStrategyRouter(
		store,
		s.httpClient,
		cfg.Server.Origin,
		cfg.Routes,
		s.queue,
		cfg.Precache.Shell,
		cfg.Precache.Manifest,
		cfg.Precache.Version,
		log.WithField("component", "router"),
	)
	s.router.stats = s.stats

	s.sched = newSyncScheduler(s.queue, s.conn, cfg.Queue.flushDur, log.WithField("component", "scheduler"))
	s.queue.SetNotify(func() { s.sched.Register(cfg.Queue.SyncTag) })

	return s, nil
}

// Start installs the router generation, restores persisted query snapshots
// and starts the background loops. Store failures degrade: the service still
// serves, just without persistence.
func (s *Service) Start(ctx context.Context) error {
	if err := s.router.Install(ctx); err != nil {
		s.log.WithError(err).Warn("router install degraded, serving without runtime cache")
	}
	if err := s.keeper.RestoreAll(ctx); err != nil {
		s.log.WithError(err).Warn("restore degraded, starting with an empty query cache")
	}

	s.keeper.Watch(s.conn)
	s.sched.Start()

	probe := s.cfg.Connectivity.Probe
	if probe.URL != "" {
		url := probe.URL
		if len(url) > 0 && url[0] == '/' {
			url = s.cfg.Server.Origin + url
		}
		s.conn.StartProbe(s.httpClient, url, probe.everyDur)
	}

	if s.cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.Logging.logStatsEveryDur)
		}()
	}
	return nil
}

// Close flushes a best-effort snapshot and tears the background loops down.
func (s *Service) Close() {
	close(s.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	s.keeper.SnapshotAll(ctx)
	cancel()

	s.sched.Stop()
	s.keeper.Stop()
	s.conn.Stop()
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("store close")
	}
}

// Queries exposes the live query cache to embedding code.
func (s *Service) Queries() QueryCache { return s.queries }

// Connectivity exposes the connectivity watch, mostly for embedding code and
// administrative flips.
func (s *Service) Connectivity() *Netwatch { return s.conn }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/_sync0/control", controlHandler(s.router, s.log.WithField("component", "control")))
	mux.HandleFunc("GET /_sync0/queue", s.handleQueueList)
	mux.HandleFunc("POST /_sync0/sync", s.handleSync)
	mux.HandleFunc("POST /_sync0/queue/purge", s.handlePurge)
	mux.HandleFunc("GET /_sync0/status", s.handleStatus)
	mux.Handle("/", s.router)
	return mux
}

func (s *Service) handleQueueList(w http.ResponseWriter, r *http.Request) {
	pending, err := s.queue.ListPending(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"pending": pending, "count": len(pending)})
}

func (s *Service) handleSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.queue.Sync(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, report)
}

func (s *Service) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.Purge(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]int{"purged": n})
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, _ := s.queue.ListPending(r.Context())
	writeJSON(w, map[string]any{
		"online":            s.conn.Online(),
		"activeGeneration":  s.router.ActiveGeneration(),
		"waitingGeneration": s.router.WaitingGeneration(),
		"queueDepth":        len(pending),
		"counters":          s.stats.Snapshot(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// refetchQuery refreshes one query from the origin in the background. Only
// stale queries arrive here; the keeper never schedules fresh ones.
func (s *Service) refetchQuery(key string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+key, nil)
		if err != nil {
			return
		}
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.queries.MarkStale(key)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return
		}
		var data json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
			return
		}
		s.queries.SetQueryData(key, data)
	}()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			pending, _ := s.queue.ListPending(ctx)
			cancel()
			ss := s.stats.Snapshot()
			s.log.WithFields(logrus.Fields{
				"online":     s.conn.Online(),
				"queueDepth": len(pending),
				"replayed":   ss.Replayed,
				"hits":       ss.CacheHits,
				"misses":     ss.CacheMisses,
				"stale":      ss.StaleServed,
			}).Info("engine stats")
		}
	}
}
