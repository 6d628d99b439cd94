package sync0

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"PORT"`
		Origin string `yaml:"origin" env:"ORIGIN"`
	} `yaml:"server"`

	Storage struct {
		Backend string `yaml:"backend" env:"STORAGE_BACKEND"`
		Path    string `yaml:"path" env:"STORAGE_PATH"`
		Disk    struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
		Redis struct {
			Addr            string `yaml:"addr" env:"REDIS_ADDR"`
			Password        string `yaml:"password" env:"REDIS_PASSWORD"`
			DB              int    `yaml:"db"`
			FullPersistence bool   `yaml:"fullPersistence"`
		} `yaml:"redis"`

		diskMax int64
	} `yaml:"storage"`

	Connectivity struct {
		Probe struct {
			URL   string `yaml:"url" env:"PROBE_URL"`
			Every string `yaml:"every"`

			everyDur time.Duration
		} `yaml:"probe"`
	} `yaml:"connectivity"`

	Queue struct {
		SyncTag    string `yaml:"syncTag"`
		FlushEvery string `yaml:"flushEvery"`

		flushDur time.Duration
	} `yaml:"queue"`

	ReadCache struct {
		DefaultTTL string   `yaml:"defaultTTL"`
		Whitelist  []string `yaml:"whitelist"`

		ttlDur    time.Duration
		whitelist []matcher
	} `yaml:"readcache"`

	Routes []RouteRule `yaml:"routes"`

	Precache struct {
		Version  string   `yaml:"version" env:"PRECACHE_VERSION"`
		Shell    string   `yaml:"shell"`
		Manifest []string `yaml:"manifest"`
	} `yaml:"precache"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// RouteRule classifies request paths into a caching strategy. Rules are
// evaluated in config order; the first match wins.
type RouteRule struct {
	Match    string `yaml:"match"`
	Strategy string `yaml:"strategy"`

	// compiled
	matchers []matcher
}

func (r *RouteRule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

type matcher struct {
	prefix string
	exact  string
}

func (m matcher) Match(path string) bool {
	if m.exact != "" {
		return path == m.exact
	}
	return strings.HasPrefix(path, m.prefix)
}

const (
	strategyStatic     = "static-asset"
	strategyAPI        = "api"
	strategyNavigation = "navigation"
	strategyDefault    = "default"
)

func validStrategy(s string) bool {
	switch s {
	case strategyStatic, strategyAPI, strategyNavigation, strategyDefault:
		return true
	}
	return false
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SYNC0_"}); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = "leveldb"
	case "leveldb", "redis":
	default:
		return Config{}, fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/sync0"
	}
	if cfg.Storage.Disk.Max != "" {
		max, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return Config{}, fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.Storage.diskMax = max
	}

	if cfg.Connectivity.Probe.Every == "" {
		cfg.Connectivity.Probe.Every = "15s"
	}
	d, err := time.ParseDuration(cfg.Connectivity.Probe.Every)
	if err != nil {
		return Config{}, fmt.Errorf("connectivity.probe.every: %w", err)
	}
	cfg.Connectivity.Probe.everyDur = d

	if cfg.Queue.SyncTag == "" {
		cfg.Queue.SyncTag = "sync-forms"
	}
	if cfg.Queue.FlushEvery != "" {
		d, err := time.ParseDuration(cfg.Queue.FlushEvery)
		if err != nil {
			return Config{}, fmt.Errorf("queue.flushEvery: %w", err)
		}
		cfg.Queue.flushDur = d
	}

	if cfg.ReadCache.DefaultTTL == "" {
		cfg.ReadCache.DefaultTTL = "24h"
	}
	d, err = time.ParseDuration(cfg.ReadCache.DefaultTTL)
	if err != nil {
		return Config{}, fmt.Errorf("readcache.defaultTTL: %w", err)
	}
	cfg.ReadCache.ttlDur = d
	for i, expr := range cfg.ReadCache.Whitelist {
		ms, err := parseMatch(expr)
		if err != nil {
			return Config{}, fmt.Errorf("readcache.whitelist[%d]: %w", i, err)
		}
		cfg.ReadCache.whitelist = append(cfg.ReadCache.whitelist, ms...)
	}

	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return Config{}, fmt.Errorf("routes[%d].match: %w", i, err)
		}
		r.matchers = ms
		if !validStrategy(r.Strategy) {
			return Config{}, fmt.Errorf("routes[%d].strategy: unknown strategy %q", i, r.Strategy)
		}
	}

	if cfg.Precache.Version == "" {
		cfg.Precache.Version = "v1"
	}
	if strings.ContainsAny(cfg.Precache.Version, ": ") {
		return Config{}, fmt.Errorf("precache.version: must not contain ':' or spaces")
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return Config{}, fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}

	return cfg, nil
}

// parseMatch compiles a match expression of the form
// "PathPrefix(/api/) | Exact(/)" into matchers.
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]matcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "PathPrefix(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, matcher{prefix: inside})
		case strings.HasPrefix(p, "Exact(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "Exact("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid exact path %q", inside)
			}
			out = append(out, matcher{exact: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Exact(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
