package internal

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config is everything the engine needs to assemble itself. Zero values
// disable optional tiers.
type Config struct {
	PostgresDSN     string
	DatabaseEnabled bool

	ExternalFallback bool
	BypassCaches     bool

	CacheMaxBytes int64

	PrimaryBase     string
	SecondaryBase   string
	EditorialBase   string
	ProviderAPIKey  string
	EditorialAPIKey string
	ProviderRPS     float64
	ProviderTimeout time.Duration

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool

	S3MaxAttempts       int
	S3InitialBackoff    time.Duration
	S3BackoffMultiplier float64
	WritePolicy         WritePolicy

	LocalCacheDir string

	SearchViewRefreshInterval time.Duration

	CircuitWindow    time.Duration
	CircuitThreshold int
	CircuitCoolDown  time.Duration

	EmbeddingDims int
}

// App is the assembled engine: every tier wired per the config, plus the
// bus and scheduler that tie them together.
type App struct {
	Registry *prometheus.Registry
	Bus      *Bus
	Fetcher  *Fetcher
	Search   *SearchEngine
	Breaker  *Breaker
	Objects  *ObjectCache
	Embedder Embedder

	store     store
	pg        *PGStore
	resolver  *Resolver
	ingestor  *ListIngestor
	scheduler *Scheduler
}

// NewApp wires the engine. Tiers with no configuration are left out; the
// fetcher degrades around them.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	reg := NewMetrics()

	breaker := NewBreaker(cfg.CircuitWindow, cfg.CircuitThreshold, cfg.CircuitCoolDown, reg)

	if cfg.CacheMaxBytes <= 0 {
		cfg.CacheMaxBytes = 256 << 20
	}
	l1, err := newL1Cache(cfg.CacheMaxBytes, newCacheMetrics(reg))
	if err != nil {
		return nil, fmt.Errorf("building l1 cache: %w", err)
	}

	app := &App{
		Registry: reg,
		Bus:      NewBus(),
		Breaker:  breaker,
		Embedder: NewPlaceholderEmbedder(cfg.EmbeddingDims),
	}

	if cfg.DatabaseEnabled {
		pg, err := NewPGStore(ctx, cfg.PostgresDSN, cfg.SearchViewRefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		app.pg = pg
		app.store = pg
		app.resolver = NewResolver(pg)
	}

	var blobs blobStore
	switch {
	case cfg.S3Endpoint != "":
		blobs, err = NewMinioStore(ctx, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			return nil, fmt.Errorf("connecting to object store: %w", err)
		}
	case cfg.LocalCacheDir != "":
		blobs, err = NewFSStore(cfg.LocalCacheDir)
		if err != nil {
			return nil, fmt.Errorf("opening local cache dir: %w", err)
		}
	}
	if blobs != nil {
		app.Objects = NewObjectCache(blobs, cfg.WritePolicy, cfg.S3MaxAttempts, cfg.S3InitialBackoff, cfg.S3BackoffMultiplier)
	}

	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = 1
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 15 * time.Second
	}

	var volumes volumeAPI
	if cfg.PrimaryBase != "" {
		host, err := hostOf(cfg.PrimaryBase)
		if err != nil {
			return nil, fmt.Errorf("parsing primary base: %w", err)
		}
		upstream := NewUpstream(host, rate.Limit(cfg.ProviderRPS), cfg.ProviderTimeout)
		volumes = NewVolumesClient(upstream, cfg.PrimaryBase, cfg.ProviderAPIKey)
	}

	var bib bibliographicAPI
	if cfg.SecondaryBase != "" {
		host, err := hostOf(cfg.SecondaryBase)
		if err != nil {
			return nil, fmt.Errorf("parsing secondary base: %w", err)
		}
		upstream := NewUpstream(host, rate.Limit(cfg.ProviderRPS), cfg.ProviderTimeout)
		bib = NewOpenBibClient(upstream, cfg.SecondaryBase)
	}

	app.Fetcher = NewFetcher(FetcherOpts{
		Cache:            l1,
		Store:            app.store,
		Objects:          app.Objects,
		Volumes:          volumes,
		Bib:              bib,
		Breaker:          breaker,
		Resolver:         app.resolver,
		Bus:              app.Bus,
		Metrics:          newFetchMetrics(reg),
		Embedder:         app.Embedder,
		ExternalFallback: cfg.ExternalFallback,
		BypassCaches:     cfg.BypassCaches,
	})

	app.Search = NewSearchEngine(ctx, app.Fetcher, volumes, bib, breaker, app.Bus, newSearchMetrics(reg))

	if cfg.EditorialBase != "" && app.store != nil {
		host, err := hostOf(cfg.EditorialBase)
		if err != nil {
			return nil, fmt.Errorf("parsing editorial base: %w", err)
		}
		upstream := NewUpstream(host, rate.Limit(cfg.ProviderRPS), cfg.ProviderTimeout)
		editorial := NewBestsellerClient(upstream, cfg.EditorialBase, cfg.EditorialAPIKey)
		app.ingestor = NewListIngestor(editorial, app.store, app.resolver, breaker)
	}

	app.scheduler, err = NewScheduler(ctx, app.store, app.ingestor)
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	return app, nil
}

// StartScheduler begins the recurring maintenance jobs.
func (a *App) StartScheduler() {
	a.scheduler.Start()
}

// Close releases held resources.
func (a *App) Close() {
	a.scheduler.Stop()
	if a.pg != nil {
		a.pg.Close()
	}
}

// Consolidator returns the migration engine, or nil when no object tier is
// configured.
func (a *App) Consolidator() *Consolidator {
	if !a.Objects.Enabled() {
		return nil
	}
	return NewConsolidator(a.Objects, a.store, a.resolver)
}

// Janitor returns the blob cleanup engine, or nil when no object tier is
// configured.
func (a *App) Janitor() *BlobJanitor {
	if !a.Objects.Enabled() {
		return nil
	}
	return NewBlobJanitor(a.Objects)
}

// IngestLists runs one bestseller snapshot immediately.
func (a *App) IngestLists(ctx context.Context) (*IngestSummary, error) {
	if a.ingestor == nil {
		return nil, errDisabled
	}
	return a.ingestor.Ingest(ctx)
}

// RefreshSearchView refreshes the relational search view, bypassing the
// debounce when forced.
func (a *App) RefreshSearchView(ctx context.Context, force bool) error {
	if a.store == nil {
		return errDisabled
	}
	return a.store.RefreshSearchView(ctx, force)
}

func hostOf(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("no host in %q", base)
	}
	return u.Host, nil
}
