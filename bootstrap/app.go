package bootstrap

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"iocpipe/config"
	"iocpipe/core"
	"iocpipe/query"
	"iocpipe/storage"
	"iocpipe/threat/feeds"
	"iocpipe/util/runlock"
)

// App owns the components built from one configuration. Components are
// created on first use, so a query run never connects to the store and an
// ingest run never talks to MISP.
type App struct {
	Config *config.Config
	Sugar  *zap.SugaredLogger

	mu    sync.Mutex
	store storage.IOCStore
	redis *core.RedisCache
}

// NewApp creates an application around an already validated config.
func NewApp(cfg *config.Config, sugar *zap.SugaredLogger) *App {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	return &App{Config: cfg, Sugar: sugar}
}

// Store returns the indicator store, connecting on first call.
func (a *App) Store(ctx context.Context) (storage.IOCStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		return a.store, nil
	}
	store, err := InitStore(ctx, a.Config, a.Sugar)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

// Redis returns the shared Redis client used by the run lock and the event
// cache tier.
func (a *App) Redis() *core.RedisCache {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redis == nil {
		r := a.Config.Redis
		a.redis = core.NewRedisCache(r.Addr, r.Password, r.DB, r.PoolSize, a.Sugar)
	}
	return a.redis
}

// Handlers builds one handler per feed format over a shared transport.
func (a *App) Handlers() ([]feeds.Handler, error) {
	cfg := a.Config

	workDir, err := EnsureWorkDir(cfg.General.WorkDir, a.Sugar)
	if err != nil {
		return nil, err
	}

	fetcher, err := feeds.NewHTTPFetcher(feeds.HTTPFetcherConfig{
		Timeout:            cfg.HTTP.Timeout,
		Retries:            cfg.HTTP.Retries,
		RateLimit:          cfg.HTTP.RateLimit,
		UserAgent:          cfg.HTTP.UserAgent,
		CertFile:           cfg.Vendor.CertFile,
		KeyFile:            cfg.Vendor.KeyFile,
		CAFile:             cfg.Vendor.CAFile,
		InsecureSkipVerify: cfg.Vendor.InsecureSkipVerify,
	}, a.Sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed transport: %w", err)
	}

	normalizer := feeds.NewNormalizer(cfg.Location())
	extractor := feeds.NewZipExtractor(workDir)
	extractor.KeepFiles = cfg.Vendor.KeepFiles
	vendor, err := feeds.NewVendorHandler(fetcher, extractor, normalizer, a.Sugar)
	if err != nil {
		return nil, err
	}

	return []feeds.Handler{
		vendor,
		feeds.NewEventHandler(fetcher, normalizer, a.Sugar),
		feeds.NewCSVHandler(fetcher, normalizer, a.Sugar),
	}, nil
}

// FeedEngine builds the feed execution engine with every handler registered.
func (a *App) FeedEngine(ctx context.Context, reporter feeds.Reporter) (*feeds.Engine, error) {
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	handlers, err := a.Handlers()
	if err != nil {
		return nil, err
	}

	engine, err := feeds.NewEngine(feeds.EngineConfig{
		Store:     store,
		MatchKey:  a.Config.MatchKey(),
		Workers:   a.Config.General.Workers,
		BatchSize: a.Config.General.BatchSize,
		Reporter:  reporter,
		Logger:    a.Sugar,
	})
	if err != nil {
		return nil, err
	}
	for _, h := range handlers {
		engine.RegisterHandler(h)
	}
	return engine, nil
}

// QueryEngine builds a query engine against the configured MISP instance,
// with opts overriding the configured query options.
func (a *App) QueryEngine(opts query.Options) (*query.Engine, error) {
	m := a.Config.MISP
	client, err := query.NewMISPClient(query.ClientConfig{
		URL:                m.URL,
		Token:              m.Token,
		InsecureSkipVerify: m.InsecureSkipVerify,
		RateLimit:          m.RateLimit,
		PageSize:           m.PageSize,
		Timeout:            m.Timeout,
		UserAgent:          a.Config.HTTP.UserAgent,
	}, a.Sugar)
	if err != nil {
		return nil, err
	}

	cfg := query.EngineConfig{Source: client, Options: opts, Logger: a.Sugar}
	if opts.EventCache.Redis {
		cfg.Remote = a.Redis()
	}
	return query.NewEngine(cfg)
}

// RunLock returns the lock that keeps ingest runs from overlapping.
func (a *App) RunLock() runlock.Lock {
	l := a.Config.Lock
	if l.Backend == config.LockRedis {
		return runlock.NewRedisLock(a.Redis().Client(), l.Key, l.TTL)
	}
	return runlock.NewFileLock(l.Path, l.StaleAfter, a.Sugar)
}

// Shutdown closes every component that was created.
func (a *App) Shutdown(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if a.store != nil {
		if err := a.store.Close(ctx); err != nil {
			a.Sugar.Warnw("Failed to close store", "error", err)
		}
		a.store = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Sugar.Warnw("Failed to close redis", "error", err)
		}
		a.redis = nil
	}
	_ = a.Sugar.Sync()
}
