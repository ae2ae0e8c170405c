package feeds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"iocpipe/core"
	"iocpipe/metrics"
	"iocpipe/storage"
	"iocpipe/util/goroutine"
)

const (
	defaultWorkers   = 4
	defaultBatchSize = 1000
)

// =============================================================================
// Feed Execution Engine
// =============================================================================

// Engine runs every enabled feed through its format handler and persists the
// resulting records, several feeds at a time.
type Engine struct {
	handlers  map[core.FeedFormat]Handler
	store     Store
	matchKey  core.MatchKey
	workers   int
	batchSize int
	reporter  Reporter
	logger    *zap.SugaredLogger
}

// EngineConfig holds engine initialization options
type EngineConfig struct {
	Store     Store
	MatchKey  core.MatchKey
	Workers   int
	BatchSize int // records per Persist call
	Reporter  Reporter
	Logger    *zap.SugaredLogger
}

// RunSummary is the outcome of one Run.
type RunSummary struct {
	Feeds    []FeedStatus `json:"feeds"`
	Total    int          `json:"total"`
	Failed   int          `json:"failed"`
	Started  time.Time    `json:"started"`
	Finished time.Time    `json:"finished"`
}

// NewEngine creates a feed execution engine
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	key := cfg.MatchKey
	if len(key) == 0 {
		key = core.DefaultMatchKey
	}

	reporter := cfg.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Engine{
		handlers:  make(map[core.FeedFormat]Handler),
		store:     cfg.Store,
		matchKey:  key,
		workers:   workers,
		batchSize: batchSize,
		reporter:  reporter,
		logger:    logger,
	}, nil
}

// RegisterHandler registers a feed handler for a specific format
func (e *Engine) RegisterHandler(handler Handler) {
	e.handlers[handler.Format()] = handler
}

// Handler returns the handler registered for format.
func (e *Engine) Handler(format core.FeedFormat) (Handler, bool) {
	h, ok := e.handlers[format]
	return h, ok
}

// Run executes all feeds not flagged disabled. A failing feed never stops its
// siblings. When ctx ends, feeds not yet dispatched are skipped and ctx.Err()
// is returned together with the summary of what did run.
func (e *Engine) Run(ctx context.Context, feeds []core.Feed) (*RunSummary, error) {
	started := time.Now()
	enabled := core.EnabledFeeds(feeds)

	table := NewStatusTable()
	for _, f := range enabled {
		table.Register(f.Name, string(f.Format))
	}

	e.logger.Infow("Starting feed run", "feeds", len(enabled), "skipped_disabled", len(feeds)-len(enabled), "workers", e.workers)

	jobs := make(chan core.Feed)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range jobs {
				e.runFeed(ctx, table, feed)
			}
		}()
	}

dispatch:
	for _, f := range enabled {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- f:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	snapshot := table.Snapshot()
	summary := &RunSummary{
		Feeds:    snapshot.Feeds,
		Total:    snapshot.Total,
		Started:  started,
		Finished: time.Now(),
	}
	for _, s := range snapshot.Feeds {
		if s.Error != "" {
			summary.Failed++
		}
	}

	e.logger.Infow("Feed run finished",
		"feeds", len(summary.Feeds),
		"failed", summary.Failed,
		"indicators", summary.Total,
		"duration", summary.Finished.Sub(started).String())

	return summary, ctx.Err()
}

// runFeed drives one feed through Running, Loading and Finished.
func (e *Engine) runFeed(ctx context.Context, table *StatusTable, feed core.Feed) {
	start := time.Now()
	result := "success"

	// Deferred first so it observes the result set by the panic handler.
	defer func() {
		metrics.FeedRuns.WithLabelValues(feed.Name, result).Inc()
		metrics.FeedRunDuration.WithLabelValues(string(feed.Format)).Observe(time.Since(start).Seconds())
	}()
	defer goroutine.RecoverWith("feed:"+feed.Name, e.logger, func(r any) {
		result = "panic"
		table.SetError(feed.Name, fmt.Errorf("panic: %v", r))
		table.Finish(feed.Name)
		e.report(table)
	})

	table.Start(feed.Name)
	e.report(table)

	fail := func(err error) {
		result = "error"
		table.SetError(feed.Name, err)
		table.Finish(feed.Name)
		e.report(table)
		e.logger.Warnw("Feed failed", "feed", feed.Name, "error", err)
	}

	handler, ok := e.handlers[feed.Format]
	if !ok {
		fail(fmt.Errorf("%w: %s", ErrUnsupportedFormat, feed.Format))
		return
	}

	e.logger.Infow("Processing feed", "feed", feed.Name, "format", feed.Format)
	records, err := handler.FetchRecords(ctx, &feed)
	if err != nil {
		fail(err)
		return
	}

	table.SetCount(feed.Name, len(records))
	table.Set(feed.Name, PhaseLoading)
	e.report(table)
	metrics.IOCsFetched.WithLabelValues(feed.Name, string(feed.Format)).Add(float64(len(records)))

	outcome := e.persist(ctx, records)
	switch {
	case outcome == nil:
	case outcome.Empty:
		e.logger.Warnw("Nothing to load", "feed", feed.Name)
	default:
		metrics.IOCsPersisted.WithLabelValues("inserted").Add(float64(outcome.Inserted))
		metrics.IOCsPersisted.WithLabelValues("updated").Add(float64(outcome.Updated))
		metrics.IOCsPersisted.WithLabelValues("failed").Add(float64(outcome.Failed))
		e.logger.Infow("Feed loaded",
			"feed", feed.Name,
			"inserted", outcome.Inserted,
			"updated", outcome.Updated,
			"failed", outcome.Failed)
	}
	if outcome != nil && outcome.Err != nil {
		result = "error"
		table.SetError(feed.Name, outcome.Err)
		e.logger.Errorw("Failed to persist feed", "feed", feed.Name, "error", outcome.Err)
	}

	table.Finish(feed.Name)
	e.report(table)
}

// persist writes records in chunks of batchSize. All chunks share one
// storage.Batch, so they carry the same createDate/modifyDate. A failed chunk
// does not stop the next one; only context cancellation does.
func (e *Engine) persist(ctx context.Context, records []*core.Record) *storage.PersistOutcome {
	ctx = storage.WithBatch(ctx, storage.NewBatch(time.Now()))
	if len(records) <= e.batchSize {
		return e.store.Persist(ctx, records, e.matchKey)
	}

	total := &storage.PersistOutcome{}
	var errs []error
	for start := 0; start < len(records); start += e.batchSize {
		chunk := records[start:min(start+e.batchSize, len(records))]
		if err := ctx.Err(); err != nil {
			total.Failed += len(records) - start
			errs = append(errs, err)
			break
		}

		out := e.store.Persist(ctx, chunk, e.matchKey)
		if out == nil {
			continue
		}
		total.Inserted += out.Inserted
		total.Updated += out.Updated
		total.Failed += out.Failed
		if out.Err != nil {
			errs = append(errs, out.Err)
		}
	}
	total.Err = errors.Join(errs...)
	return total
}

func (e *Engine) report(table *StatusTable) {
	table.Render(e.reporter.Report)
}
