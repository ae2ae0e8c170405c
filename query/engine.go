package query

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"iocpipe/core"
	"iocpipe/metrics"
)

// Source is the remote side of a query run.
type Source interface {
	Search(ctx context.Context, f Filters) ([]map[string]any, error)
	GetEvent(ctx context.Context, id string) (map[string]any, error)
}

// EngineConfig holds engine initialization options
type EngineConfig struct {
	Source  Source
	Options Options

	// Remote is the optional shared event cache tier.
	Remote *core.RedisCache
	Logger *zap.SugaredLogger
}

// Engine runs one search and turns the attributes into merged, derived rows.
type Engine struct {
	source    Source
	opts      Options
	projector *Projector
	deriver   *Deriver
	remote    *core.RedisCache
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewEngine validates the options and compiles every pattern up front.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidOptions)
	}
	opts := cfg.Options.normalized()

	projector, err := NewProjector(opts)
	if err != nil {
		return nil, err
	}
	deriver, err := NewDeriver(opts)
	if err != nil {
		return nil, err
	}
	// Surface a bad index or conflicting merge rules before any request.
	if _, err := NewAggregator(opts); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	remote := cfg.Remote
	if !opts.EventCache.Redis {
		remote = nil
	}

	return &Engine{
		source:    cfg.Source,
		opts:      opts,
		projector: projector,
		deriver:   deriver,
		remote:    remote,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Run searches, attaches parent events, projects, merges and derives. Rows
// are only returned when every attribute was processed.
func (e *Engine) Run(ctx context.Context, f Filters) ([]*Row, error) {
	if f.Controller == "" {
		f.Controller = e.opts.Controller
	}
	f = f.WithDefaults(e.now())

	e.logger.Infow("Searching",
		"controller", f.Controller,
		"type", f.Type,
		"org", f.Org,
		"from", f.DateFrom,
		"to", f.DateTo,
		"last", f.Last)

	attrs, err := e.source.Search(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	events, err := NewEventCache(e.opts.EventCache.Size, e.remote, e.opts.EventCache.TTL, e.source.GetEvent, e.logger)
	if err != nil {
		return nil, err
	}
	agg, err := NewAggregator(e.opts)
	if err != nil {
		return nil, err
	}

	for _, attr := range attrs {
		if f.Controller == ControllerAttributes {
			if err := e.attachEvent(ctx, events, attr); err != nil {
				return nil, err
			}
		}
		row, err := e.projector.Project(attr)
		if err != nil {
			return nil, err
		}
		if err := agg.Add(row); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", attributeID(attr), err)
		}
	}

	rows := agg.Rows()
	for _, row := range rows {
		if err := e.deriver.Derive(row); err != nil {
			return nil, err
		}
	}
	metrics.QueryRows.Add(float64(len(rows)))

	e.logger.Infow("Query finished", "attributes", len(attrs), "rows", len(rows), "events", events.Len())
	return rows, nil
}

func (e *Engine) attachEvent(ctx context.Context, events *EventCache, attr map[string]any) error {
	id := Stringify(attr["event_id"])
	if id == "" {
		return nil
	}
	ev, err := events.Get(ctx, id)
	if err != nil {
		return err
	}
	attr["Event"] = ev
	return nil
}
