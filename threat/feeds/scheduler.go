package feeds

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// =============================================================================
// Run Scheduler
// =============================================================================

// RunFunc performs one complete ingest run.
type RunFunc func(ctx context.Context) error

// Scheduler repeats a RunFunc on a cron schedule. A tick that fires while the
// previous run is still going is skipped.
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	run        RunFunc
	timeout    time.Duration
	runOnStart bool
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	runMu   sync.Mutex
	running bool
	entry   cron.EntryID
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	// Spec is a cron expression with an optional leading seconds field,
	// or a descriptor such as "@hourly" or "@every 30m".
	Spec       string
	Run        RunFunc
	Timeout    time.Duration
	Timezone   string
	RunOnStart bool
	Logger     *zap.SugaredLogger
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NewScheduler validates the schedule and creates a stopped scheduler
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Run == nil {
		return nil, fmt.Errorf("%w: scheduler needs a run function", ErrInvalidConfig)
	}
	if _, err := cronParser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("%w: schedule %q: %v", ErrInvalidConfig, cfg.Spec, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	tz := time.UTC
	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			logger.Warnw("Invalid timezone, using UTC", "timezone", cfg.Timezone, "error", err)
		} else {
			tz = loc
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	cronLogger := cronLog{logger: logger}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(tz),
			cron.WithParser(cronParser),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		spec:       cfg.Spec,
		run:        cfg.Run,
		timeout:    timeout,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start registers the job and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	id, err := s.cron.AddFunc(s.spec, s.trigger)
	if err != nil {
		return fmt.Errorf("failed to schedule run: %w", err)
	}
	s.entry = id

	s.cron.Start()
	s.running = true

	s.logger.Infow("Ingest scheduler started", "schedule", s.spec, "next", s.cron.Entry(id).Next)

	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.trigger()
		}()
	}
	return nil
}

// Stop cancels any in-flight run and waits for it to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.running = false
	s.logger.Info("Ingest scheduler stopped")
}

// IsRunning returns true if scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next returns the time of the next scheduled run, zero when stopped.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// trigger runs once under the configured timeout
func (s *Scheduler) trigger() {
	if !s.runMu.TryLock() {
		s.logger.Warn("Previous run still in progress, skipping tick")
		return
	}
	defer s.runMu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	if err := s.run(ctx); err != nil {
		s.logger.Errorw("Scheduled run failed", "error", err, "duration", time.Since(started).String())
		return
	}
	s.logger.Infow("Scheduled run completed", "duration", time.Since(started).String())
}

// cronLog routes cron's own logging through zap.
type cronLog struct {
	logger *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
