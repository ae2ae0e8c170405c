package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"iocpipe/bootstrap"
	"iocpipe/config"
	"iocpipe/core"
	"iocpipe/metrics"
	"iocpipe/threat/feeds"
	"iocpipe/util/runlock"
)

func newIngestCmd() *cobra.Command {
	var (
		feedNames []string
		workers   int
		timeout   time.Duration
		schedule  string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run every enabled feed and upsert the indicators",
		Long: `Fetch every enabled feed concurrently, normalize the indicators and upsert
them into the configured store.

With --schedule (or schedule.cron in the config) the command stays in the
foreground and repeats the run on a cron schedule until interrupted.`,
		Example: `  iocpipe ingest
  iocpipe ingest --feed urlhaus --feed feodo --workers 2
  iocpipe ingest --schedule "@every 1h"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(nil)
			if err != nil {
				return err
			}
			defer shutdown(app)

			cfg := app.Config
			if cmd.Flags().Changed("workers") {
				cfg.General.Workers = workers
			}
			if cmd.Flags().Changed("timeout") {
				cfg.General.Timeout = timeout
			}
			if cmd.Flags().Changed("schedule") {
				cfg.Schedule.Cron = schedule
			}
			if err := config.ValidateRunLimits(cfg); err != nil {
				return err
			}

			selected, err := selectFeeds(cfg.Feeds, feedNames)
			if err != nil {
				return err
			}

			r := &ingestRunner{app: app, feeds: selected, cmd: cmd}
			if cfg.Schedule.Cron == "" {
				ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer cancel()
				ctx, cancelRun := context.WithTimeout(ctx, cfg.General.Timeout)
				defer cancelRun()
				return r.run(ctx)
			}
			return r.daemon(cmd.Context())
		},
	}

	cmd.Flags().StringArrayVar(&feedNames, "feed", nil, "Run only the named feed (repeatable)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 4, "Number of feeds processed concurrently")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Overall run timeout")
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression for daemon mode")

	return cmd
}

// selectFeeds narrows feeds to names. A feed named explicitly runs even when
// it is flagged disabled.
func selectFeeds(all []core.Feed, names []string) ([]core.Feed, error) {
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]core.Feed, len(all))
	for _, f := range all {
		byName[f.Name] = f
	}
	selected := make([]core.Feed, 0, len(names))
	for _, n := range names {
		f, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown feed: %s", n)
		}
		f.Disabled = false
		selected = append(selected, f)
	}
	return selected, nil
}

type ingestRunner struct {
	app   *bootstrap.App
	feeds []core.Feed
	cmd   *cobra.Command
}

// run performs one locked ingest run. A held lock or an expired timeout is
// logged and reported as success.
func (r *ingestRunner) run(ctx context.Context) error {
	sugar := r.app.Sugar

	err := runlock.WithLock(ctx, r.app.RunLock(), func(ctx context.Context) error {
		var reporter feeds.Reporter = feeds.NopReporter{}
		if !quiet && !outputJSON {
			reporter = newProgressReporter(r.cmd.ErrOrStderr())
		}

		engine, err := r.app.FeedEngine(ctx, reporter)
		if err != nil {
			return err
		}

		summary, runErr := engine.Run(ctx, r.feeds)
		metrics.LastRunTimestamp.SetToCurrentTime()
		if path := r.app.Config.Metrics.Textfile; path != "" {
			if err := metrics.WriteTextfile(path); err != nil {
				sugar.Warnw("Failed to write metrics textfile", "path", path, "error", err)
			}
		}

		out := r.cmd.OutOrStdout()
		if outputJSON {
			if err := outputAsJSON(out, summary); err != nil {
				return err
			}
		} else if !quiet {
			renderRunSummary(out, summary)
		}
		return runErr
	})

	switch {
	case errors.Is(err, runlock.ErrLocked):
		sugar.Infow("Another ingest run holds the lock, exiting", "error", err)
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		sugar.Warnw("Ingest run timed out, remaining feeds skipped", "timeout", r.app.Config.General.Timeout)
		return nil
	case errors.Is(err, context.Canceled):
		sugar.Warn("Ingest run interrupted")
		return nil
	}
	return err
}

// daemon repeats run on the configured schedule until SIGINT or SIGTERM.
func (r *ingestRunner) daemon(parent context.Context) error {
	cfg := r.app.Config
	scheduler, err := feeds.NewScheduler(feeds.SchedulerConfig{
		Spec:       cfg.Schedule.Cron,
		Run:        r.run,
		Timeout:    cfg.General.Timeout,
		Timezone:   cfg.General.Timezone,
		RunOnStart: cfg.Schedule.RunOnStart,
		Logger:     r.app.Sugar,
	})
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	if !quiet {
		infoColor.Fprintf(r.cmd.ErrOrStderr(), "Scheduled %q, next run at %s\n",
			cfg.Schedule.Cron, formatTime(scheduler.Next()))
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	return nil
}
