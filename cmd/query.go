package cmd

import (
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"iocpipe/config"
	"iocpipe/query"
)

func newQueryCmd() *cobra.Command {
	var (
		filters query.Filters
		outKeys []string
		outSep  string
		errLog  string
	)

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Search MISP and print merged indicator rows",
		Long: `Search the configured MISP instance, project every attribute onto the
output keys, merge rows sharing the index value and derive category and
severity. Rows are written to stdout as newline-delimited JSON.

Dates default to yesterday..today; --day-range N overrides both.`,
		Example: `  iocpipe query --type domain --tag tlp:white
  iocpipe query --day-range 7 --out-key value --out-key "Event.info AS event"
  iocpipe query --controller events --event-id 1234`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(func(cfg *config.Config) string {
				if errLog != "" {
					return errLog
				}
				return cfg.Log.ErrorLog
			})
			if err != nil {
				return err
			}
			defer shutdown(app)

			opts := app.Config.Query
			if len(outKeys) > 0 {
				opts.Keys = outKeys
			}
			if cmd.Flags().Changed("out-sep") {
				opts.Separator = outSep
			}
			if filters.Controller != "" {
				opts.Controller = filters.Controller
			} else {
				filters.Controller = opts.Controller
			}

			engine, err := app.QueryEngine(opts)
			if err != nil {
				app.Sugar.Errorw("Invalid query options", "error", err)
				return err
			}

			var s *spinner.Spinner
			if !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				s.Suffix = " Querying MISP..."
				s.Start()
			}

			rows, err := engine.Run(cmd.Context(), filters)

			if s != nil {
				s.Stop()
			}
			if err != nil {
				app.Sugar.Errorw("Query failed", "filters", filters, "error", err)
				return err
			}

			if !quiet {
				successColor.Fprintf(cmd.ErrOrStderr(), "✓ %d rows\n", len(rows))
			}
			return query.WriteNDJSON(cmd.OutOrStdout(), rows)
		},
	}

	f := cmd.Flags()
	f.StringVar(&filters.Controller, "controller", "", "Search controller: attributes or events")
	f.StringVar(&filters.Type, "type", "", "Attribute type, e.g. domain, ip-dst")
	f.StringVar(&filters.Org, "org", "", "Creator organisation")
	f.StringVar(&filters.Last, "last", "", "Relative window such as 1d or 12h")
	f.IntVar(&filters.DayRange, "day-range", 0, "Search the last N days, overriding --date-from/--date-to")
	f.StringVar(&filters.DateFrom, "date-from", "", "Start date (YYYY-MM-DD), default yesterday")
	f.StringVar(&filters.DateTo, "date-to", "", "End date (YYYY-MM-DD), default today")
	f.StringArrayVar(&filters.Tags, "tag", nil, "Required tag (repeatable)")
	f.StringArrayVar(&filters.NotTags, "not-tag", nil, "Excluded tag (repeatable)")
	f.StringVar(&filters.EventID, "event-id", "", "Restrict to one event")
	f.StringArrayVar(&outKeys, "out-key", nil, "Output key spec 'path[+path] [AS column]' (repeatable), '*' for every field")
	f.StringVar(&outSep, "out-sep", ",", "Separator for merged values")
	f.StringVar(&errLog, "error-log", "", "Append query errors as JSON to this file (default log.error_log)")

	return cmd
}
