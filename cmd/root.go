// Package cmd provides the iocpipe command-line interface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iocpipe/bootstrap"
	"iocpipe/config"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	outputJSON bool
	configFile string
	noColor    bool
	quiet      bool
)

// NewRootCmd creates the iocpipe command with every subcommand.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "iocpipe",
		Short: "Threat-intelligence indicator ingestion and query tool",
		Long: `iocpipe pulls indicators of compromise from vendor, event and CSV feeds,
normalizes them into one record shape and upserts them into a store.

It can also query a MISP instance and print merged, scored indicator rows.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default: ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")

	root.AddCommand(newIngestCmd())
	root.AddCommand(newQueryCmd())
	root.AddCommand(newFeedsCmd())

	return root
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the config file and resolves secret references.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.ResolveSecrets(cfg, config.NewSecretResolver(cfg.Secrets)); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger for a command. Quiet mode only shows errors.
func newLogger(cfg *config.Config, errorLog string) (*zap.SugaredLogger, error) {
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	_, sugar, err := bootstrap.InitLogger(bootstrap.LogOptions{
		Level:        level,
		ErrorLogPath: errorLog,
		NoColor:      noColor,
	})
	return sugar, err
}

// newApp loads the configuration and builds the application around it.
func newApp(errorLog func(*config.Config) string) (*bootstrap.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	path := ""
	if errorLog != nil {
		path = errorLog(cfg)
	}
	sugar, err := newLogger(cfg, path)
	if err != nil {
		return nil, err
	}
	return bootstrap.NewApp(cfg, sugar), nil
}

func outputAsJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// shutdown closes app components; used in defers.
func shutdown(app *bootstrap.App) {
	app.Shutdown(context.Background())
}
