package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"iocpipe/bootstrap"
	"iocpipe/core"
	"iocpipe/threat/feeds"
	"iocpipe/util"
)

// newFeedsCmd creates the feeds command with all subcommands.
func newFeedsCmd() *cobra.Command {
	feedsCmd := &cobra.Command{
		Use:   "feeds",
		Short: "Inspect configured indicator feeds",
		Long: `Inspect the feed definitions in the configuration.

Feeds are declared under 'feeds:' in config.yaml. These commands never fetch
or store indicators; use 'iocpipe ingest' for that.`,
	}

	feedsCmd.AddCommand(newListCmd())
	feedsCmd.AddCommand(newShowCmd())
	feedsCmd.AddCommand(newExportCmd())
	feedsCmd.AddCommand(newValidateCmd())
	feedsCmd.AddCommand(newTemplatesCmd())

	return feedsCmd
}

// newListCmd creates the 'list' subcommand
func newListCmd() *cobra.Command {
	var showDisabled bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			list := cfg.Feeds
			if !showDisabled {
				list = core.EnabledFeeds(list)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), redactFeeds(list))
			}
			renderFeedsTable(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showDisabled, "all", false, "Show disabled feeds")

	return cmd
}

// newShowCmd creates the 'show' subcommand
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <feed-name>",
		Short: "Show one feed definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			feed, ok := cfg.FeedByName(args[0])
			if !ok {
				return fmt.Errorf("feed not found: %s", args[0])
			}
			redacted := redactFeed(*feed)

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), redacted)
			}
			renderFeedDetails(cmd.OutOrStdout(), &redacted)
			return nil
		},
	}
}

// newExportCmd creates the 'export' subcommand
func newExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export feed definitions as YAML",
		Long:  "Export every feed definition as a 'feeds:' YAML block. Header values and URL credentials are redacted. Without a file, output goes to stdout.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := marshalFeeds(redactFeeds(cfg.Feeds))
			if err != nil {
				return err
			}

			if len(args) == 0 {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			filename := args[0]
			if _, err := util.ValidateFilePath(filename, true); err != nil {
				return fmt.Errorf("invalid file path: %w", err)
			}
			if err := os.WriteFile(filename, data, 0644); err != nil {
				return fmt.Errorf("failed to write file: %w", err)
			}
			if !quiet {
				successColor.Fprintf(cmd.OutOrStdout(), "✓ Exported %d feeds to %s\n", len(cfg.Feeds), filename)
			}
			return nil
		},
	}
}

// newValidateCmd creates the 'validate' subcommand
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check every feed against its format handler",
		Long:  "Load the configuration and run each feed through its format handler's validation without fetching anything.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sugar, err := newLogger(cfg, "")
			if err != nil {
				return err
			}

			handlers, err := bootstrap.NewApp(cfg, sugar).Handlers()
			if err != nil {
				return err
			}
			problems := validateFeeds(cfg.Feeds, handlers)

			if outputJSON {
				if err := outputAsJSON(cmd.OutOrStdout(), problems); err != nil {
					return err
				}
			} else {
				renderValidation(cmd.OutOrStdout(), cfg.Feeds, problems)
			}
			if len(problems) > 0 {
				return fmt.Errorf("%d of %d feeds failed validation", len(problems), len(cfg.Feeds))
			}
			return nil
		},
	}
}

// validateFeeds returns the validation error of each failing feed, by name.
func validateFeeds(list []core.Feed, handlers []feeds.Handler) map[string]string {
	byFormat := make(map[core.FeedFormat]feeds.Handler, len(handlers))
	for _, h := range handlers {
		byFormat[h.Format()] = h
	}

	problems := make(map[string]string)
	for i := range list {
		f := &list[i]
		h, ok := byFormat[f.Format]
		if !ok {
			problems[f.Name] = fmt.Sprintf("%v: %s", feeds.ErrUnsupportedFormat, f.Format)
			continue
		}
		if err := h.Validate(f); err != nil {
			problems[f.Name] = err.Error()
		}
	}
	return problems
}

// newTemplatesCmd creates the 'templates' subcommand
func newTemplatesCmd() *cobra.Command {
	templatesCmd := &cobra.Command{
		Use:     "templates",
		Aliases: []string{"template", "tpl"},
		Short:   "Ready-made definitions for public feeds",
		Long: `List and print ready-made feed definitions for well-known public indicator
sources. 'templates show <id> --yaml' prints a block to paste under 'feeds:'.`,
	}

	templatesCmd.AddCommand(newTemplatesListCmd())
	templatesCmd.AddCommand(newTemplatesShowCmd())

	return templatesCmd
}

func newTemplatesListCmd() *cobra.Command {
	var label string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List available feed templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			templates := feeds.Templates()
			if label != "" {
				templates = filterTemplates(templates, label)
			}

			if outputJSON {
				return outputAsJSON(cmd.OutOrStdout(), templates)
			}
			renderTemplatesTable(cmd.OutOrStdout(), templates)
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "Filter by label")

	return cmd
}

func newTemplatesShowCmd() *cobra.Command {
	var asYAML bool

	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show template details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			template, ok := feeds.TemplateByID(args[0])
			if !ok {
				return fmt.Errorf("template not found: %s", args[0])
			}

			switch {
			case asYAML:
				data, err := marshalFeeds([]core.Feed{template.Feed})
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case outputJSON:
				return outputAsJSON(cmd.OutOrStdout(), template)
			}
			renderTemplateDetails(cmd.OutOrStdout(), &template)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the feed definition as a config block")

	return cmd
}

func filterTemplates(templates []feeds.Template, label string) []feeds.Template {
	var out []feeds.Template
	for _, t := range templates {
		for _, l := range t.Labels {
			if strings.EqualFold(l, label) {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// redactFeed masks header values and URL credentials so definitions can be
// shown or exported without leaking API keys.
func redactFeed(f core.Feed) core.Feed {
	f.URL = util.RedactURL(f.URL)
	if len(f.Headers) > 0 {
		f.Headers = util.RedactHeaders(f.Headers)
	}
	return f
}

func redactFeeds(list []core.Feed) []core.Feed {
	out := make([]core.Feed, len(list))
	for i, f := range list {
		out[i] = redactFeed(f)
	}
	return out
}

func marshalFeeds(list []core.Feed) ([]byte, error) {
	doc := struct {
		Feeds []core.Feed `yaml:"feeds"`
	}{Feeds: list}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal YAML: %w", err)
	}
	return data, nil
}
