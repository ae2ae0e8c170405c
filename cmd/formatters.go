package cmd

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"iocpipe/core"
	"iocpipe/threat/feeds"
)

// renderFeedsTable displays feeds in a formatted table
func renderFeedsTable(w io.Writer, list []core.Feed) {
	if len(list) == 0 {
		warningColor.Fprintln(w, "No feeds configured")
		return
	}

	headerColor.Fprintln(w, "FEEDS")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-24s %-8s %-8s %-18s %s\n", "Name", "Format", "Enabled", "Provider", "URL")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, f := range list {
		fmt.Fprintf(w, "%-24s %-8s %-8s %-18s %s\n",
			truncate(f.Name, 24), f.Format, plainBool(!f.Disabled), truncate(f.Provider, 18), redactFeed(f).URL)
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
}

// renderFeedDetails displays one feed definition
func renderFeedDetails(w io.Writer, f *core.Feed) {
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	headerColor.Fprintf(w, "  Feed Details: %s\n", f.Name)
	headerColor.Fprintln(w, "═══════════════════════════════════════════════════════════════")
	fmt.Fprintln(w)

	printSection(w, "Basic Information")
	printField(w, "Name", f.Name)
	printField(w, "Format", string(f.Format))
	printField(w, "Enabled", formatBool(!f.Disabled))
	printField(w, "Provider", f.Provider)
	printField(w, "URL", f.URL)
	fmt.Fprintln(w)

	printSection(w, "Record Defaults")
	printField(w, "Info", f.Info)
	printField(w, "Type", f.Type)
	printField(w, "Category", f.Category)
	printField(w, "Comment", f.Comment)
	printField(w, "Link", f.Link)
	printField(w, "Tags", strings.Join(f.Tags, ", "))
	fmt.Fprintln(w)

	if f.Format == core.FeedFormatCSV {
		printSection(w, "CSV Layout")
		printField(w, "Delimiter", f.Delimiter)
		printField(w, "Ignore Header", formatBool(f.IgnoreHeader))
		printField(w, "Timestamp Format", f.TimestampFormat)
		printField(w, "Columns", formatColumns(f.Fields))
		fmt.Fprintln(w)
	}

	if len(f.Headers) > 0 {
		printSection(w, "Request Headers")
		names := make([]string, 0, len(f.Headers))
		for k := range f.Headers {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			printField(w, k, f.Headers[k])
		}
		fmt.Fprintln(w)
	}
}

// formatColumns lists the configured column indexes, e.g. "value=2 timestamp=1"
func formatColumns(fi core.FieldIndexes) string {
	cols := []struct {
		name string
		idx  *int
	}{
		{"value", fi.Value}, {"info", fi.Info}, {"type", fi.Type}, {"timestamp", fi.Timestamp},
		{"category", fi.Category}, {"comment", fi.Comment}, {"link", fi.Link}, {"tags", fi.Tags},
	}
	var parts []string
	for _, c := range cols {
		if c.idx != nil {
			parts = append(parts, fmt.Sprintf("%s=%d", c.name, *c.idx))
		}
	}
	return strings.Join(parts, " ")
}

// renderRunSummary displays the final status table of an ingest run
func renderRunSummary(w io.Writer, summary *feeds.RunSummary) {
	if summary == nil {
		return
	}
	if len(summary.Feeds) == 0 {
		warningColor.Fprintln(w, "No enabled feeds")
		return
	}

	headerColor.Fprintln(w, "INGEST RUN")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-24s %-8s %-10s %-10s %-10s %s\n", "Feed", "Format", "Status", "Count", "Runtime", "Error")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, s := range summary.Feeds {
		status := color.New(color.FgGreen).Sprint(string(s.Status))
		if s.Error != "" {
			status = color.New(color.FgRed).Sprint("Failed")
		}
		fmt.Fprintf(w, "%-24s %-8s %-10s %-10d %-10s %s\n",
			truncate(s.Name, 24), s.Format, status, s.Count,
			formatDuration(s.Runtime(summary.Finished)), truncate(s.Error, 60))
	}

	fmt.Fprintln(w, strings.Repeat("=", 100))
	if summary.Failed == 0 {
		successColor.Fprintf(w, "✓ %d feeds, %d indicators in %s\n",
			len(summary.Feeds), summary.Total, formatDuration(summary.Finished.Sub(summary.Started)))
	} else {
		warningColor.Fprintf(w, "⚠ %d/%d feeds failed, %d indicators in %s\n",
			summary.Failed, len(summary.Feeds), summary.Total, formatDuration(summary.Finished.Sub(summary.Started)))
	}
}

// progressReporter redraws the whole status table on every report. On a
// terminal the screen is cleared first; elsewhere a table is appended only
// when a feed's status, count or error changed.
type progressReporter struct {
	w      io.Writer
	redraw bool

	mu   sync.Mutex
	last string
}

func newProgressReporter(w io.Writer) *progressReporter {
	return &progressReporter{w: w, redraw: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// clearScreen moves the cursor home and clears the display.
const clearScreen = "\x1b[H\x1b[2J"

func (p *progressReporter) Report(snapshot feeds.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.redraw {
		state := progressState(snapshot)
		if state == p.last {
			return
		}
		p.last = state
	}

	var buf bytes.Buffer
	if p.redraw {
		buf.WriteString(clearScreen)
	}
	renderProgress(&buf, snapshot)
	_, _ = p.w.Write(buf.Bytes())
}

// progressState is everything shown in the table except runtimes.
func progressState(snapshot feeds.Snapshot) string {
	var b strings.Builder
	for _, s := range snapshot.Feeds {
		fmt.Fprintf(&b, "%s|%s|%d|%s\n", s.Name, s.Status, s.Count, s.Error)
	}
	return b.String()
}

// renderProgress displays one feed per row plus the running total
func renderProgress(w io.Writer, snapshot feeds.Snapshot) {
	headerColor.Fprintln(w, "FEED RUN")
	headerColor.Fprintln(w, strings.Repeat("=", 100))
	fmt.Fprintf(w, "%-24s %-9s %10s %9s  %s\n", "Feed", "Status", "Count", "Runtime", "Last error")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, s := range snapshot.Feeds {
		c := infoColor
		switch {
		case s.Error != "":
			c = errorColor
		case s.Status == feeds.PhaseFinished:
			c = successColor
		case s.Status == feeds.PhasePending:
			c = color.New(color.Reset)
		}
		c.Fprintf(w, "%-24s %-9s %10d %9s  %s\n",
			truncate(s.Name, 24), s.Status, s.Count, formatDuration(s.Runtime(snapshot.Taken)), truncate(s.Error, 40))
	}

	fmt.Fprintln(w, strings.Repeat("-", 100))
	fmt.Fprintf(w, "%-24s %-9s %10d\n", "Total", "", snapshot.Total)
}

// renderValidation lists each feed with its validation result
func renderValidation(w io.Writer, list []core.Feed, problems map[string]string) {
	for _, f := range list {
		if msg, bad := problems[f.Name]; bad {
			errorColor.Fprintf(w, "✗ %-24s %s\n", f.Name, msg)
		} else {
			successColor.Fprintf(w, "✓ %-24s ok\n", f.Name)
		}
	}
}

// renderTemplatesTable displays templates in a formatted table
func renderTemplatesTable(w io.Writer, templates []feeds.Template) {
	if len(templates) == 0 {
		warningColor.Fprintln(w, "No templates available")
		return
	}

	headerColor.Fprintln(w, "FEED TEMPLATES")
	headerColor.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "%-24s %-8s %-45s %s\n", "ID", "Format", "Description", "Labels")
	fmt.Fprintln(w, strings.Repeat("-", 110))

	for _, t := range templates {
		fmt.Fprintf(w, "%-24s %-8s %-45s %s\n",
			truncate(t.ID, 24), t.Feed.Format, truncate(t.Description, 45), truncate(strings.Join(t.Labels, ", "), 30))
	}

	fmt.Fprintln(w, strings.Repeat("=", 110))
	fmt.Fprintf(w, "\nTotal templates: %d\n", len(templates))
}

// renderTemplateDetails displays detailed template information
func renderTemplateDetails(w io.Writer, t *feeds.Template) {
	renderFeedDetails(w, &t.Feed)

	printSection(w, "Template")
	printField(w, "ID", t.ID)
	printField(w, "Description", t.Description)
	printField(w, "Labels", strings.Join(t.Labels, ", "))
	fmt.Fprintln(w)

	printSection(w, "Usage")
	fmt.Fprintf(w, "  iocpipe feeds templates show %s --yaml >> feeds.yaml\n", t.ID)
	fmt.Fprintln(w)
}

// printSection prints a section header
func printSection(w io.Writer, title string) {
	headerColor.Fprintf(w, "  %s\n", title)
	headerColor.Fprintln(w, "  "+strings.Repeat("─", len(title)))
}

// printField prints a key-value field
func printField(w io.Writer, key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Fprintf(w, "  %-25s %s\n", key+":", value)
}

// formatBool returns a colored boolean string
func formatBool(b bool) string {
	if b {
		return color.New(color.FgGreen).Sprint("Yes")
	}
	return color.New(color.FgRed).Sprint("No")
}

func plainBool(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// formatTime formats a timestamp
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatDuration rounds for display: 850ms, 12.3s, 4m05s
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
