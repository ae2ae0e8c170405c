package feeds

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"iocpipe/core"
)

const maxCSVLineBytes = 1024 * 1024

// =============================================================================
// CSV Feed Handler
// =============================================================================

// CSVHandler implements Handler for delimited-text feeds
type CSVHandler struct {
	fetcher    Fetcher
	normalizer *Normalizer
	logger     *zap.SugaredLogger
}

// NewCSVHandler creates a new CSV feed handler
func NewCSVHandler(fetcher Fetcher, normalizer *Normalizer, logger *zap.SugaredLogger) *CSVHandler {
	return &CSVHandler{
		fetcher:    fetcher,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Format returns the feed format this handler supports
func (h *CSVHandler) Format() core.FeedFormat {
	return core.FeedFormatCSV
}

// Validate checks if the feed configuration is valid
func (h *CSVHandler) Validate(feed *core.Feed) error {
	if feed.URL == "" {
		return ErrMissingURL
	}

	if feed.Delimiter != "" {
		r, size := utf8.DecodeRuneInString(feed.Delimiter)
		if size != len(feed.Delimiter) || r == '"' || r == '\r' || r == '\n' || r == utf8.RuneError {
			return fmt.Errorf("%w: delimiter must be a single character", ErrInvalidConfig)
		}
	}

	return nil
}

// FetchRecords retrieves the feed and parses every data line
func (h *CSVHandler) FetchRecords(ctx context.Context, feed *core.Feed) ([]*core.Record, error) {
	if err := h.Validate(feed); err != nil {
		return nil, err
	}

	resp, err := h.fetcher.Get(ctx, feed.URL, feed.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to download feed: %w", err)
	}

	return h.ParseDelimited(ctx, feed, bytes.NewReader(resp.Body))
}

// ParseDelimited parses delimited text. Comment lines start with '#'; with
// IgnoreHeader the first non-empty line is dropped once.
func (h *CSVHandler) ParseDelimited(ctx context.Context, feed *core.Feed, r io.Reader) ([]*core.Record, error) {
	csvReader := csv.NewReader(newLineFilterReader(r, '#', feed.IgnoreHeader))
	h.configureReader(csvReader, feed)

	var records []*core.Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := csvReader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		record, err := h.parseRow(row, feed)
		if err != nil {
			line, _ := csvReader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if record == nil {
			continue
		}
		records = append(records, record)
	}

	return records, nil
}

// =============================================================================
// Internal Methods
// =============================================================================

// configureReader sets up the CSV reader with feed-specific configuration
func (h *CSVHandler) configureReader(reader *csv.Reader, feed *core.Feed) {
	if feed.Delimiter != "" {
		reader.Comma, _ = utf8.DecodeRuneInString(feed.Delimiter)
	}

	// Be lenient with field counts
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
}

// parseRow resolves each output field: mapped column, then the feed's static
// value, then a built-in default. Short rows fall through instead of failing.
func (h *CSVHandler) parseRow(row []string, feed *core.Feed) (*core.Record, error) {
	column := func(idx *int) (string, bool) {
		if idx == nil || *idx < 0 || *idx >= len(row) {
			return "", false
		}
		return strings.TrimSpace(row[*idx]), true
	}
	resolve := func(idx *int, static, fallback string) string {
		if v, ok := column(idx); ok {
			return v
		}
		if static != "" {
			return static
		}
		return fallback
	}

	value, ok := column(feed.Fields.Value)
	if !ok && len(row) > 0 {
		value = strings.TrimSpace(row[0])
	}
	if value == "" {
		return nil, nil
	}

	r := core.NewRecord(feed)
	r.Value = value
	r.Info = resolve(feed.Fields.Info, feed.Info, feed.Name)
	r.Type = resolve(feed.Fields.Type, feed.Type, core.TypeUnknown)
	r.Category = resolve(feed.Fields.Category, feed.Category, core.CategoryUnknown)
	r.Comment = resolve(feed.Fields.Comment, feed.Comment, "unknown")
	r.Link = resolve(feed.Fields.Link, feed.Link, "")

	switch tag, ok := column(feed.Fields.Tags); {
	case ok && tag != "":
		r.Tags = []string{tag}
	case len(feed.Tags) > 0:
		r.Tags = append([]string{}, feed.Tags...)
	}

	r.Timestamp = h.normalizer.Current()
	if raw, ok := column(feed.Fields.Timestamp); ok {
		ts, err := h.normalizer.Normalize(raw, feed.TimestampFormat)
		if err != nil {
			return nil, err
		}
		r.Timestamp = ts
	}

	return r, nil
}

// lineFilterReader drops empty lines, comment lines and optionally the first
// non-empty line before handing text to the CSV reader
type lineFilterReader struct {
	scanner     *bufio.Scanner
	commentChar byte
	skipHeader  bool
	buf         []byte
	pos         int
}

// newLineFilterReader creates a reader that skips lines starting with commentChar
func newLineFilterReader(r io.Reader, commentChar byte, skipHeader bool) *lineFilterReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCSVLineBytes)
	return &lineFilterReader{
		scanner:     scanner,
		commentChar: commentChar,
		skipHeader:  skipHeader,
	}
}

// Read implements io.Reader, filtering out comment lines
func (r *lineFilterReader) Read(p []byte) (n int, err error) {
	// Return any buffered data first
	if r.pos < len(r.buf) {
		n = copy(p, r.buf[r.pos:])
		r.pos += n
		return n, nil
	}

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")
		if len(line) == 0 {
			continue
		}
		if r.skipHeader {
			r.skipHeader = false
			continue
		}
		if line[0] == r.commentChar {
			continue
		}
		r.buf = append([]byte(line), '\n')
		r.pos = 0
		n = copy(p, r.buf)
		r.pos = n
		return n, nil
	}

	if err := r.scanner.Err(); err != nil {
		return 0, err
	}
	return 0, io.EOF
}
