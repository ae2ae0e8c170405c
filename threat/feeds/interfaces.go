package feeds

import (
	"context"
	"errors"
	"net/http"

	"iocpipe/core"
	"iocpipe/storage"
)

// =============================================================================
// Feed Handler Interface
// =============================================================================

// Handler converts one upstream feed shape into canonical records.
type Handler interface {
	// Format returns the feed format this handler supports
	Format() core.FeedFormat

	// Validate checks format-specific options of a feed definition
	Validate(feed *core.Feed) error

	// FetchRecords downloads the feed and parses it into records
	FetchRecords(ctx context.Context, feed *core.Feed) ([]*core.Record, error)
}

// =============================================================================
// Collaborators
// =============================================================================

// Response is the part of an HTTP response the adapters consume.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Fetcher retrieves a URL. Implementations return ErrHTTPStatus for any
// non-200 response.
type Fetcher interface {
	Get(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// Extractor unpacks an archive into named entries, in archive order.
type Extractor interface {
	Extract(ctx context.Context, name string, archive []byte) ([]Entry, error)
}

// Entry is one extracted archive member.
type Entry struct {
	Name string
	Data []byte
}

// Store is the persistence side the engine writes batches to.
type Store interface {
	Persist(ctx context.Context, records []*core.Record, key core.MatchKey) *storage.PersistOutcome
}

// Reporter receives a status snapshot after every phase transition.
type Reporter interface {
	Report(snapshot Snapshot)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Snapshot)

// Report calls f(snapshot).
func (f ReporterFunc) Report(snapshot Snapshot) { f(snapshot) }

// NopReporter discards snapshots.
type NopReporter struct{}

// Report does nothing.
func (NopReporter) Report(Snapshot) {}

// =============================================================================
// Errors
// =============================================================================

var (
	// Configuration errors
	ErrUnsupportedFormat = errors.New("unsupported feed format")
	ErrMissingURL        = errors.New("URL is required for this feed")
	ErrInvalidConfig     = errors.New("invalid feed configuration")

	// Transport errors
	ErrConnectionFailed = errors.New("connection to feed failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrHTTPStatus       = errors.New("unexpected HTTP status")

	// Parse errors
	ErrMalformedPayload     = errors.New("malformed feed payload")
	ErrEmptyArchive         = errors.New("archive contains no entries")
	ErrUnknownTypeCode      = errors.New("unknown vendor type code")
	ErrUnparseableTimestamp = errors.New("unparseable timestamp")
)
