package core

// FeedFormat selects the adapter that parses a feed.
type FeedFormat string

const (
	FeedFormatVendor FeedFormat = "vendor" // zipped JSON attribute package behind an index document
	FeedFormatEvent  FeedFormat = "event"  // MISP-style manifest plus one document per event
	FeedFormatCSV    FeedFormat = "csv"    // delimited text
)

// AllFeedFormats returns all valid feed formats
var AllFeedFormats = []FeedFormat{FeedFormatVendor, FeedFormatEvent, FeedFormatCSV}

// IsValid checks if the feed format is valid
func (f FeedFormat) IsValid() bool {
	for _, valid := range AllFeedFormats {
		if f == valid {
			return true
		}
	}
	return false
}

// TimestampFormatFractionalEpoch marks values such as "1700000000.123456"
// that are truncated at the first dot.
const TimestampFormatFractionalEpoch = "%sN"

// FieldIndexes maps output fields to zero-based column indexes of a delimited
// row. A nil index means "not mapped".
type FieldIndexes struct {
	Value     *int `mapstructure:"value" yaml:"value,omitempty" json:"value,omitempty" validate:"omitempty,min=0"`
	Info      *int `mapstructure:"info" yaml:"info,omitempty" json:"info,omitempty" validate:"omitempty,min=0"`
	Type      *int `mapstructure:"type" yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,min=0"`
	Timestamp *int `mapstructure:"timestamp" yaml:"timestamp,omitempty" json:"timestamp,omitempty" validate:"omitempty,min=0"`
	Category  *int `mapstructure:"category" yaml:"category,omitempty" json:"category,omitempty" validate:"omitempty,min=0"`
	Comment   *int `mapstructure:"comment" yaml:"comment,omitempty" json:"comment,omitempty" validate:"omitempty,min=0"`
	Link      *int `mapstructure:"link" yaml:"link,omitempty" json:"link,omitempty" validate:"omitempty,min=0"`
	Tags      *int `mapstructure:"tags" yaml:"tags,omitempty" json:"tags,omitempty" validate:"omitempty,min=0"`
}

// Feed is one configured upstream source. It is read-only to the pipeline.
type Feed struct {
	Name     string     `mapstructure:"name" yaml:"name" json:"name" validate:"required"`
	URL      string     `mapstructure:"url" yaml:"url" json:"url" validate:"required,url"`
	Format   FeedFormat `mapstructure:"format" yaml:"format" json:"format" validate:"required,oneof=vendor event csv"`
	Provider string     `mapstructure:"provider" yaml:"provider,omitempty" json:"provider,omitempty"`
	Disabled bool       `mapstructure:"disabled" yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Static fallbacks, used when no column is mapped or the row is short
	Info     string   `mapstructure:"info" yaml:"info,omitempty" json:"info,omitempty"`
	Type     string   `mapstructure:"type" yaml:"type,omitempty" json:"type,omitempty"`
	Category string   `mapstructure:"category" yaml:"category,omitempty" json:"category,omitempty"`
	Comment  string   `mapstructure:"comment" yaml:"comment,omitempty" json:"comment,omitempty"`
	Link     string   `mapstructure:"link" yaml:"link,omitempty" json:"link,omitempty"`
	Tags     []string `mapstructure:"tags" yaml:"tags,omitempty" json:"tags,omitempty"`

	TimestampFormat string       `mapstructure:"timestamp_format" yaml:"timestamp_format,omitempty" json:"timestamp_format,omitempty"`
	IgnoreHeader    bool         `mapstructure:"ignore_header" yaml:"ignore_header,omitempty" json:"ignore_header,omitempty"`
	Delimiter       string       `mapstructure:"delimiter" yaml:"delimiter,omitempty" json:"delimiter,omitempty" validate:"omitempty,len=1"`
	Fields          FieldIndexes `mapstructure:"fields" yaml:"fields,omitempty" json:"fields,omitempty"`

	// Extra request headers, e.g. API keys
	Headers map[string]string `mapstructure:"headers" yaml:"headers,omitempty" json:"-"`
}

// EnabledFeeds returns the feeds not flagged disabled, preserving order.
func EnabledFeeds(feeds []Feed) []Feed {
	enabled := make([]Feed, 0, len(feeds))
	for _, f := range feeds {
		if !f.Disabled {
			enabled = append(enabled, f)
		}
	}
	return enabled
}
