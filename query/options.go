package query

import (
	"fmt"
	"time"
)

// Controllers accepted by the MISP restSearch endpoint.
const (
	ControllerAttributes = "attributes"
	ControllerEvents     = "events"
)

const (
	defaultSeparator    = ","
	defaultMissingValue = "N/A"
	defaultPopularity   = 3
	defaultRegexTimeout = time.Second
	defaultCacheSize    = 1024
	defaultCacheTTL     = time.Hour
	wildcardKey         = "*"
)

// Options configures projection, merging and derivation of query rows.
type Options struct {
	Controller string   `mapstructure:"controller" json:"controller" validate:"omitempty,oneof=attributes events"`
	Keys       []string `mapstructure:"keys" json:"keys" validate:"required,min=1,dive,required"`
	Index      string   `mapstructure:"index" json:"index"`
	Separator  string   `mapstructure:"separator" json:"separator"`

	// Strict turns a missing projected path into an error. When false the
	// column takes MissingValue.
	Strict       bool   `mapstructure:"strict" json:"strict"`
	MissingValue string `mapstructure:"missing_value" json:"missing_value"`

	CommentFields   []string `mapstructure:"comment_fields" json:"comment_fields"`
	MaxColumns      []string `mapstructure:"max_columns" json:"max_columns"`
	MultiColumns    []string `mapstructure:"multi_columns" json:"multi_columns"`
	DistinctColumns []string `mapstructure:"distinct_columns" json:"distinct_columns"`
	SumColumns      []string `mapstructure:"sum_columns" json:"sum_columns"`

	TagsColumn        string  `mapstructure:"tags_column" json:"tags_column"`
	CategoryColumn    string  `mapstructure:"category_column" json:"category_column"`
	SeverityColumn    string  `mapstructure:"severity_column" json:"severity_column"`
	PopularityColumn  string  `mapstructure:"popularity_column" json:"popularity_column"`
	DefaultPopularity float64 `mapstructure:"default_popularity" json:"default_popularity" validate:"gte=0"`

	CategoryRules []string      `mapstructure:"category_rules" json:"category_rules"`
	SeverityRules []string      `mapstructure:"severity_rules" json:"severity_rules"`
	BoostTags     []string      `mapstructure:"boost_tags" json:"boost_tags"`
	Lookups       []Lookup      `mapstructure:"lookups" json:"lookups" validate:"dive"`
	RegexTimeout  time.Duration `mapstructure:"regex_timeout" json:"regex_timeout"`

	EventCache EventCacheOptions `mapstructure:"event_cache" json:"event_cache"`
}

// Lookup replaces Value with Replacement in Column, exact match only.
type Lookup struct {
	Column      string `mapstructure:"column" json:"column" validate:"required"`
	Value       string `mapstructure:"value" json:"value"`
	Replacement string `mapstructure:"replacement" json:"replacement"`
}

// EventCacheOptions sizes the per-run event cache and its optional redis tier.
type EventCacheOptions struct {
	Size  int           `mapstructure:"size" json:"size" validate:"gte=0"`
	Redis bool          `mapstructure:"redis" json:"redis"`
	TTL   time.Duration `mapstructure:"ttl" json:"ttl"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Controller:        ControllerAttributes,
		Keys:              []string{"value", "type", "category", "Event.info AS event"},
		Separator:         defaultSeparator,
		Strict:            true,
		MissingValue:      defaultMissingValue,
		TagsColumn:        "tags",
		CategoryColumn:    "category",
		SeverityColumn:    "severity",
		PopularityColumn:  "popularity",
		DefaultPopularity: defaultPopularity,
		RegexTimeout:      defaultRegexTimeout,
		EventCache: EventCacheOptions{
			Size: defaultCacheSize,
			TTL:  defaultCacheTTL,
		},
	}
}

// normalized fills zero values that have a non-zero default. Strict is a
// plain bool and is taken as given.
func (o Options) normalized() Options {
	if o.Controller == "" {
		o.Controller = ControllerAttributes
	}
	if o.Separator == "" {
		o.Separator = defaultSeparator
	}
	if o.MissingValue == "" {
		o.MissingValue = defaultMissingValue
	}
	if o.TagsColumn == "" {
		o.TagsColumn = "tags"
	}
	if o.CategoryColumn == "" {
		o.CategoryColumn = "category"
	}
	if o.SeverityColumn == "" {
		o.SeverityColumn = "severity"
	}
	if o.PopularityColumn == "" {
		o.PopularityColumn = "popularity"
	}
	if o.DefaultPopularity == 0 {
		o.DefaultPopularity = defaultPopularity
	}
	if o.RegexTimeout <= 0 {
		o.RegexTimeout = defaultRegexTimeout
	}
	if o.EventCache.Size <= 0 {
		o.EventCache.Size = defaultCacheSize
	}
	if o.EventCache.TTL <= 0 {
		o.EventCache.TTL = defaultCacheTTL
	}
	return o
}

// Wildcard reports whether rows are whole attributes.
func (o Options) Wildcard() bool {
	return len(o.Keys) == 1 && o.Keys[0] == wildcardKey
}

// indexColumn is the configured index, or the first projected column. A
// wildcard projection without an index keys rows on the attribute value.
func (o Options) indexColumn() (string, error) {
	if o.Index != "" {
		return o.Index, nil
	}
	if o.Wildcard() {
		return "value", nil
	}
	if len(o.Keys) == 0 {
		return "", fmt.Errorf("%w: no output keys", ErrInvalidOptions)
	}
	spec, err := ParseKeySpec(o.Keys[0])
	if err != nil {
		return "", err
	}
	return spec.Column, nil
}
