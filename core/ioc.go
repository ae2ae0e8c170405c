package core

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Indicator Types
// =============================================================================

// Well-known indicator type strings. The type field is open-ended: adapters
// may emit any string a provider uses, these are the ones the pipeline itself
// produces or reasons about.
const (
	TypeDomain   = "domain"
	TypeIPDst    = "ip-dst"
	TypeIPSrc    = "ip-src"
	TypeURL      = "url"
	TypeFilename = "filename"
	TypeMD5      = "md5"
	TypeSHA1     = "sha1"
	TypeSHA256   = "sha256"
	TypeUnknown  = "unknown"
)

// CategoryUnknown is used when a provider supplies no classification.
const CategoryUnknown = "unknown"

var ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// IsIPv4 reports whether value is a dotted-quad IPv4 address.
func IsIPv4(value string) bool {
	if !ipv4Pattern.MatchString(value) {
		return false
	}
	ip := net.ParseIP(value)
	return ip != nil && ip.To4() != nil
}

// =============================================================================
// Canonical Record
// =============================================================================

// Record is the canonical indicator shape every feed adapter emits and every
// store persists. CreateDate and ModifyDate belong to the store and are never
// set by adapters.
type Record struct {
	Value     string   `bson:"value" json:"value" yaml:"value"`
	Info      string   `bson:"info" json:"info" yaml:"info"`
	Type      string   `bson:"type" json:"type" yaml:"type"`
	Timestamp int64    `bson:"timestamp" json:"timestamp" yaml:"timestamp"`
	Category  string   `bson:"category" json:"category" yaml:"category"`
	Comment   string   `bson:"comment" json:"comment" yaml:"comment"`
	UUID      string   `bson:"uuid" json:"uuid" yaml:"uuid"`
	ToIDs     bool     `bson:"to_ids" json:"to_ids" yaml:"to_ids"`
	URL       string   `bson:"url" json:"url" yaml:"url"`
	Link      string   `bson:"link" json:"link" yaml:"link"`
	Provider  string   `bson:"provider" json:"provider" yaml:"provider"`
	Tags      []string `bson:"tags" json:"tags" yaml:"tags"`

	CreateDate time.Time `bson:"createDate,omitempty" json:"createDate,omitempty" yaml:"-"`
	ModifyDate time.Time `bson:"modifyDate,omitempty" json:"modifyDate,omitempty" yaml:"-"`
}

// NewRecord returns a record stamped with the feed's url and provider and a
// fresh uuid. Tags start empty rather than nil so stores never persist null.
func NewRecord(feed *Feed) *Record {
	return &Record{
		Info:     feed.Name,
		URL:      feed.URL,
		Provider: feed.Provider,
		UUID:     uuid.New().String(),
		Tags:     []string{},
	}
}

// Field returns the string form of a record field by its persisted name.
// Only fields usable as a match key are supported.
func (r *Record) Field(name string) (string, bool) {
	switch strings.ToLower(name) {
	case "value":
		return r.Value, true
	case "url":
		return r.URL, true
	case "provider":
		return r.Provider, true
	case "type":
		return r.Type, true
	case "info":
		return r.Info, true
	case "uuid":
		return r.UUID, true
	default:
		return "", false
	}
}

// =============================================================================
// Match Key
// =============================================================================

// MatchKey names the record fields that decide insert-versus-update.
type MatchKey []string

// DefaultMatchKey matches on the indicator value alone. Two feeds reporting
// the same value therefore share one stored document.
var DefaultMatchKey = MatchKey{"value"}

// MatchableFields lists the field names accepted in a MatchKey.
var MatchableFields = []string{"value", "url", "provider", "type", "info", "uuid"}

// Extract returns the field/value pairs of r selected by the key, in key order.
func (k MatchKey) Extract(r *Record) ([]string, []string, bool) {
	fields := make([]string, 0, len(k))
	values := make([]string, 0, len(k))
	for _, name := range k {
		v, ok := r.Field(name)
		if !ok {
			return nil, nil, false
		}
		fields = append(fields, strings.ToLower(name))
		values = append(values, v)
	}
	return fields, values, len(fields) > 0
}
