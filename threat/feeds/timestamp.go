package feeds

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ncruces/go-strftime"

	"iocpipe/core"
)

// Normalizer turns the timestamp representations found in feeds into epoch
// seconds. Formats use strftime notation; core.TimestampFormatFractionalEpoch
// truncates values like "1700000000.123".
type Normalizer struct {
	Location *time.Location
	Now      func() time.Time
}

// NewNormalizer creates a normalizer interpreting zone-less dates in loc.
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Normalizer{Location: loc, Now: time.Now}
}

// Current returns the normalizer's notion of now as epoch seconds.
func (n *Normalizer) Current() int64 {
	if n.Now == nil {
		return time.Now().Unix()
	}
	return n.Now().Unix()
}

// Normalize converts raw according to format.
//
// Without a format raw is taken as epoch seconds. A configured strftime format
// is tried strictly first; whatever it cannot parse goes through a permissive
// free-text parser before the value is rejected.
func (n *Normalizer) Normalize(raw, format string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%w: empty value", ErrUnparseableTimestamp)
	}

	switch format {
	case core.TimestampFormatFractionalEpoch:
		prefix, _, _ := strings.Cut(raw, ".")
		ts, err := strconv.ParseInt(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a fractional epoch", ErrUnparseableTimestamp, raw)
		}
		return ts, nil
	case "", "%s":
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return ts, nil
		}
	default:
		if layout, err := strftime.Layout(format); err == nil {
			if t, err := time.ParseInLocation(layout, raw, n.location()); err == nil {
				return t.Unix(), nil
			}
		}
	}

	return n.permissive(raw)
}

// NormalizeValue accepts a decoded JSON value (json.Number, number or string).
func (n *Normalizer) NormalizeValue(raw any, format string) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		return n.Normalize(v.String(), format)
	case string:
		return n.Normalize(v, format)
	case float64:
		return n.Normalize(strconv.FormatFloat(v, 'f', -1, 64), format)
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: unsupported value %v (%T)", ErrUnparseableTimestamp, raw, raw)
	}
}

func (n *Normalizer) permissive(raw string) (int64, error) {
	if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ts, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int64(f), nil
	}
	t, err := dateparse.ParseIn(raw, n.location())
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrUnparseableTimestamp, raw, err)
	}
	return t.Unix(), nil
}

func (n *Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.UTC
	}
	return n.Location
}
