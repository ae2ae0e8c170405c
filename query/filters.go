package query

import (
	"time"
)

const dateLayout = "2006-01-02"

// Filters select attributes on the remote search.
type Filters struct {
	Controller string   `json:"controller"`
	Type       string   `json:"type,omitempty"`
	Org        string   `json:"org,omitempty"`
	Last       string   `json:"last,omitempty"`
	DateFrom   string   `json:"date_from,omitempty"`
	DateTo     string   `json:"date_to,omitempty"`
	DayRange   int      `json:"day_range,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	NotTags    []string `json:"not_tags,omitempty"`
	EventID    string   `json:"event_id,omitempty"`
}

// DateBefore returns the local calendar date days before now as YYYY-MM-DD.
func DateBefore(now time.Time, days int) string {
	return now.AddDate(0, 0, -days).Format(dateLayout)
}

// WithDefaults fills the controller and the date window. A day range wins
// over explicit dates; otherwise missing dates default to yesterday..today.
func (f Filters) WithDefaults(now time.Time) Filters {
	if f.Controller == "" {
		f.Controller = ControllerAttributes
	}
	if f.DayRange > 0 {
		f.DateFrom = DateBefore(now, f.DayRange)
		f.DateTo = DateBefore(now, 0)
		return f
	}
	if f.DateFrom == "" {
		f.DateFrom = DateBefore(now, 1)
	}
	if f.DateTo == "" {
		f.DateTo = DateBefore(now, 0)
	}
	return f
}

// searchBody is the restSearch request for one page. Excluded tags use the
// '!' negation prefix.
func (f Filters) searchBody(page, limit int) map[string]any {
	body := map[string]any{
		"returnFormat": "json",
		"page":         page,
		"limit":        limit,
	}
	set := func(k, v string) {
		if v != "" {
			body[k] = v
		}
	}
	set("type", f.Type)
	set("org", f.Org)
	set("last", f.Last)
	set("from", f.DateFrom)
	set("to", f.DateTo)
	set("eventid", f.EventID)

	var tags []string
	tags = append(tags, f.Tags...)
	for _, t := range f.NotTags {
		tags = append(tags, "!"+t)
	}
	if len(tags) > 0 {
		body["tags"] = tags
	}
	return body
}
