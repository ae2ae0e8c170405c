package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFilters_WithDefaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 15, 4, 5, 0, time.UTC)

	f := Filters{}.WithDefaults(now)
	assert.Equal(t, ControllerAttributes, f.Controller)
	assert.Equal(t, "2024-02-29", f.DateFrom)
	assert.Equal(t, "2024-03-01", f.DateTo)

	f = Filters{DateFrom: "2023-01-01"}.WithDefaults(now)
	assert.Equal(t, "2023-01-01", f.DateFrom)
	assert.Equal(t, "2024-03-01", f.DateTo)
}

func TestFilters_DayRangeOverridesDates(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	f := Filters{DayRange: 7, DateFrom: "2020-01-01", DateTo: "2020-01-02"}.WithDefaults(now)

	assert.Equal(t, "2024-02-23", f.DateFrom)
	assert.Equal(t, "2024-03-01", f.DateTo)
}

func TestFilters_SearchBody(t *testing.T) {
	f := Filters{Org: "CIRCL", Last: "1d", EventID: "12", NotTags: []string{"tlp:red"}}
	body := f.searchBody(3, 100)

	assert.Equal(t, map[string]any{
		"returnFormat": "json",
		"page":         3,
		"limit":        100,
		"org":          "CIRCL",
		"last":         "1d",
		"eventid":      "12",
		"tags":         []string{"!tlp:red"},
	}, body)
}
