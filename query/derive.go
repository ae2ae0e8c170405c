package query

import (
	"fmt"
	"math"
	"strings"

	"github.com/dlclark/regexp2"
)

// SeverityScale maps a severity index to its name.
var SeverityScale = []string{"n/a", "informational", "low", "medium", "high", "critical"}

const boostFactor = 1.2

// SeverityIndex computes the fallback severity index:
//
//	ceil(((count*5/10 + 1) + popularity) / 2 * 1.2^boosts)
//
// clamped to the scale. count*5/10 is integer division.
func SeverityIndex(count int, popularity float64, boosts int) int {
	bucket := count*5/10 + 1
	boost := math.Pow(boostFactor, float64(boosts))
	// The epsilon keeps products like 2.5*1.2 from rounding up on float error.
	idx := int(math.Ceil((float64(bucket)+popularity)/2*boost - 1e-9))
	return max(0, min(idx, len(SeverityScale)-1))
}

// Deriver fills category and severity and applies lookups on merged rows.
type Deriver struct {
	categoryRules []*regexp2.Regexp
	severityRules []*regexp2.Regexp
	boostTags     []string
	lookups       []Lookup

	tagsCol, categoryCol, severityCol, popularityCol string
	defaultPopularity                                float64
	sep                                              string
}

// NewDeriver compiles the category and severity rules.
func NewDeriver(opts Options) (*Deriver, error) {
	opts = opts.normalized()
	d := &Deriver{
		boostTags:         opts.BoostTags,
		lookups:           opts.Lookups,
		tagsCol:           opts.TagsColumn,
		categoryCol:       opts.CategoryColumn,
		severityCol:       opts.SeverityColumn,
		popularityCol:     opts.PopularityColumn,
		defaultPopularity: opts.DefaultPopularity,
		sep:               opts.Separator,
	}

	var err error
	if d.categoryRules, err = compileRules(opts.CategoryRules, opts); err != nil {
		return nil, err
	}
	if d.severityRules, err = compileRules(opts.SeverityRules, opts); err != nil {
		return nil, err
	}
	return d, nil
}

func compileRules(patterns []string, opts Options) ([]*regexp2.Regexp, error) {
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compileRule(p, opts.RegexTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Derive runs category, severity, lower-casing and lookups on row.
func (d *Deriver) Derive(row *Row) error {
	tags := ""
	if v, ok := row.Get(d.tagsCol); ok {
		tags = Stringify(v)
	}

	category, ok, err := firstCapture(d.categoryRules, tags)
	if err != nil {
		return fmt.Errorf("category rule: %w", err)
	}
	if ok {
		row.Set(d.categoryCol, category)
	}

	severity, ok, err := firstCapture(d.severityRules, tags)
	if err != nil {
		return fmt.Errorf("severity rule: %w", err)
	}
	if !ok {
		severity = SeverityScale[SeverityIndex(row.count, d.popularity(row), d.boosts(tags))]
	}
	row.Set(d.severityCol, severity)

	for _, col := range []string{d.categoryCol, d.severityCol} {
		if v, ok := row.Get(col); ok {
			if s, isString := v.(string); isString {
				row.Set(col, strings.ToLower(s))
			}
		}
	}

	// Lookups run in order, each on the value left by the ones before it.
	for _, l := range d.lookups {
		if v, ok := row.Get(l.Column); ok && Stringify(v) == l.Value {
			row.Set(l.Column, l.Replacement)
		}
	}
	return nil
}

func (d *Deriver) popularity(row *Row) float64 {
	if v, ok := row.Get(d.popularityCol); ok {
		if f, ok := toFloat(v); ok {
			return f
		}
	}
	return d.defaultPopularity
}

func (d *Deriver) boosts(tags string) int {
	if len(d.boostTags) == 0 || tags == "" {
		return 0
	}
	present := make(map[string]bool)
	for _, t := range strings.Split(tags, d.sep) {
		present[strings.TrimSpace(t)] = true
	}
	n := 0
	for _, b := range d.boostTags {
		if present[b] {
			n++
		}
	}
	return n
}

// firstCapture returns group 1 of the first matching rule, or the whole
// match when the rule has no group.
func firstCapture(rules []*regexp2.Regexp, input string) (string, bool, error) {
	for _, re := range rules {
		m, err := re.FindStringMatch(input)
		if err != nil {
			return "", false, err
		}
		if m == nil {
			continue
		}
		if g := m.GroupByNumber(1); g != nil {
			return g.String(), true, nil
		}
		return m.String(), true, nil
	}
	return "", false, nil
}
