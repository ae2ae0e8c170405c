package query

import (
	"fmt"
	"strconv"
	"strings"
)

type mergeRule int

const (
	mergeFirst mergeRule = iota
	mergeMax
	mergeMulti
	mergeDistinct
	mergeSum
)

// Aggregator merges rows that share an index value. Rows keep the order of
// their first occurrence.
type Aggregator struct {
	index string
	sep   string
	rules map[string]mergeRule

	rows  map[string]*Row
	order []string
}

// NewAggregator creates an aggregator keyed on the configured index column.
func NewAggregator(opts Options) (*Aggregator, error) {
	opts = opts.normalized()
	index, err := opts.indexColumn()
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		index: index,
		sep:   opts.Separator,
		rules: make(map[string]mergeRule),
		rows:  make(map[string]*Row),
	}
	assign := func(cols []string, rule mergeRule) error {
		for _, c := range cols {
			if prev, ok := a.rules[c]; ok && prev != rule {
				return fmt.Errorf("%w: column %q has more than one merge rule", ErrInvalidOptions, c)
			}
			a.rules[c] = rule
		}
		return nil
	}
	for _, set := range []struct {
		cols []string
		rule mergeRule
	}{
		{opts.MaxColumns, mergeMax},
		{opts.MultiColumns, mergeMulti},
		{opts.DistinctColumns, mergeDistinct},
		{opts.SumColumns, mergeSum},
	} {
		if err := assign(set.cols, set.rule); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add stores a new index value or merges row into the existing one.
func (a *Aggregator) Add(row *Row) error {
	v, ok := row.Get(a.index)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingIndex, a.index)
	}
	key := Stringify(v)

	existing, ok := a.rows[key]
	if !ok {
		row.count = 1
		a.rows[key] = row
		a.order = append(a.order, key)
		return nil
	}

	for _, col := range row.keys {
		a.merge(existing, col, row.values[col])
	}
	existing.count++
	return nil
}

func (a *Aggregator) merge(dst *Row, col string, v any) {
	cur, present := dst.Get(col)

	switch a.rules[col] {
	case mergeMax:
		if !present {
			return
		}
		curN, ok1 := toFloat(cur)
		newN, ok2 := toFloat(v)
		if ok1 && ok2 && newN > curN {
			dst.Set(col, v)
		}

	case mergeMulti:
		if !present {
			dst.Set(col, v)
			return
		}
		dst.Set(col, Stringify(cur)+a.sep+Stringify(v))

	case mergeDistinct:
		if !present {
			dst.Set(col, v)
			return
		}
		merged := Stringify(cur)
		seen := make(map[string]bool)
		for _, part := range strings.Split(merged, a.sep) {
			seen[part] = true
		}
		for _, part := range strings.Split(Stringify(v), a.sep) {
			if !seen[part] {
				seen[part] = true
				merged += a.sep + part
			}
		}
		dst.Set(col, merged)

	case mergeSum:
		if !present {
			dst.Set(col, v)
			return
		}
		dst.Set(col, sum(cur, v))

	default:
		if !present {
			dst.Set(col, v)
		}
	}
}

// sum adds two numeric values. Integers stay integers. A value that does not
// parse counts as zero.
func sum(a, b any) any {
	ai, aInt := toInt(a)
	bi, bInt := toInt(b)
	if aInt && bInt {
		return ai + bi
	}
	af, _ := toFloat(a)
	bf, _ := toFloat(b)
	return af + bf
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return i, err == nil
	case interface{ Int64() (int64, error) }:
		i, err := t.Int64()
		return i, err == nil
	}
	return 0, false
}

// Rows returns the merged rows in first-occurrence order.
func (a *Aggregator) Rows() []*Row {
	out := make([]*Row, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, a.rows[k])
	}
	return out
}

// Len returns the number of distinct index values seen.
func (a *Aggregator) Len() int {
	return len(a.order)
}
