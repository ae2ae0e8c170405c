package query

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowOf(pairs ...any) *Row {
	r := NewRow()
	for i := 0; i+1 < len(pairs); i += 2 {
		r.Set(pairs[i].(string), pairs[i+1])
	}
	return r
}

func mergeOptions() Options {
	opts := DefaultOptions()
	opts.Keys = []string{"value", "last_seen", "sources", "tags", "score"}
	opts.Index = "value"
	opts.MaxColumns = []string{"last_seen"}
	opts.MultiColumns = []string{"sources"}
	opts.DistinctColumns = []string{"tags"}
	opts.SumColumns = []string{"score"}
	return opts
}

func TestAggregator_Merge(t *testing.T) {
	agg, err := NewAggregator(mergeOptions())
	require.NoError(t, err)

	require.NoError(t, agg.Add(rowOf("value", "evil.com", "last_seen", "100", "sources", "a", "tags", "x,y", "score", "2", "first", "keep")))
	require.NoError(t, agg.Add(rowOf("value", "evil.com", "last_seen", "250", "sources", "b", "tags", "y,z", "score", "3", "first", "drop")))
	require.NoError(t, agg.Add(rowOf("value", "evil.com", "last_seen", "90", "sources", "a", "tags", "x", "score", "1", "extra", "filled")))

	rows := agg.Rows()
	require.Len(t, rows, 1)
	row := rows[0]

	assert.Equal(t, 3, row.Count())
	assert.Equal(t, map[string]any{
		"value":     "evil.com",
		"last_seen": "250",
		"sources":   "a,b,a",
		"tags":      "x,y,z",
		"score":     int64(6),
		"first":     "keep",
		"extra":     "filled",
	}, row.Map())
}

func TestAggregator_MaxOnlyWhenPresentInBoth(t *testing.T) {
	agg, err := NewAggregator(mergeOptions())
	require.NoError(t, err)

	require.NoError(t, agg.Add(rowOf("value", "v")))
	require.NoError(t, agg.Add(rowOf("value", "v", "last_seen", "500")))

	_, ok := agg.Rows()[0].Get("last_seen")
	assert.False(t, ok)
}

func TestAggregator_DistinctIgnoresInputOrder(t *testing.T) {
	inputs := []string{"b", "a", "b", "c", "a"}

	collect := func(order []string) []string {
		agg, err := NewAggregator(mergeOptions())
		require.NoError(t, err)
		for _, tag := range order {
			require.NoError(t, agg.Add(rowOf("value", "v", "tags", tag)))
		}
		v, _ := agg.Rows()[0].Get("tags")
		parts := strings.Split(v.(string), ",")
		sort.Strings(parts)
		return parts
	}

	reversed := append([]string(nil), inputs...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	assert.Equal(t, []string{"a", "b", "c"}, collect(inputs))
	assert.Equal(t, []string{"a", "b", "c"}, collect(reversed))
}

func TestAggregator_FirstOccurrenceOrder(t *testing.T) {
	agg, err := NewAggregator(mergeOptions())
	require.NoError(t, err)

	for _, v := range []string{"c", "a", "c", "b", "a"} {
		require.NoError(t, agg.Add(rowOf("value", v)))
	}

	var got []string
	var counts []int
	for _, r := range agg.Rows() {
		v, _ := r.Get("value")
		got = append(got, v.(string))
		counts = append(counts, r.Count())
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
	assert.Equal(t, []int{2, 2, 1}, counts)
	assert.Equal(t, 3, agg.Len())
}

func TestAggregator_SumFloats(t *testing.T) {
	agg, err := NewAggregator(mergeOptions())
	require.NoError(t, err)

	require.NoError(t, agg.Add(rowOf("value", "v", "score", "1.5")))
	require.NoError(t, agg.Add(rowOf("value", "v", "score", "2")))

	v, _ := agg.Rows()[0].Get("score")
	assert.Equal(t, 3.5, v)
}

func TestAggregator_MissingIndex(t *testing.T) {
	agg, err := NewAggregator(mergeOptions())
	require.NoError(t, err)

	err = agg.Add(rowOf("type", "domain"))
	assert.ErrorIs(t, err, ErrMissingIndex)
}

func TestAggregator_DefaultIndexIsFirstColumn(t *testing.T) {
	opts := DefaultOptions()
	opts.Keys = []string{"type+value AS indicator", "category"}

	agg, err := NewAggregator(opts)
	require.NoError(t, err)
	assert.Equal(t, "indicator", agg.index)
}

func TestAggregator_ConflictingRules(t *testing.T) {
	opts := mergeOptions()
	opts.SumColumns = append(opts.SumColumns, "last_seen")

	_, err := NewAggregator(opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}
