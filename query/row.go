package query

import (
	"bytes"
	"encoding/json"
)

// Row is one output record. Columns keep the order they were first set in.
type Row struct {
	keys   []string
	values map[string]any

	// count is the number of attributes merged into the row.
	count int
}

// NewRow returns an empty row.
func NewRow() *Row {
	return &Row{values: make(map[string]any)}
}

// Set assigns a column, appending it if new.
func (r *Row) Set(column string, v any) {
	if _, ok := r.values[column]; !ok {
		r.keys = append(r.keys, column)
	}
	r.values[column] = v
}

// Get returns a column value.
func (r *Row) Get(column string) (any, bool) {
	v, ok := r.values[column]
	return v, ok
}

// Delete removes a column.
func (r *Row) Delete(column string) {
	if _, ok := r.values[column]; !ok {
		return
	}
	delete(r.values, column)
	for i, k := range r.keys {
		if k == column {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Columns returns the column names in order.
func (r *Row) Columns() []string {
	return append([]string(nil), r.keys...)
}

// Count returns how many attributes were merged into the row.
func (r *Row) Count() int {
	return r.count
}

// Map returns a copy of the row values.
func (r *Row) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// MarshalJSON writes the columns as an object in column order.
func (r *Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := enc.Encode(k); err != nil {
			return nil, err
		}
		trimNewline(&buf)
		buf.WriteByte(':')
		if err := enc.Encode(r.values[k]); err != nil {
			return nil, err
		}
		trimNewline(&buf)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func trimNewline(buf *bytes.Buffer) {
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
}
