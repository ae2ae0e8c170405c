// Package query pulls attributes from a MISP instance and aggregates them
// into one row per index value.
//
// A run searches once (paginated), attaches each attribute's parent event
// through a tiered cache, projects every attribute onto the configured
// columns, merges rows that share the index column, then derives category
// and severity for each merged row. Rows are returned only when the whole
// run succeeded; WriteNDJSON emits them one object per line.
package query
