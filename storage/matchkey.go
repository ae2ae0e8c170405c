package storage

import (
	"fmt"
	"slices"
	"strings"

	"iocpipe/core"
)

// matchColumns validates key and returns its lower-cased field names.
func matchColumns(key core.MatchKey) ([]string, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrInvalidMatchKey)
	}
	cols := make([]string, 0, len(key))
	for _, f := range key {
		name := strings.ToLower(strings.TrimSpace(f))
		if !slices.Contains(core.MatchableFields, name) {
			return nil, fmt.Errorf("%w: %q is not matchable", ErrInvalidMatchKey, f)
		}
		if slices.Contains(cols, name) {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidMatchKey, f)
		}
		cols = append(cols, name)
	}
	return cols, nil
}
