package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// aliasPattern splits "expr AS alias". AS is case-insensitive.
var aliasPattern = regexp.MustCompile(`(?i)^(.+?)\s+as\s+(\S+)$`)

// KeySpec is one parsed output key: one or more paths joined with '+', and
// the column they land in.
type KeySpec struct {
	Paths  []string
	Column string
}

// ParseKeySpec parses "path[+path...] [AS alias]".
func ParseKeySpec(spec string) (KeySpec, error) {
	expr := strings.TrimSpace(spec)
	column := expr
	if m := aliasPattern.FindStringSubmatch(expr); m != nil {
		expr = strings.TrimSpace(m[1])
		column = m[2]
	}
	if expr == "" {
		return KeySpec{}, fmt.Errorf("%w: %q", ErrInvalidKeySpec, spec)
	}

	var paths []string
	for _, p := range strings.Split(expr, "+") {
		p = strings.TrimSpace(p)
		if p == "" {
			return KeySpec{}, fmt.Errorf("%w: empty path in %q", ErrInvalidKeySpec, spec)
		}
		paths = append(paths, p)
	}
	return KeySpec{Paths: paths, Column: column}, nil
}

type commentField struct {
	name   string
	column string
	re     *regexp2.Regexp
}

// Projector turns an attribute into a row.
type Projector struct {
	wildcard bool
	keys     []KeySpec
	comments []commentField
	sep      string
	strict   bool
	missing  string
}

// NewProjector parses the key specs and compiles the comment field patterns.
func NewProjector(opts Options) (*Projector, error) {
	opts = opts.normalized()
	p := &Projector{
		wildcard: opts.Wildcard(),
		sep:      opts.Separator,
		strict:   opts.Strict,
		missing:  opts.MissingValue,
	}

	if !p.wildcard {
		if len(opts.Keys) == 0 {
			return nil, fmt.Errorf("%w: no output keys", ErrInvalidOptions)
		}
		for _, k := range opts.Keys {
			spec, err := ParseKeySpec(k)
			if err != nil {
				return nil, err
			}
			p.keys = append(p.keys, spec)
		}
	}

	for _, f := range opts.CommentFields {
		spec, err := ParseKeySpec(f)
		if err != nil {
			return nil, err
		}
		if len(spec.Paths) != 1 {
			return nil, fmt.Errorf("%w: comment field %q joins paths", ErrInvalidKeySpec, f)
		}
		re, err := compileRule(regexp2.Escape(spec.Paths[0])+`=(.*?)(\t|$)`, opts.RegexTimeout)
		if err != nil {
			return nil, err
		}
		p.comments = append(p.comments, commentField{name: spec.Paths[0], column: spec.Column, re: re})
	}

	return p, nil
}

// Project builds the row for one attribute.
func (p *Projector) Project(attr map[string]any) (*Row, error) {
	row := NewRow()

	if p.wildcard {
		keys := make([]string, 0, len(attr))
		for k := range attr {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			row.Set(k, attr[k])
		}
	} else {
		for _, spec := range p.keys {
			parts := make([]string, 0, len(spec.Paths))
			for _, path := range spec.Paths {
				v, ok := Resolve(attr, path, p.sep)
				if !ok {
					if p.strict {
						return nil, fmt.Errorf("%w: %s (attribute %s)", ErrMissingKey, path, attributeID(attr))
					}
					parts = append(parts, p.missing)
					continue
				}
				parts = append(parts, Stringify(v))
			}
			row.Set(spec.Column, strings.Join(parts, " "))
		}
	}

	if err := p.projectComment(attr, row); err != nil {
		return nil, err
	}
	return row, nil
}

func (p *Projector) projectComment(attr map[string]any, row *Row) error {
	if len(p.comments) == 0 {
		return nil
	}
	comment, _ := attr["comment"].(string)
	if comment == "" {
		return nil
	}
	for _, f := range p.comments {
		m, err := f.re.FindStringMatch(comment)
		if err != nil {
			return fmt.Errorf("comment field %s: %w", f.name, err)
		}
		if m != nil {
			row.Set(f.column, m.GroupByNumber(1).String())
		}
	}
	return nil
}

func attributeID(attr map[string]any) string {
	if id, ok := attr["id"]; ok {
		return Stringify(id)
	}
	return "?"
}

// compileRule compiles a user pattern with a match timeout.
func compileRule(pattern string, timeout time.Duration) (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRule, pattern, err)
	}
	re.MatchTimeout = timeout
	return re, nil
}
