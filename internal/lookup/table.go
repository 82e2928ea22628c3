// Package lookup provides configuration-driven lookup capabilities. A
// Table answers a query with the first entry whose keywords all appear in
// it, ignoring case.
package lookup

import (
	"context"
	"fmt"
	"strings"
)

// Entry maps a set of keywords to a canned answer.
type Entry struct {
	Keywords []string `yaml:"keywords"`
	Answer   string   `yaml:"answer"`
}

// Table is a keyword lookup capability.
type Table struct {
	entries  []Entry
	fallback string
}

// NewTable creates a table. Keywords are matched case-insensitively as
// substrings of the query, in entry order. fallback is returned when no
// entry matches; an empty fallback yields a "no result" notice instead.
func NewTable(entries []Entry, fallback string) *Table {
	normalized := make([]Entry, 0, len(entries))
	for _, e := range entries {
		var kws []string
		for _, kw := range e.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) == 0 {
			continue
		}
		normalized = append(normalized, Entry{Keywords: kws, Answer: e.Answer})
	}
	return &Table{entries: normalized, fallback: fallback}
}

// Execute implements tools.Capability.
func (t *Table) Execute(ctx context.Context, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q := strings.ToLower(query)
	for _, e := range t.entries {
		if matchesAll(q, e.Keywords) {
			return e.Answer, nil
		}
	}

	if t.fallback != "" {
		return t.fallback, nil
	}
	return fmt.Sprintf("No information found for %q.", query), nil
}

// Len returns the number of usable entries.
func (t *Table) Len() int { return len(t.entries) }

// matchesAll reports whether every keyword occurs in q. Entries list the
// terms that must co-occur, e.g. ["2024", "스페인"].
func matchesAll(q string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(q, kw) {
			return false
		}
	}
	return true
}
