// Package catalog renders the compact schema context handed to the plan
// generator: table names, columns, and a few sample rows, bounded by a byte
// budget. Rendered contexts are cached per exclusion set.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"datalens/internal/engine"
)

const cacheSize = 128

type Service struct {
	client engine.Client
	budget int
	cache  *lru.Cache[string, string]
}

// New builds a catalog service. budget is the maximum rendered size in
// bytes; content is truncated at a table boundary, never mid-record.
func New(client engine.Client, budget int) (*Service, error) {
	if budget <= 0 {
		budget = 16 * 1024
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{client: client, budget: budget, cache: cache}, nil
}

// Context returns the schema summary for prompting, skipping any table in
// exclude. The result is cached keyed by the exclusion set.
func (s *Service) Context(ctx context.Context, exclude map[string]bool) (string, error) {
	key := cacheKey(exclude)
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	tables, err := s.client.Catalog(ctx)
	if err != nil {
		return "", fmt.Errorf("catalog: %w", err)
	}

	rendered := render(tables, exclude, s.budget)
	s.cache.Add(key, rendered)
	return rendered, nil
}

// Invalidate drops all cached contexts, e.g. after new files are ingested.
func (s *Service) Invalidate() {
	s.cache.Purge()
}

func cacheKey(exclude map[string]bool) string {
	if len(exclude) == 0 {
		return ""
	}
	names := make([]string, 0, len(exclude))
	for n, v := range exclude {
		if v {
			names = append(names, strings.ToLower(n))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// render emits one block per table. A block that would push the output past
// the budget is dropped along with every later table; a table is never cut
// in half.
func render(tables []engine.Table, exclude map[string]bool, budget int) string {
	var out strings.Builder
	for _, t := range tables {
		if exclude[strings.ToLower(t.Name)] {
			continue
		}
		block := renderTable(t)
		if out.Len()+len(block) > budget {
			break
		}
		out.WriteString(block)
	}
	return strings.TrimRight(out.String(), "\n")
}

func renderTable(t engine.Table) string {
	var b strings.Builder
	cols := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		cols = append(cols, c.Name+" "+c.Type)
	}
	fmt.Fprintf(&b, "TABLE %s (%s)\n", t.Name, strings.Join(cols, ", "))
	for _, row := range t.SampleRows {
		enc, err := json.Marshal(row)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "  SAMPLE %s\n", enc)
	}
	b.WriteString("\n")
	return b.String()
}
