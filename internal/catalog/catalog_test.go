package catalog

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"datalens/internal/engine"
)

type fakeEngine struct {
	tables []engine.Table
	calls  int
}

func (f *fakeEngine) Query(ctx context.Context, sql string) (*engine.RawReply, error) {
	return nil, nil
}

func (f *fakeEngine) Catalog(ctx context.Context) ([]engine.Table, error) {
	f.calls++
	return f.tables, nil
}

func testTables() []engine.Table {
	return []engine.Table{
		{
			Name: "files.tickets",
			Columns: []engine.Column{
				{Name: "id", Type: "BIGINT"},
				{Name: "title", Type: "TEXT"},
			},
			SampleRows: [][]any{{1, "broken printer"}},
		},
		{
			Name:    "files.users",
			Columns: []engine.Column{{Name: "id", Type: "BIGINT"}},
		},
	}
}

func TestContext_RendersTablesAndSamples(t *testing.T) {
	svc, err := New(&fakeEngine{tables: testTables()}, 4096)
	require.NoError(t, err)

	out, err := svc.Context(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "TABLE files.tickets (id BIGINT, title TEXT)")
	assert.Contains(t, out, `SAMPLE [1,"broken printer"]`)
	assert.Contains(t, out, "TABLE files.users")
}

func TestContext_ExclusionSet(t *testing.T) {
	svc, err := New(&fakeEngine{tables: testTables()}, 4096)
	require.NoError(t, err)

	out, err := svc.Context(context.Background(), map[string]bool{"files.users": true})
	require.NoError(t, err)
	assert.Contains(t, out, "files.tickets")
	assert.NotContains(t, out, "files.users")
}

func TestContext_BudgetTruncatesAtTableBoundary(t *testing.T) {
	tables := testTables()
	firstBlock := renderTable(tables[0])

	svc, err := New(&fakeEngine{tables: tables}, len(firstBlock))
	require.NoError(t, err)

	out, err := svc.Context(context.Background(), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "files.tickets")
	// The second table would cross the budget, so it is dropped whole.
	assert.NotContains(t, out, "files.users")
	// The surviving block is intact: its sample record is not cut mid-row.
	assert.True(t, strings.Contains(out, `SAMPLE [1,"broken printer"]`))
}

func TestContext_CachedPerExclusionSet(t *testing.T) {
	fe := &fakeEngine{tables: testTables()}
	svc, err := New(fe, 4096)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Context(ctx, nil)
	require.NoError(t, err)
	_, err = svc.Context(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, fe.calls, "second identical request must hit the cache")

	_, err = svc.Context(ctx, map[string]bool{"files.users": true})
	require.NoError(t, err)
	assert.Equal(t, 2, fe.calls)

	svc.Invalidate()
	_, err = svc.Context(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, fe.calls)
}
