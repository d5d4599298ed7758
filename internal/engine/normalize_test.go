package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawRows(rows ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(rows))
	for i, r := range rows {
		out[i] = json.RawMessage(r)
	}
	return out
}

func TestNormalize_PositionalShape(t *testing.T) {
	raw := &RawReply{
		Columns: []string{"id", "title"},
		Rows:    rawRows(`[1, "a"]`, `[2, "b"]`),
	}
	res, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "title"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, map[string]any{"id": float64(1), "title": "a"}, res.Rows[0])
}

func TestNormalize_RecordShape(t *testing.T) {
	raw := &RawReply{
		Rows: rawRows(`{"title": "a", "id": 1}`, `{"id": 2, "status": "open"}`),
	}
	res, err := Normalize(raw)
	require.NoError(t, err)
	// Record replies carry no order; columns are the sorted key union.
	assert.Equal(t, []string{"id", "status", "title"}, res.Columns)
	assert.Equal(t, map[string]any{"id": float64(1), "status": nil, "title": "a"}, res.Rows[0])
	assert.Equal(t, map[string]any{"id": float64(2), "status": "open", "title": nil}, res.Rows[1])
}

func TestNormalize_BothShapesAgree(t *testing.T) {
	positional := &RawReply{
		Columns: []string{"id", "title"},
		Rows:    rawRows(`[1, "a"]`),
	}
	records := &RawReply{
		Rows: rawRows(`{"id": 1, "title": "a"}`),
	}
	a, err := Normalize(positional)
	require.NoError(t, err)
	b, err := Normalize(records)
	require.NoError(t, err)
	assert.Equal(t, a.Rows, b.Rows)
	assert.ElementsMatch(t, a.Columns, b.Columns)
}

func TestNormalize_Idempotent(t *testing.T) {
	raw := &RawReply{
		Rows: rawRows(`{"b": 2, "a": 1}`, `{"a": 3}`),
	}
	once, err := Normalize(raw)
	require.NoError(t, err)

	again, err := Normalize(&RawReply{Columns: once.Columns, Rows: once.Positional()})
	require.NoError(t, err)
	assert.Equal(t, once, again)
}

func TestNormalize_ShortRowPadded(t *testing.T) {
	raw := &RawReply{
		Columns: []string{"a", "b"},
		Rows:    rawRows(`[1]`),
	}
	res, err := Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1), "b": nil}, res.Rows[0])
}

func TestNormalize_DuplicateColumnRejected(t *testing.T) {
	raw := &RawReply{Columns: []string{"a", "a"}, Rows: rawRows(`[1, 2]`)}
	_, err := Normalize(raw)
	require.Error(t, err)
}

func TestNormalize_Empty(t *testing.T) {
	res, err := Normalize(&RawReply{Columns: []string{"n"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, res.Columns)
	assert.Empty(t, res.Rows)
}

type fakeClient struct {
	reply *RawReply
	err   error
	delay time.Duration
}

func (f *fakeClient) Query(ctx context.Context, sql string) (*RawReply, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeClient) Catalog(ctx context.Context) ([]Table, error) { return nil, nil }

func TestExecutor_Success(t *testing.T) {
	ex := NewExecutor(&fakeClient{reply: &RawReply{Columns: []string{"n"}, Rows: rawRows(`[42]`)}}, time.Second)
	res := ex.Execute(context.Background(), 0, "SELECT COUNT(*) AS n FROM files.tickets")
	require.False(t, res.Failed())
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, map[string]any{"n": float64(42)}, res.Rows[0])
}

func TestExecutor_TimeoutBecomesErrorResult(t *testing.T) {
	ex := NewExecutor(&fakeClient{delay: time.Second, reply: &RawReply{}}, 10*time.Millisecond)
	res := ex.Execute(context.Background(), 2, "SELECT * FROM files.t")
	require.True(t, res.Failed())
	assert.Equal(t, 2, res.StepIndex)
	assert.Empty(t, res.Rows)
	assert.Zero(t, res.RowCount)
}

func TestExecutor_EngineErrorSurfacedAsData(t *testing.T) {
	ex := NewExecutor(&fakeClient{reply: &RawReply{Error: "relation does not exist"}}, time.Second)
	res := ex.Execute(context.Background(), 1, "SELECT * FROM files.missing")
	require.True(t, res.Failed())
	assert.Equal(t, "relation does not exist", res.Err)
}
