package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/submitgate/internal/apperr"
)

// memWarehouse holds rows in memory and answers queries over them.
type memWarehouse struct {
	mu      sync.Mutex
	sources map[string][]map[string]any
	rows    []map[string]any
	cols    []Column

	loadErr, countErr, schemaErr, groupErr, avgErr error
	groupOverride                                  []GroupCount
	groupCalled, avgCalled                         bool
}

func (m *memWarehouse) LoadNDJSON(_ context.Context, uri string) (string, error) {
	if m.loadErr != nil {
		return "", m.loadErr
	}
	rows, ok := m.sources[uri]
	if !ok {
		return "", fmt.Errorf("not found: %s", uri)
	}
	m.rows = rows
	return "job-1", nil
}

func (m *memWarehouse) CountRows(context.Context) (int64, error) {
	return int64(len(m.rows)), m.countErr
}

func (m *memWarehouse) Schema(context.Context) ([]Column, error) {
	return m.cols, m.schemaErr
}

func (m *memWarehouse) GroupCounts(_ context.Context, field string, limit int) ([]GroupCount, error) {
	m.mu.Lock()
	m.groupCalled = true
	m.mu.Unlock()
	if m.groupErr != nil {
		return nil, m.groupErr
	}
	if m.groupOverride != nil {
		return m.groupOverride, nil
	}
	counts := map[string]int64{}
	for _, r := range m.rows {
		counts[fmt.Sprint(r[field])]++
	}
	var out []GroupCount
	for v, n := range counts {
		out = append(out, GroupCount{Value: v, Total: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memWarehouse) Average(_ context.Context, field string) (*float64, error) {
	m.mu.Lock()
	m.avgCalled = true
	m.mu.Unlock()
	if m.avgErr != nil {
		return nil, m.avgErr
	}
	var sum float64
	var n int
	for _, r := range m.rows {
		if v, ok := r[field].(float64); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return nil, nil
	}
	avg := sum / float64(n)
	return &avg, nil
}

func TestLoader_HundredRowDataset(t *testing.T) {
	var rows []map[string]any
	for i := 0; i < 100; i++ {
		cat := "a"
		switch {
		case i >= 60 && i < 90:
			cat = "b"
		case i >= 90:
			cat = "c"
		}
		rows = append(rows, map[string]any{"category": cat, "score": 0.5})
	}
	wh := &memWarehouse{
		sources: map[string][]map[string]any{"gs://bucket/uploads/json/data.json": rows},
		cols:    []Column{{"name", TypeString}, {"category", TypeString}, {"score", TypeFloat}},
	}
	l := NewLoader(wh, "category", []string{"score"})

	res, err := l.Load(context.Background(), "gs://bucket/uploads/json/data.json")
	require.NoError(t, err)

	assert.Equal(t, "job-1", res.JobID)
	assert.EqualValues(t, 100, res.Summary.TotalRows)
	assert.Equal(t, "category", res.Summary.GroupField)
	assert.Equal(t, []GroupCount{{"a", 60}, {"b", 30}, {"c", 10}}, res.Summary.CategorySummary)
	require.NotNil(t, res.Summary.AverageScore)
	assert.InDelta(t, 0.5, *res.Summary.AverageScore, 1e-9)
	assert.Equal(t, "score", res.Summary.AverageField)
}

func TestLoader_GroupsSortedAndCapped(t *testing.T) {
	var unsorted []GroupCount
	for i := 0; i < 15; i++ {
		unsorted = append(unsorted, GroupCount{Value: fmt.Sprintf("v%02d", i), Total: int64(i)})
	}
	wh := &memWarehouse{
		sources:       map[string][]map[string]any{"u": {{}}},
		cols:          []Column{{"category", TypeString}},
		groupOverride: unsorted,
	}

	res, err := NewLoader(wh, "", nil).Load(context.Background(), "u")
	require.NoError(t, err)

	got := res.Summary.CategorySummary
	require.Len(t, got, MaxGroups)
	assert.EqualValues(t, 14, got[0].Total)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Total, got[i].Total)
	}
}

func TestLoader_FallsBackToFirstStringColumn(t *testing.T) {
	wh := &memWarehouse{
		sources: map[string][]map[string]any{"u": {{"kind": "x"}, {"kind": "x"}, {"kind": "y"}}},
		cols:    []Column{{"id", TypeInteger}, {"kind", TypeString}},
	}
	res, err := NewLoader(wh, "category", nil).Load(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, "kind", res.Summary.GroupField)
	assert.Equal(t, []GroupCount{{"x", 2}, {"y", 1}}, res.Summary.CategorySummary)
}

func TestLoader_PickGroupFieldIgnoresCase(t *testing.T) {
	l := NewLoader(&memWarehouse{}, "category", nil)
	assert.Equal(t, "Category", l.pickGroupField([]Column{{"title", TypeString}, {"Category", TypeString}}))
	assert.Equal(t, "title", l.pickGroupField([]Column{{"id", TypeInteger}, {"title", TypeString}}))
	assert.Equal(t, "", l.pickGroupField([]Column{{"id", TypeInteger}}))
}

func TestLoader_NoStringOrNumericColumns(t *testing.T) {
	wh := &memWarehouse{
		sources: map[string][]map[string]any{"u": {{"id": 1}}},
		cols:    []Column{{"id", TypeInteger}, {"score", TypeString}},
	}
	res, err := NewLoader(wh, "category", []string{"score"}).Load(context.Background(), "u")
	require.NoError(t, err)

	assert.NotNil(t, res.Summary.CategorySummary)
	assert.Empty(t, res.Summary.CategorySummary)
	assert.Nil(t, res.Summary.AverageScore)
	assert.False(t, wh.groupCalled)
	assert.False(t, wh.avgCalled)
}

func TestLoader_Failures(t *testing.T) {
	src := map[string][]map[string]any{"u": {{"category": "a", "score": 1.0}}}
	cols := []Column{{"category", TypeString}, {"score", TypeFloat}}

	t.Run("load fails whole operation", func(t *testing.T) {
		wh := &memWarehouse{sources: src, cols: cols, loadErr: errors.New("access denied")}
		_, err := NewLoader(wh, "", nil).Load(context.Background(), "u")
		assert.True(t, errors.Is(err, apperr.ErrUpstreamUnavailable))
	})

	t.Run("count fails whole operation", func(t *testing.T) {
		wh := &memWarehouse{sources: src, cols: cols, countErr: errors.New("query failed")}
		_, err := NewLoader(wh, "", nil).Load(context.Background(), "u")
		assert.True(t, errors.Is(err, apperr.ErrUpstreamUnavailable))
	})

	t.Run("schema failure degrades", func(t *testing.T) {
		wh := &memWarehouse{sources: src, cols: cols, schemaErr: errors.New("metadata failed")}
		res, err := NewLoader(wh, "", nil).Load(context.Background(), "u")
		require.NoError(t, err)
		assert.EqualValues(t, 1, res.Summary.TotalRows)
		assert.Empty(t, res.Summary.CategorySummary)
		assert.Nil(t, res.Summary.AverageScore)
	})

	t.Run("group and average failures degrade independently", func(t *testing.T) {
		wh := &memWarehouse{sources: src, cols: cols, groupErr: errors.New("bad group")}
		res, err := NewLoader(wh, "", nil).Load(context.Background(), "u")
		require.NoError(t, err)
		assert.Empty(t, res.Summary.CategorySummary)
		require.NotNil(t, res.Summary.AverageScore)
		assert.Equal(t, 1.0, *res.Summary.AverageScore)

		wh = &memWarehouse{sources: src, cols: cols, avgErr: errors.New("bad avg")}
		res, err = NewLoader(wh, "", nil).Load(context.Background(), "u")
		require.NoError(t, err)
		assert.Len(t, res.Summary.CategorySummary, 1)
		assert.Nil(t, res.Summary.AverageScore)
	})
}

func TestColumnType_Numeric(t *testing.T) {
	assert.True(t, TypeInteger.Numeric())
	assert.True(t, TypeFloat.Numeric())
	assert.True(t, TypeNumeric.Numeric())
	assert.False(t, TypeString.Numeric())
	assert.False(t, TypeOther.Numeric())
}
