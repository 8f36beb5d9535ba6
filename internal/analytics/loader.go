// Package analytics loads uploaded datasets into the warehouse and computes
// a small summary of them.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/local/submitgate/internal/apperr"
)

// MaxGroups caps the grouped counts in a summary.
const MaxGroups = 10

// ColumnType is the coarse type of a warehouse column.
type ColumnType int

const (
	TypeOther ColumnType = iota
	TypeString
	TypeInteger
	TypeFloat
	TypeNumeric
)

// Numeric reports whether averages can be computed over the type.
func (t ColumnType) Numeric() bool {
	return t == TypeInteger || t == TypeFloat || t == TypeNumeric
}

// Column is one field of the loaded table.
type Column struct {
	Name string
	Type ColumnType
}

// GroupCount is the row count for one value of the grouping field.
type GroupCount struct {
	Value string `json:"value"`
	Total int64  `json:"total"`
}

// Summary describes a loaded dataset.
type Summary struct {
	TotalRows       int64        `json:"totalRows"`
	GroupField      string       `json:"groupField,omitempty"`
	CategorySummary []GroupCount `json:"categorySummary"`
	AverageField    string       `json:"averageField,omitempty"`
	AverageScore    *float64     `json:"averageScore"`
}

// LoadResult is returned by Loader.Load.
type LoadResult struct {
	JobID   string  `json:"jobId"`
	Summary Summary `json:"summary"`
}

// Warehouse is the columnar store a dataset is loaded into. LoadNDJSON
// replaces the table contents.
type Warehouse interface {
	LoadNDJSON(ctx context.Context, uri string) (jobID string, err error)
	CountRows(ctx context.Context) (int64, error)
	Schema(ctx context.Context) ([]Column, error)
	GroupCounts(ctx context.Context, field string, limit int) ([]GroupCount, error)
	Average(ctx context.Context, field string) (*float64, error)
}

// Loader runs the load and summary queries.
type Loader struct {
	wh            Warehouse
	groupField    string
	numericFields []string
}

// NewLoader returns a loader. groupField is the preferred grouping column
// (matched case-insensitively); numericFields are candidate columns to
// average, in order of preference.
func NewLoader(wh Warehouse, groupField string, numericFields []string) *Loader {
	if groupField == "" {
		groupField = "category"
	}
	if len(numericFields) == 0 {
		numericFields = []string{"score"}
	}
	return &Loader{wh: wh, groupField: groupField, numericFields: numericFields}
}

// Load loads uri and summarizes the result. Load and count failures fail the
// whole call; grouping and averaging degrade to empty values.
func (l *Loader) Load(ctx context.Context, uri string) (LoadResult, error) {
	jobID, err := l.wh.LoadNDJSON(ctx, uri)
	if err != nil {
		return LoadResult{}, asUnavailable(err, "load %s", uri)
	}

	total, err := l.wh.CountRows(ctx)
	if err != nil {
		return LoadResult{}, asUnavailable(err, "count rows")
	}

	sum := Summary{TotalRows: total, CategorySummary: []GroupCount{}}

	cols, err := l.wh.Schema(ctx)
	if err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("schema lookup failed, skipping grouping and average")
		return LoadResult{JobID: jobID, Summary: sum}, nil
	}

	groupField := l.pickGroupField(cols)
	avgField := l.pickNumericField(cols)

	g, gctx := errgroup.WithContext(ctx)
	if groupField != "" {
		g.Go(func() error {
			counts, err := l.wh.GroupCounts(gctx, groupField, MaxGroups)
			if err != nil {
				log.Warn().Err(err).Str("field", groupField).Msg("group counts failed")
				return nil
			}
			sum.GroupField = groupField
			sum.CategorySummary = normalizeGroups(counts)
			return nil
		})
	}
	if avgField != "" {
		g.Go(func() error {
			avg, err := l.wh.Average(gctx, avgField)
			if err != nil {
				log.Warn().Err(err).Str("field", avgField).Msg("average failed")
				return nil
			}
			sum.AverageField = avgField
			sum.AverageScore = avg
			return nil
		})
	}
	_ = g.Wait()

	return LoadResult{JobID: jobID, Summary: sum}, nil
}

func (l *Loader) pickGroupField(cols []Column) string {
	for _, c := range cols {
		if strings.EqualFold(c.Name, l.groupField) {
			return c.Name
		}
	}
	for _, c := range cols {
		if c.Type == TypeString {
			return c.Name
		}
	}
	return ""
}

func (l *Loader) pickNumericField(cols []Column) string {
	for _, want := range l.numericFields {
		for _, c := range cols {
			if strings.EqualFold(c.Name, want) && c.Type.Numeric() {
				return c.Name
			}
		}
	}
	return ""
}

// normalizeGroups sorts by count descending, then value, and caps the list.
func normalizeGroups(in []GroupCount) []GroupCount {
	out := make([]GroupCount, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Value < out[j].Value
	})
	if len(out) > MaxGroups {
		out = out[:MaxGroups]
	}
	return out
}

func asUnavailable(err error, format string, args ...any) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	return apperr.From(fmt.Errorf(format+": %w", append(args, err)...))
}
