package analytics

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// BigQueryWarehouse loads into a single table.
type BigQueryWarehouse struct {
	client   *bigquery.Client
	dataset  string
	table    string
	location string
}

// NewBigQueryWarehouse creates a client for project. Dataset and table must
// be plain identifiers.
func NewBigQueryWarehouse(ctx context.Context, project, dataset, table, location string) (*BigQueryWarehouse, error) {
	if !identRe.MatchString(dataset) || !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid dataset/table %q.%q", dataset, table)
	}
	if project == "" {
		project = bigquery.DetectProjectID
	}
	c, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}
	if location == "" {
		location = "US"
	}
	c.Location = location
	return &BigQueryWarehouse{client: c, dataset: dataset, table: table, location: location}, nil
}

// Close releases the client.
func (w *BigQueryWarehouse) Close() error { return w.client.Close() }

func (w *BigQueryWarehouse) tableRef() string {
	return fmt.Sprintf("`%s.%s.%s`", w.client.Project(), w.dataset, w.table)
}

// LoadNDJSON implements Warehouse.
func (w *BigQueryWarehouse) LoadNDJSON(ctx context.Context, uri string) (string, error) {
	ref := bigquery.NewGCSReference(uri)
	ref.SourceFormat = bigquery.JSON
	ref.AutoDetect = true

	loader := w.client.Dataset(w.dataset).Table(w.table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.JobID = "submitgate-load-" + uuid.NewString()
	loader.Location = w.location

	job, err := loader.Run(ctx)
	if err != nil {
		return "", fmt.Errorf("start load job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return job.ID(), fmt.Errorf("wait load job %s: %w", job.ID(), err)
	}
	if err := status.Err(); err != nil {
		return job.ID(), fmt.Errorf("load job %s: %w", job.ID(), err)
	}
	return job.ID(), nil
}

// CountRows implements Warehouse.
func (w *BigQueryWarehouse) CountRows(ctx context.Context) (int64, error) {
	var row struct {
		TotalRows int64 `bigquery:"total_rows"`
	}
	q := w.client.Query("SELECT COUNT(*) AS total_rows FROM " + w.tableRef())
	if err := w.readOne(ctx, q, &row); err != nil {
		return 0, err
	}
	return row.TotalRows, nil
}

// Schema implements Warehouse.
func (w *BigQueryWarehouse) Schema(ctx context.Context) ([]Column, error) {
	md, err := w.client.Dataset(w.dataset).Table(w.table).Metadata(ctx)
	if err != nil {
		return nil, fmt.Errorf("table metadata: %w", err)
	}
	cols := make([]Column, 0, len(md.Schema))
	for _, f := range md.Schema {
		cols = append(cols, Column{Name: f.Name, Type: columnType(f.Type)})
	}
	return cols, nil
}

// GroupCounts implements Warehouse.
func (w *BigQueryWarehouse) GroupCounts(ctx context.Context, field string, limit int) ([]GroupCount, error) {
	if !identRe.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	q := w.client.Query(fmt.Sprintf(
		"SELECT CAST(`%s` AS STRING) AS value, COUNT(*) AS total FROM %s GROUP BY value ORDER BY total DESC LIMIT @limit",
		field, w.tableRef()))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: limit}}
	q.Location = w.location

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("group counts: %w", err)
	}
	var out []GroupCount
	for {
		var row struct {
			Value bigquery.NullString `bigquery:"value"`
			Total int64               `bigquery:"total"`
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("group counts: %w", err)
		}
		v := "null"
		if row.Value.Valid {
			v = row.Value.StringVal
		}
		out = append(out, GroupCount{Value: v, Total: row.Total})
	}
	return out, nil
}

// Average implements Warehouse. A table without non-null values yields nil.
func (w *BigQueryWarehouse) Average(ctx context.Context, field string) (*float64, error) {
	if !identRe.MatchString(field) {
		return nil, fmt.Errorf("invalid field name %q", field)
	}
	var row struct {
		Avg bigquery.NullFloat64 `bigquery:"avg_value"`
	}
	q := w.client.Query(fmt.Sprintf("SELECT AVG(CAST(`%s` AS FLOAT64)) AS avg_value FROM %s", field, w.tableRef()))
	if err := w.readOne(ctx, q, &row); err != nil {
		return nil, err
	}
	if !row.Avg.Valid {
		return nil, nil
	}
	v := row.Avg.Float64
	return &v, nil
}

// Ping checks that the dataset is reachable.
func (w *BigQueryWarehouse) Ping(ctx context.Context) error {
	_, err := w.client.Dataset(w.dataset).Metadata(ctx)
	return err
}

func (w *BigQueryWarehouse) readOne(ctx context.Context, q *bigquery.Query, dst any) error {
	q.Location = w.location
	it, err := q.Read(ctx)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if err := it.Next(dst); err != nil {
		if errors.Is(err, iterator.Done) {
			return errors.New("query returned no rows")
		}
		return fmt.Errorf("read row: %w", err)
	}
	return nil
}

func columnType(t bigquery.FieldType) ColumnType {
	switch t {
	case bigquery.StringFieldType:
		return TypeString
	case bigquery.IntegerFieldType:
		return TypeInteger
	case bigquery.FloatFieldType:
		return TypeFloat
	case bigquery.NumericFieldType, bigquery.BigNumericFieldType:
		return TypeNumeric
	default:
		return TypeOther
	}
}
