// Package catalog serves the demo product listing from Postgres.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Product is one row of the products table, keyed by column name.
type Product map[string]any

// Store lists products.
type Store interface {
	List(ctx context.Context) ([]Product, error)
	Ping(ctx context.Context) error
}

// Postgres reads the products table.
type Postgres struct {
	db *sql.DB
}

// Open connects with lib/pq. dsn may be a URL or key=value pairs.
func Open(dsn string, maxOpen int) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Postgres { return &Postgres{db: db} }

// List returns every product with its columns as-is.
func (p *Postgres) List(ctx context.Context) ([]Product, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT * FROM products")
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("product columns: %w", err)
	}

	out := []Product{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		row := make(Product, len(cols))
		for i, c := range cols {
			// text columns arrive as []byte
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
				continue
			}
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }
