package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	listProvideDataSQL = `
SELECT data_key, data_value, version, updated_at
FROM %s_provide_data
ORDER BY data_key ASC;`

	getProvideDataSQL = `
SELECT data_key, data_value, version, updated_at
FROM %s_provide_data
WHERE data_key = $1;`

	setProvideDataSQL = `
INSERT INTO %[1]s_provide_data (data_key, data_value, version, updated_at)
VALUES ($1, $2, 1, $3)
ON CONFLICT (data_key)
DO UPDATE SET
    data_value = EXCLUDED.data_value,
    version = %[1]s_provide_data.version + 1,
    updated_at = EXCLUDED.updated_at
RETURNING data_key, data_value, version, updated_at;`

	deleteProvideDataSQL = `
DELETE FROM %s_provide_data
WHERE data_key = $1;`
)

// ListProvideData returns every value, ordered by key.
func (q *Queries) ListProvideData(ctx context.Context) ([]*ProvideDataRecord, error) {
	var (
		query     = fmt.Sprintf(listProvideDataSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list provide data: %w", err)
	}
	defer rows.Close()

	var records []*ProvideDataRecord
	for rows.Next() {
		var record ProvideDataRecord
		if err := rows.Scan(&record.Key, &record.Value, &record.Version, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provide data: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}

// GetProvideData retrieves a single value. It returns nil for unknown keys.
func (q *Queries) GetProvideData(ctx context.Context, key string) (*ProvideDataRecord, error) {
	var (
		query  = fmt.Sprintf(getProvideDataSQL, q.tableName)
		record ProvideDataRecord
		err    = q.db.QueryRowContext(ctx, query, key).Scan(
			&record.Key, &record.Value, &record.Version, &record.UpdatedAt,
		)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provide data: %w", err)
	}

	return &record, nil
}

// SetProvideData inserts or updates a value and returns the stored record
// with its new version.
func (q *Queries) SetProvideData(ctx context.Context, key, value string, at time.Time) (*ProvideDataRecord, error) {
	var (
		query  = fmt.Sprintf(setProvideDataSQL, q.tableName)
		record ProvideDataRecord
		err    = q.db.QueryRowContext(ctx, query, key, value, at).Scan(
			&record.Key, &record.Value, &record.Version, &record.UpdatedAt,
		)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set provide data: %w", err)
	}
	return &record, nil
}

// DeleteProvideData removes a value.
func (q *Queries) DeleteProvideData(ctx context.Context, key string) error {
	var query = fmt.Sprintf(deleteProvideDataSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("failed to delete provide data: %w", err)
	}
	return nil
}
