package database

import (
	"database/sql"
	"fmt"
)

var (
	createProvideDataTableSQL = `
CREATE TABLE IF NOT EXISTS %s_provide_data (
    data_key      VARCHAR       NOT NULL,
    data_value    TEXT          NOT NULL,
    version       BIGINT        NOT NULL,
    updated_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (data_key)
);`

	createProvideDataIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_provide_data (updated_at);`
)

// Migrate creates the provide data table with its indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createProvideDataTable(db, tableName); err != nil {
		return err
	}

	if err := createProvideDataIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createProvideDataTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createProvideDataTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create provide data table: %w", err)
	}
	return nil
}

func createProvideDataIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_provide_data_updated_idx", tableName)
		query     = fmt.Sprintf(createProvideDataIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create provide data index: %w", err)
	}
	return nil
}
