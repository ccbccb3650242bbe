// Package sqlite holds small helpers shared by the sqlite-backed
// repository, mostly around schema evolution since sqlite has no
// "ADD COLUMN IF NOT EXISTS".
package sqlite

import (
	"database/sql"
	"fmt"
)

// BoolToInt maps a bool to sqlite's 0/1 integer encoding.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// EnsureColumn adds column to table with the given definition unless it's
// already present, letting callers run idempotent in-place migrations on
// every startup.
func EnsureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// ColumnExists reports whether table has a column named column, via
// PRAGMA table_info since sqlite lacks information_schema.
func ColumnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

