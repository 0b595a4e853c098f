package db

import (
	"database/sql"
	"fmt"
)

// compatColumn is one additive column the schema-compatibility pass
// ensures exists, for databases created before that column was added to
// the goose migration history (spec §4.1: "no destructive migrations").
type compatColumn struct {
	table      string
	column     string
	definition string
}

var compatColumns = []compatColumn{
	{"tasks", "terminal_backend", "TEXT"},
	{"tasks", "agent_backend", "TEXT"},
	{"tasks", "base_branch", "TEXT"},
}

// RunSchemaCompat performs a lightweight additive pass: for each known
// legacy column, add it if missing. It never drops or alters existing
// columns.
func RunSchemaCompat(conn *sql.DB) error {
	for _, col := range compatColumns {
		exists, err := columnExists(conn, col.table, col.column)
		if err != nil {
			return fmt.Errorf("schema compat: check %s.%s: %w", col.table, col.column, err)
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, col.definition)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema compat: add %s.%s: %w", col.table, col.column, err)
		}
	}
	return nil
}

func columnExists(conn *sql.DB, table, column string) (bool, error) {
	rows, err := conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
