package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded migration set to db using
// golang-migrate, mirroring tarsy's pkg/database/migrations.go workflow:
// embedded source, driver built from the already-open *sql.DB, no m.Close()
// because that would close the shared connection underneath us.
func runMigrations(db *sql.DB, migrationsTable string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("store: build migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}

// recognizedColumn documents a context column that self-migration may need
// to add to an older database file without rewriting existing rows.
type recognizedColumn struct {
	table, name, ddlType, defaultExpr string
}

// recognizedColumns is the full set of optional envelope context columns.
// All of them already ship in the initial migration; this list exists so
// that a column added to the envelope in a future release gets picked up
// by selfMigrateColumns on databases created before that release, per
// spec §4.1's "schema evolution" requirement: additive only, never
// rewriting existing data.
var recognizedColumns = []recognizedColumn{
	{"queue_messages", "scope_id", "TEXT", "''"},
	{"queue_messages", "taint", "TEXT", "''"},
	{"queue_messages", "task_id", "TEXT", "''"},
	{"queue_messages", "parent_task_id", "TEXT", "''"},
	{"queue_messages", "work_item_id", "TEXT", "''"},
	{"queue_messages", "approval_token", "TEXT", "''"},
	{"queue_messages", "tool_allowlist", "TEXT", "'[]'"},
	{"queue_messages", "urgency", "TEXT", "'informational'"},
}

// selfMigrateColumns adds any recognized column missing from its table.
// Existing rows receive the column's default; no existing value is ever
// rewritten.
func selfMigrateColumns(db *sql.DB) error {
	present := make(map[string]bool)
	tables := map[string]bool{}
	for _, c := range recognizedColumns {
		tables[c.table] = true
	}
	for table := range tables {
		rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return fmt.Errorf("store: inspect table %s: %w", table, err)
		}
		for rows.Next() {
			var (
				cid        int
				name, typ  string
				notnull    int
				dfltValue  any
				pk         int
			)
			if err := rows.Scan(&cid, &name, &typ, &notnull, &dfltValue, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan table_info(%s): %w", table, err)
			}
			present[table+"."+name] = true
		}
		rows.Close()
	}

	for _, c := range recognizedColumns {
		key := c.table + "." + c.name
		if present[key] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s NOT NULL DEFAULT %s",
			c.table, c.name, c.ddlType, c.defaultExpr)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store: add column %s: %w", key, err)
		}
	}
	return nil
}
