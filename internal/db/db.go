package db

import (
	"database/sql"
	"fmt"
	"sort"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the sqlite handle. The connection pool is pinned to a single
// connection so every read-modify-write on a job row is serialized by the
// database itself.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	handle, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)

	if err := runMigrations(handle); err != nil {
		handle.Close()
		return nil, err
	}

	return &Store{db: handle}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Migration struct {
	Version string
	SQL     string
}

func migrations() []Migration {
	return []Migration{
		{
			Version: "001_initial",
			SQL: `
				CREATE TABLE IF NOT EXISTS print_jobs (
					id TEXT PRIMARY KEY,
					queue TEXT NOT NULL,
					username TEXT NOT NULL,
					file_name TEXT NOT NULL DEFAULT '',
					file_path TEXT,
					received DATETIME,
					processed DATETIME,
					printed DATETIME,
					failed DATETIME,
					delete_data_on DATETIME,
					pages INTEGER NOT NULL DEFAULT 0,
					color_pages INTEGER NOT NULL DEFAULT 0,
					destination INTEGER,
					eta INTEGER NOT NULL DEFAULT 0,
					refunded INTEGER NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_print_jobs_username ON print_jobs(username);
				CREATE INDEX IF NOT EXISTS idx_print_jobs_destination ON print_jobs(destination);

				CREATE TABLE IF NOT EXISTS print_queues (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL DEFAULT '',
					destinations_json TEXT NOT NULL DEFAULT '[]',
					strategy TEXT NOT NULL DEFAULT 'fiftyfifty',
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS destinations (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					up INTEGER NOT NULL DEFAULT 0,
					pages_per_minute REAL NOT NULL DEFAULT 10,
					down_reason TEXT NOT NULL DEFAULT '',
					down_reporter TEXT NOT NULL DEFAULT '',
					transfer_path TEXT NOT NULL DEFAULT '',
					transfer_domain TEXT NOT NULL DEFAULT '',
					transfer_user TEXT NOT NULL DEFAULT '',
					transfer_password TEXT NOT NULL DEFAULT '',
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);

				CREATE TABLE IF NOT EXISTS users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					username TEXT NOT NULL UNIQUE,
					role TEXT NOT NULL DEFAULT '',
					color_enabled INTEGER NOT NULL DEFAULT 0,
					groups_json TEXT NOT NULL DEFAULT '[]',
					semesters_json TEXT NOT NULL DEFAULT '[]',
					created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
				);
			`,
		},
	}
}

func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	all := migrations()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})

	for _, m := range all {
		if applied[m.Version] {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", m.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", m.Version, err)
		}
	}

	return nil
}
