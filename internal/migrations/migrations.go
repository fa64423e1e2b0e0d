package migrations

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/colmeia/colmeia/internal/log"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// Runner applies migrations that have not been recorded yet.
type Runner struct {
	db         *sql.DB
	migrations []Migration
}

// NewRunner creates a new migrations runner
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// AddMigration registers a migration. Versions must be unique.
func (r *Runner) AddMigration(version int, description, sql string) {
	r.migrations = append(r.migrations, Migration{
		Version:     version,
		Description: description,
		SQL:         sql,
	})
}

func (r *Runner) ensureMigrationsTable() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS _migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

func (r *Runner) appliedVersions() (map[int]bool, error) {
	rows, err := r.db.Query("SELECT version FROM _migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Run applies every pending migration in version order, each in its own
// transaction, and returns how many were applied.
func (r *Runner) Run() (int, error) {
	if err := r.ensureMigrationsTable(); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := r.appliedVersions()
	if err != nil {
		return 0, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	pending := make([]Migration, 0, len(r.migrations))
	for _, m := range r.migrations {
		if !applied[m.Version] {
			pending = append(pending, m)
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].Version < pending[b].Version })

	for _, m := range pending {
		if err := r.apply(m); err != nil {
			return 0, err
		}
		log.Debug().Int("version", m.Version).Str("description", m.Description).Msg("Applied migration")
	}
	return len(pending), nil
}

func (r *Runner) apply(m Migration) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(m.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}
	_, err = tx.Exec(
		"INSERT INTO _migrations (version, description, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Description, time.Now().UTC(),
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
