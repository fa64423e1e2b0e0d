package migrations

import "database/sql"

// InitFeedMigrations registers the schema of a feed database.
func InitFeedMigrations(runner *Runner) {
	runner.AddMigration(
		1,
		"Create blocks table",
		`CREATE TABLE blocks (
			idx INTEGER PRIMARY KEY,
			data BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		2,
		"Create tree nodes table",
		`CREATE TABLE nodes (
			idx INTEGER PRIMARY KEY,
			hash BLOB NOT NULL,
			size INTEGER NOT NULL
		)`,
	)

	runner.AddMigration(
		3,
		"Create signatures table",
		`CREATE TABLE signatures (
			length INTEGER PRIMARY KEY,
			signature BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		4,
		"Create metadata table",
		`CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	)

	runner.AddMigration(
		5,
		"Create trigger for metadata updated_at",
		`CREATE TRIGGER trig_metadata_updated_at
		AFTER UPDATE ON metadata
		BEGIN
			UPDATE metadata SET updated_at = CURRENT_TIMESTAMP WHERE key = NEW.key;
		END`,
	)
}

// BootstrapFeed brings a feed database to the latest schema.
func BootstrapFeed(db *sql.DB) error {
	runner := NewRunner(db)
	InitFeedMigrations(runner)
	_, err := runner.Run()
	return err
}
