package journal

import (
	"database/sql"

	"codeberg.org/mutker/shadowmon/internal/errors"
	"codeberg.org/mutker/shadowmon/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS outcomes (
	       token        TEXT PRIMARY KEY,
	       thing        TEXT NOT NULL,
	       operation    TEXT NOT NULL CHECK (operation IN ('update', 'delete')),
	       status       TEXT NOT NULL CHECK (status IN ('accepted', 'rejected', 'timeout')),
	       code         INTEGER NOT NULL DEFAULT 0,
	       message      TEXT NOT NULL DEFAULT '',
	       submitted_at INTEGER NOT NULL,
	       resolved_at  INTEGER NOT NULL
	   );
	   CREATE INDEX IF NOT EXISTS outcomes_resolved_at ON outcomes (resolved_at);`

	insertOutcomeSQL = `
    INSERT OR REPLACE INTO outcomes (
        token, thing, operation, status,
        code, message,
        submitted_at, resolved_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	recentOutcomesSQL = `
    SELECT token, thing, operation, status, code, message, submitted_at, resolved_at
    FROM outcomes
    ORDER BY resolved_at DESC, rowid DESC
    LIMIT ?`

	tableCountSQL    = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	schemaVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM schema_versions`
	recordVersionSQL = `INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`
)

// initSchema creates the tables and records SchemaVersion.
func initSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating journal database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(recordVersionSQL, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Journal schema initialized")

	return nil
}

// schemaVersion returns the highest applied version, or 0 for a fresh file.
func schemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	var tables int
	if err := db.QueryRow(tableCountSQL, "schema_versions").Scan(&tables); err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if tables == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow(schemaVersionSQL).Scan(&version); err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}
