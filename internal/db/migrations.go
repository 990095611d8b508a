package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create command history",
		sql: `
CREATE TABLE IF NOT EXISTS commands (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	session_name TEXT NOT NULL DEFAULT '',
	line TEXT NOT NULL,
	blocking INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, created_at);
`,
	},
}

func RunMigrations(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("failed to create _meta table: %w", err)
	}

	current, err := schemaVersion(ctx, conn)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := conn.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := conn.ExecContext(ctx, `
INSERT INTO _meta (key, value) VALUES ('schema_version', ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var raw string
	err := conn.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", raw, err)
	}
	return version, nil
}
