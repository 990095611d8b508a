package db

import (
	"context"
	"database/sql"
	"fmt"
)

type CommandRepo struct {
	db *sql.DB
}

func NewCommandRepo(db *sql.DB) *CommandRepo {
	return &CommandRepo{db: db}
}

func (r *CommandRepo) Create(ctx context.Context, cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is required")
	}
	if cmd.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		cmd.ID = id
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (id, session_id, session_name, line, blocking, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.SessionID,
		cmd.SessionName,
		cmd.Line,
		boolToInt(cmd.Blocking),
		formatTimestamp(cmd.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

func (r *CommandRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, session_id, session_name, line, blocking, created_at
FROM commands
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	out := make([]*Command, 0, limit)
	for rows.Next() {
		var cmd Command
		var blocking int
		var createdAtRaw string
		if err := rows.Scan(
			&cmd.ID,
			&cmd.SessionID,
			&cmd.SessionName,
			&cmd.Line,
			&blocking,
			&createdAtRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		cmd.Blocking = blocking != 0
		var parseErr error
		cmd.CreatedAt, parseErr = parseTimestamp(createdAtRaw)
		if parseErr != nil {
			return nil, parseErr
		}
		out = append(out, &cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating commands: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
