package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/passkeys.space/internal/storage"
)

// PutWebSession inserts or replaces a web session record.
func (s *Store) PutWebSession(ctx context.Context, session storage.WebSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.DataJSON) == "" {
		session.DataJSON = "{}"
	}

	identityID := sql.NullString{}
	if strings.TrimSpace(session.IdentityID) != "" {
		identityID = sql.NullString{String: session.IdentityID, Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO web_sessions (id, identity_id, data_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    identity_id = excluded.identity_id,
    data_json = excluded.data_json,
    updated_at = excluded.updated_at
`,
		session.ID,
		identityID,
		session.DataJSON,
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put web session: %w", err)
	}
	return nil
}

// GetWebSession fetches a web session by ID.
func (s *Store) GetWebSession(ctx context.Context, sessionID string) (storage.WebSession, error) {
	if err := ctx.Err(); err != nil {
		return storage.WebSession{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.WebSession{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return storage.WebSession{}, fmt.Errorf("session id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, identity_id, data_json, created_at, updated_at
FROM web_sessions
WHERE id = ?
`, sessionID)

	var session storage.WebSession
	var identityID sql.NullString
	var createdAt int64
	var updatedAt int64
	err := row.Scan(&session.ID, &identityID, &session.DataJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.WebSession{}, storage.ErrNotFound
		}
		return storage.WebSession{}, fmt.Errorf("scan web session: %w", err)
	}
	if identityID.Valid {
		session.IdentityID = identityID.String
	}
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	return session, nil
}

// DeleteWebSession removes a web session.
func (s *Store) DeleteWebSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM web_sessions WHERE id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete web session: %w", err)
	}
	return nil
}
