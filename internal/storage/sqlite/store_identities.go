package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// PutIdentity inserts or replaces an identity record.
func (s *Store) PutIdentity(ctx context.Context, record identity.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(record.Email) == "" {
		return fmt.Errorf("identity email is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO identities (id, email, webauthn_handle, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    email = excluded.email,
    webauthn_handle = excluded.webauthn_handle,
    updated_at = excluded.updated_at
`,
		record.ID,
		record.Email,
		record.WebauthnHandle,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// GetIdentity fetches an identity by ID.
func (s *Store) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return identity.Identity{}, fmt.Errorf("identity id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, webauthn_handle, created_at, updated_at
FROM identities
WHERE id = ?
`, identityID)
	return scanIdentity(row)
}

// GetIdentityByEmail fetches an identity by normalized email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return identity.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return identity.Identity{}, fmt.Errorf("storage is not configured")
	}
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" {
		return identity.Identity{}, fmt.Errorf("email is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, email, webauthn_handle, created_at, updated_at
FROM identities
WHERE email = ?
`, normalized)
	return scanIdentity(row)
}

// DeleteIdentity removes an identity and, via cascade, its credentials.
func (s *Store) DeleteIdentity(ctx context.Context, identityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", identityID)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}

func scanIdentity(row *sql.Row) (identity.Identity, error) {
	var record identity.Identity
	var createdAt int64
	var updatedAt int64
	err := row.Scan(&record.ID, &record.Email, &record.WebauthnHandle, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Identity{}, storage.ErrNotFound
		}
		return identity.Identity{}, fmt.Errorf("scan identity: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
