package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/passkeys.space/internal/storage"
)

// PutCredential inserts a passkey credential record.
//
// An external_id collision surfaces as storage.ErrDuplicateExternalID so the
// registry can report it as a validation failure rather than a server fault.
func (s *Store) PutCredential(ctx context.Context, record storage.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(record.IdentityID) == "" {
		return fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(record.ExternalID) == "" {
		return fmt.Errorf("external id is required")
	}

	lastUsed := sql.NullInt64{}
	if record.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*record.LastUsedAt), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO passkey_credentials (
    id, identity_id, label, external_id, public_key, sign_count,
    created_at, updated_at, last_used_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		record.ID,
		record.IdentityID,
		record.Label,
		record.ExternalID,
		record.PublicKey,
		record.SignCount,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
		lastUsed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateExternalID
		}
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

// GetCredential fetches a stored credential by ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return storage.Credential{}, fmt.Errorf("credential id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, selectCredential+" WHERE id = ?", credentialID)
	return scanCredential(row)
}

// GetCredentialByExternalID fetches a stored credential by its unique
// authenticator-issued external ID.
func (s *Store) GetCredentialByExternalID(ctx context.Context, externalID string) (storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return storage.Credential{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Credential{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(externalID) == "" {
		return storage.Credential{}, fmt.Errorf("external id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, selectCredential+" WHERE external_id = ?", externalID)
	return scanCredential(row)
}

// ListCredentialsByIdentity returns the credentials owned by an identity,
// oldest first.
func (s *Store) ListCredentialsByIdentity(ctx context.Context, identityID string) ([]storage.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(identityID) == "" {
		return nil, fmt.Errorf("identity id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, selectCredential+" WHERE identity_id = ? ORDER BY created_at, id", identityID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var credentials []storage.Credential
	for rows.Next() {
		record, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		credentials = append(credentials, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return credentials, nil
}

// UpdateCredentialLastUsed records a successful authentication use.
// Only last_used_at moves; sign_count stays as reported at registration.
func (s *Store) UpdateCredentialLastUsed(ctx context.Context, credentialID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE passkey_credentials SET last_used_at = ?, updated_at = ? WHERE id = ?
`, toMillis(at), toMillis(at), credentialID)
	if err != nil {
		return fmt.Errorf("update credential last used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update credential last used: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteCredential removes a passkey credential.
func (s *Store) DeleteCredential(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(credentialID) == "" {
		return fmt.Errorf("credential id is required")
	}
	_, err := s.sqlDB.ExecContext(ctx, "DELETE FROM passkey_credentials WHERE id = ?", credentialID)
	if err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

const selectCredential = `
SELECT id, identity_id, label, external_id, public_key, sign_count,
       created_at, updated_at, last_used_at
FROM passkey_credentials`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (storage.Credential, error) {
	var record storage.Credential
	var createdAt int64
	var updatedAt int64
	var lastUsed sql.NullInt64
	err := row.Scan(
		&record.ID,
		&record.IdentityID,
		&record.Label,
		&record.ExternalID,
		&record.PublicKey,
		&record.SignCount,
		&createdAt,
		&updatedAt,
		&lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Credential{}, storage.ErrNotFound
		}
		return storage.Credential{}, fmt.Errorf("scan credential: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		value := fromMillis(lastUsed.Int64)
		record.LastUsedAt = &value
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed") || strings.Contains(value, "constraint failed: unique")
}
