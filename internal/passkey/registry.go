package passkey

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/id"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// ErrBlankLabel indicates a passkey created without a label.
var ErrBlankLabel = apperrors.New(apperrors.CodePasskeyLabelEmpty, "passkey label cannot be blank")

// EncodeCredentialID returns the canonical stored form of a raw
// authenticator credential ID.
func EncodeCredentialID(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// Registry looks up and persists passkey credentials bound to identities.
//
// All credential writes flow through here so label and uniqueness rules hold
// no matter which ceremony created the record.
type Registry struct {
	store       storage.CredentialStore
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewRegistry builds a registry over the given credential store.
func NewRegistry(store storage.CredentialStore) *Registry {
	return &Registry{
		store:       store,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// WithClock overrides the registry clock, for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// WithIDGenerator overrides the record ID generator, for tests.
func (r *Registry) WithIDGenerator(generator func() (string, error)) *Registry {
	r.idGenerator = generator
	return r
}

// CreateInput describes a verified credential ready to persist.
type CreateInput struct {
	IdentityID string
	Label      string
	PublicKey  []byte
	RawID      []byte
	SignCount  uint32
	// LastUsedAt is set for sign-up registration (registration counts as the
	// first use) and nil when adding a credential to an existing account.
	LastUsedAt *time.Time
}

// Create persists a new credential for an identity.
//
// A blank label or an external ID collision fails validation; both are
// surfaced as domain errors rather than storage faults.
func (r *Registry) Create(ctx context.Context, input CreateInput) (storage.Credential, error) {
	if r == nil || r.store == nil {
		return storage.Credential{}, fmt.Errorf("credential store is not configured")
	}
	if strings.TrimSpace(input.IdentityID) == "" {
		return storage.Credential{}, fmt.Errorf("identity id is required")
	}
	if strings.TrimSpace(input.Label) == "" {
		return storage.Credential{}, ErrBlankLabel
	}
	if len(input.RawID) == 0 {
		return storage.Credential{}, fmt.Errorf("raw credential id is required")
	}

	recordID, err := r.idGenerator()
	if err != nil {
		return storage.Credential{}, fmt.Errorf("generate credential id: %w", err)
	}

	now := r.clock().UTC()
	record := storage.Credential{
		ID:         recordID,
		IdentityID: input.IdentityID,
		Label:      strings.TrimSpace(input.Label),
		ExternalID: EncodeCredentialID(input.RawID),
		PublicKey:  input.PublicKey,
		SignCount:  input.SignCount,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastUsedAt: input.LastUsedAt,
	}
	if err := r.store.PutCredential(ctx, record); err != nil {
		return storage.Credential{}, err
	}
	return record, nil
}

// FindByExternalID resolves a credential by its encoded external ID.
func (r *Registry) FindByExternalID(ctx context.Context, externalID string) (storage.Credential, error) {
	if r == nil || r.store == nil {
		return storage.Credential{}, fmt.Errorf("credential store is not configured")
	}
	return r.store.GetCredentialByExternalID(ctx, externalID)
}

// ListForIdentity returns every credential owned by an identity.
func (r *Registry) ListForIdentity(ctx context.Context, identityID string) ([]storage.Credential, error) {
	if r == nil || r.store == nil {
		return nil, fmt.Errorf("credential store is not configured")
	}
	return r.store.ListCredentialsByIdentity(ctx, identityID)
}

// ExternalIDsForIdentity returns the encoded external IDs owned by an
// identity, minus excludeID when non-empty.
func (r *Registry) ExternalIDsForIdentity(ctx context.Context, identityID string, excludeID string) ([]string, error) {
	credentials, err := r.ListForIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(credentials))
	for _, credential := range credentials {
		if excludeID != "" && credential.ID == excludeID {
			continue
		}
		ids = append(ids, credential.ExternalID)
	}
	return ids, nil
}

// RecordUse marks a credential as used at the given time.
// Only last_used_at moves; sign count verification is delegated to the
// WebAuthn verifier during assertion checks.
func (r *Registry) RecordUse(ctx context.Context, credentialID string, at time.Time) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("credential store is not configured")
	}
	return r.store.UpdateCredentialLastUsed(ctx, credentialID, at.UTC())
}

// Delete hard-deletes a credential. Callers must have already confirmed the
// owner retains at least one other credential.
func (r *Registry) Delete(ctx context.Context, credentialID string) error {
	if r == nil || r.store == nil {
		return fmt.Errorf("credential store is not configured")
	}
	return r.store.DeleteCredential(ctx, credentialID)
}
