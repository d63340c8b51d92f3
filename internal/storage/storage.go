// Package storage defines persistence contracts for the passkey service.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/platform/errors"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrDuplicateExternalID indicates a credential external ID collision.
var ErrDuplicateExternalID = errors.New(errors.CodeCredentialDuplicate, "credential external id already exists")

// IdentityStore persists account identity records.
type IdentityStore interface {
	PutIdentity(ctx context.Context, record identity.Identity) error
	GetIdentity(ctx context.Context, identityID string) (identity.Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error)
	DeleteIdentity(ctx context.Context, identityID string) error
}

// Credential stores a passkey credential bound to one identity.
//
// ExternalID is the standard-base64 encoding of the raw authenticator
// credential ID and is unique across all identities.
type Credential struct {
	ID         string
	IdentityID string
	Label      string
	ExternalID string
	PublicKey  []byte
	SignCount  uint32
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastUsedAt *time.Time
}

// CredentialStore persists passkey credential records.
type CredentialStore interface {
	PutCredential(ctx context.Context, record Credential) error
	GetCredential(ctx context.Context, credentialID string) (Credential, error)
	GetCredentialByExternalID(ctx context.Context, externalID string) (Credential, error)
	ListCredentialsByIdentity(ctx context.Context, identityID string) ([]Credential, error)
	UpdateCredentialLastUsed(ctx context.Context, credentialID string, at time.Time) error
	DeleteCredential(ctx context.Context, credentialID string) error
}

// WebSession stores one user agent's server-side session state.
//
// DataJSON is an opaque string-keyed bag holding ceremony challenges and
// tokens; IdentityID is set once the session is authenticated.
type WebSession struct {
	ID         string
	IdentityID string
	DataJSON   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WebSessionStore persists web session records.
type WebSessionStore interface {
	PutWebSession(ctx context.Context, session WebSession) error
	GetWebSession(ctx context.Context, sessionID string) (WebSession, error)
	DeleteWebSession(ctx context.Context, sessionID string) error
}
