// Package identity provides account identity management.
package identity

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/id"
)

// ErrEmptyEmail indicates a missing email address.
var ErrEmptyEmail = apperrors.WithMetadata(apperrors.CodeIdentityFieldMissing, "email is required", map[string]string{"field": "Email"})

// Identity represents an account that owns passkey credentials.
//
// WebauthnHandle is the opaque user handle bound into credentials at
// registration time. It never changes once set, even if the email does.
type Identity struct {
	ID             string
	Email          string
	WebauthnHandle string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CreateInput describes the metadata needed to create an identity.
type CreateInput struct {
	Email          string
	WebauthnHandle string
}

// Create builds a durable identity from validated input.
//
// This is the canonical point where untrusted registration data becomes a
// stable account used by the authentication and management ceremonies.
func Create(input CreateInput, now func() time.Time, idGenerator func() (string, error)) (Identity, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	normalized, err := NormalizeCreateInput(input)
	if err != nil {
		return Identity{}, err
	}

	identityID, err := idGenerator()
	if err != nil {
		return Identity{}, fmt.Errorf("generate identity id: %w", err)
	}

	createdAt := now().UTC()
	return Identity{
		ID:             identityID,
		Email:          normalized.Email,
		WebauthnHandle: normalized.WebauthnHandle,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}, nil
}

// NormalizeCreateInput trims and normalizes input before validation.
func NormalizeCreateInput(input CreateInput) (CreateInput, error) {
	input.Email = strings.ToLower(strings.TrimSpace(input.Email))
	if input.Email == "" {
		return CreateInput{}, ErrEmptyEmail
	}
	input.WebauthnHandle = strings.TrimSpace(input.WebauthnHandle)
	return input, nil
}
