package ceremony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// Registration runs the sign-up ceremony: issue creation options for a
// not-yet-existing account, then verify the attestation and create the
// identity together with its first credential.
type Registration struct {
	identities      storage.IdentityStore
	registry        *passkey.Registry
	provider        Provider
	parser          Parser
	scope           string
	displayField    string
	clock           func() time.Time
	idGenerator     func() (string, error)
	handleGenerator func() (string, error)
}

// NewRegistration builds a registration ceremony with default collaborators.
func NewRegistration(identities storage.IdentityStore, registry *passkey.Registry, provider Provider) *Registration {
	return &Registration{
		identities:      identities,
		registry:        registry,
		provider:        provider,
		parser:          DefaultParser{},
		scope:           DefaultScope,
		displayField:    "email",
		clock:           time.Now,
		handleGenerator: GenerateUserHandle,
	}
}

// WithParser overrides the attestation parser.
func (c *Registration) WithParser(parser Parser) *Registration {
	c.parser = parser
	return c
}

// WithScope overrides the session key scope.
func (c *Registration) WithScope(scope string) *Registration {
	c.scope = scope
	return c
}

// WithDisplayField names the identity attribute whose presence is required
// before the ceremony may start or complete. Precondition failures report
// this name.
func (c *Registration) WithDisplayField(field string) *Registration {
	if field != "" {
		c.displayField = field
	}
	return c
}

// WithClock overrides the time source.
func (c *Registration) WithClock(clock func() time.Time) *Registration {
	c.clock = clock
	return c
}

// WithIDGenerator overrides the identity ID generator.
func (c *Registration) WithIDGenerator(generator func() (string, error)) *Registration {
	c.idGenerator = generator
	return c
}

// WithHandleGenerator overrides the WebAuthn user handle generator.
func (c *Registration) WithHandleGenerator(generator func() (string, error)) *Registration {
	c.handleGenerator = generator
	return c
}

// NewChallenge issues creation options for a prospective account and stores
// the challenge and generated user handle in the session. A repeated call
// replaces both, invalidating the earlier ceremony.
func (c *Registration) NewChallenge(ctx context.Context, sess Session, email string) (*protocol.CredentialCreation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, c.missingFieldError()
	}

	handle, err := c.handleGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate user handle: %w", err)
	}

	user := &ceremonyUser{handle: handle, name: email, displayName: email}
	options, session, err := c.provider.BeginRegistration(user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("begin registration: %w", err)
	}

	challenges := NewChallengeStore(sess)
	challenges.Put(RegistrationChallengeKey(c.scope), session.Challenge)
	challenges.Put(RegistrationUserHandleKey(c.scope), handle)
	return options, nil
}

// CreateRequest carries the client's response to a registration challenge.
type CreateRequest struct {
	Email      string
	Label      string
	Credential []byte
}

// Create verifies an attestation response against the stored challenge and
// persists the new identity and its first credential.
//
// Precondition failures (missing email or label) abandon the ceremony and
// clear the stored challenge. Parse and verification failures keep the
// challenge so the client can retry with the same options.
func (c *Registration) Create(ctx context.Context, sess Session, req CreateRequest) (identity.Identity, storage.Credential, error) {
	challenges := NewChallengeStore(sess)
	challengeKey := RegistrationChallengeKey(c.scope)
	handleKey := RegistrationUserHandleKey(c.scope)

	abandon := func(err error) (identity.Identity, storage.Credential, error) {
		challenges.Delete(challengeKey)
		challenges.Delete(handleKey)
		return identity.Identity{}, storage.Credential{}, err
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return abandon(c.missingFieldError())
	}
	if strings.TrimSpace(req.Label) == "" {
		return abandon(apperrors.New(apperrors.CodePasskeyLabelMissing, "passkey label is required"))
	}

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(req.Credential)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, apperrors.Wrap(apperrors.CodeCredentialParse, "malformed attestation response", err)
	}

	challenge, ok := challenges.Get(challengeKey)
	if !ok {
		return identity.Identity{}, storage.Credential{}, errChallengeMissing()
	}
	handle, ok := challenges.Get(handleKey)
	if !ok {
		return identity.Identity{}, storage.Credential{}, errChallengeMissing()
	}

	user := &ceremonyUser{handle: handle, name: email, displayName: email}
	credential, err := c.provider.CreateCredential(user, webauthn.SessionData{
		Challenge:        challenge,
		UserID:           []byte(handle),
		UserVerification: protocol.VerificationRequired,
	}, parsed)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, verificationError(err)
	}

	if _, err := c.identities.GetIdentityByEmail(ctx, email); err == nil {
		return identity.Identity{}, storage.Credential{}, apperrors.New(apperrors.CodeEmailTaken, "email is already registered")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("look up email: %w", err)
	}

	ident, err := identity.Create(identity.CreateInput{
		Email:          email,
		WebauthnHandle: handle,
	}, c.clock, c.idGenerator)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, err
	}
	if err := c.identities.PutIdentity(ctx, ident); err != nil {
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("store identity: %w", err)
	}

	// Registration counts as the first use of the credential.
	firstUse := c.clock().UTC()
	record, err := c.registry.Create(ctx, passkey.CreateInput{
		IdentityID: ident.ID,
		Label:      req.Label,
		PublicKey:  credential.PublicKey,
		RawID:      credential.ID,
		SignCount:  credential.Authenticator.SignCount,
		LastUsedAt: &firstUse,
	})
	if err != nil {
		// Roll back the identity so a retry can reuse the email.
		_ = c.identities.DeleteIdentity(ctx, ident.ID)
		return identity.Identity{}, storage.Credential{}, err
	}

	challenges.Delete(challengeKey)
	challenges.Delete(handleKey)
	return ident, record, nil
}

// missingFieldError reports the configured display field as absent.
func (c *Registration) missingFieldError() error {
	return apperrors.WithMetadata(apperrors.CodeIdentityFieldMissing,
		c.displayField+" is required", map[string]string{"field": c.displayField})
}
