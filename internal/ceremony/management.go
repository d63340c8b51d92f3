package ceremony

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// Management runs the passkey housekeeping ceremonies for a signed-in
// identity: adding a credential and deleting one. Both mutations sit behind
// the step-up gate.
type Management struct {
	registry *passkey.Registry
	provider Provider
	parser   Parser
	gate     *StepUpGate
	scope    string
	clock    func() time.Time
}

// NewManagement builds a management ceremony with default collaborators.
func NewManagement(registry *passkey.Registry, provider Provider, gate *StepUpGate) *Management {
	return &Management{
		registry: registry,
		provider: provider,
		parser:   DefaultParser{},
		gate:     gate,
		scope:    DefaultScope,
		clock:    time.Now,
	}
}

// WithParser overrides the attestation parser.
func (c *Management) WithParser(parser Parser) *Management {
	c.parser = parser
	return c
}

// WithScope overrides the session key scope.
func (c *Management) WithScope(scope string) *Management {
	c.scope = scope
	return c
}

// WithClock overrides the time source.
func (c *Management) WithClock(clock func() time.Time) *Management {
	c.clock = clock
	return c
}

// NewCreateChallenge issues creation options for adding a credential to an
// existing account. Every credential the account already owns is listed in
// excludeCredentials, so an enrolled authenticator cannot enroll twice.
func (c *Management) NewCreateChallenge(ctx context.Context, sess Session, ident identity.Identity) (*protocol.CredentialCreation, error) {
	externalIDs, err := c.registry.ExternalIDsForIdentity(ctx, ident.ID, "")
	if err != nil {
		return nil, fmt.Errorf("list credential ids: %w", err)
	}
	exclusions := make([]protocol.CredentialDescriptor, 0, len(externalIDs))
	for _, externalID := range externalIDs {
		rawID, err := base64.StdEncoding.DecodeString(externalID)
		if err != nil {
			return nil, fmt.Errorf("decode external id: %w", err)
		}
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: rawID,
		})
	}

	user := &ceremonyUser{handle: ident.WebauthnHandle, name: ident.Email, displayName: ident.Email}
	options, session, err := c.provider.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationRequired,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("begin credential creation: %w", err)
	}

	NewChallengeStore(sess).Put(CreationChallengeKey(c.scope), session.Challenge)
	return options, nil
}

// CreateCredentialRequest carries the client's response to a create
// challenge plus the step-up token authorizing the mutation.
type CreateCredentialRequest struct {
	Label                 string
	Credential            []byte
	ReauthenticationToken string
}

// Create verifies an attestation response and attaches the new credential to
// the signed-in identity.
//
// A response that cannot be parsed abandons the ceremony and clears the
// stored challenge; a verification failure keeps it so the client can retry.
// The step-up token is checked only after the attestation itself holds up,
// and the new credential carries no last-used time until it first signs in.
func (c *Management) Create(ctx context.Context, sess Session, ident identity.Identity, req CreateCredentialRequest) (storage.Credential, error) {
	challenges := NewChallengeStore(sess)
	challengeKey := CreationChallengeKey(c.scope)

	parsed, err := c.parser.ParseCredentialCreationResponseBytes(req.Credential)
	if err != nil {
		challenges.Delete(challengeKey)
		return storage.Credential{}, apperrors.Wrap(apperrors.CodeCredentialParse, "malformed attestation response", err)
	}

	challenge, ok := challenges.Get(challengeKey)
	if !ok {
		return storage.Credential{}, errChallengeMissing()
	}

	user := &ceremonyUser{handle: ident.WebauthnHandle, name: ident.Email, displayName: ident.Email}
	credential, err := c.provider.CreateCredential(user, webauthn.SessionData{
		Challenge:        challenge,
		UserID:           []byte(ident.WebauthnHandle),
		UserVerification: protocol.VerificationRequired,
	}, parsed)
	if err != nil {
		return storage.Credential{}, verificationError(err)
	}

	if !c.gate.Verify(sess, req.ReauthenticationToken) {
		return storage.Credential{}, apperrors.New(apperrors.CodeNotReauthenticated, "reauthentication token missing or stale")
	}

	record, err := c.registry.Create(ctx, passkey.CreateInput{
		IdentityID: ident.ID,
		Label:      req.Label,
		PublicKey:  credential.PublicKey,
		RawID:      credential.ID,
		SignCount:  credential.Authenticator.SignCount,
	})
	if err != nil {
		return storage.Credential{}, err
	}

	challenges.Delete(challengeKey)
	return record, nil
}

// Delete removes one of the identity's credentials.
//
// The last remaining credential can never be deleted; that check runs before
// the step-up token is consumed, so a doomed request does not burn a token.
// A credential that does not exist and one owned by someone else fail
// identically.
func (c *Management) Delete(ctx context.Context, sess Session, ident identity.Identity, credentialID string, suppliedToken string) error {
	target, err := c.findDeletable(ctx, ident, credentialID)
	if err != nil {
		return err
	}

	if !c.gate.Verify(sess, suppliedToken) {
		return apperrors.New(apperrors.CodeNotReauthenticated, "reauthentication token missing or stale")
	}

	if err := c.registry.Delete(ctx, target.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.New(apperrors.CodeNotFound, "passkey not found")
		}
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// EnsureDeletable runs the deletion preconditions without mutating anything:
// the credential must exist, belong to the identity, and not be its last one.
// The destroy-challenge step calls this before issuing assertion options so a
// doomed deletion is rejected before any reauthentication starts.
func (c *Management) EnsureDeletable(ctx context.Context, ident identity.Identity, credentialID string) error {
	_, err := c.findDeletable(ctx, ident, credentialID)
	return err
}

func (c *Management) findDeletable(ctx context.Context, ident identity.Identity, credentialID string) (storage.Credential, error) {
	records, err := c.registry.ListForIdentity(ctx, ident.ID)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("list credentials: %w", err)
	}

	var target *storage.Credential
	for i := range records {
		if records[i].ID == credentialID {
			target = &records[i]
			break
		}
	}
	if target == nil {
		return storage.Credential{}, apperrors.New(apperrors.CodeNotFound, "passkey not found")
	}
	if len(records) <= 1 {
		return storage.Credential{}, apperrors.New(apperrors.CodeMustHaveOnePasskey, "cannot delete the only passkey")
	}
	return *target, nil
}
