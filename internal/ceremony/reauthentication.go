package ceremony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/platform/token"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// Reauthentication runs the step-up ceremony: an already signed-in identity
// proves recent possession of one of its own credentials and is issued a
// one-time token for a guarded mutation.
type Reauthentication struct {
	registry       *passkey.Registry
	provider       Provider
	parser         Parser
	scope          string
	clock          func() time.Time
	tokenGenerator func() (string, error)
}

// NewReauthentication builds a reauthentication ceremony with default
// collaborators.
func NewReauthentication(registry *passkey.Registry, provider Provider) *Reauthentication {
	return &Reauthentication{
		registry: registry,
		provider: provider,
		parser:   DefaultParser{},
		scope:    DefaultScope,
		clock:    time.Now,
		tokenGenerator: func() (string, error) {
			return token.Generate(token.DefaultLength)
		},
	}
}

// WithParser overrides the assertion parser.
func (c *Reauthentication) WithParser(parser Parser) *Reauthentication {
	c.parser = parser
	return c
}

// WithScope overrides the session key scope.
func (c *Reauthentication) WithScope(scope string) *Reauthentication {
	c.scope = scope
	return c
}

// WithClock overrides the time source.
func (c *Reauthentication) WithClock(clock func() time.Time) *Reauthentication {
	c.clock = clock
	return c
}

// WithTokenGenerator overrides the step-up token generator.
func (c *Reauthentication) WithTokenGenerator(generator func() (string, error)) *Reauthentication {
	c.tokenGenerator = generator
	return c
}

// NewChallenge issues assertion options restricted to the signed-in
// identity's own credentials and stores the step-up challenge. Any token from
// an earlier completed ceremony is invalidated, so a stale token cannot pass
// the gate while this ceremony is in flight.
//
// excludeCredentialID optionally drops one credential from the allow list,
// for flows where the excluded credential is itself the mutation target.
func (c *Reauthentication) NewChallenge(ctx context.Context, sess Session, ident identity.Identity, excludeCredentialID string) (*protocol.CredentialAssertion, error) {
	records, err := c.registry.ListForIdentity(ctx, ident.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	allowed := records[:0:0]
	for _, record := range records {
		if excludeCredentialID != "" && record.ID == excludeCredentialID {
			continue
		}
		allowed = append(allowed, record)
	}

	user, err := userForIdentity(ident, allowed)
	if err != nil {
		return nil, fmt.Errorf("build webauthn user: %w", err)
	}
	options, session, err := c.provider.BeginLogin(user,
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("begin reauthentication: %w", err)
	}

	challenges := NewChallengeStore(sess)
	challenges.Delete(ReauthenticationTokenKey(c.scope))
	challenges.Put(ReauthenticationChallengeKey(c.scope), session.Challenge)
	return options, nil
}

// Reauthenticate verifies an assertion from the signed-in identity and issues
// a fresh one-time step-up token.
//
// The stored step-up challenge is consumed exactly once, up front, whether or
// not verification succeeds.
func (c *Reauthentication) Reauthenticate(ctx context.Context, sess Session, ident identity.Identity, credential []byte) (string, error) {
	challenges := NewChallengeStore(sess)
	challenge, hasChallenge := challenges.Consume(ReauthenticationChallengeKey(c.scope))

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(credential)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeCredentialParse, "malformed assertion response", err)
	}
	if !hasChallenge {
		return "", errChallengeMissing()
	}

	externalID := passkey.EncodeCredentialID(parsed.RawID)
	record, err := c.registry.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", apperrors.New(apperrors.CodeCredentialNotFound, "no credential matches the assertion")
		}
		return "", fmt.Errorf("look up credential: %w", err)
	}
	// Step-up only accepts the signed-in identity's own credentials; someone
	// else's valid passkey reads the same as an unknown one.
	if record.IdentityID != ident.ID {
		return "", apperrors.New(apperrors.CodeCredentialNotFound, "no credential matches the assertion")
	}

	records, err := c.registry.ListForIdentity(ctx, ident.ID)
	if err != nil {
		return "", fmt.Errorf("list credentials: %w", err)
	}
	user, err := userForIdentity(ident, records)
	if err != nil {
		return "", fmt.Errorf("build webauthn user: %w", err)
	}

	if _, err := c.provider.ValidateLogin(user, webauthn.SessionData{
		Challenge:        challenge,
		UserID:           user.WebAuthnID(),
		UserVerification: protocol.VerificationRequired,
	}, parsed); err != nil {
		return "", verificationError(err)
	}

	if err := c.registry.RecordUse(ctx, record.ID, c.clock().UTC()); err != nil {
		return "", fmt.Errorf("record credential use: %w", err)
	}

	stepUpToken, err := c.tokenGenerator()
	if err != nil {
		return "", fmt.Errorf("generate reauthentication token: %w", err)
	}
	challenges.Put(ReauthenticationTokenKey(c.scope), stepUpToken)
	return stepUpToken, nil
}
