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

// Authentication runs the primary sign-in ceremony with discoverable
// credentials: the client picks a passkey, the server resolves its owner from
// the credential alone.
type Authentication struct {
	identities storage.IdentityStore
	registry   *passkey.Registry
	provider   Provider
	parser     Parser
	scope      string
	clock      func() time.Time
	paranoid   bool

	// AfterAuthentication runs on every successful assertion, before the
	// credential use is recorded. Errors fail the sign-in.
	AfterAuthentication func(ctx context.Context, ident identity.Identity, credential storage.Credential) error
}

// NewAuthentication builds an authentication ceremony with default
// collaborators.
func NewAuthentication(identities storage.IdentityStore, registry *passkey.Registry, provider Provider) *Authentication {
	return &Authentication{
		identities: identities,
		registry:   registry,
		provider:   provider,
		parser:     DefaultParser{},
		scope:      DefaultScope,
		clock:      time.Now,
	}
}

// WithParser overrides the assertion parser.
func (c *Authentication) WithParser(parser Parser) *Authentication {
	c.parser = parser
	return c
}

// WithScope overrides the session key scope.
func (c *Authentication) WithScope(scope string) *Authentication {
	c.scope = scope
	return c
}

// WithClock overrides the time source.
func (c *Authentication) WithClock(clock func() time.Time) *Authentication {
	c.clock = clock
	return c
}

// WithParanoid collapses lookup and verification failures into a single
// authentication-failed answer so callers cannot probe which passkeys exist.
func (c *Authentication) WithParanoid(paranoid bool) *Authentication {
	c.paranoid = paranoid
	return c
}

// NewChallenge issues assertion options and stores the challenge in the
// session, replacing any in-flight one.
//
// With a known email the options carry an allow list of that account's
// credentials; otherwise (or when the email resolves to nothing) the options
// are discoverable with no allow list, so an unknown email is
// indistinguishable from one that skipped the field.
func (c *Authentication) NewChallenge(ctx context.Context, sess Session, email string) (*protocol.CredentialAssertion, error) {
	options, session, err := c.beginLogin(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("begin authentication: %w", err)
	}

	NewChallengeStore(sess).Put(AuthenticationChallengeKey(c.scope), session.Challenge)
	return options, nil
}

func (c *Authentication) beginLogin(ctx context.Context, email string) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email != "" {
		ident, err := c.identities.GetIdentityByEmail(ctx, email)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, err
		}
		if err == nil {
			records, err := c.registry.ListForIdentity(ctx, ident.ID)
			if err != nil {
				return nil, nil, err
			}
			if len(records) > 0 {
				user, err := userForIdentity(ident, records)
				if err != nil {
					return nil, nil, err
				}
				return c.provider.BeginLogin(user,
					webauthn.WithUserVerification(protocol.VerificationRequired),
				)
			}
		}
	}
	return c.provider.BeginDiscoverableLogin(
		webauthn.WithUserVerification(protocol.VerificationRequired),
	)
}

// Authenticate verifies an assertion response against the stored challenge
// and resolves the signing identity.
//
// The stored challenge is deleted whether or not verification succeeds; a
// failed attempt always costs the challenge.
func (c *Authentication) Authenticate(ctx context.Context, sess Session, credential []byte) (identity.Identity, storage.Credential, error) {
	challenges := NewChallengeStore(sess)
	challenge, hasChallenge := challenges.Consume(AuthenticationChallengeKey(c.scope))

	parsed, err := c.parser.ParseCredentialRequestResponseBytes(credential)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, c.disguise(apperrors.Wrap(apperrors.CodeCredentialParse, "malformed assertion response", err))
	}
	if !hasChallenge {
		return identity.Identity{}, storage.Credential{}, c.disguise(errChallengeMissing())
	}

	externalID := passkey.EncodeCredentialID(parsed.RawID)
	record, err := c.registry.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, storage.Credential{}, c.disguise(apperrors.New(apperrors.CodeCredentialNotFound, "no credential matches the assertion"))
		}
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("look up credential: %w", err)
	}

	ident, err := c.identities.GetIdentity(ctx, record.IdentityID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return identity.Identity{}, storage.Credential{}, c.disguise(apperrors.New(apperrors.CodeIdentityInvalid, "credential owner no longer exists"))
		}
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("look up identity: %w", err)
	}

	records, err := c.registry.ListForIdentity(ctx, ident.ID)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("list credentials: %w", err)
	}
	user, err := userForIdentity(ident, records)
	if err != nil {
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("build webauthn user: %w", err)
	}

	if _, err := c.provider.ValidateLogin(user, webauthn.SessionData{
		Challenge:        challenge,
		UserID:           user.WebAuthnID(),
		UserVerification: protocol.VerificationRequired,
	}, parsed); err != nil {
		return identity.Identity{}, storage.Credential{}, c.disguise(verificationError(err))
	}

	// The hook runs before the credential is marked used so a hook failure
	// leaves no trace of the attempt.
	if c.AfterAuthentication != nil {
		if err := c.AfterAuthentication(ctx, ident, record); err != nil {
			return identity.Identity{}, storage.Credential{}, fmt.Errorf("after authentication: %w", err)
		}
	}

	if err := c.registry.RecordUse(ctx, record.ID, c.clock().UTC()); err != nil {
		return identity.Identity{}, storage.Credential{}, fmt.Errorf("record credential use: %w", err)
	}
	return ident, record, nil
}

// disguise hides the concrete failure in paranoid mode so probing a
// nonexistent credential and failing a signature look identical.
func (c *Authentication) disguise(err error) error {
	if !c.paranoid {
		return err
	}
	return apperrors.Wrap(apperrors.CodeAuthenticationFailed, "authentication failed", err)
}
