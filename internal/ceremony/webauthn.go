package ceremony

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// Provider is the WebAuthn crypto collaborator: options generation plus
// attestation/assertion verification. The concrete implementation is
// go-webauthn; ceremonies only see this surface.
type Provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// Parser decodes raw attestation and assertion payloads.
type Parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

// DefaultParser parses payloads with go-webauthn's protocol package.
type DefaultParser struct{}

func (DefaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (DefaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// NewProvider builds the go-webauthn relying party from service config.
func NewProvider(cfg passkey.Config) (*webauthn.WebAuthn, error) {
	timeout := webauthn.TimeoutConfig{
		Enforce:    false,
		Timeout:    cfg.Timeout,
		TimeoutUVD: cfg.Timeout,
	}
	return webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
}

// GenerateUserHandle returns a fresh opaque user handle carrying 64 bytes of
// entropy, URL-safe encoded so it can live in session and option payloads.
func GenerateUserHandle() (string, error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ceremonyUser adapts an identity and its stored credentials to the
// webauthn.User contract.
type ceremonyUser struct {
	handle      string
	name        string
	displayName string
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.handle)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.name
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.displayName
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// userForIdentity builds a webauthn.User from an identity and its stored
// credential records.
func userForIdentity(ident identity.Identity, records []storage.Credential) (*ceremonyUser, error) {
	credentials, err := decodeStoredCredentials(records)
	if err != nil {
		return nil, err
	}
	return &ceremonyUser{
		handle:      ident.WebauthnHandle,
		name:        ident.Email,
		displayName: ident.Email,
		credentials: credentials,
	}, nil
}

func decodeStoredCredentials(records []storage.Credential) ([]webauthn.Credential, error) {
	if len(records) == 0 {
		return nil, nil
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		rawID, err := base64.StdEncoding.DecodeString(record.ExternalID)
		if err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.ID, err)
		}
		credentials = append(credentials, webauthn.Credential{
			ID:        rawID,
			PublicKey: record.PublicKey,
			Authenticator: webauthn.Authenticator{
				SignCount: record.SignCount,
			},
		})
	}
	return credentials, nil
}

// verificationError converts a WebAuthn library failure into the ceremony
// error taxonomy, surfacing the challenge/origin/user-verification subkind
// when the library reports one.
func verificationError(err error) *apperrors.Error {
	code := apperrors.CodeWebauthnVerification

	var protoErr *protocol.Error
	if errors.As(err, &protoErr) {
		details := strings.ToLower(protoErr.Details + " " + protoErr.DevInfo)
		switch {
		case strings.Contains(details, "challenge"):
			code = apperrors.CodeChallengeVerification
		case strings.Contains(details, "origin"):
			code = apperrors.CodeOriginVerification
		case strings.Contains(details, "user verification"), strings.Contains(details, "user not verified"):
			code = apperrors.CodeUserVerification
		}
	}

	return apperrors.Wrap(code, "webauthn verification failed", err)
}

// errChallengeMissing is the failure used when a ceremony step arrives with
// no stored challenge; it is indistinguishable from a challenge mismatch.
func errChallengeMissing() *apperrors.Error {
	return apperrors.New(apperrors.CodeChallengeVerification, "no challenge stored in session")
}
