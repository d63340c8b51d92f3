package ceremony

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// fakeSession is an in-memory Session capability.
type fakeSession struct {
	values map[string]string
}

func newFakeSession() *fakeSession {
	return &fakeSession{values: map[string]string{}}
}

func (s *fakeSession) Get(key string) (string, bool) {
	value, ok := s.values[key]
	return value, ok
}

func (s *fakeSession) Set(key string, value string) {
	s.values[key] = value
}

func (s *fakeSession) Delete(key string) {
	delete(s.values, key)
}

// countingSession wraps a session and counts deletes per key.
type countingSession struct {
	*fakeSession
	deletes map[string]int
}

func newCountingSession() *countingSession {
	return &countingSession{fakeSession: newFakeSession(), deletes: map[string]int{}}
}

func (s *countingSession) Delete(key string) {
	s.deletes[key]++
	s.fakeSession.Delete(key)
}

// fakeProvider scripts the WebAuthn collaborator. It records the options it
// was asked to build and the session data each verification ran against.
type fakeProvider struct {
	challenge string

	createCredential   *webauthn.Credential
	createErr          error
	validateCredential *webauthn.Credential
	validateErr        error

	lastCreation        *protocol.CredentialCreation
	lastAssertion       *protocol.CredentialAssertion
	lastCreateSession   webauthn.SessionData
	lastValidateSession webauthn.SessionData
	lastValidateUser    webauthn.User
}

func (p *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	creation := &protocol.CredentialCreation{}
	creation.Response.Challenge = protocol.URLEncodedBase64(p.challenge)
	creation.Response.User = protocol.UserEntity{
		ID: user.WebAuthnID(),
		CredentialEntity: protocol.CredentialEntity{
			Name: user.WebAuthnName(),
		},
		DisplayName: user.WebAuthnDisplayName(),
	}
	for _, opt := range opts {
		opt(&creation.Response)
	}
	p.lastCreation = creation
	return creation, &webauthn.SessionData{Challenge: p.challenge, UserID: user.WebAuthnID()}, nil
}

func (p *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	p.lastCreateSession = session
	if p.createErr != nil {
		return nil, p.createErr
	}
	return p.createCredential, nil
}

func (p *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Challenge = protocol.URLEncodedBase64(p.challenge)
	for _, credential := range user.WebAuthnCredentials() {
		assertion.Response.AllowedCredentials = append(assertion.Response.AllowedCredentials, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: credential.ID,
		})
	}
	for _, opt := range opts {
		opt(&assertion.Response)
	}
	p.lastAssertion = assertion
	return assertion, &webauthn.SessionData{Challenge: p.challenge, UserID: user.WebAuthnID()}, nil
}

func (p *fakeProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	assertion := &protocol.CredentialAssertion{}
	assertion.Response.Challenge = protocol.URLEncodedBase64(p.challenge)
	for _, opt := range opts {
		opt(&assertion.Response)
	}
	p.lastAssertion = assertion
	return assertion, &webauthn.SessionData{Challenge: p.challenge}, nil
}

func (p *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	p.lastValidateSession = session
	p.lastValidateUser = user
	if p.validateErr != nil {
		return nil, p.validateErr
	}
	if p.validateCredential != nil {
		return p.validateCredential, nil
	}
	return &webauthn.Credential{}, nil
}

// fakeParser returns canned parse results.
type fakeParser struct {
	creation  *protocol.ParsedCredentialCreationData
	assertion *protocol.ParsedCredentialAssertionData
	err       error
}

func (p fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.creation, nil
}

func (p fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.assertion, nil
}

// fakeIdentityStore is an in-memory storage.IdentityStore.
type fakeIdentityStore struct {
	identities map[string]identity.Identity
}

func newFakeIdentityStore() *fakeIdentityStore {
	return &fakeIdentityStore{identities: map[string]identity.Identity{}}
}

func (s *fakeIdentityStore) PutIdentity(ctx context.Context, record identity.Identity) error {
	s.identities[record.ID] = record
	return nil
}

func (s *fakeIdentityStore) GetIdentity(ctx context.Context, identityID string) (identity.Identity, error) {
	record, ok := s.identities[identityID]
	if !ok {
		return identity.Identity{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *fakeIdentityStore) GetIdentityByEmail(ctx context.Context, email string) (identity.Identity, error) {
	for _, record := range s.identities {
		if record.Email == email {
			return record, nil
		}
	}
	return identity.Identity{}, storage.ErrNotFound
}

func (s *fakeIdentityStore) DeleteIdentity(ctx context.Context, identityID string) error {
	if _, ok := s.identities[identityID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.identities, identityID)
	return nil
}

// fakeCredentialStore is an in-memory storage.CredentialStore preserving
// insertion order.
type fakeCredentialStore struct {
	records []storage.Credential
}

func (s *fakeCredentialStore) PutCredential(ctx context.Context, record storage.Credential) error {
	for _, existing := range s.records {
		if existing.ExternalID == record.ExternalID {
			return storage.ErrDuplicateExternalID
		}
		if existing.ID == record.ID {
			return fmt.Errorf("duplicate credential id %s", record.ID)
		}
	}
	s.records = append(s.records, record)
	return nil
}

func (s *fakeCredentialStore) GetCredential(ctx context.Context, credentialID string) (storage.Credential, error) {
	for _, record := range s.records {
		if record.ID == credentialID {
			return record, nil
		}
	}
	return storage.Credential{}, storage.ErrNotFound
}

func (s *fakeCredentialStore) GetCredentialByExternalID(ctx context.Context, externalID string) (storage.Credential, error) {
	for _, record := range s.records {
		if record.ExternalID == externalID {
			return record, nil
		}
	}
	return storage.Credential{}, storage.ErrNotFound
}

func (s *fakeCredentialStore) ListCredentialsByIdentity(ctx context.Context, identityID string) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, record := range s.records {
		if record.IdentityID == identityID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *fakeCredentialStore) UpdateCredentialLastUsed(ctx context.Context, credentialID string, at time.Time) error {
	for i := range s.records {
		if s.records[i].ID == credentialID {
			used := at
			s.records[i].LastUsedAt = &used
			s.records[i].UpdatedAt = at
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *fakeCredentialStore) DeleteCredential(ctx context.Context, credentialID string) error {
	for i := range s.records {
		if s.records[i].ID == credentialID {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// seedCredential inserts a credential owned by identityID with the given raw
// credential ID.
func seedCredential(store *fakeCredentialStore, id, identityID string, rawID []byte) storage.Credential {
	record := storage.Credential{
		ID:         id,
		IdentityID: identityID,
		Label:      "Seed " + id,
		ExternalID: base64.StdEncoding.EncodeToString(rawID),
		PublicKey:  []byte("public-key-" + id),
		SignCount:  1,
		CreatedAt:  time.Unix(1700000000, 0).UTC(),
		UpdatedAt:  time.Unix(1700000000, 0).UTC(),
	}
	store.records = append(store.records, record)
	return record
}

// assertionFor builds a parsed assertion carrying the raw credential ID.
func assertionFor(rawID []byte) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = rawID
	return parsed
}

func testRegistry(store *fakeCredentialStore) *passkey.Registry {
	return passkey.NewRegistry(store)
}
