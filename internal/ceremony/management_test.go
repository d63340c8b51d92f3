package ceremony

import (
	"context"
	"errors"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

func newTestManagement(credentials *fakeCredentialStore, provider *fakeProvider, parser Parser) *Management {
	ceremony := NewManagement(testRegistry(credentials), provider, NewStepUpGate()).WithClock(fixedClock)
	if parser != nil {
		ceremony.WithParser(parser)
	}
	return ceremony
}

func TestManagementNewCreateChallenge(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	first := seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	second := seedCredential(credentials, "cred-2", "ident-1", []byte{3, 4})
	seedCredential(credentials, "cred-other", "ident-2", []byte{9, 9})

	provider := &fakeProvider{challenge: "challenge-create"}
	ceremony := newTestManagement(credentials, provider, nil)
	sess := newFakeSession()

	if _, err := ceremony.NewCreateChallenge(context.Background(), sess, ident); err != nil {
		t.Fatalf("NewCreateChallenge() error: %v", err)
	}

	if got, _ := sess.Get(CreationChallengeKey(DefaultScope)); got != "challenge-create" {
		t.Errorf("stored challenge = %q, want %q", got, "challenge-create")
	}

	exclusions := provider.lastCreation.Response.CredentialExcludeList
	if len(exclusions) != 2 {
		t.Fatalf("exclusion list size = %d, want 2", len(exclusions))
	}
	wantIDs := map[string]bool{first.ExternalID: true, second.ExternalID: true}
	for _, descriptor := range exclusions {
		encoded := passkey.EncodeCredentialID(descriptor.CredentialID)
		if !wantIDs[encoded] {
			t.Errorf("exclusion list contains unexpected credential %q", encoded)
		}
	}

	if got, ok := provider.lastCreation.Response.User.ID.([]byte); !ok || string(got) != "handle-1" {
		t.Errorf("options user id = %v, want existing handle", provider.lastCreation.Response.User.ID)
	}
}

func TestManagementCreate(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})

	provider := &fakeProvider{
		challenge: "challenge-create",
		createCredential: &webauthn.Credential{
			ID:        []byte{5, 6},
			PublicKey: []byte("pk-2"),
			Authenticator: webauthn.Authenticator{
				SignCount: 3,
			},
		},
	}
	ceremony := newTestManagement(credentials, provider, fakeParser{creation: &protocol.ParsedCredentialCreationData{}})

	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")
	if _, err := ceremony.NewCreateChallenge(context.Background(), sess, ident); err != nil {
		t.Fatalf("NewCreateChallenge() error: %v", err)
	}
	// Issuing a create challenge must not disturb the step-up token.
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); !ok {
		t.Fatal("step-up token missing before create")
	}

	record, err := ceremony.Create(context.Background(), sess, ident, CreateCredentialRequest{
		Label:                 "Backup key",
		Credential:            []byte(`{}`),
		ReauthenticationToken: "step-up-token",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if record.IdentityID != ident.ID || record.Label != "Backup key" {
		t.Errorf("credential = %+v, want owner ident-1 label Backup key", record)
	}
	if record.LastUsedAt != nil {
		t.Errorf("last used = %v, want unset until first sign-in", record.LastUsedAt)
	}
	if record.SignCount != 3 {
		t.Errorf("sign count = %d, want 3", record.SignCount)
	}

	if _, ok := sess.Get(CreationChallengeKey(DefaultScope)); ok {
		t.Error("challenge still in session after success")
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); ok {
		t.Error("step-up token still in session after being spent")
	}
}

func TestManagementCreateParseFailureClearsChallenge(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")

	provider := &fakeProvider{challenge: "challenge-create"}
	ceremony := newTestManagement(credentials, provider, fakeParser{err: errors.New("bad payload")})

	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")
	if _, err := ceremony.NewCreateChallenge(context.Background(), sess, ident); err != nil {
		t.Fatalf("NewCreateChallenge() error: %v", err)
	}

	_, err := ceremony.Create(context.Background(), sess, ident, CreateCredentialRequest{
		Label:                 "Backup key",
		Credential:            []byte("not json"),
		ReauthenticationToken: "step-up-token",
	})
	if apperrors.GetCode(err) != apperrors.CodeCredentialParse {
		t.Fatalf("Create() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeCredentialParse)
	}
	if _, ok := sess.Get(CreationChallengeKey(DefaultScope)); ok {
		t.Error("challenge still in session after parse failure")
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); !ok {
		t.Error("step-up token consumed before the attestation held up")
	}
}

func TestManagementCreateVerificationFailureKeepsChallenge(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")

	provider := &fakeProvider{
		challenge: "challenge-create",
		createErr: &protocol.Error{Details: "Error validating challenge"},
	}
	ceremony := newTestManagement(credentials, provider, fakeParser{creation: &protocol.ParsedCredentialCreationData{}})

	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")
	if _, err := ceremony.NewCreateChallenge(context.Background(), sess, ident); err != nil {
		t.Fatalf("NewCreateChallenge() error: %v", err)
	}

	_, err := ceremony.Create(context.Background(), sess, ident, CreateCredentialRequest{
		Label:                 "Backup key",
		Credential:            []byte(`{}`),
		ReauthenticationToken: "step-up-token",
	})
	if apperrors.GetCode(err) != apperrors.CodeChallengeVerification {
		t.Fatalf("Create() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeChallengeVerification)
	}
	if _, ok := sess.Get(CreationChallengeKey(DefaultScope)); !ok {
		t.Error("challenge removed after verification failure; retry needs it")
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); !ok {
		t.Error("step-up token consumed before the attestation held up")
	}
}

func TestManagementCreateWithoutStepUpToken(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")

	provider := &fakeProvider{
		challenge:        "challenge-create",
		createCredential: &webauthn.Credential{ID: []byte{5, 6}, PublicKey: []byte("pk-2")},
	}
	ceremony := newTestManagement(credentials, provider, fakeParser{creation: &protocol.ParsedCredentialCreationData{}})

	sess := newFakeSession()
	if _, err := ceremony.NewCreateChallenge(context.Background(), sess, ident); err != nil {
		t.Fatalf("NewCreateChallenge() error: %v", err)
	}

	_, err := ceremony.Create(context.Background(), sess, ident, CreateCredentialRequest{
		Label:                 "Backup key",
		Credential:            []byte(`{}`),
		ReauthenticationToken: "never-issued",
	})
	if apperrors.GetCode(err) != apperrors.CodeNotReauthenticated {
		t.Fatalf("Create() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeNotReauthenticated)
	}
	if len(credentials.records) != 0 {
		t.Errorf("credential persisted without reauthentication: %+v", credentials.records)
	}
}

func TestManagementDelete(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	doomed := seedCredential(credentials, "cred-2", "ident-1", []byte{3, 4})

	ceremony := newTestManagement(credentials, &fakeProvider{}, nil)
	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")

	if err := ceremony.Delete(context.Background(), sess, ident, doomed.ID, "step-up-token"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	if _, err := credentials.GetCredential(context.Background(), doomed.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("credential still present after delete (err = %v)", err)
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); ok {
		t.Error("step-up token still in session after being spent")
	}
}

func TestManagementDeleteLastCredential(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	only := seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})

	ceremony := newTestManagement(credentials, &fakeProvider{}, nil)
	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")

	err := ceremony.Delete(context.Background(), sess, ident, only.ID, "step-up-token")
	if apperrors.GetCode(err) != apperrors.CodeMustHaveOnePasskey {
		t.Fatalf("Delete() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeMustHaveOnePasskey)
	}
	if len(credentials.records) != 1 {
		t.Error("sole credential mutated by a rejected delete")
	}
	// Rejection happens before the gate, so the token survives.
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); !ok {
		t.Error("step-up token consumed by a delete rejected up front")
	}
}

func TestManagementDeleteNotFoundAndForeignLookAlike(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	foreign := seedCredential(credentials, "cred-other", "ident-2", []byte{9, 9})

	ceremony := newTestManagement(credentials, &fakeProvider{}, nil)

	for _, credentialID := range []string{"cred-missing", foreign.ID} {
		sess := newFakeSession()
		sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")

		err := ceremony.Delete(context.Background(), sess, ident, credentialID, "step-up-token")
		if apperrors.GetCode(err) != apperrors.CodeNotFound {
			t.Errorf("Delete(%q) code = %v, want %v", credentialID, apperrors.GetCode(err), apperrors.CodeNotFound)
		}
	}
}

func TestManagementDeleteStaleToken(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	doomed := seedCredential(credentials, "cred-2", "ident-1", []byte{3, 4})

	ceremony := newTestManagement(credentials, &fakeProvider{}, nil)
	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "step-up-token")

	err := ceremony.Delete(context.Background(), sess, ident, doomed.ID, "wrong-token")
	if apperrors.GetCode(err) != apperrors.CodeNotReauthenticated {
		t.Fatalf("Delete() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeNotReauthenticated)
	}
	if len(credentials.records) != 2 {
		t.Error("credential deleted without a valid step-up token")
	}
	// The mismatch burned the stored token; even the right value fails now.
	err = ceremony.Delete(context.Background(), sess, ident, doomed.ID, "step-up-token")
	if apperrors.GetCode(err) != apperrors.CodeNotReauthenticated {
		t.Fatalf("retry code = %v, want %v", apperrors.GetCode(err), apperrors.CodeNotReauthenticated)
	}
}

func TestManagementEnsureDeletable(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	sole := seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	foreign := seedCredential(credentials, "cred-other", "ident-2", []byte{9, 9})

	ceremony := newTestManagement(credentials, &fakeProvider{}, nil)

	// The identity's only credential is rejected up front, before any
	// reauthentication challenge would be issued for its deletion.
	err := ceremony.EnsureDeletable(context.Background(), ident, sole.ID)
	if apperrors.GetCode(err) != apperrors.CodeMustHaveOnePasskey {
		t.Fatalf("EnsureDeletable(sole) code = %v, want %v", apperrors.GetCode(err), apperrors.CodeMustHaveOnePasskey)
	}

	for _, credentialID := range []string{"cred-missing", foreign.ID} {
		err := ceremony.EnsureDeletable(context.Background(), ident, credentialID)
		if apperrors.GetCode(err) != apperrors.CodeNotFound {
			t.Errorf("EnsureDeletable(%q) code = %v, want %v", credentialID, apperrors.GetCode(err), apperrors.CodeNotFound)
		}
	}

	second := seedCredential(credentials, "cred-2", "ident-1", []byte{3, 4})
	if err := ceremony.EnsureDeletable(context.Background(), ident, second.ID); err != nil {
		t.Fatalf("EnsureDeletable(second) error: %v", err)
	}
}
