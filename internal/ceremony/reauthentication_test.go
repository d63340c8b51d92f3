package ceremony

import (
	"context"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
)

func newTestReauthentication(credentials *fakeCredentialStore, provider *fakeProvider, parser Parser) *Reauthentication {
	ceremony := NewReauthentication(testRegistry(credentials), provider).
		WithClock(fixedClock).
		WithTokenGenerator(func() (string, error) { return "step-up-token", nil })
	if parser != nil {
		ceremony.WithParser(parser)
	}
	return ceremony
}

func TestReauthenticationNewChallenge(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	kept := seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})
	excluded := seedCredential(credentials, "cred-2", "ident-1", []byte{3, 4})

	provider := &fakeProvider{challenge: "challenge-reauth"}
	ceremony := newTestReauthentication(credentials, provider, nil)
	sess := newFakeSession()
	sess.Set(ReauthenticationTokenKey(DefaultScope), "stale-token")

	if _, err := ceremony.NewChallenge(context.Background(), sess, ident, excluded.ID); err != nil {
		t.Fatalf("NewChallenge() error: %v", err)
	}

	if got, _ := sess.Get(ReauthenticationChallengeKey(DefaultScope)); got != "challenge-reauth" {
		t.Errorf("stored challenge = %q, want %q", got, "challenge-reauth")
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); ok {
		t.Error("stale token survived a new challenge")
	}

	allowed := provider.lastAssertion.Response.AllowedCredentials
	if len(allowed) != 1 {
		t.Fatalf("allow list size = %d, want 1", len(allowed))
	}
	if got := passkey.EncodeCredentialID(allowed[0].CredentialID); got != kept.ExternalID {
		t.Errorf("allow list = %q, want %q", got, kept.ExternalID)
	}
}

func TestReauthenticate(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seeded := seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})

	provider := &fakeProvider{challenge: "challenge-reauth"}
	ceremony := newTestReauthentication(credentials, provider, fakeParser{assertion: assertionFor([]byte{1, 2})})

	sess := newCountingSession()
	if _, err := ceremony.NewChallenge(context.Background(), sess, ident, ""); err != nil {
		t.Fatalf("NewChallenge() error: %v", err)
	}

	token, err := ceremony.Reauthenticate(context.Background(), sess, ident, []byte(`{}`))
	if err != nil {
		t.Fatalf("Reauthenticate() error: %v", err)
	}
	if token != "step-up-token" {
		t.Errorf("token = %q, want %q", token, "step-up-token")
	}
	if stored, _ := sess.Get(ReauthenticationTokenKey(DefaultScope)); stored != token {
		t.Errorf("session token = %q, want %q", stored, token)
	}

	if got := sess.deletes[ReauthenticationChallengeKey(DefaultScope)]; got != 1 {
		t.Errorf("challenge deletes = %d, want exactly 1", got)
	}
	if _, ok := sess.Get(ReauthenticationChallengeKey(DefaultScope)); ok {
		t.Error("challenge still in session after success")
	}

	record, err := credentials.GetCredential(context.Background(), seeded.ID)
	if err != nil {
		t.Fatalf("GetCredential() error: %v", err)
	}
	if record.LastUsedAt == nil || !record.LastUsedAt.Equal(fixedClock()) {
		t.Errorf("last used = %v, want %v", record.LastUsedAt, fixedClock())
	}
}

func TestReauthenticateFailureConsumesChallengeOnce(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})

	provider := &fakeProvider{
		challenge:   "challenge-reauth",
		validateErr: &protocol.Error{Details: "User verification required"},
	}
	ceremony := newTestReauthentication(credentials, provider, fakeParser{assertion: assertionFor([]byte{1, 2})})

	sess := newCountingSession()
	if _, err := ceremony.NewChallenge(context.Background(), sess, ident, ""); err != nil {
		t.Fatalf("NewChallenge() error: %v", err)
	}

	_, err := ceremony.Reauthenticate(context.Background(), sess, ident, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeUserVerification {
		t.Fatalf("Reauthenticate() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeUserVerification)
	}

	if got := sess.deletes[ReauthenticationChallengeKey(DefaultScope)]; got != 1 {
		t.Errorf("challenge deletes = %d, want exactly 1", got)
	}
	if _, ok := sess.Get(ReauthenticationTokenKey(DefaultScope)); ok {
		t.Error("token issued despite verification failure")
	}
}

func TestReauthenticateRejectsForeignCredential(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-other", "ident-2", []byte{7, 7})

	provider := &fakeProvider{challenge: "challenge-reauth"}
	ceremony := newTestReauthentication(credentials, provider, fakeParser{assertion: assertionFor([]byte{7, 7})})

	sess := newFakeSession()
	sess.Set(ReauthenticationChallengeKey(DefaultScope), "challenge-reauth")

	_, err := ceremony.Reauthenticate(context.Background(), sess, ident, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeCredentialNotFound {
		t.Fatalf("Reauthenticate() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeCredentialNotFound)
	}
}

func TestReauthenticateMissingChallenge(t *testing.T) {
	identities := newFakeIdentityStore()
	credentials := &fakeCredentialStore{}
	ident := seedIdentity(t, identities, "ident-1", "a@b.com", "handle-1")
	seedCredential(credentials, "cred-1", "ident-1", []byte{1, 2})

	ceremony := newTestReauthentication(credentials, &fakeProvider{challenge: "c"}, fakeParser{assertion: assertionFor([]byte{1, 2})})

	_, err := ceremony.Reauthenticate(context.Background(), newFakeSession(), ident, []byte(`{}`))
	if apperrors.GetCode(err) != apperrors.CodeChallengeVerification {
		t.Fatalf("Reauthenticate() code = %v, want %v", apperrors.GetCode(err), apperrors.CodeChallengeVerification)
	}
}
