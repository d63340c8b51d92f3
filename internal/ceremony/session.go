package ceremony

// Session is the injected per-user-agent key/value capability ceremonies use
// for challenge and token state. Implementations own durability and cookie
// transport; ceremonies only get, set, and delete string keys.
type Session interface {
	Get(key string) (string, bool)
	Set(key string, value string)
	Delete(key string)
}

// Session key suffixes. Keys are deterministic: scope name plus suffix, so
// two identity scopes sharing one session never collide.
const (
	registrationChallengeSuffix     = "_current_webauthn_registration_challenge"
	registrationUserHandleSuffix    = "_current_webauthn_user_id"
	authenticationChallengeSuffix   = "_current_webauthn_authentication_challenge"
	reauthenticationChallengeSuffix = "_current_reauthentication_challenge"
	reauthenticationTokenSuffix     = "_current_reauthentication_token"
	creationChallengeSuffix         = "_passkey_creation_challenge"
)

// DefaultScope is the identity scope used when none is configured.
const DefaultScope = "identity"

// RegistrationChallengeKey returns the session key holding the sign-up
// registration challenge for a scope.
func RegistrationChallengeKey(scope string) string {
	return scope + registrationChallengeSuffix
}

// RegistrationUserHandleKey returns the session key holding the in-flight
// registration user handle for a scope.
func RegistrationUserHandleKey(scope string) string {
	return scope + registrationUserHandleSuffix
}

// AuthenticationChallengeKey returns the session key holding the primary
// authentication challenge for a scope.
func AuthenticationChallengeKey(scope string) string {
	return scope + authenticationChallengeSuffix
}

// ReauthenticationChallengeKey returns the session key holding the step-up
// challenge for a scope.
func ReauthenticationChallengeKey(scope string) string {
	return scope + reauthenticationChallengeSuffix
}

// ReauthenticationTokenKey returns the session key holding the one-time
// step-up token for a scope.
func ReauthenticationTokenKey(scope string) string {
	return scope + reauthenticationTokenSuffix
}

// CreationChallengeKey returns the session key holding the add-a-passkey
// registration challenge for a scope.
func CreationChallengeKey(scope string) string {
	return scope + creationChallengeSuffix
}

// ChallengeStore stores one-time challenges and tokens in a session.
//
// There is no expiry beyond session lifetime and no locking: concurrent
// ceremony steps against the same key are last-write-wins, and a stale
// overwritten challenge simply fails verification.
type ChallengeStore struct {
	session Session
}

// NewChallengeStore wraps a session capability.
func NewChallengeStore(session Session) *ChallengeStore {
	return &ChallengeStore{session: session}
}

// Put stores value under key, replacing any previous value.
func (s *ChallengeStore) Put(key string, value string) {
	s.session.Set(key, value)
}

// Get returns the value under key when present.
func (s *ChallengeStore) Get(key string) (string, bool) {
	return s.session.Get(key)
}

// Delete removes the value under key.
func (s *ChallengeStore) Delete(key string) {
	s.session.Delete(key)
}

// Consume returns the value under key and removes it, whether or not a value
// was present.
func (s *ChallengeStore) Consume(key string) (string, bool) {
	value, ok := s.session.Get(key)
	s.session.Delete(key)
	return value, ok
}
