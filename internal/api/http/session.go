package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/louisbranch/passkeys.space/internal/platform/id"
	"github.com/louisbranch/passkeys.space/internal/storage"
)

// sessionCookieName carries the opaque web session ID.
const sessionCookieName = "web_session"

// sessionCookieMaxAge bounds how long a browser keeps the session cookie.
const sessionCookieMaxAge = 30 * 24 * time.Hour

// SessionManager binds durable server-side sessions to browser cookies. All
// ceremony state and the signed-in identity live in the store; the cookie is
// only a lookup key.
type SessionManager struct {
	store       storage.WebSessionStore
	clock       func() time.Time
	idGenerator func() (string, error)
	secure      bool
}

// NewSessionManager builds a session manager over a web session store.
func NewSessionManager(store storage.WebSessionStore) *SessionManager {
	return &SessionManager{
		store:       store,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// WithClock overrides the time source.
func (m *SessionManager) WithClock(clock func() time.Time) *SessionManager {
	m.clock = clock
	return m
}

// WithIDGenerator overrides the session ID generator.
func (m *SessionManager) WithIDGenerator(generator func() (string, error)) *SessionManager {
	m.idGenerator = generator
	return m
}

// WithSecureCookies marks session cookies Secure for HTTPS deployments.
func (m *SessionManager) WithSecureCookies(secure bool) *SessionManager {
	m.secure = secure
	return m
}

// WebSession is one browser's durable session. It satisfies the ceremony
// session capability with string key/value access and additionally tracks
// the signed-in identity.
type WebSession struct {
	id         string
	identityID string
	values     map[string]string
	dirty      bool
	isNew      bool
}

// ID returns the opaque session identifier.
func (s *WebSession) ID() string {
	return s.id
}

// IdentityID returns the signed-in identity, or "" for anonymous sessions.
func (s *WebSession) IdentityID() string {
	return s.identityID
}

// Get returns the value stored under key.
func (s *WebSession) Get(key string) (string, bool) {
	value, ok := s.values[key]
	return value, ok
}

// Set stores value under key.
func (s *WebSession) Set(key string, value string) {
	s.values[key] = value
	s.dirty = true
}

// Delete removes the value under key.
func (s *WebSession) Delete(key string) {
	if _, ok := s.values[key]; !ok {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// Load resolves the request's session, creating a fresh anonymous one when
// the cookie is missing or points at nothing. The cookie is (re)issued on the
// response when a new session is created.
func (m *SessionManager) Load(w http.ResponseWriter, r *http.Request) (*WebSession, error) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		record, err := m.store.GetWebSession(r.Context(), cookie.Value)
		if err == nil {
			return sessionFromRecord(record)
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("get web session: %w", err)
		}
	}

	session, err := m.newSession()
	if err != nil {
		return nil, err
	}
	m.setCookie(w, session.id)
	return session, nil
}

// Save persists the session when anything changed.
func (m *SessionManager) Save(ctx context.Context, session *WebSession) error {
	if session == nil || (!session.dirty && !session.isNew) {
		return nil
	}

	data, err := json.Marshal(session.values)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}
	now := m.clock().UTC()
	record := storage.WebSession{
		ID:         session.id,
		IdentityID: session.identityID,
		DataJSON:   string(data),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.PutWebSession(ctx, record); err != nil {
		return fmt.Errorf("put web session: %w", err)
	}
	session.dirty = false
	session.isNew = false
	return nil
}

// SignIn marks the session authenticated and rotates its ID, so a session
// fixed before authentication is worthless afterwards. Ceremony state
// survives the rotation.
func (m *SessionManager) SignIn(ctx context.Context, w http.ResponseWriter, session *WebSession, identityID string) error {
	if !session.isNew {
		if err := m.store.DeleteWebSession(ctx, session.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete web session: %w", err)
		}
	}

	newID, err := m.idGenerator()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}
	session.id = newID
	session.identityID = identityID
	session.dirty = true
	session.isNew = true
	m.setCookie(w, newID)
	return nil
}

// SignOut discards the session server-side and expires the cookie.
func (m *SessionManager) SignOut(ctx context.Context, w http.ResponseWriter, session *WebSession) error {
	if !session.isNew {
		if err := m.store.DeleteWebSession(ctx, session.id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete web session: %w", err)
		}
	}
	// Clean flags keep the later Save from resurrecting the deleted record.
	session.identityID = ""
	session.values = map[string]string{}
	session.dirty = false
	session.isNew = false

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (m *SessionManager) newSession() (*WebSession, error) {
	sessionID, err := m.idGenerator()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	return &WebSession{
		id:     sessionID,
		values: map[string]string{},
		isNew:  true,
	}, nil
}

func (m *SessionManager) setCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func sessionFromRecord(record storage.WebSession) (*WebSession, error) {
	values := map[string]string{}
	if record.DataJSON != "" {
		if err := json.Unmarshal([]byte(record.DataJSON), &values); err != nil {
			return nil, fmt.Errorf("unmarshal session data: %w", err)
		}
	}
	return &WebSession{
		id:         record.ID,
		identityID: record.IdentityID,
		values:     values,
	}, nil
}
