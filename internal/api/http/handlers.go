package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/louisbranch/passkeys.space/internal/ceremony"
	"github.com/louisbranch/passkeys.space/internal/identity"
	"github.com/louisbranch/passkeys.space/internal/passkey"
	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
	"github.com/louisbranch/passkeys.space/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Deps wires the HTTP layer's collaborators.
type Deps struct {
	Logger           *slog.Logger
	Sessions         *SessionManager
	Identities       storage.IdentityStore
	Registry         *passkey.Registry
	Registration     *ceremony.Registration
	Authentication   *ceremony.Authentication
	Reauthentication *ceremony.Reauthentication
	Management       *ceremony.Management
	Metrics          *Metrics
	Gatherer         prometheus.Gatherer
	SecureCookies    bool

	// CeremonyRatePerMinute throttles ceremony endpoints per client IP.
	// Zero uses the default budget.
	CeremonyRatePerMinute int
}

// defaultCeremonyRate bounds ceremony requests per IP per minute.
const defaultCeremonyRate = 60

// Handler serves the passkey ceremony API.
type Handler struct {
	logger           *slog.Logger
	sessions         *SessionManager
	identities       storage.IdentityStore
	registry         *passkey.Registry
	registration     *ceremony.Registration
	authentication   *ceremony.Authentication
	reauthentication *ceremony.Reauthentication
	management       *ceremony.Management
	metrics          *Metrics
	gatherer         prometheus.Gatherer
	secureCookies    bool
	ceremonyRate     int
}

// NewHandler builds the API handler from its dependencies.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rate := deps.CeremonyRatePerMinute
	if rate <= 0 {
		rate = defaultCeremonyRate
	}
	return &Handler{
		logger:           logger,
		sessions:         deps.Sessions,
		identities:       deps.Identities,
		registry:         deps.Registry,
		registration:     deps.Registration,
		authentication:   deps.Authentication,
		reauthentication: deps.Reauthentication,
		management:       deps.Management,
		metrics:          deps.Metrics,
		gatherer:         deps.Gatherer,
		secureCookies:    deps.SecureCookies,
		ceremonyRate:     rate,
	}
}

// Routes assembles the router with the full middleware stack.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverPanics(h.logger))
	r.Use(requestLogger(h.logger, h.metrics))
	r.Use(csrfProtect(h.logger, h.secureCookies))
	r.Use(h.withSession)

	r.Get("/healthz", h.healthz)
	if h.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", MetricsHandler(h.gatherer))
	}

	limiter := newIPLimiter(h.ceremonyRate)
	r.Group(func(r chi.Router) {
		r.Use(limitByIP(limiter, h.logger))

		r.Post("/registration/challenge", h.registrationChallenge)
		r.Post("/registration", h.register)
		r.Post("/session/challenge", h.sessionChallenge)
		r.Post("/session", h.signIn)
	})

	r.Delete("/session", h.signOut)

	r.Group(func(r chi.Router) {
		r.Use(h.requireIdentity)

		r.Post("/reauthentication/challenge", h.reauthenticationChallenge)
		r.Post("/reauthentication", h.reauthenticate)

		r.Route("/passkeys", func(r chi.Router) {
			r.Get("/", h.listPasskeys)
			r.Post("/challenge", h.passkeyChallenge)
			r.Post("/", h.createPasskey)
			r.Post("/{credentialID}/destroy-challenge", h.passkeyDestroyChallenge)
			r.Delete("/{credentialID}", h.deletePasskey)
		})
	})

	return r
}

type contextKey int

const (
	sessionContextKey contextKey = iota
	identityContextKey
)

// withSession binds the caller's durable session for the request and saves it
// once the handler is done.
func (h *Handler) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := h.sessions.Load(w, r)
		if err != nil {
			h.logger.Error("load session", "error", err)
			respondCeremonyError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))

		if err := h.sessions.Save(r.Context(), session); err != nil {
			h.logger.Error("save session", "error", err, "session_id", session.ID())
		}
	})
}

// requireIdentity rejects anonymous callers and resolves the signed-in
// identity into the request context.
func (h *Handler) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := sessionFrom(r.Context())
		if session == nil || session.IdentityID() == "" {
			respondCeremonyError(w, apperrors.New(apperrors.CodeNotAuthenticated, "sign in required"))
			return
		}

		ident, err := h.identities.GetIdentity(r.Context(), session.IdentityID())
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				respondCeremonyError(w, apperrors.New(apperrors.CodeNotAuthenticated, "account no longer exists"))
				return
			}
			h.logger.Error("resolve identity", "error", err)
			respondCeremonyError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFrom(ctx context.Context) *WebSession {
	session, _ := ctx.Value(sessionContextKey).(*WebSession)
	return session
}

func identityFrom(ctx context.Context) identity.Identity {
	ident, _ := ctx.Value(identityContextKey).(identity.Identity)
	return ident
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registrationChallengeRequest struct {
	Email string `json:"email"`
}

func (h *Handler) registrationChallenge(w http.ResponseWriter, r *http.Request) {
	var req registrationChallengeRequest
	if err := decodeBody(r, &req); err != nil {
		respondCeremonyError(w, err)
		return
	}

	options, err := h.registration.NewChallenge(r.Context(), sessionFrom(r.Context()), req.Email)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

type registerRequest struct {
	Email      string          `json:"email"`
	Label      string          `json:"passkey_label"`
	Credential json.RawMessage `json:"credential"`
}

type identityResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type passkeyResponse struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func passkeyToResponse(record storage.Credential) passkeyResponse {
	return passkeyResponse{
		ID:         record.ID,
		Label:      record.Label,
		CreatedAt:  record.CreatedAt,
		LastUsedAt: record.LastUsedAt,
	}
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		respondCeremonyError(w, err)
		return
	}

	session := sessionFrom(r.Context())
	ident, record, err := h.registration.Create(r.Context(), session, ceremony.CreateRequest{
		Email:      req.Email,
		Label:      req.Label,
		Credential: req.Credential,
	})
	h.metrics.RecordCeremony("registration", err)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	if err := h.sessions.SignIn(r.Context(), w, session, ident.ID); err != nil {
		h.logger.Error("sign in after registration", "error", err)
		respondCeremonyError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, struct {
		Identity identityResponse `json:"identity"`
		Passkey  passkeyResponse  `json:"passkey"`
	}{
		Identity: identityResponse{ID: ident.ID, Email: ident.Email},
		Passkey:  passkeyToResponse(record),
	})
}

type sessionChallengeRequest struct {
	Email string `json:"email"`
}

func (h *Handler) sessionChallenge(w http.ResponseWriter, r *http.Request) {
	var req sessionChallengeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondCeremonyError(w, err)
			return
		}
	}

	options, err := h.authentication.NewChallenge(r.Context(), sessionFrom(r.Context()), req.Email)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

type signInRequest struct {
	Credential json.RawMessage `json:"credential"`
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeBody(r, &req); err != nil {
		respondCeremonyError(w, err)
		return
	}

	session := sessionFrom(r.Context())
	ident, _, err := h.authentication.Authenticate(r.Context(), session, req.Credential)
	h.metrics.RecordCeremony("authentication", err)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	if err := h.sessions.SignIn(r.Context(), w, session, ident.ID); err != nil {
		h.logger.Error("sign in", "error", err)
		respondCeremonyError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, identityResponse{ID: ident.ID, Email: ident.Email})
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	session := sessionFrom(r.Context())
	if err := h.sessions.SignOut(r.Context(), w, session); err != nil {
		h.logger.Error("sign out", "error", err)
		respondCeremonyError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

type reauthenticationChallengeRequest struct {
	ExcludeCredentialID string `json:"exclude_credential_id"`
}

func (h *Handler) reauthenticationChallenge(w http.ResponseWriter, r *http.Request) {
	var req reauthenticationChallengeRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondCeremonyError(w, err)
			return
		}
	}

	options, err := h.reauthentication.NewChallenge(r.Context(), sessionFrom(r.Context()), identityFrom(r.Context()), req.ExcludeCredentialID)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

type reauthenticateRequest struct {
	Credential json.RawMessage `json:"credential"`
}

type reauthenticateResponse struct {
	ReauthenticationToken string `json:"reauthentication_token"`
	NewCSRFToken          string `json:"new_csrf_token,omitempty"`
}

func (h *Handler) reauthenticate(w http.ResponseWriter, r *http.Request) {
	var req reauthenticateRequest
	if err := decodeBody(r, &req); err != nil {
		respondCeremonyError(w, err)
		return
	}

	stepUpToken, err := h.reauthentication.Reauthenticate(r.Context(), sessionFrom(r.Context()), identityFrom(r.Context()), req.Credential)
	h.metrics.RecordCeremony("reauthentication", err)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	response := reauthenticateResponse{ReauthenticationToken: stepUpToken}
	if newToken, err := rotateCSRFToken(w, h.secureCookies); err == nil {
		response.NewCSRFToken = newToken
	} else {
		h.logger.Error("rotate csrf token", "error", err)
	}
	respondJSON(w, http.StatusOK, response)
}

func (h *Handler) listPasskeys(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.ListForIdentity(r.Context(), identityFrom(r.Context()).ID)
	if err != nil {
		respondMutationError(w, err)
		return
	}

	passkeys := make([]passkeyResponse, 0, len(records))
	for _, record := range records {
		passkeys = append(passkeys, passkeyToResponse(record))
	}
	respondJSON(w, http.StatusOK, struct {
		Passkeys []passkeyResponse `json:"passkeys"`
	}{Passkeys: passkeys})
}

func (h *Handler) passkeyChallenge(w http.ResponseWriter, r *http.Request) {
	options, err := h.management.NewCreateChallenge(r.Context(), sessionFrom(r.Context()), identityFrom(r.Context()))
	if err != nil {
		respondMutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

type createPasskeyRequest struct {
	Label                 string          `json:"label"`
	Credential            json.RawMessage `json:"credential"`
	ReauthenticationToken string          `json:"reauthentication_token"`
}

func (h *Handler) createPasskey(w http.ResponseWriter, r *http.Request) {
	var req createPasskeyRequest
	if err := decodeBody(r, &req); err != nil {
		respondMutationError(w, err)
		return
	}

	record, err := h.management.Create(r.Context(), sessionFrom(r.Context()), identityFrom(r.Context()), ceremony.CreateCredentialRequest{
		Label:                 req.Label,
		Credential:            req.Credential,
		ReauthenticationToken: req.ReauthenticationToken,
	})
	h.metrics.RecordCeremony("passkey_create", err)
	if err != nil {
		respondMutationError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, passkeyToResponse(record))
}

// passkeyDestroyChallenge starts a step-up ceremony for deleting a passkey.
// The doomed credential is excluded from the allow list so the holder must
// prove possession of a different one.
func (h *Handler) passkeyDestroyChallenge(w http.ResponseWriter, r *http.Request) {
	credentialID := chi.URLParam(r, "credentialID")
	ident := identityFrom(r.Context())
	if err := h.management.EnsureDeletable(r.Context(), ident, credentialID); err != nil {
		respondMutationError(w, err)
		return
	}
	options, err := h.reauthentication.NewChallenge(r.Context(), sessionFrom(r.Context()), ident, credentialID)
	if err != nil {
		respondMutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, options)
}

type deletePasskeyRequest struct {
	ReauthenticationToken string `json:"reauthentication_token"`
}

func (h *Handler) deletePasskey(w http.ResponseWriter, r *http.Request) {
	var req deletePasskeyRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			respondMutationError(w, err)
			return
		}
	}

	credentialID := chi.URLParam(r, "credentialID")
	err := h.management.Delete(r.Context(), sessionFrom(r.Context()), identityFrom(r.Context()), credentialID, req.ReauthenticationToken)
	h.metrics.RecordCeremony("passkey_delete", err)
	if err != nil {
		respondMutationError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}
