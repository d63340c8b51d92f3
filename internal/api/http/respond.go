package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "github.com/louisbranch/passkeys.space/internal/platform/errors"
)

// respondJSON writes a JSON body with the given status.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// ceremonyFailure is the failure shape for registration, authentication, and
// reauthentication responses.
type ceremonyFailure struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// mutationFailure is the failure shape for step-up-gated passkey mutations.
type mutationFailure struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondCeremonyError renders a ceremony failure. The body carries the
// catalog message and machine code, never internal error text.
func respondCeremonyError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	respondJSON(w, code.HTTPStatus(), ceremonyFailure{
		Message: apperrors.UserMessageFor(err),
		Code:    string(code),
	})
}

// respondMutationError renders a step-up-gated mutation failure.
func respondMutationError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	respondJSON(w, code.HTTPStatus(), mutationFailure{
		Error: apperrors.UserMessageFor(err),
		Code:  string(code),
	})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		return apperrors.Wrap(apperrors.CodeCredentialParse, "malformed request body", err)
	}
	return nil
}
