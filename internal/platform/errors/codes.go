// Package errors provides structured error handling for ceremony failures.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Registration errors
	CodeIdentityFieldMissing Code = "IDENTITY_FIELD_MISSING"
	CodePasskeyLabelMissing  Code = "PASSKEY_LABEL_MISSING"
	CodeEmailTaken           Code = "EMAIL_TAKEN"

	// Verification errors
	CodeCredentialParse       Code = "CREDENTIAL_PARSE"
	CodeChallengeVerification Code = "CHALLENGE_VERIFICATION"
	CodeOriginVerification    Code = "ORIGIN_VERIFICATION"
	CodeUserVerification      Code = "USER_VERIFICATION"
	CodeWebauthnVerification  Code = "WEBAUTHN_VERIFICATION"

	// Authentication errors
	CodeCredentialNotFound   Code = "CREDENTIAL_NOT_FOUND"
	CodeIdentityInvalid      Code = "IDENTITY_INVALID"
	CodeAuthenticationFailed Code = "AUTHENTICATION_FAILED"
	CodeNotAuthenticated     Code = "NOT_AUTHENTICATED"

	// Step-up errors
	CodeNotReauthenticated Code = "NOT_REAUTHENTICATED"

	// Persistence validation errors
	CodePasskeyLabelEmpty   Code = "PASSKEY_LABEL_EMPTY"
	CodeCredentialDuplicate Code = "CREDENTIAL_DUPLICATE"

	// Management errors
	CodeMustHaveOnePasskey Code = "MUST_HAVE_ONE_PASSKEY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP statuses.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, failed ceremonies
	case CodeIdentityFieldMissing,
		CodePasskeyLabelMissing,
		CodeEmailTaken,
		CodeCredentialParse,
		CodeChallengeVerification,
		CodeOriginVerification,
		CodeUserVerification,
		CodeWebauthnVerification,
		CodePasskeyLabelEmpty,
		CodeCredentialDuplicate,
		CodeMustHaveOnePasskey,
		CodeNotReauthenticated:
		return http.StatusBadRequest

	// Unauthorized - authentication failures
	case CodeCredentialNotFound,
		CodeIdentityInvalid,
		CodeAuthenticationFailed,
		CodeNotAuthenticated:
		return http.StatusUnauthorized

	// Not found - resource missing or not owned by caller
	case CodeNotFound:
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}
