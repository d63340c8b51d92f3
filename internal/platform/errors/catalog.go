package errors

import (
	"bytes"
	"text/template"
)

// messages maps error codes to user-facing message templates. Responses carry
// these rendered messages together with the code, never internal error text.
var messages = map[Code]string{
	CodeUnknown:               "Something went wrong",
	CodeIdentityFieldMissing:  "{{.field}} is required",
	CodePasskeyLabelMissing:   "Passkey label is required",
	CodeEmailTaken:            "Email has already been taken",
	CodeCredentialParse:       "Credential was missing or could not be parsed",
	CodeChallengeVerification: "Challenge verification failed",
	CodeOriginVerification:    "Origin verification failed",
	CodeUserVerification:      "User verification failed",
	CodeWebauthnVerification:  "Credential verification failed",
	CodeCredentialNotFound:    "Passkey is invalid",
	CodeIdentityInvalid:       "Account is invalid",
	CodeAuthenticationFailed:  "Passkey is invalid",
	CodeNotAuthenticated:      "Sign in required",
	CodeNotReauthenticated:    "Reauthentication required",
	CodePasskeyLabelEmpty:     "Passkey label cannot be blank",
	CodeCredentialDuplicate:   "Passkey has already been registered",
	CodeMustHaveOnePasskey:    "Account must have at least one passkey",
	CodeNotFound:              "Not found",
}

// UserMessage renders the user-facing message for a code, templating in any
// metadata. Falls back to the code itself when no template exists.
func UserMessage(code Code, metadata map[string]string) string {
	raw, ok := messages[code]
	if !ok {
		return string(code)
	}

	tmpl, err := template.New(string(code)).Parse(raw)
	if err != nil {
		return raw
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, metadata); err != nil {
		return raw
	}
	return buf.String()
}

// UserMessageFor renders the user-facing message for an error chain.
func UserMessageFor(err error) string {
	for err != nil {
		if typed, ok := err.(*Error); ok {
			return UserMessage(typed.Code, typed.Metadata)
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return UserMessage(CodeUnknown, nil)
}
