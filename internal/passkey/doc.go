// Package passkey models WebAuthn credentials and relying-party settings.
//
// It owns the credential registry so ceremonies bind device credentials to
// identities through one validated path instead of raw storage writes.
package passkey
