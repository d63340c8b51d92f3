// Package ceremony implements the multi-step WebAuthn ceremonies: sign-up
// registration, discoverable sign-in, step-up reauthentication, and passkey
// management for signed-in accounts.
//
// Each ceremony is a small service object over explicit collaborators: a
// session capability for challenge state, the credential registry and
// identity store for persistence, and a WebAuthn provider for options
// generation and verification. Ceremonies hold no per-request state of their
// own; everything multi-step lives in the session under scope-derived keys.
package ceremony
