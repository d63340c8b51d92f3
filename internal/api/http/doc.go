// Package http exposes the passkey ceremonies over a JSON HTTP API.
//
// Handlers are thin: they decode request bodies, bind the caller's web
// session, run a ceremony, and render the result. Challenge options are
// returned verbatim as produced by the WebAuthn provider. Session state is
// durable server-side; the browser only ever holds an opaque session ID and
// a CSRF token.
package http
