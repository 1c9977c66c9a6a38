// Package session is the caller-facing layer over the proxy channel. A
// Context is cached per web URL; every operation first ensures that the
// web's trusted endpoint is reachable and that a request-verification token
// is held, and maps connection failures onto the fault kinds callers branch
// on: authrequired (after optionally redirecting to the authentication
// page), noproxy, invalidorigin and unknown.
package session
