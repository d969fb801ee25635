// Package kobo implements the authenticated Kobo storefront protocol:
// device identity, token refresh, library enumeration, content
// resolution, and atomic download-and-decrypt orchestration.
package kobo

import (
	"errors"
	"fmt"
)

// Sentinel errors for protocol failure classification.
// Use errors.Is(err, kobo.ErrProtocol) to check.
var (
	// ErrNotAuthenticated means the user's identity is incomplete;
	// the caller must (re)authenticate before retrying anything.
	ErrNotAuthenticated = errors.New("kobo: not authenticated")

	// ErrProtocol means the server responded with an unexpected shape
	// or value. This usually indicates vendor protocol drift, not a
	// transient failure, so it is never retried automatically.
	ErrProtocol = errors.New("kobo: unexpected server response")

	// ErrAuth means the server explicitly rejected the credentials.
	// Distinct from ErrProtocol so callers can tell a wrong password
	// from a changed page format.
	ErrAuth = errors.New("kobo: invalid credentials")

	// ErrContentUnavailable means a single entitlement cannot be
	// resolved to a download. Batch callers should skip and continue.
	ErrContentUnavailable = errors.New("kobo: content unavailable")

	// ErrDrm means DRM classification succeeded but removal failed.
	ErrDrm = errors.New("kobo: drm removal failed")
)

// APIError wraps a non-2xx storefront response with its status code and
// body for debugging. Unwraps to a sentinel where one applies.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kobo: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// ContentError is an ErrContentUnavailable with per-item diagnostics:
// the product that failed and the formats the server offered, so a user
// can report exactly what the vendor returned.
type ContentError struct {
	ProductID string
	Reason    string
	Formats   []string
}

func (e *ContentError) Error() string {
	msg := fmt.Sprintf("kobo: product %s: %s", e.ProductID, e.Reason)
	for _, f := range e.Formats {
		msg += "\n  available format: " + f
	}

	return msg
}

func (e *ContentError) Unwrap() error {
	return ErrContentUnavailable
}
