package testutil

import (
	"net/http"

	"gatekeeper/internal/auth/models"
	"gatekeeper/pkg/requestcontext"
)

// WithIdentity attaches identity to the request the way the auth gate does
// for an authenticated request.
func WithIdentity(req *http.Request, identity models.VerifiedIdentity) *http.Request {
	return req.WithContext(requestcontext.WithIdentity(req.Context(), identity))
}

// WithSession attaches both the identity and the session id it was resolved
// from, as the gate does in session mode.
func WithSession(req *http.Request, sessionID string, identity models.VerifiedIdentity) *http.Request {
	ctx := requestcontext.WithSessionID(req.Context(), sessionID)
	ctx = requestcontext.WithIdentity(ctx, identity)
	return req.WithContext(ctx)
}
