package models

import "time"

// FlowStatus tracks a login attempt through Idle -> AwaitingCallback -> Completed.
// Stored states are always AwaitingCallback; a state is Completed once its
// callback has taken it out of the store.
type FlowStatus string

const (
	FlowStatusIdle             FlowStatus = "idle"
	FlowStatusAwaitingCallback FlowStatus = "awaiting_callback"
	FlowStatusCompleted        FlowStatus = "completed"
)

// FlowState is the ephemeral record of one in-flight login attempt. It is
// keyed by its CSRF token and discarded once the callback has been handled.
type FlowState struct {
	CSRFToken        string     `json:"csrf_token"`
	CodeVerifier     string     `json:"code_verifier"`
	AuthorizationURL string     `json:"authorization_url"`
	RedirectURI      string     `json:"redirect_uri"`
	Status           FlowStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
}

// IsExpired reports whether the login attempt outlived its TTL as of now.
func (f *FlowState) IsExpired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// AwaitingCallback reports whether the flow can still be completed.
func (f *FlowState) AwaitingCallback() bool {
	return f.Status == FlowStatusAwaitingCallback
}
