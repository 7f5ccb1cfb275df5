package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/metrics"
	"gatekeeper/internal/platform/middleware"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const (
	FlowCookieName = "AUTH_FLOW"
	flowCookiePath = "/auth"
)

// FlowService runs the authorization-code login.
type FlowService interface {
	Initiate(ctx context.Context) (*models.FlowState, error)
	HandleCallback(ctx context.Context, flowKey, code, state string) (models.VerifiedIdentity, error)
	Discard(ctx context.Context, flowKey string) error
}

// SessionStore creates and destroys login sessions.
type SessionStore interface {
	Create(ctx context.Context, payload []byte) (string, error)
	Destroy(ctx context.Context, id string) error
}

// CookieConfig controls the cookies handed to the browser.
type CookieConfig struct {
	Secure     bool
	SessionTTL time.Duration
	FlowTTL    time.Duration
}

type AuthHandler struct {
	flow     FlowService
	sessions SessionStore
	cookies  CookieConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewAuthHandler(flow FlowService, sessions SessionStore, cookies CookieConfig, logger *slog.Logger, m *metrics.Metrics) *AuthHandler {
	return &AuthHandler{flow: flow, sessions: sessions, cookies: cookies, logger: logger, metrics: m}
}

func (h *AuthHandler) Register(r chi.Router) {
	r.Get("/auth/login", h.handleLogin)
	r.Get("/auth/authorized", h.handleAuthorized)
	r.Get("/logout", h.handleLogout)
}

// handleLogin starts a login attempt and sends the browser to the provider.
func (h *AuthHandler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	state, err := h.flow.Initiate(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to start login",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Login is unavailable, please retry")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     FlowCookieName,
		Value:    state.CSRFToken,
		Path:     flowCookiePath,
		MaxAge:   int(h.cookies.FlowTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, state.AuthorizationURL, http.StatusFound)
}

// handleAuthorized completes the login, stores the session and sends the
// browser home with its SESSION cookie.
func (h *AuthHandler) handleAuthorized(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	// The attempt is over whatever happens next.
	http.SetCookie(w, h.expired(FlowCookieName, flowCookiePath))

	var flowKey string
	if cookie, err := r.Cookie(FlowCookieName); err == nil {
		flowKey = cookie.Value
	}

	if providerErr := query.Get("error"); providerErr != "" {
		h.logger.WarnContext(ctx, "provider refused login",
			"error", providerErr,
			"request_id", requestcontext.RequestID(ctx),
		)
		h.metrics.ObserveLogin("provider_error")
		if err := h.flow.Discard(ctx, flowKey); err != nil {
			h.logger.WarnContext(ctx, "failed to discard flow state",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Login failed")
		return
	}

	identity, err := h.flow.HandleCallback(ctx, flowKey, query.Get("code"), query.Get("state"))
	if err != nil {
		if kind, _ := models.KindOf(err); kind == models.KindUnavailable {
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Login is unavailable, please retry")
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "Login failed")
		return
	}

	payload, err := json.Marshal(identity)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Something went wrong")
		return
	}
	sessionID, err := h.sessions.Create(ctx, payload)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create session",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Login is unavailable, please retry")
		return
	}
	h.metrics.IncrementSessionsCreated()

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(h.cookies.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleLogout destroys the session, if any, and expires the cookie. When the
// store cannot destroy it the cookie is kept so the browser can retry.
func (h *AuthHandler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.Destroy(ctx, cookie.Value); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			h.logger.ErrorContext(ctx, "failed to destroy session",
				"error", err,
				"request_id", requestcontext.RequestID(ctx),
			)
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Logout is unavailable, please retry")
			return
		}
		h.metrics.IncrementSessionsDestroyed()
	}

	http.SetCookie(w, h.expired(middleware.SessionCookieName, "/"))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *AuthHandler) expired(name, path string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
