package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/config"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const (
	SessionCookieName = "SESSION"
	DefaultLoginPath  = "/auth/login"
)

// TokenVerifier validates a bearer token and returns the identity it asserts.
type TokenVerifier interface {
	Verify(ctx context.Context, token, audience, issuer string) (models.VerifiedIdentity, error)
}

// SessionLoader resolves a session id to its stored identity payload.
type SessionLoader interface {
	Load(ctx context.Context, id string) ([]byte, error)
}

type GateConfig struct {
	Mode      config.AuthMode
	Audience  string
	Issuer    string
	LoginPath string
}

// Gate admits requests carrying a verified identity. The mode is fixed per
// deployment: bearer mode requires an Authorization header and rejects with
// 401, session mode requires the SESSION cookie and redirects browsers to the
// login endpoint.
type Gate struct {
	cfg      GateConfig
	verifier TokenVerifier
	sessions SessionLoader
	logger   *slog.Logger
}

func NewGate(cfg GateConfig, verifier TokenVerifier, sessions SessionLoader, logger *slog.Logger) (*Gate, error) {
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	switch cfg.Mode {
	case config.AuthModeBearer:
		if verifier == nil {
			return nil, errors.New("bearer mode requires a token verifier")
		}
	case config.AuthModeSession:
		if sessions == nil {
			return nil, errors.New("session mode requires a session store")
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
	return &Gate{cfg: cfg, verifier: verifier, sessions: sessions, logger: logger}, nil
}

// Mode reports the policy the gate enforces.
func (g *Gate) Mode() config.AuthMode {
	return g.cfg.Mode
}

// Require wraps next so it only runs for authenticated requests.
func (g *Gate) Require(next http.Handler) http.Handler {
	if g.cfg.Mode == config.AuthModeBearer {
		return g.requireBearer(next)
	}
	return g.requireSession(next)
}

func (g *Gate) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			g.logger.DebugContext(ctx, "unauthorized access - missing token",
				"request_id", GetRequestID(ctx),
			)
			writeBearerChallenge(w, "Missing or invalid Authorization header")
			return
		}

		identity, err := g.verifier.Verify(ctx, token, g.cfg.Audience, g.cfg.Issuer)
		if err != nil {
			// The verifier has logged the reason; the client only learns it failed.
			writeBearerChallenge(w, "Invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(requestcontext.WithIdentity(ctx, identity)))
	})
}

func (g *Gate) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			http.Redirect(w, r, g.cfg.LoginPath, http.StatusTemporaryRedirect)
			return
		}

		payload, err := g.sessions.Load(ctx, cookie.Value)
		if err != nil {
			if errors.Is(err, sentinel.ErrUnavailable) {
				g.logger.ErrorContext(ctx, "session store unavailable",
					"error", err,
					"request_id", GetRequestID(ctx),
				)
				writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "Please retry shortly")
				return
			}
			g.logger.DebugContext(ctx, "session not found", "request_id", GetRequestID(ctx))
			http.Redirect(w, r, g.cfg.LoginPath, http.StatusTemporaryRedirect)
			return
		}

		var identity models.VerifiedIdentity
		if err := json.Unmarshal(payload, &identity); err != nil {
			g.logger.WarnContext(ctx, "unreadable session payload",
				"error", err,
				"request_id", GetRequestID(ctx),
			)
			http.Redirect(w, r, g.cfg.LoginPath, http.StatusTemporaryRedirect)
			return
		}

		ctx = requestcontext.WithSessionID(ctx, cookie.Value)
		ctx = requestcontext.WithIdentity(ctx, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential of a "Bearer <token>" header. The
// scheme is case-insensitive.
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

func writeBearerChallenge(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	writeJSONError(w, http.StatusUnauthorized, "unauthorized", desc)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":"%s","error_description":"%s"}`, errCode, errDesc))
}
