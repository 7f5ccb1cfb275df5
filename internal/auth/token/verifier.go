// Package token verifies provider-issued RS256 bearer tokens against the
// tenant's published signing keys.
package token

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gatekeeper/internal/auth/keys"
	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/metrics"
	liststrings "gatekeeper/pkg/platform/strings"
	"gatekeeper/pkg/requestcontext"
)

const signingAlgorithm = "RS256"

var tracer = otel.Tracer("gatekeeper/internal/auth/token")

// KeyProvider resolves a tenant's public key by kid.
type KeyProvider interface {
	GetKey(ctx context.Context, tenant, kid string) (crypto.PublicKey, error)
}

type Verifier struct {
	keys    KeyProvider
	tenant  string
	leeway  time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Verifier)

// WithLeeway sets the clock skew tolerated on exp and nbf.
func WithLeeway(leeway time.Duration) Option {
	return func(v *Verifier) {
		if leeway >= 0 {
			v.leeway = leeway
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Verifier) {
		v.metrics = m
	}
}

// NewVerifier verifies tokens issued for tenant using keys from provider.
func NewVerifier(provider KeyProvider, tenant string, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		keys:   provider,
		tenant: tenant,
		leeway: 30 * time.Second,
		logger: logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

type tokenClaims struct {
	jwt.RegisteredClaims
	ObjectID          string   `json:"oid"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	UPN               string   `json:"upn"`
	Roles             []string `json:"roles"`
}

// Verify checks raw and returns the identity it asserts. The token must be
// signed RS256 by a key the tenant publishes, carry audience among its aud
// values, be issued by issuer and be unexpired as of the request time. Every
// failure is a *models.AuthError.
func (v *Verifier) Verify(ctx context.Context, raw, audience, issuer string) (models.VerifiedIdentity, error) {
	ctx, span := tracer.Start(ctx, "token.verify")
	defer span.End()

	identity, err := v.verify(ctx, raw, audience, issuer)
	if err != nil {
		kind, _ := models.KindOf(err)
		span.SetAttributes(attribute.String("auth.failure", string(kind)))
		span.SetStatus(codes.Error, string(kind))
		v.metrics.ObserveVerification(string(kind))
		v.logRejection(ctx, err)
		return models.VerifiedIdentity{}, err
	}

	span.SetAttributes(attribute.String("auth.subject", identity.ID()))
	v.metrics.ObserveVerification("success")
	return identity, nil
}

func (v *Verifier) verify(ctx context.Context, raw, audience, issuer string) (models.VerifiedIdentity, error) {
	if raw == "" {
		return models.VerifiedIdentity{}, models.NewAuthError(models.KindMissingCredential, errors.New("empty token"))
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlgorithm}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
	)

	var claims tokenClaims
	// Set when the key lookup itself failed, so the cause is not lost in the
	// parser's generic unverifiable error.
	var keyErr *models.AuthError

	_, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			keyErr = models.NewAuthError(models.KindMalformedToken, errors.New("token header has no kid"))
			return nil, keyErr
		}
		key, err := v.keys.GetKey(ctx, v.tenant, kid)
		if err != nil {
			keyErr = keyLookupError(kid, err)
			return nil, keyErr
		}
		return key, nil
	})
	if keyErr != nil {
		return models.VerifiedIdentity{}, keyErr
	}
	if err != nil {
		authErr := classify(err, &claims)
		// An expired token is reported as expired even when its signature is
		// also bad; the forgery is still logged as hostile.
		if authErr.Kind == models.KindInvalidSignature && v.expired(ctx, &claims) {
			v.logger.ErrorContext(ctx, "expired bearer token failed signature check",
				"reason", authErr,
				"request_id", requestcontext.RequestID(ctx),
			)
			return models.VerifiedIdentity{}, models.NewAuthError(models.KindExpiredToken, err)
		}
		return models.VerifiedIdentity{}, authErr
	}

	if claims.Subject == "" && claims.ObjectID == "" {
		return models.VerifiedIdentity{}, models.NewAuthError(models.KindMalformedToken, errors.New("token has neither sub nor oid"))
	}
	return claims.identity(), nil
}

// expired reports whether the decoded, unverified exp lies past the request
// time plus leeway. The parser fills claims before it checks the signature.
func (v *Verifier) expired(ctx context.Context, claims *tokenClaims) bool {
	if claims.ExpiresAt == nil {
		return false
	}
	return !requestcontext.Now(ctx).Before(claims.ExpiresAt.Add(v.leeway))
}

func (c *tokenClaims) identity() models.VerifiedIdentity {
	username := c.PreferredUsername
	if username == "" {
		username = c.UPN
	}
	identity := models.VerifiedIdentity{
		Subject:     c.Subject,
		ObjectID:    c.ObjectID,
		DisplayName: c.Name,
		Username:    username,
		Roles:       liststrings.Unique(c.Roles),
	}
	if c.ExpiresAt != nil {
		identity.ExpiresAt = c.ExpiresAt.Time
	}
	return identity
}

func keyLookupError(kid string, err error) *models.AuthError {
	var fetchErr *keys.KeyFetchError
	switch {
	case errors.As(err, &fetchErr):
		return models.NewAuthError(models.KindUnavailable, err)
	case errors.Is(err, keys.ErrKeyNotFound):
		return models.NewAuthError(models.KindUnknownKey, err)
	default:
		return models.NewAuthError(models.KindUnknownKey, fmt.Errorf("kid %q: %w", kid, err))
	}
}

// classify maps parser errors onto auth failure kinds. Validation errors can
// be joined; the first matching kind wins.
func classify(err error, claims *tokenClaims) *models.AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return models.NewAuthError(models.KindMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return models.NewAuthError(models.KindInvalidSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return models.NewAuthError(models.KindExpiredToken, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return models.NewAuthError(models.KindAudienceMismatch, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return models.NewAuthError(models.KindIssuerMismatch, err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		switch {
		case claims.ExpiresAt == nil:
			return models.NewAuthError(models.KindMalformedToken, err)
		case len(claims.Audience) == 0:
			return models.NewAuthError(models.KindAudienceMismatch, err)
		case claims.Issuer == "":
			return models.NewAuthError(models.KindIssuerMismatch, err)
		}
		return models.NewAuthError(models.KindMalformedToken, err)
	default:
		return models.NewAuthError(models.KindMalformedToken, err)
	}
}

func (v *Verifier) logRejection(ctx context.Context, err error) {
	level := slog.LevelWarn
	if models.IsHostile(err) {
		level = slog.LevelError
	}
	if kind, _ := models.KindOf(err); kind == models.KindMissingCredential {
		level = slog.LevelDebug
	}
	v.logger.Log(ctx, level, "bearer token rejected",
		"reason", err,
		"request_id", requestcontext.RequestID(ctx),
	)
}
