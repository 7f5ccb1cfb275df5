// Package flow runs the OIDC authorization-code grant with PKCE and CSRF
// state binding, and resolves the signed-in user's profile.
package flow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/metrics"
	"gatekeeper/pkg/platform/sentinel"
	"gatekeeper/pkg/requestcontext"
)

const maxProfileBytes = 1 << 20

var tracer = otel.Tracer("gatekeeper/internal/auth/flow")

// IDTokenVerifier checks the id_token returned alongside the access token.
type IDTokenVerifier interface {
	Verify(ctx context.Context, raw, audience, issuer string) (models.VerifiedIdentity, error)
}

type Manager struct {
	oauth       *oauth2.Config
	issuer      string
	userInfoURL string
	flowTTL     time.Duration
	timeout     time.Duration

	store    Store
	verifier IDTokenVerifier
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Manager)

// WithIDTokenVerifier verifies and merges the id_token when the provider
// returns one.
func WithIDTokenVerifier(v IDTokenVerifier) Option {
	return func(m *Manager) {
		m.verifier = v
	}
}

// WithHTTPClient sets the client used for the token and user-info calls.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		if client != nil {
			m.client = client
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager builds a flow manager for the configured provider. Flow states
// live for flowTTL.
func NewManager(idp config.IdentityProvider, flowTTL time.Duration, store Store, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     idp.ClientID,
			ClientSecret: idp.ClientSecret,
			RedirectURL:  idp.RedirectURL,
			Scopes:       idp.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   idp.AuthorizeURL(),
				TokenURL:  idp.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		issuer:      idp.Issuer(),
		userInfoURL: idp.UserInfoURL,
		flowTTL:     flowTTL,
		timeout:     idp.HTTPTimeout,
		store:       store,
		client:      &http.Client{Timeout: idp.HTTPTimeout},
		logger:      logger,
		now:         time.Now,
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initiate starts a login attempt: a fresh CSRF token and PKCE verifier, the
// provider authorize URL carrying the S256 challenge, and the stored state
// awaiting its callback.
func (m *Manager) Initiate(ctx context.Context) (*models.FlowState, error) {
	csrf, err := randomToken()
	if err != nil {
		return nil, err
	}
	verifier := oauth2.GenerateVerifier()
	now := m.now()

	state := &models.FlowState{
		CSRFToken:        csrf,
		CodeVerifier:     verifier,
		AuthorizationURL: m.oauth.AuthCodeURL(csrf, oauth2.S256ChallengeOption(verifier)),
		RedirectURI:      m.oauth.RedirectURL,
		Status:           models.FlowStatusAwaitingCallback,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.flowTTL),
	}
	if err := m.store.Put(ctx, state); err != nil {
		return nil, fmt.Errorf("save flow state: %w", err)
	}
	return state, nil
}

// HandleCallback completes the attempt stored under flowKey. The stored state
// is consumed whatever the outcome, so a callback can never be replayed;
// leaving the store is the move to Completed. A
// missing, expired or mismatching state is a CsrfMismatch and no exchange is
// attempted.
func (m *Manager) HandleCallback(ctx context.Context, flowKey, code, state string) (models.VerifiedIdentity, error) {
	ctx, span := tracer.Start(ctx, "flow.callback")
	defer span.End()

	identity, err := m.handleCallback(ctx, flowKey, code, state)
	if err != nil {
		kind, _ := models.KindOf(err)
		span.SetStatus(codes.Error, string(kind))
		m.metrics.ObserveLogin(string(kind))
		m.logFailure(ctx, err)
		return models.VerifiedIdentity{}, err
	}
	m.metrics.ObserveLogin("success")
	m.logger.InfoContext(ctx, "login completed",
		"subject", identity.ID(),
		"request_id", requestcontext.RequestID(ctx),
	)
	return identity, nil
}

func (m *Manager) handleCallback(ctx context.Context, flowKey, code, state string) (models.VerifiedIdentity, error) {
	flow, err := m.take(ctx, flowKey)
	if err != nil {
		return models.VerifiedIdentity{}, err
	}
	if subtle.ConstantTimeCompare([]byte(state), []byte(flow.CSRFToken)) != 1 {
		return models.VerifiedIdentity{}, models.NewAuthError(models.KindCsrfMismatch, errors.New("state does not match flow"))
	}
	if !flow.AwaitingCallback() {
		return models.VerifiedIdentity{}, models.NewAuthError(models.KindCsrfMismatch, fmt.Errorf("flow is %s", flow.Status))
	}
	if code == "" {
		return models.VerifiedIdentity{}, models.NewAuthError(models.KindMissingCredential, errors.New("callback has no code"))
	}

	token, err := m.exchange(ctx, code, flow.CodeVerifier)
	if err != nil {
		return models.VerifiedIdentity{}, err
	}

	profile, err := m.fetchProfile(ctx, token)
	if err != nil {
		return models.VerifiedIdentity{}, err
	}

	identity := profile.Identity()
	identity.ExpiresAt = token.Expiry
	if err := m.mergeIDToken(ctx, token, &identity); err != nil {
		return models.VerifiedIdentity{}, err
	}

	return identity, nil
}

// Discard consumes the attempt stored under flowKey without completing it,
// for callbacks the provider answered with an error. Unknown and expired keys
// are not an error.
func (m *Manager) Discard(ctx context.Context, flowKey string) error {
	if flowKey == "" {
		return nil
	}
	_, err := m.store.Take(ctx, flowKey)
	if err == nil || errors.Is(err, sentinel.ErrNotFound) || errors.Is(err, sentinel.ErrExpired) {
		return nil
	}
	return fmt.Errorf("discard flow state: %w", err)
}

func (m *Manager) take(ctx context.Context, flowKey string) (*models.FlowState, error) {
	if flowKey == "" {
		return nil, models.NewAuthError(models.KindCsrfMismatch, errors.New("no flow cookie"))
	}
	flow, err := m.store.Take(ctx, flowKey)
	switch {
	case err == nil:
		if flow.IsExpired(m.now()) {
			return nil, models.NewAuthError(models.KindCsrfMismatch, sentinel.ErrExpired)
		}
		return flow, nil
	case errors.Is(err, sentinel.ErrUnavailable):
		return nil, models.NewAuthError(models.KindUnavailable, err)
	default:
		return nil, models.NewAuthError(models.KindCsrfMismatch, err)
	}
}

func (m *Manager) exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	ctx, span := tracer.Start(ctx, "flow.exchange")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	token, err := m.oauth.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		span.RecordError(err)
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return nil, models.NewAuthError(models.KindInvalidGrant, err)
		}
		return nil, models.NewAuthError(models.KindUnavailable, fmt.Errorf("code exchange: %w", err))
	}
	if token.AccessToken == "" {
		return nil, models.NewAuthError(models.KindMalformedToken, errors.New("token response has no access token"))
	}
	return token, nil
}

func (m *Manager) fetchProfile(ctx context.Context, token *oauth2.Token) (models.Profile, error) {
	ctx, span := tracer.Start(ctx, "flow.profile")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.userInfoURL, http.NoBody)
	if err != nil {
		return models.Profile{}, models.NewAuthError(models.KindUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := m.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return models.Profile{}, models.NewAuthError(models.KindUnavailable, fmt.Errorf("fetch profile: %w", err))
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		return models.Profile{}, models.NewAuthError(models.KindUnavailable,
			fmt.Errorf("profile endpoint returned %d", resp.StatusCode))
	}

	var profile models.Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&profile); err != nil {
		return models.Profile{}, models.NewAuthError(models.KindMalformedToken, fmt.Errorf("decode profile: %w", err))
	}
	if profile.ID == "" {
		return models.Profile{}, models.NewAuthError(models.KindMalformedToken, errors.New("profile has no id"))
	}
	return profile, nil
}

// mergeIDToken folds roles, subject and expiry from a verified id_token into
// identity. Profile fields win for display name and username.
func (m *Manager) mergeIDToken(ctx context.Context, token *oauth2.Token, identity *models.VerifiedIdentity) error {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" || m.verifier == nil {
		return nil
	}
	claims, err := m.verifier.Verify(ctx, raw, m.oauth.ClientID, m.issuer)
	if err != nil {
		return err
	}
	if claims.ObjectID != "" && claims.ObjectID != identity.ObjectID {
		return models.NewAuthError(models.KindInvalidSignature, errors.New("id_token oid does not match profile"))
	}
	if claims.Subject != "" {
		identity.Subject = claims.Subject
	}
	identity.Roles = claims.Roles
	if !claims.ExpiresAt.IsZero() {
		identity.ExpiresAt = claims.ExpiresAt
	}
	return nil
}

func (m *Manager) logFailure(ctx context.Context, err error) {
	level := slog.LevelWarn
	if models.IsHostile(err) {
		level = slog.LevelError
	}
	m.logger.Log(ctx, level, "login callback rejected",
		"reason", err,
		"request_id", requestcontext.RequestID(ctx),
	)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
