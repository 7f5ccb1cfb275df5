// Package idp runs an in-process identity provider for tests. It publishes a
// JWKS, runs the authorization-code grant with PKCE and serves a user profile.
package idp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"

	"gatekeeper/internal/auth/models"
)

const (
	DefaultTenant   = "contoso"
	DefaultClientID = "client-123"
	DefaultSecret   = "s3cret"
	DefaultKID      = "key-1"
)

type grant struct {
	challenge   string
	redirectURI string
}

// Provider is a fake identity provider bound to an httptest server.
type Provider struct {
	Server   *httptest.Server
	Tenant   string
	ClientID string
	Secret   string

	// Profile is returned by the user-info endpoint.
	Profile models.Profile
	// Roles are added to minted ID tokens.
	Roles []string

	t testing.TB

	mu           sync.Mutex
	keys         map[string]*rsa.PrivateKey
	order        []string
	grants       map[string]grant
	accessTokens map[string]bool

	keyRequests      atomic.Int32
	tokenRequests    atomic.Int32
	userInfoRequests atomic.Int32

	keysStatus     atomic.Int32
	tokenStatus    atomic.Int32
	userInfoStatus atomic.Int32
}

// New starts a provider for DefaultTenant that publishes DefaultKID.
func New(t testing.TB) *Provider {
	t.Helper()

	p := &Provider{
		Tenant:   DefaultTenant,
		ClientID: DefaultClientID,
		Secret:   DefaultSecret,
		Profile: models.Profile{
			ID:                "00000000-0000-0000-0000-000000000001",
			DisplayName:       "Ada Lovelace",
			GivenName:         "Ada",
			Surname:           "Lovelace",
			UserPrincipalName: "ada@contoso.example",
		},
		Roles:        []string{"reader"},
		t:            t,
		keys:         make(map[string]*rsa.PrivateKey),
		grants:       make(map[string]grant),
		accessTokens: make(map[string]bool),
	}
	p.AddKey(DefaultKID)

	r := chi.NewRouter()
	r.Get("/{tenant}/discovery/v2.0/keys", p.handleKeys)
	r.Get("/{tenant}/oauth2/v2.0/authorize", p.handleAuthorize)
	r.Post("/{tenant}/oauth2/v2.0/token", p.handleToken)
	r.Get("/me", p.handleUserInfo)

	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)
	return p
}

// Authority is the base URL tenants are resolved under.
func (p *Provider) Authority() string { return p.Server.URL }

func (p *Provider) Issuer() string { return p.Server.URL + "/" + p.Tenant + "/v2.0" }

func (p *Provider) UserInfoURL() string { return p.Server.URL + "/me" }

// AddKey generates and publishes a signing key under kid.
func (p *Provider) AddKey(kid string) *rsa.PrivateKey {
	p.t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keys[kid]; !ok {
		p.order = append(p.order, kid)
	}
	p.keys[kid] = key
	return key
}

// RemoveKey stops publishing kid. Tokens signed with it remain mintable.
func (p *Provider) RemoveKey(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.order {
		if k == kid {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// PrivateKey returns the signing key generated for kid.
func (p *Provider) PrivateKey(kid string) *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[kid]
}

// Claims returns a valid claim set for audience as of now.
func (p *Provider) Claims(audience string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                p.Issuer(),
		"aud":                audience,
		"sub":                "subject-1",
		"oid":                p.Profile.ID,
		"name":               p.Profile.DisplayName,
		"preferred_username": p.Profile.UserPrincipalName,
		"roles":              p.Roles,
		"iat":                now.Unix(),
		"nbf":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
	}
}

// Mint signs claims with the key published under kid.
func (p *Provider) Mint(kid string, claims jwt.MapClaims) string {
	p.t.Helper()
	key := p.PrivateKey(kid)
	require.NotNil(p.t, key, "unknown kid %q", kid)
	return MintWith(p.t, key, kid, claims)
}

// MintWith signs claims RS256 with an arbitrary key, for forged tokens.
func MintWith(t testing.TB, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

// JWKS renders the published keys as a JWK set document.
func (p *Provider) JWKS() []byte {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	set := jwk.NewSet()
	for _, kid := range p.order {
		key, err := jwk.Import(p.keys[kid].Public())
		require.NoError(p.t, err)
		require.NoError(p.t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(p.t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(p.t, key.Set(jwk.KeyUsageKey, "sig"))
		require.NoError(p.t, set.AddKey(key))
	}
	body, err := json.Marshal(set)
	require.NoError(p.t, err)
	return body
}

// Authorize follows authURL as a browser would and returns the code and state
// the provider redirected back with.
func (p *Provider) Authorize(authURL string) (code, state string) {
	p.t.Helper()
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Get(authURL)
	require.NoError(p.t, err)
	_ = resp.Body.Close()
	require.Equal(p.t, http.StatusFound, resp.StatusCode, "authorize rejected %s", authURL)

	location, err := resp.Location()
	require.NoError(p.t, err)
	return location.Query().Get("code"), location.Query().Get("state")
}

func (p *Provider) KeyRequests() int      { return int(p.keyRequests.Load()) }
func (p *Provider) TokenRequests() int    { return int(p.tokenRequests.Load()) }
func (p *Provider) UserInfoRequests() int { return int(p.userInfoRequests.Load()) }

// FailKeys makes the keys endpoint answer with status. Zero restores it.
func (p *Provider) FailKeys(status int) { p.keysStatus.Store(int32(status)) }

func (p *Provider) FailToken(status int) { p.tokenStatus.Store(int32(status)) }

func (p *Provider) FailUserInfo(status int) { p.userInfoStatus.Store(int32(status)) }

func (p *Provider) handleKeys(w http.ResponseWriter, r *http.Request) {
	p.keyRequests.Add(1)
	if status := p.keysStatus.Load(); status != 0 {
		w.WriteHeader(int(status))
		return
	}
	if chi.URLParam(r, "tenant") != p.Tenant {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(p.JWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.ClientID || q.Get("response_type") != "code" ||
		q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	redirect, err := url.Parse(q.Get("redirect_uri"))
	if err != nil || redirect.Host == "" {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}

	code := randomString(p.t)
	p.mu.Lock()
	p.grants[code] = grant{challenge: q.Get("code_challenge"), redirectURI: q.Get("redirect_uri")}
	p.mu.Unlock()

	values := redirect.Query()
	values.Set("code", code)
	values.Set("state", q.Get("state"))
	redirect.RawQuery = values.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	p.tokenRequests.Add(1)
	if status := p.tokenStatus.Load(); status != 0 {
		writeOAuthError(w, int(status), "server_error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if clientID != p.ClientID || secret != p.Secret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	code := r.PostForm.Get("code")
	p.mu.Lock()
	g, found := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()

	if !found || g.redirectURI != r.PostForm.Get("redirect_uri") {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	accessToken := randomString(p.t)
	p.mu.Lock()
	p.accessTokens[accessToken] = true
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": accessToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     p.Mint(DefaultKID, p.Claims(p.ClientID)),
	})
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	p.userInfoRequests.Add(1)
	if status := p.userInfoStatus.Load(); status != 0 {
		w.WriteHeader(int(status))
		return
	}
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	p.mu.Lock()
	known := p.accessTokens[header[len(prefix):]]
	p.mu.Unlock()
	if !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p.Profile)
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

func randomString(t testing.TB) string {
	buf := make([]byte, 16)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(buf)
}
