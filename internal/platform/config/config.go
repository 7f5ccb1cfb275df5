package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	liststrings "gatekeeper/pkg/platform/strings"
)

// AuthMode selects which proof of identity the Auth Gate accepts. The modes are
// exclusive per deployment.
type AuthMode string

const (
	AuthModeBearer  AuthMode = "bearer"
	AuthModeSession AuthMode = "session"
)

const (
	defaultAddr        = "127.0.0.1:3000"
	defaultAuthority   = "https://login.microsoftonline.com"
	defaultUserInfoURL = "https://graph.microsoft.com/v1.0/me"
	defaultRedirectURL = "http://localhost:3000/auth/authorized"
	defaultScopes      = "openid profile email"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr string
}

// IdentityProvider describes the OIDC tenant this service trusts.
type IdentityProvider struct {
	Authority    string
	TenantID     string
	ClientID     string
	ClientSecret string
	Audience     string
	RedirectURL  string
	UserInfoURL  string
	Scopes       []string

	HTTPTimeout        time.Duration
	ClockSkew          time.Duration
	KeyCacheTTL        time.Duration
	KeyRefreshInterval time.Duration
}

// Issuer is the `iss` value tokens for the tenant must carry.
func (p IdentityProvider) Issuer() string {
	return p.tenantURL() + "/v2.0"
}

// KeysURL is the tenant's published signing key set.
func (p IdentityProvider) KeysURL() string {
	return KeysURL(p.Authority, p.TenantID)
}

// AuthorizeURL is the browser-facing authorization endpoint.
func (p IdentityProvider) AuthorizeURL() string {
	return p.tenantURL() + "/oauth2/v2.0/authorize"
}

// TokenURL is the server-to-server code exchange endpoint.
func (p IdentityProvider) TokenURL() string {
	return p.tenantURL() + "/oauth2/v2.0/token"
}

func (p IdentityProvider) tenantURL() string {
	return strings.TrimRight(p.Authority, "/") + "/" + url.PathEscape(p.TenantID)
}

// KeysURL builds the discovery keys endpoint for a tenant under authority.
func KeysURL(authority, tenant string) string {
	return strings.TrimRight(authority, "/") + "/" + url.PathEscape(tenant) + "/discovery/v2.0/keys"
}

// Session configures cookie sessions and login attempts.
type Session struct {
	TTL          time.Duration
	FlowTTL      time.Duration
	CookieSecure bool
}

// RedisConfig configures the optional shared store. An empty URL keeps
// sessions and flow state in process memory.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Logging configures the process logger.
type Logging struct {
	Level  string
	Format string
}

// Config is built once at startup and injected into every component.
type Config struct {
	Server   Server
	AuthMode AuthMode
	IDP      IdentityProvider
	Session  Session
	Redis    RedisConfig
	Logging  Logging
}

// ConfigError lists every problem found while loading configuration. It is
// fatal: the process must not start.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads envFile (if it exists) into the process environment and then
// builds the configuration from it.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from lookup so tests can supply fabricated values.
func FromEnv(lookup LookupFunc) (*Config, error) {
	r := reader{lookup: lookup}

	cfg := &Config{
		Server: Server{
			Addr: r.str("ADDR", defaultAddr),
		},
		AuthMode: AuthMode(strings.ToLower(r.str("AUTH_MODE", string(AuthModeSession)))),
		IDP: IdentityProvider{
			Authority:          r.url("IDP_AUTHORITY", defaultAuthority),
			TenantID:           r.required("TENANT_ID"),
			ClientID:           r.required("CLIENT_ID"),
			ClientSecret:       r.required("CLIENT_SECRET"),
			Audience:           r.required("AUDIENCE"),
			RedirectURL:        r.url("REDIRECT_URL", defaultRedirectURL),
			UserInfoURL:        r.url("USERINFO_URL", defaultUserInfoURL),
			Scopes:             liststrings.SplitList(r.str("SCOPES", defaultScopes)),
			HTTPTimeout:        r.duration("HTTP_TIMEOUT", 10*time.Second),
			ClockSkew:          r.duration("CLOCK_SKEW", 30*time.Second),
			KeyCacheTTL:        r.duration("KEY_CACHE_TTL", time.Hour),
			KeyRefreshInterval: r.duration("KEY_REFRESH_INTERVAL", 30*time.Second),
		},
		Session: Session{
			TTL:          r.duration("SESSION_TTL", 24*time.Hour),
			FlowTTL:      r.duration("FLOW_TTL", 10*time.Minute),
			CookieSecure: r.boolean("COOKIE_SECURE", false),
		},
		Redis: RedisConfig{
			URL:          r.str("REDIS_URL", ""),
			PoolSize:     r.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: r.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  r.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  r.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: r.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Logging: Logging{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
	}

	switch cfg.AuthMode {
	case AuthModeBearer, AuthModeSession:
	default:
		r.problem("AUTH_MODE must be %q or %q, got %q", AuthModeBearer, AuthModeSession, cfg.AuthMode)
	}
	if len(cfg.IDP.Scopes) == 0 {
		r.problem("SCOPES must not be empty")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"HTTP_TIMEOUT", cfg.IDP.HTTPTimeout},
		{"KEY_CACHE_TTL", cfg.IDP.KeyCacheTTL},
		{"SESSION_TTL", cfg.Session.TTL},
		{"FLOW_TTL", cfg.Session.FlowTTL},
	} {
		if d.value <= 0 {
			r.problem("%s must be positive", d.name)
		}
	}

	if len(r.problems) > 0 {
		return nil, &ConfigError{Problems: r.problems}
	}
	return cfg, nil
}

type reader struct {
	lookup   LookupFunc
	problems []string
}

func (r *reader) problem(format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

func (r *reader) str(key, fallback string) string {
	if v, ok := r.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (r *reader) required(key string) string {
	v := r.str(key, "")
	if v == "" {
		r.problem("%s is required", key)
	}
	return v
}

func (r *reader) url(key, fallback string) string {
	v := r.str(key, fallback)
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		r.problem("%s must be an absolute URL", key)
	}
	return v
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.problem("%s: %v", key, err)
		return fallback
	}
	return d
}

func (r *reader) integer(key string, fallback int) int {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problem("%s: %v", key, err)
		return fallback
	}
	return n
}

func (r *reader) boolean(key string, fallback bool) bool {
	v := r.str(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.problem("%s: %v", key, err)
		return fallback
	}
	return b
}
