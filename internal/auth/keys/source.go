package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/config"
)

const maxKeySetBytes = 1 << 20

var tracer = otel.Tracer("gatekeeper/internal/auth/keys")

// Source fetches a tenant's current signing keys.
type Source interface {
	Fetch(ctx context.Context, tenant string) (*models.SigningKeySet, error)
}

// HTTPSource reads key sets from the provider's discovery keys endpoint.
type HTTPSource struct {
	authority string
	client    *http.Client
	now       func() time.Time
}

// NewHTTPSource builds a source for tenants under authority. The client's
// timeout bounds every fetch.
func NewHTTPSource(authority string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{authority: authority, client: client, now: time.Now}
}

// Fetch downloads and parses the tenant's key set. Every failure comes back as
// a *KeyFetchError.
func (s *HTTPSource) Fetch(ctx context.Context, tenant string) (*models.SigningKeySet, error) {
	keysURL := config.KeysURL(s.authority, tenant)

	ctx, span := tracer.Start(ctx, "keys.fetch", trace.WithAttributes(attribute.String("tenant", tenant)))
	defer span.End()

	set, err := s.fetch(ctx, tenant, keysURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "key fetch failed")
		return nil, &KeyFetchError{Tenant: tenant, Err: err}
	}
	span.SetAttributes(attribute.Int("keys", set.Len()))
	return set, nil
}

func (s *HTTPSource) fetch(ctx context.Context, tenant, keysURL string) (*models.SigningKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keysURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request keys: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keys endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("read keys: %w", err)
	}

	keys, err := ParseKeySet(body)
	if err != nil {
		return nil, err
	}
	return models.NewSigningKeySet(tenant, keysURL, s.now(), keys), nil
}

type keyEntry struct {
	Kid string   `json:"kid"`
	Use string   `json:"use"`
	X5c []string `json:"x5c"`
}

// ParseKeySet decodes a JWKS document into public keys indexed by the kid of
// the entry each key was parsed from. Entries without a kid, entries not meant
// for signatures and entries whose material cannot be decoded are skipped.
func ParseKeySet(body []byte) (map[string]crypto.PublicKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("key set has no keys member")
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var entry keyEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.Kid == "" || (entry.Use != "" && entry.Use != "sig") {
			continue
		}
		if _, dup := keys[entry.Kid]; dup {
			continue
		}
		pub, err := publicKey(raw, entry.X5c)
		if err != nil {
			continue
		}
		keys[entry.Kid] = pub
	}
	return keys, nil
}

// publicKey prefers the JWK parameters and falls back to the leaf certificate
// of the x5c chain.
func publicKey(raw json.RawMessage, x5c []string) (crypto.PublicKey, error) {
	if key, err := jwk.ParseKey(raw); err == nil {
		var exported any
		if err := jwk.Export(key, &exported); err == nil {
			if signer, ok := exported.(crypto.Signer); ok {
				return signer.Public(), nil
			}
			return exported, nil
		}
	}
	if len(x5c) == 0 {
		return nil, errors.New("no usable key material")
	}
	der, err := base64.StdEncoding.DecodeString(x5c[0])
	if err != nil {
		return nil, fmt.Errorf("decode x5c: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse x5c: %w", err)
	}
	return cert.PublicKey, nil
}
