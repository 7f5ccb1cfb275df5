package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatekeeper/pkg/testutil/idp"
)

func TestParseKeySet(t *testing.T) {
	t.Run("indexes keys by the kid of their own entry", func(t *testing.T) {
		provider := idp.New(t)
		second := provider.AddKey("key-2")

		keys, err := ParseKeySet(provider.JWKS())
		require.NoError(t, err)
		require.Len(t, keys, 2)

		pub, ok := keys["key-2"].(*rsa.PublicKey)
		require.True(t, ok)
		assert.True(t, second.PublicKey.Equal(pub))
	})

	t.Run("falls back to the x5c certificate", func(t *testing.T) {
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		der := selfSigned(t, priv)

		body := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":"cert-only","use":"sig","x5c":[%q]}]}`,
			base64.StdEncoding.EncodeToString(der))

		keys, err := ParseKeySet([]byte(body))
		require.NoError(t, err)
		pub, ok := keys["cert-only"].(*rsa.PublicKey)
		require.True(t, ok)
		assert.True(t, priv.PublicKey.Equal(pub))
	})

	t.Run("skips entries without kid or not for signing", func(t *testing.T) {
		provider := idp.New(t)
		valid := string(mustEntry(t, provider))

		body := `{"keys":[` +
			`{"kty":"RSA","n":"AQAB","e":"AQAB"},` +
			`{"kty":"RSA","kid":"enc","use":"enc","n":"AQAB","e":"AQAB"},` +
			`{"kty":"RSA","kid":"garbage","x5c":["not-base64!"]},` +
			valid + `]}`

		keys, err := ParseKeySet([]byte(body))
		require.NoError(t, err)
		assert.Len(t, keys, 1)
		_, ok := keys[idp.DefaultKID]
		assert.True(t, ok)
	})

	t.Run("rejects a document that is not a key set", func(t *testing.T) {
		_, err := ParseKeySet([]byte(`not json`))
		assert.Error(t, err)

		_, err = ParseKeySet([]byte(`{"issuer":"x"}`))
		assert.Error(t, err)
	})

	t.Run("accepts an empty key set", func(t *testing.T) {
		keys, err := ParseKeySet([]byte(`{"keys":[]}`))
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestHTTPSourceFetch(t *testing.T) {
	t.Run("fetches the tenant key set", func(t *testing.T) {
		provider := idp.New(t)
		source := NewHTTPSource(provider.Authority(), provider.Server.Client())

		set, err := source.Fetch(context.Background(), provider.Tenant)
		require.NoError(t, err)
		assert.Equal(t, provider.Tenant, set.Tenant)
		assert.Equal(t, provider.Authority()+"/"+provider.Tenant+"/discovery/v2.0/keys", set.SourceURL)
		assert.Equal(t, 1, set.Len())
		_, ok := set.Lookup(idp.DefaultKID)
		assert.True(t, ok)
	})

	t.Run("non-200 responses are fetch errors", func(t *testing.T) {
		provider := idp.New(t)
		provider.FailKeys(http.StatusServiceUnavailable)
		source := NewHTTPSource(provider.Authority(), provider.Server.Client())

		_, err := source.Fetch(context.Background(), provider.Tenant)
		var fetchErr *KeyFetchError
		require.ErrorAs(t, err, &fetchErr)
		assert.Equal(t, provider.Tenant, fetchErr.Tenant)
	})

	t.Run("unreachable provider is a fetch error", func(t *testing.T) {
		provider := idp.New(t)
		authority := provider.Authority()
		provider.Server.Close()
		source := NewHTTPSource(authority, &http.Client{Timeout: time.Second})

		_, err := source.Fetch(context.Background(), idp.DefaultTenant)
		var fetchErr *KeyFetchError
		assert.True(t, errors.As(err, &fetchErr))
	})
}

func selfSigned(t *testing.T, priv *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)
	return der
}

// mustEntry extracts the single JWK entry the provider publishes.
func mustEntry(t *testing.T, provider *idp.Provider) []byte {
	t.Helper()
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(provider.JWKS(), &doc))
	require.Len(t, doc.Keys, 1)
	return doc.Keys[0]
}
