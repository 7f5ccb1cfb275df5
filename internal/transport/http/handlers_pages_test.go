package httptransport

import (
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/logger"
	"gatekeeper/pkg/testutil"
)

func newPagesRouter() chi.Router {
	r := chi.NewRouter()
	NewPageHandler(logger.Discard()).Register(r)
	r.Get("/401", handleNoCredentials)
	return r
}

func TestHandleMe(t *testing.T) {
	router := newPagesRouter()

	t.Run("returns the identity as JSON", func(t *testing.T) {
		req := testutil.WithIdentity(testutil.NewRequest(t, http.MethodGet, "/me"), models.VerifiedIdentity{
			Subject:     "sub-1",
			ObjectID:    "oid-1",
			DisplayName: "Ada",
			Username:    "ada@example.com",
			Roles:       []string{"admin", "reader"},
		})
		rr := testutil.DoRequest(router, req)

		testutil.AssertStatusOK(t, rr)
		got := testutil.UnmarshalResponse[meResponse](t, rr)
		assert.Equal(t, meResponse{ID: "oid-1", DisplayName: "Ada", Username: "ada@example.com", Roles: []string{"admin", "reader"}}, *got)
	})

	t.Run("falls back to sub and renders empty roles", func(t *testing.T) {
		req := testutil.WithSession(testutil.NewRequest(t, http.MethodGet, "/me"), "sid", models.VerifiedIdentity{Subject: "sub-1"})
		rr := testutil.DoRequest(router, req)

		testutil.AssertStatusOK(t, rr)
		assert.JSONEq(t, `{"id":"sub-1","displayName":"","username":"","roles":[]}`, rr.Body.String())
	})

	t.Run("without an identity is a 401", func(t *testing.T) {
		rr := testutil.DoRequest(router, testutil.NewRequest(t, http.MethodGet, "/me"))
		testutil.AssertStatusAndError(t, rr, http.StatusUnauthorized, "unauthorized")
	})
}

func TestHTMLPages(t *testing.T) {
	router := newPagesRouter()
	identity := models.VerifiedIdentity{Subject: "s", DisplayName: "<script>alert(1)</script>"}

	rr := testutil.DoRequest(router, testutil.WithIdentity(testutil.NewRequest(t, http.MethodGet, "/protected"), identity))
	testutil.AssertStatusOK(t, rr)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "Welcome to the protected area")
	assert.NotContains(t, rr.Body.String(), "<script>")

	rr = testutil.DoRequest(router, testutil.WithIdentity(testutil.NewRequest(t, http.MethodGet, "/"), identity))
	testutil.AssertStatusOK(t, rr)
	assert.Contains(t, rr.Body.String(), `href="/protected"`)
}

func TestNoCredentials(t *testing.T) {
	rr := testutil.DoRequest(newPagesRouter(), testutil.NewRequest(t, http.MethodGet, "/401"))
	testutil.AssertStatus(t, rr, http.StatusForbidden)
	assert.Equal(t, "No credentials", rr.Body.String())
}
