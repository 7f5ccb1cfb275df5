package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"gatekeeper/internal/auth/models"
	"gatekeeper/internal/platform/logger"
	"gatekeeper/internal/platform/middleware"
	"gatekeeper/internal/transport/http/mocks"
	"gatekeeper/pkg/platform/sentinel"
)

//go:generate mockgen -source=handlers_auth.go -destination=mocks/auth-mocks.go -package=mocks FlowService,SessionStore
type AuthHandlerSuite struct {
	suite.Suite
	ctx context.Context
}

func TestAuthHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuthHandlerSuite))
}

func (s *AuthHandlerSuite) SetupSuite() {
	s.ctx = context.Background()
}

func (s *AuthHandlerSuite) newHandler(t *testing.T) (*mocks.MockFlowService, *mocks.MockSessionStore, chi.Router) {
	ctrl := gomock.NewController(t)
	flow := mocks.NewMockFlowService(ctrl)
	sessions := mocks.NewMockSessionStore(ctrl)
	h := NewAuthHandler(flow, sessions, CookieConfig{
		Secure:     true,
		SessionTTL: 24 * time.Hour,
		FlowTTL:    10 * time.Minute,
	}, logger.Discard(), nil)

	r := chi.NewRouter()
	h.Register(r)
	return flow, sessions, r
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func (s *AuthHandlerSuite) TestHandler_Login() {
	s.T().Run("redirects to the provider and binds the attempt to a cookie - 302", func(t *testing.T) {
		flow, _, router := s.newHandler(t)
		flow.EXPECT().Initiate(gomock.Any()).Return(&models.FlowState{
			CSRFToken:        "csrf-1",
			AuthorizationURL: "https://idp.example/authorize?state=csrf-1",
		}, nil)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "https://idp.example/authorize?state=csrf-1", rr.Header().Get("Location"))

		cookie := cookieNamed(rr, FlowCookieName)
		require.NotNil(t, cookie)
		assert.Equal(t, "csrf-1", cookie.Value)
		assert.Equal(t, "/auth", cookie.Path)
		assert.Equal(t, 600, cookie.MaxAge)
		assert.True(t, cookie.HttpOnly)
		assert.True(t, cookie.Secure)
		assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	})

	s.T().Run("returns 503 when the attempt cannot be stored", func(t *testing.T) {
		flow, _, router := s.newHandler(t)
		flow.EXPECT().Initiate(gomock.Any()).Return(nil, errors.New("redis down"))

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/login", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Nil(t, cookieNamed(rr, FlowCookieName))
	})
}

func (s *AuthHandlerSuite) TestHandler_Authorized() {
	identity := models.VerifiedIdentity{Subject: "u1", DisplayName: "Ada", Username: "ada@example.com"}

	s.T().Run("creates a session and sets the cookie - 302", func(t *testing.T) {
		flow, sessions, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), "csrf-1", "the-code", "csrf-1").Return(identity, nil)
		sessions.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, payload []byte) (string, error) {
			var stored models.VerifiedIdentity
			require.NoError(t, json.Unmarshal(payload, &stored))
			assert.Equal(t, identity, stored)
			return "sid-1", nil
		})

		req := httptest.NewRequest(http.MethodGet, "/auth/authorized?code=the-code&state=csrf-1", nil)
		req.AddCookie(&http.Cookie{Name: FlowCookieName, Value: "csrf-1"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/", rr.Header().Get("Location"))

		session := cookieNamed(rr, middleware.SessionCookieName)
		require.NotNil(t, session)
		assert.Equal(t, "sid-1", session.Value)
		assert.Equal(t, "/", session.Path)
		assert.True(t, session.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, session.SameSite)

		flowCookie := cookieNamed(rr, FlowCookieName)
		require.NotNil(t, flowCookie)
		assert.Equal(t, -1, flowCookie.MaxAge)
	})

	s.T().Run("missing flow cookie is passed through as an empty key", func(t *testing.T) {
		flow, sessions, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), "", "the-code", "csrf-1").
			Return(models.VerifiedIdentity{}, models.NewAuthError(models.KindCsrfMismatch, nil))
		sessions.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/authorized?code=the-code&state=csrf-1", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Nil(t, cookieNamed(rr, middleware.SessionCookieName))
	})

	s.T().Run("provider outage is a 503", func(t *testing.T) {
		flow, sessions, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
			Return(models.VerifiedIdentity{}, models.NewAuthError(models.KindUnavailable, errors.New("timeout")))
		sessions.EXPECT().Create(gomock.Any(), gomock.Any()).Times(0)

		req := httptest.NewRequest(http.MethodGet, "/auth/authorized?code=c&state=s", nil)
		req.AddCookie(&http.Cookie{Name: FlowCookieName, Value: "s"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	s.T().Run("provider error parameter is a 401 without exchange", func(t *testing.T) {
		flow, _, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
		flow.EXPECT().Discard(gomock.Any(), "").Return(nil)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/auth/authorized?error=access_denied&state=s", nil))

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	s.T().Run("provider error parameter discards the pending flow", func(t *testing.T) {
		flow, _, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
		flow.EXPECT().Discard(gomock.Any(), "csrf-1").Return(nil)

		req := httptest.NewRequest(http.MethodGet, "/auth/authorized?error=access_denied&state=csrf-1", nil)
		req.AddCookie(&http.Cookie{Name: FlowCookieName, Value: "csrf-1"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		flowCookie := cookieNamed(rr, FlowCookieName)
		require.NotNil(t, flowCookie)
		assert.Equal(t, -1, flowCookie.MaxAge)
	})

	s.T().Run("session store failure is a 503", func(t *testing.T) {
		flow, sessions, router := s.newHandler(t)
		flow.EXPECT().HandleCallback(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(identity, nil)
		sessions.EXPECT().Create(gomock.Any(), gomock.Any()).Return("", errors.New("redis down"))

		req := httptest.NewRequest(http.MethodGet, "/auth/authorized?code=c&state=s", nil)
		req.AddCookie(&http.Cookie{Name: FlowCookieName, Value: "s"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Nil(t, cookieNamed(rr, middleware.SessionCookieName))
	})
}

func (s *AuthHandlerSuite) TestHandler_Logout() {
	s.T().Run("destroys the session and expires the cookie", func(t *testing.T) {
		_, sessions, router := s.newHandler(t)
		sessions.EXPECT().Destroy(gomock.Any(), "sid-1").Return(nil)

		req := httptest.NewRequest(http.MethodGet, "/logout", nil)
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sid-1"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/", rr.Header().Get("Location"))
		cookie := cookieNamed(rr, middleware.SessionCookieName)
		require.NotNil(t, cookie)
		assert.Equal(t, -1, cookie.MaxAge)
	})

	s.T().Run("without a cookie just redirects", func(t *testing.T) {
		_, sessions, router := s.newHandler(t)
		sessions.EXPECT().Destroy(gomock.Any(), gomock.Any()).Times(0)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/logout", nil))

		assert.Equal(t, http.StatusFound, rr.Code)
	})

	s.T().Run("store failure is a 503 and keeps the cookie", func(t *testing.T) {
		_, sessions, router := s.newHandler(t)
		sessions.EXPECT().Destroy(gomock.Any(), "sid-1").
			Return(fmt.Errorf("destroy session: %w", sentinel.ErrUnavailable))

		req := httptest.NewRequest(http.MethodGet, "/logout", nil)
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sid-1"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Nil(t, cookieNamed(rr, middleware.SessionCookieName))
		assert.Empty(t, rr.Header().Get("Location"))
	})

	s.T().Run("already gone session still logs out", func(t *testing.T) {
		_, sessions, router := s.newHandler(t)
		sessions.EXPECT().Destroy(gomock.Any(), "sid-1").Return(sentinel.ErrNotFound)

		req := httptest.NewRequest(http.MethodGet, "/logout", nil)
		req.AddCookie(&http.Cookie{Name: middleware.SessionCookieName, Value: "sid-1"})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		cookie := cookieNamed(rr, middleware.SessionCookieName)
		require.NotNil(t, cookie)
		assert.Equal(t, -1, cookie.MaxAge)
	})
}
