package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterlabs/arbiter/internal/auth"
	"github.com/arbiterlabs/arbiter/internal/model"
)

const (
	testOperatorKey = "operator-key-for-tests"
	testAdminKey    = "admin-key-for-tests"
)

// newTestServer builds a server with an ephemeral JWT manager and both
// bootstrap keys configured. The DB-backed handlers are not exercised
// here; these tests cover the auth surface and middleware chain.
func newTestServer(t *testing.T) (*Server, *auth.JWTManager) {
	t.Helper()

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	operatorHash, err := auth.HashAccessKey(testOperatorKey)
	require.NoError(t, err)
	adminHash, err := auth.HashAccessKey(testAdminKey)
	require.NoError(t, err)

	srv := New(ServerConfig{
		JWTMgr:              jwtMgr,
		Logger:              slog.New(slog.DiscardHandler),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OperatorKeyHash:     operatorHash,
		AdminKeyHash:        adminHash,
	})
	return srv, jwtMgr
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthTokenExchange(t *testing.T) {
	srv, _ := newTestServer(t)
	ws := uuid.New()

	t.Run("operator key yields operator token", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/auth/token", model.AuthTokenRequest{
			WorkspaceID: ws, AccessKey: testOperatorKey,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data model.AuthTokenResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(auth.RoleOperator), resp.Data.Role)
		assert.NotEmpty(t, resp.Data.Token)
		assert.True(t, resp.Data.ExpiresAt.After(time.Now()))
	})

	t.Run("admin key yields admin token", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/auth/token", model.AuthTokenRequest{
			WorkspaceID: ws, AccessKey: testAdminKey,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Data model.AuthTokenResponse `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, string(auth.RoleAdmin), resp.Data.Role)
	})

	t.Run("wrong key is unauthorized", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/auth/token", model.AuthTokenRequest{
			WorkspaceID: ws, AccessKey: "guessing",
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing workspace is rejected", func(t *testing.T) {
		rec := postJSON(t, srv.Handler(), "/auth/token", model.AuthTokenRequest{
			AccessKey: testOperatorKey,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown fields are rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/token",
			strings.NewReader(`{"workspace_id":"`+ws.String()+`","access_key":"x","extra":true}`))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	srv, jwtMgr := newTestServer(t)

	t.Run("no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predictions", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predictions", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("garbage token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predictions", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("operator cannot reach admin routes", func(t *testing.T) {
		token, _, err := jwtMgr.IssueToken(uuid.New(), auth.RoleOperator)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/v1/signals/memories", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)

		var resp model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, model.ErrCodeForbidden, resp.Error.Code)
	})
}

func TestRequestIDPropagation(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("caller-supplied id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predictions", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

		var resp model.APIError
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "req-42", resp.Meta.RequestID)
	})

	t.Run("missing id is generated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/predictions", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(slog.New(slog.DiscardHandler), panicky)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.ErrCodeInternalError, resp.Error.Code)
}

func TestDecodeJSONBodyCap(t *testing.T) {
	big := fmt.Sprintf(`{"objective":%q}`, strings.Repeat("x", 2048))
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader(big))
	rec := httptest.NewRecorder()

	var target model.CreateRunRequest
	err := decodeJSON(rec, req, &target, 64)
	require.Error(t, err)
}

func TestRequireRoleWithoutClaims(t *testing.T) {
	protected := requireRole(auth.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
