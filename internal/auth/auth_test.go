package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ontopilot/ontopilot/internal/auth"
)

func echoIdentity(t *testing.T, got *auth.Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.FromContext(r.Context())
		if !ok {
			t.Error("no identity in request context")
		}
		*got = id
		w.WriteHeader(http.StatusOK)
	})
}

func TestNewVerifierRequiresSecretOrDebug(t *testing.T) {
	_, err := auth.NewVerifier(auth.VerifierConfig{})
	assert.Error(t, err)

	_, err = auth.NewVerifier(auth.VerifierConfig{AllowDebugToken: true, DebugToken: "dev"})
	assert.NoError(t, err)
}

func TestMiddlewareAcceptsIssuedToken(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret"})
	assert.NoError(t, err)

	token, err := v.IssueToken("reviewer-1", "architect")
	assert.NoError(t, err)

	var got auth.Identity
	srv := v.Middleware(echoIdentity(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/pipeline/status/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reviewer-1", got.ApproverID)
	assert.Equal(t, "architect", got.Role)
}

func TestMiddlewareRejectsMissingAndBadTokens(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret"})
	assert.NoError(t, err)

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a valid token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRejectsTokenFromOtherSecret(t *testing.T) {
	issuer, err := auth.NewVerifier(auth.VerifierConfig{Secret: "issuer-secret"})
	assert.NoError(t, err)
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Secret: "other-secret"})
	assert.NoError(t, err)

	token, err := issuer.IssueToken("reviewer-1", "engineer")
	assert.NoError(t, err)

	handler := verifier.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run for a foreign token")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareDebugToken(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{AllowDebugToken: true, DebugToken: "dev"})
	assert.NoError(t, err)

	var got auth.Identity
	handler := v.Middleware(echoIdentity(t, &got))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer dev")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "debug", got.ApproverID)
	assert.Equal(t, "admin", got.Role)
}

func TestMissingRoleClaimIsRejected(t *testing.T) {
	v, err := auth.NewVerifier(auth.VerifierConfig{Secret: "test-secret"})
	assert.NoError(t, err)

	// A token minted with an empty role fails claim validation.
	token, err := v.IssueToken("reviewer-1", "")
	assert.NoError(t, err)

	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run without a role claim")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
