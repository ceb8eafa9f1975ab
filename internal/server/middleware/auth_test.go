package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTokenValidator is a test implementation of TokenValidator for unit tests.
type testTokenValidator struct {
	validTokens map[string]Principal
}

func newTestTokenValidator() *testTokenValidator {
	return &testTokenValidator{validTokens: make(map[string]Principal)}
}

func (v *testTokenValidator) ValidateToken(tokenString string) (Principal, error) {
	if tokenString == "" {
		return Principal{}, fmt.Errorf("token string is empty")
	}
	p, ok := v.validTokens[tokenString]
	if !ok {
		return Principal{}, fmt.Errorf("invalid token")
	}
	return p, nil
}

func serve(t *testing.T, v TokenValidator, setup func(r *http.Request)) (*httptest.ResponseRecorder, *Principal) {
	t.Helper()
	var got *Principal
	handler := AuthMiddleware(v)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		p, ok := GetPrincipal(r)
		require.True(t, ok)
		got = &p
	}))
	req := httptest.NewRequest(http.MethodGet, "/projects/x/init", nil)
	setup(req)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, got
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	v := newTestTokenValidator()
	want := Principal{UserID: uuid.New(), OrganizationIDs: []uuid.UUID{uuid.New()}}
	v.validTokens["good"] = want

	w, got := serve(t, v, func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") })
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	w, got = serve(t, v, func(r *http.Request) { r.Header.Set("Authorization", "bEaReR good") })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, got)
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	v := newTestTokenValidator()
	v.validTokens["good"] = Principal{UserID: uuid.New()}

	w, got := serve(t, v, func(r *http.Request) {
		q := r.URL.Query()
		q.Set("access_token", "good")
		r.URL.RawQuery = q.Encode()
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, got)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	v := newTestTokenValidator()
	v.validTokens["good"] = Principal{UserID: uuid.New()}

	tests := []struct {
		name       string
		authHeader string
	}{
		{"missing header", ""},
		{"missing Bearer prefix", "good"},
		{"empty token", "Bearer "},
		{"only Bearer", "Bearer"},
		{"basic scheme", "Basic good"},
		{"extra parts", "Bearer good extra"},
		{"unknown token", "Bearer bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, got := serve(t, v, func(r *http.Request) {
				if tt.authHeader != "" {
					r.Header.Set("Authorization", tt.authHeader)
				}
			})
			assert.Nil(t, got, "handler should not be called")
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "unauthorized")
			assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestPrincipal_MemberOf(t *testing.T) {
	org := uuid.New()
	assert.True(t, Principal{}.MemberOf(org))
	assert.True(t, Principal{OrganizationIDs: []uuid.UUID{uuid.New(), org}}.MemberOf(org))
	assert.False(t, Principal{OrganizationIDs: []uuid.UUID{uuid.New()}}.MemberOf(org))
}

func TestGetPrincipal_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := GetPrincipal(req)
	assert.False(t, ok)

	req = req.WithContext(WithPrincipal(req.Context(), Principal{UserID: uuid.New()}))
	_, ok = GetPrincipal(req)
	assert.True(t, ok)
}
