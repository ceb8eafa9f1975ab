package server

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/project-init/internal/config"
)

const testJWTSecret = "test-secret-key-for-jwt-signing-minimum-32-bytes"

func setupTestJWTService(_ *testing.T, expirationHours int) *JWTService {
	return NewJWTService(&config.JWTConfig{
		Secret:          testJWTSecret,
		ExpirationHours: expirationHours,
	})
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	service := setupTestJWTService(t, 24)
	userID, orgID := uuid.New(), uuid.New()

	token, err := service.GenerateToken(userID, orgID)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, []uuid.UUID{orgID}, claims.OrganizationIDs)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestJWTService_ValidateToken_Rejects(t *testing.T) {
	service := setupTestJWTService(t, 24)
	userID := uuid.New()

	sign := func(claims jwt.Claims, method jwt.SigningMethod, key any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := func() *Claims {
		now := time.Now()
		return &Claims{UserID: userID, RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
		}}
	}

	expired := valid()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	noUser := valid()
	noUser.UserID = uuid.Nil

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{"empty", "", "empty"},
		{"malformed", "not.a.token", "malformed"},
		{"wrong secret", sign(valid(), jwt.SigningMethodHS256, []byte("another-secret-key-that-is-long-enough")), "signature"},
		{"expired", sign(expired, jwt.SigningMethodHS256, []byte(testJWTSecret)), "expired"},
		{"other algorithm", sign(valid(), jwt.SigningMethodHS512, []byte(testJWTSecret)), "signature"},
		{"no user", sign(noUser, jwt.SigningMethodHS256, []byte(testJWTSecret)), "user_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.ValidateToken(tt.token)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestJWTService_Issuer(t *testing.T) {
	issuing := NewJWTService(&config.JWTConfig{Secret: testJWTSecret, ExpirationHours: 1, Issuer: "platform"})
	other := NewJWTService(&config.JWTConfig{Secret: testJWTSecret, ExpirationHours: 1, Issuer: "elsewhere"})

	token, err := issuing.GenerateToken(uuid.New())
	require.NoError(t, err)

	_, err = issuing.ValidateToken(token)
	assert.NoError(t, err)
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_AsTokenValidator(t *testing.T) {
	service := setupTestJWTService(t, 1)
	userID := uuid.New()
	token, err := service.GenerateToken(userID)
	require.NoError(t, err)

	p, err := service.AsTokenValidator().ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, p.UserID)
	assert.True(t, p.MemberOf(uuid.New()), "tokens without organization claims are unscoped")

	_, err = service.AsTokenValidator().ValidateToken("garbage")
	assert.Error(t, err)
}
