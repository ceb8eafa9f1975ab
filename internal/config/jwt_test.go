package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-minimum-32-bytes"

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestNewJWTConfig_DefaultValues(t *testing.T) {
	cfg, err := NewJWTConfig(envMap(map[string]string{"JWT_SECRET": testSecret}))
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Secret)
	assert.Equal(t, 24, cfg.ExpirationHours, "should use default expiration of 24 hours")
	assert.Empty(t, cfg.Issuer)
}

func TestNewJWTConfig_CustomExpiration(t *testing.T) {
	tests := []struct {
		name          string
		expiration    string
		expectedHours int
		wantErr       bool
	}{
		{name: "valid 48 hours", expiration: "48", expectedHours: 48},
		{name: "valid 1 hour", expiration: "1", expectedHours: 1},
		{name: "zero hours", expiration: "0", wantErr: true},
		{name: "negative hours", expiration: "-5", wantErr: true},
		{name: "not a number", expiration: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewJWTConfig(envMap(map[string]string{
				"JWT_SECRET":           testSecret,
				"JWT_EXPIRATION_HOURS": tt.expiration,
				"JWT_ISSUER":           "platform",
			}))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectedHours, cfg.ExpirationHours)
			assert.Equal(t, "platform", cfg.Issuer)
		})
	}
}

func TestNewJWTConfig_Secret(t *testing.T) {
	_, err := NewJWTConfig(envMap(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")

	_, err = NewJWTConfig(envMap(map[string]string{"JWT_SECRET": "   "}))
	assert.Error(t, err)

	_, err = NewJWTConfig(envMap(map[string]string{"JWT_SECRET": "short"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 bytes")
}
