package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dieffenderfer/nirsenseandroidapp-sub000/internal/config"
	"github.com/dieffenderfer/nirsenseandroidapp-sub000/pkg/crypto"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	hash, err := crypto.HashPassword("hunter22")
	require.NoError(t, err)
	return NewDirectory([]config.UserConfig{
		{Email: "Ops@Example.com", PasswordHash: hash, IsAdmin: true},
		{Email: "disabled@example.com"},
		{Email: " "},
	})
}

func TestDirectory(t *testing.T) {
	d := testDirectory(t)
	assert.Equal(t, 2, d.Len())

	u, ok := d.Lookup("ops@example.com ")
	require.True(t, ok)
	assert.True(t, u.IsActive)
	assert.True(t, u.IsAdmin)

	again := NewDirectory([]config.UserConfig{{Email: "ops@example.com", PasswordHash: "x"}})
	u2, ok := again.Lookup("OPS@example.com")
	require.True(t, ok)
	assert.Equal(t, u.ID, u2.ID, "ids are stable")

	disabled, ok := d.Lookup("disabled@example.com")
	require.True(t, ok)
	assert.False(t, disabled.IsActive)
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := &config.JWTConfig{Secret: "s3cret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour}
	m := NewJWTManager(cfg)
	users := testDirectory(t)
	user, _ := users.Lookup("ops@example.com")

	access, refresh, err := m.GenerateTokenPair(user)
	require.NoError(t, err)

	claims, err := m.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID)
	assert.Equal(t, "ops@example.com", claims.Email)
	assert.True(t, claims.IsAdmin)

	// a refresh token carries no user id and is not an access token
	_, err = m.ValidateToken(refresh)
	assert.Error(t, err)

	access2, _, err := m.RefreshToken(refresh, users)
	require.NoError(t, err)
	_, err = m.ValidateToken(access2)
	assert.NoError(t, err)

	other := NewJWTManager(&config.JWTConfig{Secret: "other", AccessTokenTTL: time.Minute})
	_, err = other.ValidateToken(access)
	assert.Error(t, err)

	_, _, err = m.RefreshToken(refresh, NewDirectory(nil))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", AccessTokenTTL: -time.Minute, RefreshTokenTTL: time.Hour})
	user, _ := testDirectory(t).Lookup("ops@example.com")

	access, _, err := m.GenerateTokenPair(user)
	require.NoError(t, err)
	_, err = m.ValidateToken(access)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestVerifyPassword(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret"})
	user, _ := testDirectory(t).Lookup("ops@example.com")
	assert.True(t, m.VerifyPassword("hunter22", user.PasswordHash))
	assert.False(t, m.VerifyPassword("hunter2", user.PasswordHash))
}
