package auth

import (
	"testing"
	"time"

	"github.com/cmsadmin/pkg/config"
	"github.com/cmsadmin/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTManager(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", Issuer: "cms-admin", Expire: 60})

	pair, err := m.GenerateTokens("u1", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, m.GetExpireIn())

	claims, err := m.ParseToken(pair.AccessToken, KindAccess)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "cms-admin", claims.Issuer)
	assert.NotEmpty(t, claims.ID)

	_, err = m.ParseToken(pair.RefreshToken, KindRefresh)
	require.NoError(t, err)
}

func TestJWTManager_KindMismatch(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret"})
	pair, err := m.GenerateTokens("u1", "")
	require.NoError(t, err)

	_, err = m.ParseToken(pair.RefreshToken, KindAccess)
	assert.ErrorIs(t, err, errors.ErrTokenInvalid)
}

func TestJWTManager_Expired(t *testing.T) {
	m := NewJWTManager(&config.JWTConfig{Secret: "s3cret", Expire: 60})
	pair, err := m.GenerateTokens("u1", "")
	require.NoError(t, err)

	m.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	_, err = m.ParseToken(pair.AccessToken, KindAccess)
	assert.ErrorIs(t, err, errors.ErrTokenExpired)
}

func TestJWTManager_WrongSecret(t *testing.T) {
	pair, err := NewJWTManager(&config.JWTConfig{Secret: "a"}).GenerateTokens("u1", "")
	require.NoError(t, err)

	_, err = NewJWTManager(&config.JWTConfig{Secret: "b"}).ParseToken(pair.AccessToken, KindAccess)
	assert.True(t, errors.IsAuthFailure(err))
	assert.Equal(t, errors.ErrTokenInvalid.Message, errors.GetMessage(err))
}
