package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyAccessToken(t *testing.T) {
	v, err := NewJWTVerifier("secret", "novel", "app")
	require.NoError(t, err)
	token, err := NewSigner("secret", "novel", "app").SignAccess("user-1", "a@example.com", time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user-1", Email: "a@example.com"}, id)
}

func TestVerifyRejections(t *testing.T) {
	v, err := NewJWTVerifier("secret", "", "")
	require.NoError(t, err)
	signer := NewSigner("secret", "", "")

	expired, err := signer.SignAccess("u", "e", -time.Minute)
	require.NoError(t, err)
	refresh, err := signer.Sign("u", "e", "refresh", time.Minute)
	require.NoError(t, err)
	foreign, err := NewSigner("other", "", "").SignAccess("u", "e", time.Minute)
	require.NoError(t, err)
	anonymous, err := signer.SignAccess("", "e", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{"missing", "  ", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"expired", expired, ErrExpiredToken},
		{"wrong type", refresh, ErrWrongTokenType},
		{"wrong key", foreign, ErrInvalidToken},
		{"no subject", anonymous, ErrInvalidToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), tc.token)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestVerifyChecksIssuerAndAudience(t *testing.T) {
	v, err := NewJWTVerifier("secret", "novel", "app")
	require.NoError(t, err)

	token, err := NewSigner("secret", "someone-else", "app").SignAccess("u", "e", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	token, err = NewSigner("secret", "novel", "").SignAccess("u", "e", time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewJWTVerifierRequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier("", "", "")
	assert.Error(t, err)
}
