package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "super-secret-test-key"

func TestVerifyIssuedToken(t *testing.T) {
	v := NewJWTVerifier(secret)
	token, err := v.Issue("collector-1", RoleCollector, time.Hour)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "collector-1", claims.UserID)
	assert.Equal(t, RoleCollector, claims.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 2*time.Second)
}

func TestVerifyRejects(t *testing.T) {
	v := NewJWTVerifier(secret)
	sign := func(key string, claims jwt.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": sign("other", tokenClaims{UserID: "u", Role: "customer", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		"expired": sign(secret, tokenClaims{UserID: "u", Role: "customer", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}}),
		"no expiry":    sign(secret, tokenClaims{UserID: "u", Role: "customer"}),
		"no user":      sign(secret, tokenClaims{Role: "customer", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
		"unknown role": sign(secret, tokenClaims{UserID: "u", Role: "admin", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: future}}),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestVerifyExpiredMessage(t *testing.T) {
	v := NewJWTVerifier(secret)
	token, err := v.Issue("u", RoleCustomer, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Collector ")
	require.NoError(t, err)
	assert.Equal(t, RoleCollector, r)
	_, err = ParseRole("driver")
	assert.ErrorIs(t, err, ErrUnauthorized)
}
