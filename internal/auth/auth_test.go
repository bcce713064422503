package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/repository"
	"github.com/talkincode/wabridge/internal/repository/repotest"
)

const testSecret = "super-secret-jwt-token-with-at-least-32-characters"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	v := NewVerifier(testSecret)
	sub := uuid.NewString()
	tok := sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
		"sub":   sub,
		"email": "a@example.com",
		"role":  "authenticated",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	tenant, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, sub, tenant)

	tenant, err = v.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, sub, tenant)

	claims, err := v.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", claims.Email)
	assert.Equal(t, "authenticated", claims.Role)
}

func TestVerifierRejects(t *testing.T) {
	v := NewVerifier(testSecret)
	sub := uuid.NewString()
	future := time.Now().Add(time.Hour).Unix()

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not.a.jwt",
		"wrong secret": sign(t, jwt.SigningMethodHS256, []byte("other-secret"), jwt.MapClaims{"sub": sub, "exp": future}),
		"expired":      sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": sub, "exp": time.Now().Add(-time.Minute).Unix()}),
		"non uuid sub": sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": "admin", "exp": future}),
		"missing sub":  sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"exp": future}),
		"hs512":        sign(t, jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{"sub": sub, "exp": future}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, domain.ErrUnauthenticated)
		})
	}

	_, err := NewVerifier("").Verify(sign(t, jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{"sub": sub}))
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestGuardUsesOnePredicate(t *testing.T) {
	ctx := context.Background()
	store := repository.NewGormStore(repotest.NewDB(t))
	sub := &domain.Subaccount{UserID: "u1", LocationID: "loc-1", Name: "Main"}
	require.NoError(t, store.Subaccounts.Create(ctx, sub))
	g := NewGuard(store.Subaccounts)

	ok, err := g.OwnsLocation(ctx, "u1", "loc-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.OwnsSubaccount(ctx, "u1", sub.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.NoError(t, g.RequireLocation(ctx, "u1", "loc-1"))
	assert.NoError(t, g.RequireSubaccount(ctx, "u1", sub.ID))
	assert.ErrorIs(t, g.RequireLocation(ctx, "u2", "loc-1"), domain.ErrForbidden)
	assert.ErrorIs(t, g.RequireSubaccount(ctx, "u2", sub.ID), domain.ErrForbidden)
	assert.ErrorIs(t, g.RequireLocation(ctx, "u1", "loc-missing"), domain.ErrForbidden)
}
