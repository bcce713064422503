package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
)

// Claims are the fields read from a project access token.
type Claims struct {
	Subject string `mapstructure:"sub"`
	Email   string `mapstructure:"email"`
	Role    string `mapstructure:"role"`
}

// Verifier validates HS256 bearer tokens signed with the project secret.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Parse validates raw and decodes its claims.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "jwt secret not configured")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "missing token")
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, errors.Wrap(domain.ErrUnauthenticated, err.Error())
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "invalid token")
	}

	var claims Claims
	if err := mapstructure.WeakDecode(map[string]interface{}(mc), &claims); err != nil {
		return nil, errors.Wrap(domain.ErrUnauthenticated, err.Error())
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, errors.Wrap(domain.ErrUnauthenticated, "subject is not a user id")
	}
	return &claims, nil
}

// Verify returns the tenant id carried by raw.
func (v *Verifier) Verify(raw string) (string, error) {
	claims, err := v.Parse(raw)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}
