package gateway

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ttfgw/ttf/internal/ttferrors"
)

// verifyToken authenticates the bearer token presented at channel_open
// (spec.md §4.3.1), verifying its signature against the configured key
// set. JWKSKeys (ed25519 public keys keyed by "kid") take precedence over
// a shared JWTSecret (HMAC), matching spec.md §6's "JWT_SECRET or JWKS".
func (c Config) verifyToken(token string) error {
	if !c.RequireAuth {
		return nil
	}
	if token == "" {
		return ttferrors.New(ttferrors.KindUnauthorized, "missing bearer token")
	}

	keyFunc := func(t *jwt.Token) (any, error) {
		if len(c.JWKSKeys) > 0 {
			kid, _ := t.Header["kid"].(string)
			key, ok := c.JWKSKeys[kid]
			if !ok {
				return nil, fmt.Errorf("unknown key id %q", kid)
			}
			if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
			}
			return key, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return c.JWTSecret, nil
	}

	parsed, err := jwt.Parse(token, keyFunc, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512", "EdDSA"}))
	if err != nil || !parsed.Valid {
		return ttferrors.Wrap(ttferrors.KindUnauthorized, "token verification failed", err)
	}
	return nil
}
