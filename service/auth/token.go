// Package auth supplies the bearer credential the REST and realtime
// layers attach to requests. Credential acquisition and renewal belong
// to the embedding application; this package only carries tokens and
// rejects ones that are already expired.
package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatlink/tools/errs"
)

// TokenSource yields the current bearer credential.
type TokenSource interface {
	Token() (string, error)
}

// Static is a fixed token. When the token is a JWT its exp claim is
// checked locally so an already-stale credential fails fast instead of
// round-tripping to a guaranteed 401. Opaque tokens pass through.
type Static struct {
	Value string

	now func() time.Time // test hook
}

func NewStatic(token string) *Static { return &Static{Value: token} }

func (s *Static) Token() (string, error) {
	if s.Value == "" {
		return "", errs.Unauthenticated("no credential configured")
	}

	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(s.Value, claims)
	if err != nil {
		// not a JWT; treat as opaque
		return s.Value, nil
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return s.Value, nil
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	if exp.Before(now()) {
		return "", errs.Unauthenticated("bearer token expired")
	}
	return s.Value, nil
}
