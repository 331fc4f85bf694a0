package api

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrTokenExpired is reported when the session JWT's exp claim has
// passed. The caller owns token refresh; the client only refuses to
// spend retry budget on calls that cannot succeed.
var ErrTokenExpired = errors.New("api: session token expired")

// tokenExpired inspects the exp claim without verifying the signature;
// verification is the backend's job. Opaque (non-JWT) tokens are
// accepted as-is and reported as not expired.
func tokenExpired(token string, now time.Time) (bool, error) {
	if strings.Count(token, ".") != 2 {
		return false, nil
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return false, err
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, nil
	}
	return exp.Unix() <= now.Unix(), nil
}
