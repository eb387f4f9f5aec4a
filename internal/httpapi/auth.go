package httpapi

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Scopes gating the API surface. Tokens carry them as a JSON array.
const (
	scopeSyncTrigger = "sync:trigger"
	scopeTasksRead   = "tasks:read"
	scopeTasksWrite  = "tasks:write"
)

// authorizeBearer validates the bearer token and checks that it belongs
// to the path user and carries the required scope. Identity failures are
// 401, permission failures 403.
func authorizeBearer(authHeader, jwtSecret, userID, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	claims := tokenClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	}); err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid token: " + err.Error()}
	}
	if claims.Subject == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	if userID != "" && claims.Subject != userID {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "token subject does not match user"}
	}
	if requiredScope != "" && !claims.hasScope(requiredScope) {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "missing required scope: " + requiredScope}
	}
	return claims, nil
}

func (c tokenClaims) hasScope(scope string) bool {
	for _, granted := range c.Scopes {
		if granted == scope {
			return true
		}
	}
	return false
}
