package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "handlesync"
	ScopeRead     = "handles:read"
	ScopeWrite    = "handles:write"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Claims is the payload of a stream token. Root, when set, confines every
// path the bearer may touch to that subtree.
type Claims struct {
	Root      string `json:"root,omitempty"`
	AgentName string `json:"agent_name"`
	Scopes    any    `json:"scopes"`
	jwt.RegisteredClaims
}

type tokenClaims struct {
	Root      string
	AgentName string
	Scopes    map[string]struct{}
}

func (c tokenClaims) allows(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.allows(requiredScope) {
		return tokenClaims{}, &authError{
			status:  http.StatusForbidden,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  http.StatusUnauthorized,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var parsed Claims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			message = "token expired"
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			message = "jwt signature mismatch"
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			message = "invalid aud claim"
		case errors.Is(err, jwt.ErrTokenMalformed):
			message = "invalid jwt format"
		}
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	if strings.TrimSpace(parsed.AgentName) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing agent_name claim"}
	}
	scopes := parseScopes(parsed.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{
		Root:      strings.Trim(strings.TrimSpace(parsed.Root), "/"),
		AgentName: parsed.AgentName,
		Scopes:    scopes,
	}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// IssueToken signs a token for agentName. It is used by tests and by the
// server command to mint development tokens.
func IssueToken(secret, agentName, root string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Root:      root,
		AgentName: agentName,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
