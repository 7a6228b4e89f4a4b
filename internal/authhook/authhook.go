// Package authhook provides the default onConnect hook: it verifies a
// bearer JWT carried in the connection_init payload's "authorization"
// field and rejects the connection (4403 Forbidden) when the token is
// missing or does not verify.
package authhook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/ctxstore"
	"github.com/comfortablynumb/graphql-ws-redis-adapter/internal/protocol"
)

// ErrMissingToken is returned internally when no bearer token is
// present; callers see it only through the hook's ok=false return.
var ErrMissingToken = errors.New("authhook: missing bearer token")

// Verifier validates HS256-signed bearer tokens against a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

// NewVerifier builds a Verifier. issuer/audience are checked only when
// non-empty.
func NewVerifier(secret []byte, issuer, audience string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, audience: audience}
}

// ConnectHook returns a protocol.ConnectHook that verifies the bearer
// token and, on success, stores the decoded claims under extra.auth for
// resolvers and downstream hooks to read.
func (v *Verifier) ConnectHook() protocol.ConnectHook {
	return func(ctx context.Context, cc *ctxstore.Context, connectionParams any) (any, bool, error) {
		token, err := extractBearer(connectionParams)
		if err != nil {
			return nil, false, nil
		}

		claims := jwt.MapClaims{}
		parserOpts := []jwt.ParserOption{}
		if v.issuer != "" {
			parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
		}
		if v.audience != "" {
			parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
		}

		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("authhook: unexpected signing method %v", t.Header["alg"])
			}
			return v.secret, nil
		}, parserOpts...)
		if err != nil || !parsed.Valid {
			return nil, false, nil
		}

		extra := make(map[string]any, len(cc.Extra())+1)
		for k, val := range cc.Extra() {
			extra[k] = val
		}
		extra["auth"] = map[string]any(claims)
		cc.SetExtra(extra)

		return map[string]any{"sub": claims["sub"]}, true, nil
	}
}

func extractBearer(connectionParams any) (string, error) {
	m, ok := connectionParams.(map[string]any)
	if !ok {
		return "", ErrMissingToken
	}
	raw, _ := m["authorization"].(string)
	if raw == "" {
		return "", ErrMissingToken
	}
	const prefix = "Bearer "
	if strings.HasPrefix(raw, prefix) {
		return strings.TrimPrefix(raw, prefix), nil
	}
	return raw, nil
}
