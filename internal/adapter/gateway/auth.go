package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"arbiter-ai/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenAuth authenticates against a static token list using constant-time
// comparison. An empty list admits every caller as "anonymous".
type TokenAuth struct {
	tokens [][]byte
}

// NewTokenAuth builds an authenticator from tokens.
func NewTokenAuth(tokens []string) *TokenAuth {
	a := &TokenAuth{}
	for _, t := range tokens {
		if t != "" {
			a.tokens = append(a.tokens, []byte(t))
		}
	}
	return a
}

// Authenticate returns client info if the token is valid.
func (a *TokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if len(a.tokens) == 0 {
		return &ClientInfo{Name: "anonymous"}, nil
	}
	tb := []byte(token)
	for i, t := range a.tokens {
		if subtle.ConstantTimeCompare(tb, t) == 1 {
			return &ClientInfo{Name: fmt.Sprintf("client-%d", i+1)}, nil
		}
	}
	return nil, domain.ErrAuthInvalid
}

// tokenFrom reads ?token= or a bearer Authorization header.
func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if t, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return t
	}
	return ""
}

func requireAuth(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := auth.Authenticate(tokenFrom(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}
