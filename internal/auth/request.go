// ABOUTME: Bearer token extraction from HTTP requests and the request
// ABOUTME: authenticator that resolves a token to an identity.

package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoToken is returned when a request carries no bearer token at all.
var ErrNoToken = errors.New("missing bearer token")

// RequestAuthenticator resolves an HTTP request to an identity using a
// token verifier.
type RequestAuthenticator struct {
	verifier TokenVerifier
}

// NewRequestAuthenticator wraps a verifier for use on HTTP entry points.
func NewRequestAuthenticator(verifier TokenVerifier) *RequestAuthenticator {
	return &RequestAuthenticator{verifier: verifier}
}

// Authenticate extracts the bearer token and verifies it. The token is
// taken from the Authorization header, falling back to the token query
// parameter since browser websocket clients cannot set headers.
func (a *RequestAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrNoToken
	}
	return a.verifier.Verify(token)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		if token := strings.TrimPrefix(header, "Bearer "); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
