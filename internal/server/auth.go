package server

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"strings"

	"github.com/racewire/rt-relay/internal/server/repo"
)

// ErrMissingBearerToken is returned when a WebSocket upgrade request
// carries no Authorization: Bearer header.
var ErrMissingBearerToken = errors.New("server: missing bearer token")

// ExtractBearerToken reads the raw token from r's Authorization
// header. The token never appears anywhere else — not in the
// ForwarderHello/ReceiverHelloV12 JSON body — per spec.md §6.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingBearerToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingBearerToken
	}
	return token, nil
}

// HashToken returns the SHA-256 digest of token, the form stored and
// looked up in device_tokens (spec.md §4.2: "the server hashes the
// token with SHA-256").
func HashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// Authenticator resolves a bearer token to the device it authenticates,
// rejecting unknown or revoked tokens.
type Authenticator struct {
	tokens *repo.DeviceTokens
}

// NewAuthenticator builds an Authenticator backed by the device_tokens
// table.
func NewAuthenticator(tokens *repo.DeviceTokens) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// Authenticate extracts and resolves the bearer token from r. The
// returned DeviceToken's DeviceType selects which handler processes
// the upgraded connection.
func (a *Authenticator) Authenticate(r *http.Request) (repo.DeviceToken, error) {
	token, err := ExtractBearerToken(r)
	if err != nil {
		return repo.DeviceToken{}, err
	}
	return a.tokens.Lookup(HashToken(token))
}
