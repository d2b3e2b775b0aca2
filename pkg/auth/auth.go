package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenVerifier checks bearer tokens against the hash of the daemon token.
// The plain token is not kept in memory after construction.
type TokenVerifier struct {
	hash []byte
}

// NewTokenVerifier hashes token with bcrypt at the given cost;
// bcrypt.DefaultCost when cost is 0.
func NewTokenVerifier(token string, cost int) (*TokenVerifier, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}
	return &TokenVerifier{hash: hash}, nil
}

// Verify validates a token
func (v *TokenVerifier) Verify(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// GenerateToken returns a random URL-safe token for 'meshgen config init'
func GenerateToken() (string, error) {
	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tokenBytes), nil
}

// BearerToken extracts the token from the Authorization header. Browsers
// cannot set headers on websocket upgrades, so ?token= is accepted there.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok {
			return ""
		}
		return strings.TrimSpace(token)
	}
	if r.Header.Get("Upgrade") != "" {
		return r.URL.Query().Get("token")
	}
	return ""
}

// Middleware rejects requests without a valid bearer token. Paths in open
// are served without one.
func Middleware(v *TokenVerifier, logger *zap.Logger, open ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	skip := make(map[string]bool, len(open))
	for _, p := range open {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := v.Verify(BearerToken(r)); err != nil {
				logger.Debug("Rejected request", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr), zap.Error(err))
				w.Header().Set("WWW-Authenticate", `Bearer realm="meshgen"`)
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
