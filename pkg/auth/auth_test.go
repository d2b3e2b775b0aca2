package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newVerifier(t *testing.T, token string) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(token, bcrypt.MinCost)
	require.NoError(t, err)
	return v
}

func TestTokenVerifier(t *testing.T) {
	v := newVerifier(t, "s3cret")

	assert.NoError(t, v.Verify("s3cret"))
	assert.ErrorIs(t, v.Verify("wrong"), ErrInvalidToken)
	assert.ErrorIs(t, v.Verify(""), ErrMissingToken)

	_, err := NewTokenVerifier("", bcrypt.MinCost)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	require.NoError(t, err)
	b, err := GenerateToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		upgrade bool
		query   string
		want    string
	}{
		{name: "header", header: "Bearer abc", want: "abc"},
		{name: "wrong scheme", header: "Basic abc", want: ""},
		{name: "websocket query", upgrade: true, query: "abc", want: "abc"},
		{name: "query ignored without upgrade", query: "abc", want: ""},
		{name: "none", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws?token="+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if tt.upgrade {
				r.Header.Set("Upgrade", "websocket")
			}
			assert.Equal(t, tt.want, BearerToken(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	v := newVerifier(t, "s3cret")
	handler := Middleware(v, nil, "/health")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		path   string
		header string
		want   int
	}{
		{path: "/health", want: http.StatusOK},
		{path: "/jobs", want: http.StatusUnauthorized},
		{path: "/jobs", header: "Bearer nope", want: http.StatusUnauthorized},
		{path: "/jobs", header: "Bearer s3cret", want: http.StatusOK},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", tt.path, nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, tt.want, w.Code, "%s %q", tt.path, tt.header)
		if tt.want == http.StatusUnauthorized {
			assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
		}
	}
}
