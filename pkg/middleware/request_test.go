package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDAssignsAndEchoes(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/jobs", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	r := httptest.NewRequest("GET", "/jobs", nil)
	r.Header.Set(RequestIDHeader, "req-42")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))
}

func TestGetRequestIDWithoutMiddleware(t *testing.T) {
	assert.Empty(t, GetRequestID(httptest.NewRequest("GET", "/", nil)))
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := RequestID(AccessLog(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
		}
	})))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.NotEmpty(t, fields["request_id"])
	assert.Equal(t, zap.DebugLevel, entries[1].Level)
}

func TestRequireJSON(t *testing.T) {
	called := 0
	handler := RequireJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called++
	}))

	tests := []struct {
		method      string
		contentType string
		wantStatus  int
	}{
		{"POST", "text/plain", http.StatusUnsupportedMediaType},
		{"POST", "multipart/form-data; boundary=x", http.StatusUnsupportedMediaType},
		{"POST", "", http.StatusUnsupportedMediaType},
		{"PUT", "text/plain", http.StatusUnsupportedMediaType},
		{"POST", "application/json", http.StatusOK},
		{"POST", "Application/JSON; charset=utf-8", http.StatusOK},
		{"GET", "", http.StatusOK},
		{"DELETE", "", http.StatusOK},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, "/jobs", strings.NewReader("{}"))
		if tt.contentType != "" {
			r.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, tt.wantStatus, w.Code, "%s %q", tt.method, tt.contentType)
	}
	assert.Equal(t, 4, called)
}
