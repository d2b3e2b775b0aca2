package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/meshgen/pkg/api"
	"github.com/psantana5/meshgen/pkg/auth"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
)

type stubTracker struct {
	mu       sync.Mutex
	reg      *registry.Registry
	tracking map[string]bool
}

func (s *stubTracker) Submit(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error) {
	if err := params.Validate(kind); err != nil {
		return "", err
	}
	queued := models.JobStatusQueued
	if _, err := s.reg.Upsert("task-new", registry.JobUpdate{Kind: &kind, Status: &queued}); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tracking["task-new"] = true
	s.mu.Unlock()
	return "task-new", nil
}

func (s *stubTracker) Attach(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracking[id] {
		return errors.New("already tracked")
	}
	s.tracking[id] = true
	return nil
}

func (s *stubTracker) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.tracking[id] {
		return false
	}
	delete(s.tracking, id)
	return true
}

func (s *stubTracker) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.tracking {
		ids = append(ids, id)
	}
	return ids
}

type balance struct{}

func (balance) Balance() (float64, string, time.Time) {
	return 3, "3.00", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
}

func newDaemon(t *testing.T, token string) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	cfg := api.Config{
		Tracker:  &stubTracker{reg: reg, tracking: map[string]bool{}},
		Registry: reg,
		Balance:  balance{},
	}
	if token != "" {
		v, err := auth.NewTokenVerifier(token, bcrypt.MinCost)
		require.NoError(t, err)
		cfg.Verifier = v
	}
	server, err := api.NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, reg
}

func TestClientRoundTrip(t *testing.T) {
	ts, reg := newDaemon(t, "tok")
	c := NewClient(ts.URL+"/", Options{Token: "tok"})
	ctx := context.Background()

	assert.Equal(t, ts.URL, c.BaseURL())

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	id, err := c.Submit(ctx, models.JobKindTextToModel, models.JobParams{Prompt: "a red chair"})
	require.NoError(t, err)
	assert.Equal(t, "task-new", id)

	jobs, err := c.ListJobs(ctx, models.JobStatusQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "task-new", jobs[0].ID)
	assert.True(t, jobs[0].Tracking)

	running := models.JobStatusRunning
	_, err = reg.Upsert("task-old", registry.JobUpdate{Status: &running})
	require.NoError(t, err)
	require.NoError(t, c.Attach(ctx, "task-old"))

	job, err := c.GetJob(ctx, "task-old")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.True(t, job.Tracking)

	require.NoError(t, c.Cancel(ctx, "task-old"))

	b, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3.00", b.Display)
	require.NotNil(t, b.UpdatedAt)
}

func TestClientErrors(t *testing.T) {
	ts, _ := newDaemon(t, "tok")
	ctx := context.Background()

	_, err := NewClient(ts.URL, Options{}).ListJobs(ctx, "")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	c := NewClient(ts.URL, Options{Token: "tok"})
	_, err = c.GetJob(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	err = c.Cancel(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.Submit(ctx, models.JobKindTextToModel, models.JobParams{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	_, err = NewClient("http://127.0.0.1:1", Options{Timeout: time.Second}).Health(ctx)
	assert.Error(t, err)
}

func TestClientPropagatesTraceContext(t *testing.T) {
	var traceparent, contentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		contentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	require.NoError(t, NewClient(ts.URL, Options{}).Attach(ctx, "task-1"))
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", traceparent)
	assert.Equal(t, "application/json", contentType)
}
