package orchestrator

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
)

func eta(v float64) *float64 { return &v }

func TestNextDelay(t *testing.T) {
	tests := []struct {
		name string
		prev time.Duration
		eta  *float64
		want time.Duration
	}{
		{"eta halves", 0, eta(10), 5 * time.Second},
		{"eta floor", 8 * time.Second, eta(1), MinPollDelay},
		{"eta zero", 0, eta(0), MinPollDelay},
		{"eta ignores previous", time.Hour, eta(60), 30 * time.Second},
		{"first without eta", 0, nil, MinPollDelay},
		{"doubles without eta", 4 * time.Second, nil, 8 * time.Second},
		{"no ceiling", time.Hour, nil, 2 * time.Hour},
		{"saturates", time.Duration(math.MaxInt64/2 + 1), nil, time.Duration(math.MaxInt64)},
		{"huge eta saturates", 0, eta(1e300), time.Duration(math.MaxInt64)},
		{"nan eta", 0, eta(math.NaN()), MinPollDelay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextDelay(tt.prev, tt.eta))
		})
	}
}

func TestNextDelayProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prev := time.Duration(rapid.Int64Range(0, int64(1000*time.Hour)).Draw(t, "prev"))

		if rapid.Bool().Draw(t, "withETA") {
			e := rapid.Float64Range(0, 1e6).Draw(t, "eta")
			got := NextDelay(prev, &e)
			want := time.Duration(e * 0.5 * float64(time.Second))
			if want < MinPollDelay {
				want = MinPollDelay
			}
			if got != want {
				t.Fatalf("NextDelay(%v, %v) = %v, want %v", prev, e, got, want)
			}
			return
		}

		got := NextDelay(prev, nil)
		if got < MinPollDelay {
			t.Fatalf("delay %v below minimum", got)
		}
		if prev > 0 && got != 2*prev {
			t.Fatalf("NextDelay(%v, nil) = %v, want %v", prev, got, 2*prev)
		}
	})
}

func newTestEngine(t *testing.T, client *fakeClient) (*Engine, *registry.Registry, *sleepRecorder) {
	t.Helper()
	reg := registry.New(nil, nil)
	balance := NewBalanceSync(client, fastRetry(), nil, nil)
	e := NewEngine(client, reg, balance, fastRetry(), nil, nil, nil)
	rec := &sleepRecorder{}
	e.sleep = rec.sleep
	return e, reg, rec
}

func TestEngineBackoffSchedule(t *testing.T) {
	client := newFakeClient()
	client.script("job-1",
		queued(),
		running(10),
		runningETA(40, 10),
		running(80),
		succeeded("https://cdn/m.glb", ""),
	)
	e, reg, rec := newTestEngine(t, client)

	completed, err := e.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/m.glb", completed.Artifacts.Model.URL)
	assert.Equal(t, models.ModelVersionV25, completed.ModelVersion)

	// 2s, doubled to 4s, ETA 10s -> 5s, doubled to 10s
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 10 * time.Second}, rec.recorded())

	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.Equal(t, models.JobStatusSuccess, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Nil(t, job.EstimatedRemainingSeconds)
	assert.False(t, job.ResultArtifacts.Empty())
	assert.Equal(t, 1, client.balanceCalls)
}

func TestEngineTerminalStatuses(t *testing.T) {
	tests := []struct {
		name       string
		last       step
		wantKind   JobErrorKind
		wantStatus models.JobStatus
		wantDetail string
	}{
		{"failed", ended(models.JobStatusFailed, "mesh generation failed"), JobFailed, models.JobStatusFailed, "mesh generation failed"},
		{"banned", ended(models.JobStatusBanned, ""), JobBanned, models.JobStatusBanned, "job banned"},
		{"unknown", rawStatus("expired"), JobUnknownStatus, models.JobStatusFailed, `unknown status "expired"`},
		{"success without model", succeeded("", ""), JobFailed, models.JobStatusFailed, "no model url in response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.script("job-1", running(30), tt.last)
			e, reg, _ := newTestEngine(t, client)

			_, err := e.Run(context.Background(), "job-1")
			var jobErr *JobError
			require.ErrorAs(t, err, &jobErr)
			assert.Equal(t, tt.wantKind, jobErr.Kind)
			assert.Equal(t, "job-1", jobErr.JobID)

			job, _ := reg.Get("job-1")
			assert.Equal(t, tt.wantStatus, job.Status)
			assert.Equal(t, tt.wantDetail, job.LastError)
			assert.Nil(t, job.ResultArtifacts)
			assert.Zero(t, client.balanceCalls)

			// terminal states are final
			_, err = reg.Upsert("job-1", registry.JobUpdate{Status: &tt.wantStatus})
			assert.ErrorIs(t, err, registry.ErrTerminal)
		})
	}
}

func TestEngineNetworkExhausted(t *testing.T) {
	cause := errors.New("connection refused")
	client := newFakeClient()
	client.script("job-1", failing(cause))
	e, reg, _ := newTestEngine(t, client)

	_, err := e.Run(context.Background(), "job-1")
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, JobNetworkExhausted, jobErr.Kind)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, client.calls("job-1"))

	job, ok := reg.Get("job-1")
	require.True(t, ok)
	assert.False(t, job.IsTerminal(), "an unreachable service does not end the job")
	assert.Equal(t, "connection refused", job.LastError)
}

func TestEngineRecoversFromTransientErrors(t *testing.T) {
	client := newFakeClient()
	client.script("job-1",
		failing(errors.New("timeout")),
		failing(errors.New("timeout")),
		succeeded("https://cdn/m.glb", ""),
	)
	e, _, _ := newTestEngine(t, client)

	_, err := e.Run(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls("job-1"))
}

func TestEngineFirstObservationFields(t *testing.T) {
	created := time.Date(2025, 1, 23, 8, 0, 0, 0, time.UTC)
	first := running(5)
	first.resp.Kind = models.JobKindTextToModel
	first.resp.InputSummary = "a red chair"
	first.resp.CreatedAt = &created
	later := running(50)
	later.resp.InputSummary = "changed"

	client := newFakeClient()
	client.script("job-1", first, later, succeeded("https://cdn/m.glb", ""))
	e, reg, _ := newTestEngine(t, client)

	_, err := e.Run(context.Background(), "job-1")
	require.NoError(t, err)

	job, _ := reg.Get("job-1")
	assert.Equal(t, models.JobKindTextToModel, job.Kind)
	assert.Equal(t, "a red chair", job.InputSummary)
	assert.True(t, job.CreatedAt.Equal(created))
}

func TestEngineRepollOfSuccessfulJob(t *testing.T) {
	client := newFakeClient()
	client.script("job-1", succeeded("https://cdn/m.glb", ""))
	e, _, _ := newTestEngine(t, client)

	_, err := e.Run(context.Background(), "job-1")
	require.NoError(t, err)

	completed, err := e.Run(context.Background(), "job-1")
	require.NoError(t, err, "a second success observation is not an error")
	assert.Equal(t, models.JobStatusSuccess, completed.Job.Status)
}

func TestEngineCancelledWhileWaiting(t *testing.T) {
	client := newFakeClient()
	client.script("job-1", running(10))
	e, _, rec := newTestEngine(t, client)
	rec.block = true

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Run(ctx, "job-1")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return client.calls("job-1") > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
