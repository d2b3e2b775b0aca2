package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/resources"
	"github.com/psantana5/meshgen/pkg/retry"
)

type step struct {
	resp *models.StatusResponse
	err  error
}

func queued() step {
	return step{resp: &models.StatusResponse{Status: models.JobStatusQueued, RawStatus: "queued"}}
}

func running(progress int) step {
	return step{resp: &models.StatusResponse{Status: models.JobStatusRunning, RawStatus: "running", Progress: progress}}
}

func runningETA(progress int, eta float64) step {
	s := running(progress)
	s.resp.EstimatedRemainingSeconds = &eta
	return s
}

func succeeded(modelURL, previewURL string) step {
	resp := &models.StatusResponse{
		Status:       models.JobStatusSuccess,
		RawStatus:    "success",
		Progress:     100,
		ModelVersion: models.ModelVersionV25,
	}
	if modelURL != "" {
		resp.Model = &models.ArtifactRef{URL: modelURL, Format: strings.TrimPrefix(models.URLExt(modelURL), ".")}
	}
	if previewURL != "" {
		resp.Preview = &models.ArtifactRef{URL: previewURL}
	}
	return step{resp: resp}
}

func ended(status models.JobStatus, message string) step {
	return step{resp: &models.StatusResponse{Status: status, RawStatus: string(status), Message: message}}
}

func rawStatus(raw string) step {
	return step{resp: &models.StatusResponse{Status: models.ParseJobStatus(raw), RawStatus: raw}}
}

func failing(err error) step {
	return step{err: err}
}

type submission struct {
	kind   models.JobKind
	params models.JobParams
}

// fakeClient replays scripted status sequences per job. The last step of a
// script repeats once the script is exhausted.
type fakeClient struct {
	mu sync.Mutex

	scripts     map[string][]step
	statusCalls map[string]int

	nextID      int
	submitErr   error
	submissions []submission

	uploadErr error
	uploads   []string

	balance      float64
	balanceErr   error
	balanceCalls int

	downloadErr   error
	downloadCalls int
	// expired model URLs fail as a CDN rejects a stale signature
	expired    map[string]bool
	downloaded []string
	// gate, when set, is received from before a download returns
	gate chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		scripts:     make(map[string][]step),
		statusCalls: make(map[string]int),
		balance:     12.5,
	}
}

func (f *fakeClient) script(id string, steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[id] = steps
}

func (f *fakeClient) SubmitJob(ctx context.Context, kind models.JobKind, params models.JobParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	f.submissions = append(f.submissions, submission{kind: kind, params: params})
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakeClient) GetStatus(ctx context.Context, id string) (*models.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	steps, ok := f.scripts[id]
	if !ok || len(steps) == 0 {
		return nil, errors.New("no script for " + id)
	}
	n := f.statusCalls[id]
	f.statusCalls[id] = n + 1
	if n >= len(steps) {
		n = len(steps) - 1
	}
	s := steps[n]
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.resp
	resp.JobID = id
	return &resp, nil
}

func (f *fakeClient) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls[id]
}

func (f *fakeClient) DownloadArtifacts(ctx context.Context, job *models.CompletedJob, dest resources.FileCreator, withPreview bool) (*models.DownloadedArtifacts, error) {
	f.mu.Lock()
	f.downloadCalls++
	err := f.downloadErr
	if f.expired[job.Artifacts.Model.URL] {
		err = errors.New("download failed with status 403")
	}
	f.downloaded = append(f.downloaded, job.Artifacts.Model.URL)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	out := &models.DownloadedArtifacts{}
	model, err := dest.CreateTempFile(job.Artifacts.Model.Suffix(".glb"))
	if err != nil {
		return nil, err
	}
	_, _ = model.WriteString("model of " + job.Job.ID)
	model.Close()
	out.ModelPath = model.Name()

	if withPreview && job.Artifacts.Preview != nil {
		preview, err := dest.CreateTempFile(job.Artifacts.Preview.Suffix(".webp"))
		if err != nil {
			return nil, err
		}
		preview.Close()
		out.PreviewPath = preview.Name()
	}
	return out, nil
}

func (f *fakeClient) expire(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired == nil {
		f.expired = make(map[string]bool)
	}
	f.expired[url] = true
}

func (f *fakeClient) downloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.downloaded...)
}

func (f *fakeClient) GetBalance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	return f.balance, f.balanceErr
}

func (f *fakeClient) UploadAsset(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return "token-" + path, nil
}

// sleepRecorder replaces the engine's timer so tests run without waiting
type sleepRecorder struct {
	mu    sync.Mutex
	all   []time.Duration
	block bool
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.all = append(r.all, d)
	block := r.block
	r.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.all...)
}

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2}
}

func newTestSession(t *testing.T, client RemoteJobClient, h Host) (*Session, *sleepRecorder) {
	t.Helper()
	res, err := resources.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	s, err := NewSession(Config{
		Client:    client,
		Host:      h,
		Registry:  registry.New(nil, nil),
		Resources: res,
		Retry:     fastRetry(),
	})
	require.NoError(t, err)

	rec := &sleepRecorder{}
	s.engine.sleep = rec.sleep
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, rec
}

func awaitJob(t *testing.T, s *Session, id string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Await(ctx, id)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "job %s did not finish", id)
	return err
}
