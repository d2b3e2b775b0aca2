package tripo

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/ratelimit"
	"github.com/psantana5/meshgen/pkg/resources"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewClient(Options{BaseURL: server.URL, APIKey: "tsk_test"}, nil), server
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSubmitJobTextToModel(t *testing.T) {
	var got map[string]any
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/task", r.URL.Path)
		assert.Equal(t, "Bearer tsk_test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]any{"code": 0, "data": map[string]string{"task_id": "task-123"}})
	})

	id, err := client.SubmitJob(context.Background(), models.JobKindTextToModel, models.JobParams{
		Prompt:    "a red chair",
		FaceLimit: 5000,
		Quad:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "task-123", id)

	assert.Equal(t, "text_to_model", got["type"])
	assert.Equal(t, "a red chair", got["prompt"])
	assert.Equal(t, models.DefaultModelVersion, got["model_version"])
	assert.Equal(t, 5000.0, got["face_limit"])
	assert.Equal(t, true, got["quad"])
}

func TestSubmitJobValidationNeverHitsServer(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	})

	_, err := client.SubmitJob(context.Background(), models.JobKindTextToModel, models.JobParams{Prompt: "  "})
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "prompt", verr.Field)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSubmitJobAPIError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"message field", http.StatusForbidden, `{"code":2010,"message":"insufficient credit"}`, "insufficient credit"},
		{"error field", http.StatusBadRequest, `{"error":"bad prompt"}`, "bad prompt"},
		{"no body", http.StatusInternalServerError, ``, "API error with status code: 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := client.SubmitJob(context.Background(), models.JobKindTextToModel, models.JobParams{Prompt: "x"})
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestEnvelopeErrorCode(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"code": 1004, "message": "task not ready"})
	})

	_, err := client.GetBalance(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 1004, apiErr.Code)
	assert.Equal(t, "task not ready", apiErr.Message)
}

func TestGetStatusRunning(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/task/task-1", r.URL.Path)
		_, _ = io.WriteString(w, `{"code":0,"data":{
			"task_id":"task-1","type":"text_to_model","status":"running",
			"input":{"prompt":"a red chair","model_version":"v2.5-20250123"},
			"progress":40,"create_time":1737600000,"running_left_time":20}}`)
	})

	resp, err := client.GetStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resp.Status)
	assert.Equal(t, 40, resp.Progress)
	assert.Equal(t, models.JobKindTextToModel, resp.Kind)
	assert.Equal(t, "a red chair", resp.InputSummary)
	require.NotNil(t, resp.EstimatedRemainingSeconds)
	assert.Equal(t, 20.0, *resp.EstimatedRemainingSeconds)
	require.NotNil(t, resp.CreatedAt)
	assert.Equal(t, int64(1737600000), resp.CreatedAt.Unix())
	assert.Nil(t, resp.Model)
}

func TestGetStatusNegativeETAMeansUnknown(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"data":{"status":"queued","progress":0,"running_left_time":-1}}`)
	})

	resp, err := client.GetStatus(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", resp.JobID)
	assert.Nil(t, resp.EstimatedRemainingSeconds)
}

func TestGetStatusNotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"code":2001,"message":"task not found"}`)
	})

	_, err := client.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	var apiErr *APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestGetBalance(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/balance", r.URL.Path)
		_, _ = io.WriteString(w, `{"code":0,"data":{"balance":123.456,"frozen":10}}`)
	})

	balance, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 123.456, balance)
}

func TestRateLimitedClientHonoursContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"data":{"balance":1}}`)
	}))
	defer server.Close()

	limiter := ratelimit.NewLimiter(0.001, 1)
	client := NewClient(Options{BaseURL: server.URL, APIKey: "tsk_k", Limiter: limiter}, nil)

	_, err := client.GetBalance(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.GetBalance(ctx)
	assert.Error(t, err)
}

func writeImage(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestUploadAsset(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "chair.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"code":0,"data":{"image_token":"tok-1"}}`)
	})

	token, err := client.UploadAsset(context.Background(), writeImage(t, "chair.png", 64))
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
}

func TestValidateUpload(t *testing.T) {
	dir := t.TempDir()
	big := filepath.Join(dir, "big.jpg")
	require.NoError(t, os.WriteFile(big, nil, 0o644))
	require.NoError(t, os.Truncate(big, MaxUploadSize+1))

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{"ok jpeg", writeImage(t, "a.JPEG", 10), ""},
		{"ok webp", writeImage(t, "a.webp", 10), ""},
		{"missing", filepath.Join(dir, "nope.png"), "file not found"},
		{"too large", big, "exceeds maximum allowed size"},
		{"wrong type", writeImage(t, "a.gif", 10), "unsupported file type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.path)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func newCompleted(modelURL, previewURL string) *models.CompletedJob {
	c := &models.CompletedJob{
		Job:       &models.Job{ID: "task-1"},
		Artifacts: models.ResultArtifacts{Model: models.ArtifactRef{URL: modelURL, Format: "glb"}},
	}
	if previewURL != "" {
		c.Artifacts.Preview = &models.ArtifactRef{URL: previewURL}
	}
	return c
}

func TestDownloadArtifacts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cdn/model.glb", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"), "credentials must not leak to the CDN")
		_, _ = io.WriteString(w, "glTF-binary")
	})
	mux.HandleFunc("/cdn/preview.webp", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "RIFF")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	mgr, err := resources.NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	client := NewClient(Options{BaseURL: server.URL, APIKey: "tsk_k"}, nil)

	job := newCompleted(server.URL+"/cdn/model.glb", server.URL+"/cdn/preview.webp?sig=abc")
	out, err := client.DownloadArtifacts(context.Background(), job, mgr, true)
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(out.ModelPath, ".glb"))
	assert.True(t, strings.HasSuffix(out.PreviewPath, ".webp"))
	data, err := os.ReadFile(out.ModelPath)
	require.NoError(t, err)
	assert.Equal(t, "glTF-binary", string(data))
	assert.ElementsMatch(t, []string{out.ModelPath, out.PreviewPath}, mgr.Owned())

	// preview skipped when the host cannot show it
	out, err = client.DownloadArtifacts(context.Background(), job, mgr, false)
	require.NoError(t, err)
	assert.Empty(t, out.PreviewPath)
}

func TestDownloadArtifactsIgnoresHostileFormat(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/task/task-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"code":0,"data":{"task_id":"task-1","status":"success","progress":100,
			"result":{"pbr_model":{"type":"/../../escaped","url":"`+"http://"+r.Host+`/cdn/model.glb?sig=abc"}}}}`)
	})
	mux.HandleFunc("/cdn/model.glb", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "glTF-binary")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	root := t.TempDir()
	tempDir := filepath.Join(root, "a", "tmp")
	mgr, err := resources.NewManager(tempDir, nil)
	require.NoError(t, err)
	client := NewClient(Options{BaseURL: server.URL, APIKey: "tsk_k"}, nil)

	resp, err := client.GetStatus(context.Background(), "task-1")
	require.NoError(t, err)
	artifacts := resp.Artifacts()
	require.NotNil(t, artifacts)

	job := &models.CompletedJob{Job: &models.Job{ID: "task-1"}, Artifacts: *artifacts}
	out, err := client.DownloadArtifacts(context.Background(), job, mgr, false)
	require.NoError(t, err)

	assert.Equal(t, tempDir, filepath.Dir(out.ModelPath))
	assert.True(t, strings.HasSuffix(out.ModelPath, ".glb"), out.ModelPath)
	assert.NoFileExists(t, filepath.Join(root, "a", "escaped"))
	assert.NoFileExists(t, filepath.Join(root, "escaped"))
}

func TestDownloadArtifactsFailureRemovesFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/cdn/model.glb", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "glTF-binary")
	})
	mux.HandleFunc("/cdn/preview.webp", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	mgr, err := resources.NewManager(dir, nil)
	require.NoError(t, err)
	client := NewClient(Options{BaseURL: server.URL}, nil)

	_, err = client.DownloadArtifacts(context.Background(),
		newCompleted(server.URL+"/cdn/model.glb", server.URL+"/cdn/preview.webp"), mgr, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")

	assert.Empty(t, mgr.Owned())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial downloads must be removed")
}

func TestDownloadArtifactsWithoutModel(t *testing.T) {
	client := NewClient(Options{}, nil)
	mgr, err := resources.NewManager(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = client.DownloadArtifacts(context.Background(), newCompleted("", ""), mgr, false)
	assert.Error(t, err)
}

func TestAPIErrorString(t *testing.T) {
	err := error(&APIError{StatusCode: 403, Code: 2010, Message: "no credit"})
	assert.Contains(t, err.Error(), "no credit")
	assert.False(t, errors.Is(err, ErrNotFound))
}
