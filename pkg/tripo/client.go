package tripo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/ratelimit"
	"github.com/psantana5/meshgen/pkg/resources"
	"github.com/psantana5/meshgen/pkg/tracing"
)

const (
	DefaultBaseURL  = "https://api.tripo3d.ai/v2/openapi"
	DefaultTimeout  = 30 * time.Second
	DownloadTimeout = 10 * time.Minute
	MaxUploadSize   = 10 * 1024 * 1024
)

var uploadContentTypes = map[string]string{
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
}

// Options configures a Client
type Options struct {
	BaseURL             string
	APIKey              string
	Timeout             time.Duration
	DefaultModelVersion string
	Limiter             *ratelimit.Limiter
	Tracer              *tracing.Provider
	HTTPClient          *http.Client
}

// Client talks to the Tripo3D OpenAPI. It holds the API key, so callers
// never pass credentials per request.
type Client struct {
	baseURL        string
	apiKey         string
	defaultVersion string
	httpClient     *http.Client
	downloadClient *http.Client
	limiter        *ratelimit.Limiter
	tracer         *tracing.Provider
	logger         *zap.Logger
}

// NewClient creates a new Tripo client
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultModelVersion == "" {
		opts.DefaultModelVersion = models.DefaultModelVersion
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	downloadClient := &http.Client{
		Timeout:   DownloadTimeout,
		Transport: httpClient.Transport,
	}

	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		defaultVersion: opts.DefaultModelVersion,
		httpClient:     httpClient,
		downloadClient: downloadClient,
		limiter:        opts.Limiter,
		tracer:         opts.Tracer,
		logger:         logger.Named("tripo"),
	}
}

// do sends an authenticated request and decodes the envelope's data into out
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, c.apiKey); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug("Tripo request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		apiErr := newAPIError(resp.StatusCode, data)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
		}
		return apiErr
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("API error with status code: %d", resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// SubmitJob creates a task and returns its id
func (c *Client) SubmitJob(ctx context.Context, kind models.JobKind, params models.JobParams) (id string, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "tripo.submit_job", attribute.String("job.kind", string(kind)))
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
	}()

	payload, err := buildPayload(kind, params, c.defaultVersion)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal task: %w", err)
	}

	var created createTaskData
	if err := c.do(ctx, http.MethodPost, "/task", bytes.NewReader(body), "application/json", &created); err != nil {
		return "", err
	}
	if created.TaskID == "" {
		return "", errors.New("task created without an id")
	}
	span.SetAttributes(attribute.String("job.id", created.TaskID))
	return created.TaskID, nil
}

// GetStatus queries the current state of a task
func (c *Client) GetStatus(ctx context.Context, id string) (resp *models.StatusResponse, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "tripo.get_status", attribute.String("job.id", id))
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
	}()

	var data taskData
	if err := c.do(ctx, http.MethodGet, "/task/"+url.PathEscape(id), nil, "", &data); err != nil {
		return nil, err
	}
	if data.TaskID == "" {
		data.TaskID = id
	}
	resp = data.toStatusResponse()
	span.SetAttributes(
		attribute.String("job.status", resp.RawStatus),
		attribute.Int("job.progress", resp.Progress))
	return resp, nil
}

// GetBalance returns the account's available balance
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	var data balanceData
	if err := c.do(ctx, http.MethodGet, "/user/balance", nil, "", &data); err != nil {
		return 0, err
	}
	return data.Balance, nil
}

// ValidateUpload checks that path is an image the service accepts
func ValidateUpload(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &models.ValidationError{Field: "file", Message: fmt.Sprintf("file not found: %s", path)}
	}
	if info.Size() > MaxUploadSize {
		return &models.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("file size (%d bytes) exceeds maximum allowed size (%d bytes)", info.Size(), MaxUploadSize),
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if _, ok := uploadContentTypes[ext]; !ok {
		return &models.ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type: %q (supported: jpg, jpeg, png, webp)", ext),
		}
	}
	return nil
}

// UploadAsset uploads a local image and returns the file token used in task payloads
func (c *Client) UploadAsset(ctx context.Context, path string) (token string, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "tripo.upload", attribute.String("file", filepath.Base(path)))
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
	}()

	if err := ValidateUpload(path); err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", uploadContentTypes[ext])
	part, err := mw.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("failed to create multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finish multipart body: %w", err)
	}

	var data uploadData
	if err := c.do(ctx, http.MethodPost, "/upload", &buf, mw.FormDataContentType(), &data); err != nil {
		return "", err
	}
	if data.token() == "" {
		return "", errors.New("upload response carried no token")
	}
	return data.token(), nil
}

// DownloadArtifacts fetches the model, and the preview when requested, into
// files created by dest. Both downloads run concurrently. On failure every
// file created here is removed again.
func (c *Client) DownloadArtifacts(ctx context.Context, job *models.CompletedJob, dest resources.FileCreator, withPreview bool) (out *models.DownloadedArtifacts, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "tripo.download", attribute.String("job.id", job.Job.ID))
	defer func() {
		if err != nil {
			tracing.SetError(ctx, err)
		}
		span.End()
	}()

	if job.Artifacts.Model.URL == "" {
		return nil, errors.New("no model url to download")
	}

	var (
		mu      sync.Mutex
		created []string
		result  models.DownloadedArtifacts
	)
	track := func(path string) {
		mu.Lock()
		created = append(created, path)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		path, err := c.download(gctx, job.Artifacts.Model, job.Artifacts.Model.Suffix(".glb"), dest, track)
		if err != nil {
			return fmt.Errorf("failed to download model: %w", err)
		}
		result.ModelPath = path
		return nil
	})
	if withPreview && job.Artifacts.Preview != nil && job.Artifacts.Preview.URL != "" {
		preview := *job.Artifacts.Preview
		g.Go(func() error {
			path, err := c.download(gctx, preview, preview.Suffix(".webp"), dest, track)
			if err != nil {
				return fmt.Errorf("failed to download preview: %w", err)
			}
			result.PreviewPath = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, path := range created {
			if rmErr := dest.Remove(path); rmErr != nil {
				c.logger.Warn("Failed to remove partial download", zap.String("path", path), zap.Error(rmErr))
			}
		}
		return nil, err
	}
	return &result, nil
}

// download streams one artifact into a new file. Artifact URLs are signed
// CDN links, so no credentials are attached.
func (c *Client) download(ctx context.Context, ref models.ArtifactRef, suffix string, dest resources.FileCreator, track func(string)) (string, error) {
	f, err := dest.CreateTempFile(suffix)
	if err != nil {
		return "", err
	}
	track(f.Name())
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", f.Name(), err)
	}

	c.logger.Debug("Downloaded artifact", zap.String("path", f.Name()), zap.Int64("bytes", n))
	return f.Name(), nil
}
