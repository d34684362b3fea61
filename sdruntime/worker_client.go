package sdruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"imagegen_backend/device"
)

// Worker API paths. The worker is a diffusers process; each loaded pipeline is
// addressed by the handle returned from POST /v1/pipelines.
const (
	workerHealth       = "/health"
	workerCapabilities = "/v1/capabilities"
	workerPipelines    = "/v1/pipelines"
	workerMemory       = "/v1/memory/release"
)

const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
	contentTypePNG    = "image/png"
)

// Worker error codes mapped onto sentinels.
const (
	workerCodeOOM           = "out_of_memory"
	workerCodeBackendFault  = "backend_fault"
	workerCodeModelNotFound = "model_not_found"
	workerCodeInvalid       = "invalid_request"
)

// maxWorkerImageBytes bounds a PNG read from the worker.
const maxWorkerImageBytes = 64 << 20

// WorkerClient speaks to a diffusers worker over HTTP. It implements Loader
// and device.CapabilityReporter.
type WorkerClient struct {
	httpClient *http.Client
	baseURL    string
	maxImage   int64
}

// workerError is the worker's JSON error body.
type workerError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

type loadRequest struct {
	Model                string `json:"model"`
	DType                DType  `json:"dtype"`
	Token                string `json:"token,omitempty"`
	DisableSafetyChecker bool   `json:"disable_safety_checker"`
}

type loadResponse struct {
	Handle string `json:"handle"`
}

type capabilitiesResponse struct {
	Devices map[string]bool `json:"devices"`
}

type generateRequest struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Steps          int     `json:"num_inference_steps"`
	GuidanceScale  float64 `json:"guidance_scale"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Seed           int64   `json:"seed"`
}

// NewWorkerClient creates a client for the worker at baseURL
// (e.g. "http://127.0.0.1:7860"). timeout bounds every request, including
// generation, so it must exceed the slowest expected CPU run.
func NewWorkerClient(baseURL string, timeout time.Duration) *WorkerClient {
	return &WorkerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		maxImage:   maxWorkerImageBytes,
	}
}

// Health checks that the worker is up.
func (c *WorkerClient) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, workerHealth, nil, nil)
}

// DeviceCapabilities reports which devices the worker's torch build supports.
func (c *WorkerClient) DeviceCapabilities(ctx context.Context) (map[device.Device]bool, error) {
	var resp capabilitiesResponse
	if err := c.doJSON(ctx, http.MethodGet, workerCapabilities, nil, &resp); err != nil {
		return nil, err
	}
	out := make(map[device.Device]bool, len(resp.Devices))
	for name, ok := range resp.Devices {
		d, err := device.Parse(name)
		if err != nil {
			continue
		}
		out[d] = ok
	}
	return out, nil
}

// Load asks the worker to construct a pipeline.
func (c *WorkerClient) Load(ctx context.Context, modelID string, opts LoadOptions) (Pipeline, error) {
	var resp loadResponse
	err := c.doJSON(ctx, http.MethodPost, workerPipelines, loadRequest{
		Model:                modelID,
		DType:                opts.DType,
		Token:                opts.HFToken,
		DisableSafetyChecker: opts.DisableSafetyChecker,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Handle == "" {
		return nil, errors.New("worker returned an empty pipeline handle")
	}
	return &workerPipeline{client: c, handle: resp.Handle}, nil
}

// ReleaseMemory empties the worker's allocator caches.
func (c *WorkerClient) ReleaseMemory(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, workerMemory, nil, nil)
}

type workerPipeline struct {
	client *WorkerClient
	handle string
}

func (p *workerPipeline) path(suffix string) string {
	return workerPipelines + "/" + url.PathEscape(p.handle) + suffix
}

func (p *workerPipeline) MoveTo(ctx context.Context, d device.Device) error {
	return p.client.doJSON(ctx, http.MethodPost, p.path("/device"), map[string]string{"device": string(d)}, nil)
}

func (p *workerPipeline) Enable(ctx context.Context, opt Optimization) error {
	return p.client.doJSON(ctx, http.MethodPost, p.path("/optimizations"), map[string]string{"name": string(opt)}, nil)
}

func (p *workerPipeline) SetScheduler(ctx context.Context, s Scheduler) error {
	return p.client.doJSON(ctx, http.MethodPost, p.path("/scheduler"), map[string]string{"name": string(s)}, nil)
}

func (p *workerPipeline) ReleaseMemory(ctx context.Context) error {
	return p.client.ReleaseMemory(ctx)
}

func (p *workerPipeline) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return p.client.doJSON(ctx, http.MethodDelete, p.path(""), nil, nil)
}

func (p *workerPipeline) Generate(ctx context.Context, inv Invocation) ([]byte, error) {
	body, err := json.Marshal(generateRequest{
		Prompt:         inv.Prompt,
		NegativePrompt: inv.NegativePrompt,
		Steps:          inv.Steps,
		GuidanceScale:  inv.GuidanceScale,
		Width:          inv.Width,
		Height:         inv.Height,
		Seed:           inv.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := p.client.send(ctx, http.MethodPost, p.path("/generate"), bytes.NewReader(body), contentTypePNG)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseWorkerError(resp)
	}
	if ct := resp.Header.Get(headerContentType); !strings.HasPrefix(ct, contentTypePNG) {
		return nil, fmt.Errorf("%w: unexpected content type %q", ErrGenerationFailed, ct)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, p.client.maxImage+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(img)) > p.client.maxImage {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrGenerationFailed, p.client.maxImage)
	}
	return img, nil
}

func (c *WorkerClient) send(ctx context.Context, method, path string, body io.Reader, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set(headerContentType, contentTypeJSON)
	}
	req.Header.Set(headerAccept, accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrWorkerUnavailable, method, path, err)
	}
	return resp, nil
}

func (c *WorkerClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	resp, err := c.send(ctx, method, path, body, contentTypeJSON)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseWorkerError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode worker response: %w", err)
	}
	return nil
}

// parseWorkerError turns a non-2xx response into an error wrapping the
// matching sentinel. The worker's message is kept so message-based
// classification still works for uncoded errors.
func parseWorkerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var we workerError
	if err := json.Unmarshal(raw, &we); err != nil || we.Detail == "" {
		we.Detail = strings.TrimSpace(string(raw))
	}
	if we.Detail == "" {
		we.Detail = resp.Status
	}

	switch we.ErrorCode {
	case workerCodeOOM:
		return fmt.Errorf("%w: %s", ErrOutOfMemory, we.Detail)
	case workerCodeBackendFault:
		return fmt.Errorf("%w: %s", ErrBackendFault, we.Detail)
	case workerCodeModelNotFound:
		return fmt.Errorf("%w: %s", ErrModelNotFound, we.Detail)
	case workerCodeInvalid:
		return fmt.Errorf("%w: %s", ErrInvalidParams, we.Detail)
	}
	if resp.StatusCode == http.StatusNotFound && strings.Contains(resp.Request.URL.Path, workerPipelines) {
		return fmt.Errorf("%w: %s", ErrPipelineClosed, we.Detail)
	}
	return fmt.Errorf("worker error (%s): %s", resp.Status, we.Detail)
}
