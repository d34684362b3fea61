package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imagegen_backend/db"
	"imagegen_backend/device"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
	"imagegen_backend/shutdown"
)

type cpuSelector struct{}

func (cpuSelector) Select(context.Context) device.Selection {
	return device.Selection{
		Device: device.CPU,
		Reason: "test",
		Capabilities: []device.Capability{
			{Device: device.CPU, State: device.Available},
		},
	}
}

type testEnv struct {
	srv      *Server
	exec     *imagegen.Executor
	repo     *db.Repository
	jobs     *jobs.Manager
	recorder *metrics.Recorder
}

type envOptions struct {
	apiKeys   []string
	rateLimit int
	withJobs  bool
	shutdown  *shutdown.Manager
}

func newTestEnv(t *testing.T, o envOptions) *testEnv {
	t.Helper()
	env := &testEnv{recorder: metrics.NewRecorder()}

	var execOpts []imagegen.ExecutorOption
	cfg := ServerConfig{
		Addr:            "127.0.0.1:0",
		APIKeys:         o.apiKeys,
		RateLimitMax:    o.rateLimit,
		RateLimitWindow: time.Minute,
		Recorder:        env.recorder,
		History:         metrics.NewGenerationStore(50, time.Now()),
		Shutdown:        o.shutdown,
		Logger:          zap.NewNop(),
	}

	if o.withJobs {
		database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
		require.NoError(t, err)
		t.Cleanup(func() { database.Close() })
		env.repo = db.NewRepository(database)
		cfg.Database = database
		cfg.Repo = env.repo

		repo := env.repo
		execOpts = append(execOpts, imagegen.WithResultHook(func(ctx context.Context, res *imagegen.Result) {
			_, err := repo.InsertAsset(ctx, db.MediaAsset{
				ProjectID: res.ProjectID,
				Filename:  res.Filename,
				URL:       res.URL,
				Prompt:    res.Prompt,
				Model:     res.Model,
			})
			assert.NoError(t, err)
		}))
	}

	catalog := imagegen.DefaultCatalog()
	cache := sdruntime.NewCache(sdruntime.NewStubLoader(sdruntime.StubOptions{}), sdruntime.CacheOptions{SchedulerFor: catalog.SchedulerFor}, nil)
	store, err := imagegen.NewImageStore(t.TempDir())
	require.NoError(t, err)
	exec, err := imagegen.NewExecutor(cpuSelector{}, cache, catalog, store, nil,
		imagegen.ExecutorConfig{PublicBaseURL: "http://localhost:5001"},
		append(execOpts, imagegen.WithRecorder(env.recorder), imagegen.WithHistory(cfg.History))...)
	require.NoError(t, err)
	env.exec = exec
	cfg.Executor = exec

	if o.withJobs {
		opts := test.DefaultTestOptions
		opts.Port = -1
		ns := test.RunServer(&opts)
		t.Cleanup(ns.Shutdown)
		nc, err := nats.Connect(ns.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)

		hub := NewHub(zap.NewNop(), HubConfig{})
		jcfg := jobs.DefaultConfig()
		jcfg.RetryBase = time.Millisecond
		m, err := jobs.NewManager(env.repo, exec, nc, zap.NewNop(), jcfg, jobs.WithNotifier(hub.PublishJobEvent))
		require.NoError(t, err)
		require.NoError(t, m.Start(context.Background()))
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = m.Stop(ctx)
		})
		env.jobs = m
		cfg.Jobs = m
		cfg.Hub = hub

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go hub.Run(ctx)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	env.srv = srv
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGenerate_RedCube(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/generate", map[string]any{
		"prompt": "a red cube",
		"model":  "runwayml/stable-diffusion-v1-5",
		"steps":  10,
		"width":  512,
		"height": 512,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[GenerateResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "512x512", resp.Data.Size)
	assert.Equal(t, 10, resp.Metadata.Steps)
	assert.Equal(t, 7.5, resp.Metadata.GuidanceScale)
	assert.Equal(t, "cpu", resp.Metadata.Device)
	assert.Equal(t, "a red cube", resp.Data.Prompt)
	assert.Equal(t, imagegen.DefaultModel, resp.Data.Model)
	assert.NotEmpty(t, resp.Data.ImageBase64)
	assert.NotEmpty(t, resp.Metadata.Scheduler)
	assert.NotEmpty(t, resp.Metadata.EstimatedVsActual)
	assert.Len(t, resp.Metadata.Attempts, 1)
	require.True(t, strings.HasPrefix(resp.Data.ImageURL, "http://localhost:5001/images/"), resp.Data.ImageURL)

	u, err := url.Parse(resp.Data.ImageURL)
	require.NoError(t, err)
	img := env.do(t, http.MethodGet, u.Path, nil)
	require.Equal(t, http.StatusOK, img.Code)
	assert.Equal(t, "image/png", img.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(img.Body.Bytes(), []byte("\x89PNG")))
}

func TestGenerate_EchoesRequestedModelAndScheduler(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodPost, "/generate", `{"prompt":"a red cube","model":"dreamshaper","scheduler":"dpm++"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[GenerateResponse](t, rec)
	assert.Equal(t, "dreamshaper", resp.Data.Model)
	assert.Equal(t, "dreamshaper", resp.Metadata.Model)
	assert.Equal(t, "lykon/dreamshaper-8", resp.Metadata.ResolvedModel)
	assert.Equal(t, "dpm++", resp.Metadata.Scheduler)
	assert.Equal(t, string(sdruntime.SchedulerEulerA), resp.Metadata.EffectiveScheduler)
}

func TestGenerate_SizeOverridesDimensions(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodPost, "/generate", `{"prompt":"a blue sphere","size":"512x384","width":1024,"height":1024}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "512x384", decode[GenerateResponse](t, rec).Data.Size)
}

func TestGenerate_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"prompt":`},
		{"empty prompt", `{"prompt":"   "}`},
		{"negative steps", `{"prompt":"cube","steps":-1}`},
		{"unknown scheduler", `{"prompt":"cube","scheduler":"warp"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/generate", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.False(t, resp.Success)
			assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
			assert.NotEmpty(t, resp.Error.Message)
		})
	}
}

func TestImages_RejectsTraversalAndMissing(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/images/..secret.png", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/images/notes.txt", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/images/missing_1_abcd1234.png", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rec).Error.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, device.CPU, resp.Device)
	assert.Equal(t, componentDisabled, resp.Components["database"])
	assert.Positive(t, resp.SystemUsage.Goroutines)
	assert.Empty(t, resp.LoadedModels)

	env.do(t, http.MethodPost, "/generate", `{"prompt":"warm up"}`)
	resp = decode[HealthResponse](t, env.do(t, http.MethodGet, "/health", nil))
	require.Len(t, resp.LoadedModels, 1)
	assert.Equal(t, imagegen.DefaultModel, resp.LoadedModels[0].ModelID)
	assert.Equal(t, int64(1), resp.Generations.Succeeded)
}

func TestHealth_ReportsComponents(t *testing.T) {
	env := newTestEnv(t, envOptions{withJobs: true})
	resp := decode[HealthResponse](t, env.do(t, http.MethodGet, "/health", nil))
	assert.Equal(t, componentOK, resp.Components["database"])
	assert.Equal(t, componentOK, resp.Components["jobs"])
}

func TestModels(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[ModelsResponse](t, rec)
	require.Contains(t, resp.Models, imagegen.DefaultModel)
	sd := resp.Models[imagegen.DefaultModel]
	assert.Positive(t, sd.RecommendedSteps)
	assert.NotEmpty(t, sd.RecommendedScheduler)
	assert.False(t, sd.Loaded)
	assert.Contains(t, resp.Schedulers, "dpm++")
	assert.Equal(t, device.CPU, resp.DeviceInfo.CurrentDevice)
}

func TestBenchmark(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	resp := decode[BenchmarkResponse](t, env.do(t, http.MethodGet, "/benchmark", nil))
	assert.Equal(t, device.CPU, resp.CurrentDevice)
	require.Contains(t, resp.Estimates, "cpu")
	assert.Equal(t, 2.0, resp.Estimates["cpu"].SecondsPerStep)
	assert.Equal(t, 30.0, resp.Estimates["cpu"].Estimate15)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.do(t, http.MethodGet, "/images/missing_1_abcd1234.png", nil)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "imagegen_http_requests_total")
	assert.Contains(t, body, `route="/images/{filename}"`)
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, envOptions{apiKeys: []string{"secret"}})
	rec := env.do(t, http.MethodOptions, "/generate", nil, "Origin", "http://example.com")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, rec).Error.Code)
}

func TestShutdownRejectsRequests(t *testing.T) {
	sm := shutdown.NewManager(zap.NewNop())
	env := newTestEnv(t, envOptions{shutdown: sm})
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, env.srv.Start(ctx))

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.NoError(t, env.srv.Shutdown(shutdownCtx))
}

func TestNewServer_RequiresExecutor(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}
