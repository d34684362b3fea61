package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
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
	"imagegen_backend/sdruntime"
)

var errFlaky = errors.New("not enough memory to allocate")

// alwaysFail makes every attempt for a prompt fail.
const alwaysFail = -1

type fakeGenerator struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int
	err      error

	// block, when set, holds every generation until closed or cancelled.
	block   chan struct{}
	started chan string
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{failures: make(map[string]int), err: errFlaky, started: make(chan string, 64)}
}

func (g *fakeGenerator) Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Prompt)
	n := g.failures[req.Prompt]
	if n > 0 {
		g.failures[req.Prompt] = n - 1
	}
	block := g.block
	g.mu.Unlock()

	g.started <- req.Prompt
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n != 0 {
		return nil, g.err
	}
	return &imagegen.Result{
		Filename:  "sd_1_abcd1234.png",
		URL:       "http://localhost:5001/images/sd_1_abcd1234.png",
		Model:     imagegen.DefaultModel,
		ProjectID: req.ProjectID,
		Device:    device.CPU,
		Width:     512,
		Height:    512,
		Steps:     15,
		Guidance:  7.5,
		Scheduler: sdruntime.SchedulerDPMPP,
		Elapsed:   1500 * time.Millisecond,
	}, nil
}

func (g *fakeGenerator) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

type harness struct {
	m      *Manager
	repo   *db.Repository
	gen    *fakeGenerator
	events *eventLog
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) statuses(id string) []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Status
	for _, ev := range l.events {
		if ev.Job.ID == id {
			out = append(out, ev.Job.Status)
		}
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBase = time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	return cfg
}

// newHarness builds a manager over a test NATS server and a temp SQLite
// file without starting it.
func newHarness(t *testing.T, gen *fakeGenerator, cfg Config) *harness {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	srv := test.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	repo := db.NewRepository(database)

	events := &eventLog{}
	m, err := NewManager(repo, gen, nc, zap.NewNop(), cfg, WithNotifier(events.add))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return &harness{m: m, repo: repo, gen: gen, events: events}
}

func startHarness(t *testing.T, gen *fakeGenerator, cfg Config) *harness {
	t.Helper()
	h := newHarness(t, gen, cfg)
	require.NoError(t, h.m.Start(context.Background()))
	return h
}

func request(prompt string) imagegen.Request {
	req := imagegen.DefaultRequest()
	req.Prompt = prompt
	return req
}

func (h *harness) submit(t *testing.T, sr SubmitRequest) *Job {
	t.Helper()
	job, err := h.m.Submit(context.Background(), sr)
	require.NoError(t, err)
	return job
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.m.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func waitStarted(t *testing.T, gen *fakeGenerator, prompt string) {
	t.Helper()
	select {
	case got := <-gen.started:
		require.Equal(t, prompt, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("generation for %q never started", prompt)
	}
}

func TestManager_SubmitCompletes(t *testing.T) {
	h := startHarness(t, newFakeGenerator(), testConfig())

	job := h.submit(t, SubmitRequest{Request: request("a red cube")})
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, PriorityNormal, job.Priority)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	done := h.waitStatus(t, job.ID, StatusCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, "512x512", done.Result.Size)
	assert.Equal(t, "cpu", done.Result.Device)
	assert.Equal(t, 1.5, done.Result.GenerationTime)
	assert.Equal(t, 1, done.Attempts)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, h.events.statuses(job.ID))
}

func TestManager_RetriesThenCompletes(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures["flaky"] = 2
	h := startHarness(t, gen, testConfig())

	job := h.submit(t, SubmitRequest{Request: request("flaky")})
	done := h.waitStatus(t, job.ID, StatusCompleted)

	assert.Equal(t, 3, done.Attempts)
	assert.Empty(t, done.Error)
	assert.Nil(t, done.NextRunAt)
	assert.Contains(t, h.events.statuses(job.ID), StatusRetrying)
}

func TestManager_RetryBudgetExhaustedFailsAndCallsWebhook(t *testing.T) {
	payloads := make(chan WebhookPayload, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			payloads <- p
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	gen := newFakeGenerator()
	gen.failures["doomed"] = alwaysFail
	h := startHarness(t, gen, testConfig())

	retries := 1
	job := h.submit(t, SubmitRequest{Request: request("doomed"), WebhookURL: hook.URL, MaxRetries: &retries})
	failed := h.waitStatus(t, job.ID, StatusFailed)

	assert.Equal(t, 2, failed.Attempts)
	assert.Contains(t, failed.Error, "not enough memory")
	assert.NotNil(t, failed.CompletedAt)
	assert.Len(t, gen.Calls(), 2)

	select {
	case p := <-payloads:
		assert.Equal(t, job.ID, p.JobID)
		assert.Equal(t, StatusFailed, p.Status)
		assert.Equal(t, 2, p.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestManager_PermanentErrorsAreNotRetried(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures["missing model"] = alwaysFail
	gen.err = sdruntime.ErrModelNotFound
	h := startHarness(t, gen, testConfig())

	job := h.submit(t, SubmitRequest{Request: request("missing model")})
	failed := h.waitStatus(t, job.ID, StatusFailed)
	assert.Equal(t, 1, failed.Attempts)
}

func TestManager_SubmitValidation(t *testing.T) {
	h := startHarness(t, newFakeGenerator(), testConfig())
	ctx := context.Background()

	_, err := h.m.Submit(ctx, SubmitRequest{Request: request("")})
	assert.ErrorIs(t, err, imagegen.ErrInvalidRequest)

	_, err = h.m.Submit(ctx, SubmitRequest{Request: request("x"), Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = h.m.Submit(ctx, SubmitRequest{Request: request("x"), WebhookURL: "ftp://example.com/hook"})
	assert.ErrorIs(t, err, ErrInvalidJob)

	negative := -1
	_, err = h.m.Submit(ctx, SubmitRequest{Request: request("x"), MaxRetries: &negative})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestManager_CancelAndRetry(t *testing.T) {
	gen := newFakeGenerator()
	gen.block = make(chan struct{})
	h := startHarness(t, gen, testConfig())
	ctx := context.Background()

	running := h.submit(t, SubmitRequest{Request: request("first")})
	waitStarted(t, gen, "first")
	queued := h.submit(t, SubmitRequest{Request: request("second")})

	_, err := h.m.Cancel(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	cancelled, err := h.m.Cancel(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = h.m.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = h.m.Retry(ctx, running.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	close(gen.block)
	h.waitStatus(t, running.ID, StatusCompleted)

	// the cancelled job was skipped by the worker
	assert.Equal(t, []string{"first"}, gen.Calls())

	retried, err := h.m.Retry(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Equal(t, 0, retried.Attempts)
	h.waitStatus(t, queued.ID, StatusCompleted)
}

func TestManager_DispatchesByPriority(t *testing.T) {
	gen := newFakeGenerator()
	gen.block = make(chan struct{})
	h := startHarness(t, gen, testConfig())

	h.submit(t, SubmitRequest{Request: request("blocker")})
	waitStarted(t, gen, "blocker")

	low := h.submit(t, SubmitRequest{Request: request("low"), Priority: "low"})
	h.submit(t, SubmitRequest{Request: request("normal")})
	h.submit(t, SubmitRequest{Request: request("high"), Priority: "high"})

	require.Eventually(t, func() bool {
		n := 0
		for _, q := range h.m.queues {
			n += len(q)
		}
		return n == 3
	}, 5*time.Second, 5*time.Millisecond)

	close(gen.block)
	h.waitStatus(t, low.ID, StatusCompleted)
	assert.Equal(t, []string{"blocker", "high", "normal", "low"}, gen.Calls())
}

func TestManager_RequeuesUnfinishedJobsOnStart(t *testing.T) {
	gen := newFakeGenerator()
	h := newHarness(t, gen, testConfig())
	ctx := context.Background()

	now := time.Now().UTC()
	for _, rec := range []db.JobRecord{
		{ID: "crashed", Status: string(StatusRunning), Priority: "normal", Request: mustJSON(t, request("crashed")), Attempts: 1, MaxRetries: 3, CreatedAt: now},
		{ID: "waiting", Status: string(StatusPending), Priority: "high", Request: mustJSON(t, request("waiting")), MaxRetries: 3, CreatedAt: now},
		{ID: "done", Status: string(StatusCompleted), Priority: "low", Request: mustJSON(t, request("done")), MaxRetries: 3, CreatedAt: now},
	} {
		require.NoError(t, h.repo.SaveJob(ctx, rec))
	}

	require.NoError(t, h.m.Start(ctx))
	crashed := h.waitStatus(t, "crashed", StatusCompleted)
	assert.Equal(t, 2, crashed.Attempts)
	h.waitStatus(t, "waiting", StatusCompleted)
	assert.NotContains(t, gen.Calls(), "done")
}

func TestManager_StatsAndList(t *testing.T) {
	gen := newFakeGenerator()
	gen.failures["bad"] = alwaysFail
	h := startHarness(t, gen, testConfig())
	ctx := context.Background()

	zero := 0
	ok := h.submit(t, SubmitRequest{Request: request("good")})
	bad := h.submit(t, SubmitRequest{Request: request("bad"), MaxRetries: &zero})
	h.waitStatus(t, ok.ID, StatusCompleted)
	h.waitStatus(t, bad.ID, StatusFailed)

	stats, err := h.m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 2, Completed: 1, Failed: 1}, stats)

	failed, err := h.m.List(ctx, ListOptions{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, bad.ID, failed[0].ID)

	_, err = h.m.List(ctx, ListOptions{Status: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestManager_StopInterruptsRunningJob(t *testing.T) {
	gen := newFakeGenerator()
	gen.block = make(chan struct{})
	h := startHarness(t, gen, testConfig())

	job := h.submit(t, SubmitRequest{Request: request("slow")})
	waitStarted(t, gen, "slow")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.m.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := h.m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	_, err = h.m.Submit(context.Background(), SubmitRequest{Request: request("late")})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(DefaultRetryBase, DefaultMaxBackoff, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestParsePriorityAndStatus(t *testing.T) {
	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)
	p, err = ParsePriority(" HIGH ")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	s, err := ParseStatus("Retrying")
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, s)
	assert.False(t, s.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
