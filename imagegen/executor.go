package imagegen

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"imagegen_backend/device"
	"imagegen_backend/logging"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
)

// Size used by the out-of-memory retry.
const fallbackDimension = 512

// Fallback kinds reported in results and metrics.
const (
	FallbackResize = "resize"
	FallbackCPU    = "cpu"
)

// DeviceSelector picks the device for the next generation.
type DeviceSelector interface {
	Select(ctx context.Context) device.Selection
}

// Attempt is one pipeline invocation.
type Attempt struct {
	Device   device.Device `json:"device"`
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Class    FailureClass  `json:"result"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"-"`
	Seconds  float64       `json:"seconds"`
}

// Result is a finished generation.
type Result struct {
	Image              []byte
	Filename           string
	Path               string
	URL                string
	Prompt             string
	RequestedModel     string
	Model              string
	ProjectID          string
	Device             device.Device // where the successful attempt ran
	SelectedDevice     device.Device
	Width              int
	Height             int
	Steps              int // inference steps actually run
	Guidance           float64
	RequestedSteps     int
	RequestedGuidance  float64
	Seed               int64
	Scheduler          sdruntime.Scheduler // attached when the image was made
	RequestedScheduler sdruntime.Scheduler
	Estimated          float64
	Elapsed            time.Duration
	Attempts           []Attempt
	Fallback           string
	CreatedAt          time.Time
}

// ImageBase64 returns the PNG as standard base64.
func (r *Result) ImageBase64() string {
	return base64.StdEncoding.EncodeToString(r.Image)
}

// EstimatedVsActual renders the estimate next to the measured time.
func (r *Result) EstimatedVsActual() string {
	return FormatEstimate(r.Estimated, r.SelectedDevice, r.Elapsed)
}

// ResultHook observes successful generations, e.g. to persist asset records.
type ResultHook func(ctx context.Context, res *Result)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// MaxConcurrent bounds generations running at once. Values below 1 mean 1.
	MaxConcurrent int
	// StickyCPUFallback leaves a pipeline on CPU after a CPU fallback instead
	// of moving it back to the device it was loaded on.
	StickyCPUFallback bool
	// PublicBaseURL prefixes image URLs, e.g. "http://localhost:5001".
	PublicBaseURL string
}

// Executor runs generation requests end to end.
//
// Thread-Safety:
//   - Executor is safe for concurrent use
//   - at most MaxConcurrent generations hold the gate at once
//   - each cached pipeline is leased to one generation at a time
type Executor struct {
	selector DeviceSelector
	cache    *sdruntime.Cache
	catalog  *Catalog
	store    *ImageStore
	logger   *zap.Logger
	config   ExecutorConfig

	recorder *metrics.Recorder
	history  *metrics.GenerationStore

	gate chan struct{}

	mu     sync.RWMutex
	hooks  []ResultHook
	closed bool
	wg     sync.WaitGroup
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithRecorder publishes generation metrics to Prometheus.
func WithRecorder(r *metrics.Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithHistory records finished generations for /benchmark and /health.
func WithHistory(s *metrics.GenerationStore) ExecutorOption {
	return func(e *Executor) { e.history = s }
}

// WithResultHook registers a hook run after every successful generation.
func WithResultHook(h ResultHook) ExecutorOption {
	return func(e *Executor) { e.hooks = append(e.hooks, h) }
}

// NewExecutor assembles an executor.
func NewExecutor(selector DeviceSelector, cache *sdruntime.Cache, catalog *Catalog, store *ImageStore, logger *zap.Logger, config ExecutorConfig, opts ...ExecutorOption) (*Executor, error) {
	if selector == nil {
		return nil, fmt.Errorf("imagegen: selector cannot be nil")
	}
	if cache == nil {
		return nil, fmt.Errorf("imagegen: cache cannot be nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("imagegen: catalog cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("imagegen: store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	config.PublicBaseURL = strings.TrimRight(config.PublicBaseURL, "/")

	e := &Executor{
		selector: selector,
		cache:    cache,
		catalog:  catalog,
		store:    store,
		logger:   logger,
		config:   config,
		gate:     make(chan struct{}, config.MaxConcurrent),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Catalog returns the model catalog.
func (e *Executor) Catalog() *Catalog { return e.catalog }

// Cache returns the pipeline cache.
func (e *Executor) Cache() *sdruntime.Cache { return e.cache }

// Store returns the image store.
func (e *Executor) Store() *ImageStore { return e.store }

// Selector returns the device selector.
func (e *Executor) Selector() DeviceSelector { return e.selector }

// InFlight reports how many generations hold the gate.
func (e *Executor) InFlight() int { return len(e.gate) }

// Generate validates, normalizes and runs req, then stores the image.
func (e *Executor) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrExecutorClosed
	}
	e.wg.Add(1)
	e.mu.RUnlock()
	defer e.wg.Done()

	select {
	case e.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.gate }()
	if e.recorder != nil {
		e.recorder.InFlight.Inc()
		defer e.recorder.InFlight.Dec()
	}

	start := time.Now()
	sel := e.selector.Select(ctx)
	params, err := Normalize(req, sel.Device, e.catalog)
	if err != nil {
		return nil, err
	}
	params.Seed = sdruntime.ResolveSeed(params.Seed)

	log := e.logger.With(logging.ModelField(params.Model), logging.DeviceField(string(params.Device)))
	log.Info("generating",
		zap.String("prompt", truncate(params.Prompt, 50)),
		zap.Int("steps", params.Steps),
		zap.Int("width", params.Width),
		zap.Int("height", params.Height),
		zap.Float64("estimated_seconds", params.EstimatedSecs))
	if params.Resized {
		log.Warn("size adjusted for device",
			zap.Int("requested_width", req.Width), zap.Int("requested_height", req.Height))
	}
	if params.StepsCapped {
		log.Warn("steps capped for DirectML", zap.Int("max_steps", MaxStepsDML))
	}

	res, err := e.run(ctx, log, params)
	elapsed := time.Since(start)
	if err != nil {
		e.observe(params, res, elapsed, err)
		log.Error("generation failed", zap.Error(err), zap.Duration("took", elapsed))
		return nil, err
	}
	res.Elapsed = elapsed
	res.ProjectID = req.ProjectID

	filename, path, err := e.store.Save(params.Model, res.Image, res.CreatedAt)
	if err != nil {
		e.observe(params, res, elapsed, err)
		return nil, err
	}
	res.Filename, res.Path = filename, path
	res.URL = e.ImageURL(filename)

	e.observe(params, res, elapsed, nil)
	log.Info("image generated", logging.GenerationField(summary(res)))

	e.mu.RLock()
	hooks := e.hooks
	e.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, res)
	}
	return res, nil
}

// ImageURL is the public URL of a stored image.
func (e *Executor) ImageURL(filename string) string {
	return e.config.PublicBaseURL + "/images/" + filename
}

func (e *Executor) run(ctx context.Context, log *zap.Logger, params Params) (*Result, error) {
	entry, err := e.cache.GetOrLoad(ctx, params.Model, params.Device)
	if err != nil {
		return nil, err
	}
	lease, err := entry.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if params.Scheduler != sdruntime.SchedulerAuto {
		want := sdruntime.ResolveScheduler(params.Scheduler, params.Model)
		if err := lease.SetScheduler(ctx, want); err != nil {
			log.Warn("scheduler change failed, keeping current", zap.String("scheduler", string(want)), zap.Error(err))
		}
	}
	if err := lease.ReleaseMemory(ctx); err != nil {
		log.Debug("memory release failed", zap.Error(err))
	}

	res := &Result{
		Prompt:             params.Prompt,
		RequestedModel:     params.RequestedModel,
		Model:              params.Model,
		SelectedDevice:     params.Device,
		Steps:              params.Steps,
		Guidance:           params.Guidance,
		RequestedSteps:     params.RequestedSteps,
		RequestedGuidance:  params.RequestedGuidance,
		Seed:               params.Seed,
		RequestedScheduler: params.Scheduler,
		Estimated:          params.EstimatedSecs,
	}
	inv := sdruntime.Invocation{
		Prompt:         params.Prompt,
		NegativePrompt: params.NegativePrompt,
		Steps:          params.Steps,
		GuidanceScale:  params.Guidance,
		Width:          params.Width,
		Height:         params.Height,
		Seed:           params.Seed,
	}

	img, inv, err := e.ladder(ctx, log, lease, inv, res)
	e.restoreHome(log, lease)
	if err != nil {
		return res, err
	}

	res.Image = img
	res.Width, res.Height = inv.Width, inv.Height
	res.Scheduler = lease.Scheduler()
	res.CreatedAt = time.Now()
	return res, nil
}

// ladder runs inv and applies the fallback rules: out-of-memory above
// fallbackDimension retries once at fallbackDimension on the same device,
// then once on CPU; a backend fault retries once on CPU; anything else is
// returned as is.
func (e *Executor) ladder(ctx context.Context, log *zap.Logger, lease *sdruntime.Lease, inv sdruntime.Invocation, res *Result) ([]byte, sdruntime.Invocation, error) {
	img, err := e.attempt(ctx, lease, inv, res)
	if err == nil {
		return img, inv, nil
	}

	switch Classify(err) {
	case FailureOOM:
		log.Warn("out of memory", zap.Error(err))
		if inv.Width > fallbackDimension || inv.Height > fallbackDimension {
			inv.Width, inv.Height = fallbackDimension, fallbackDimension
			e.noteFallback(res, FallbackResize)
			log.Info("retrying at reduced size", zap.Int("width", inv.Width), zap.Int("height", inv.Height))
			img, err = e.attempt(ctx, lease, inv, res)
			if err == nil {
				return img, inv, nil
			}
			if ctx.Err() != nil {
				return nil, inv, ctx.Err()
			}
		}
		return e.onCPU(ctx, log, lease, inv, res, err)
	case FailureBackend:
		log.Warn("backend fault", zap.Error(err))
		return e.onCPU(ctx, log, lease, inv, res, err)
	default:
		return nil, inv, wrapGenerationError(err)
	}
}

func (e *Executor) onCPU(ctx context.Context, log *zap.Logger, lease *sdruntime.Lease, inv sdruntime.Invocation, res *Result, cause error) ([]byte, sdruntime.Invocation, error) {
	e.noteFallback(res, FallbackCPU)
	log.Info("falling back to CPU")
	if _, err := lease.MoveTo(ctx, device.CPU); err != nil {
		return nil, inv, fmt.Errorf("%w: cpu fallback after %v: %w", sdruntime.ErrGenerationFailed, cause, err)
	}
	img, err := e.attempt(ctx, lease, inv, res)
	if err != nil {
		return nil, inv, wrapGenerationError(err)
	}
	log.Info("generation completed on CPU")
	return img, inv, nil
}

func (e *Executor) attempt(ctx context.Context, lease *sdruntime.Lease, inv sdruntime.Invocation, res *Result) ([]byte, error) {
	d := lease.Placement().Current
	start := time.Now()
	img, err := lease.Generate(ctx, inv)
	took := time.Since(start)

	a := Attempt{Device: d, Width: inv.Width, Height: inv.Height, Class: Classify(err), Duration: took, Seconds: roundSeconds(took)}
	if err != nil {
		a.Error = err.Error()
	} else {
		res.Device = d
	}
	res.Attempts = append(res.Attempts, a)
	if e.recorder != nil {
		e.recorder.Attempts.WithLabelValues(string(a.Class)).Inc()
	}
	return img, err
}

func (e *Executor) noteFallback(res *Result, kind string) {
	if res.Fallback == "" {
		res.Fallback = kind
	} else {
		res.Fallback += "+" + kind
	}
	if e.recorder != nil {
		e.recorder.Fallbacks.WithLabelValues(kind).Inc()
	}
}

// restoreHome moves a displaced pipeline back to the device it was loaded
// on, unless CPU fallbacks are sticky.
func (e *Executor) restoreHome(log *zap.Logger, lease *sdruntime.Lease) {
	p := lease.Placement()
	if !p.Displaced() || e.config.StickyCPUFallback {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := lease.MoveTo(ctx, p.Home); err != nil {
		log.Warn("could not move pipeline back to its home device",
			zap.String("home", string(p.Home)), zap.Error(err))
		return
	}
	log.Debug("pipeline restored to home device", zap.String("home", string(p.Home)))
}

func (e *Executor) observe(params Params, res *Result, elapsed time.Duration, err error) {
	rec := metrics.GenerationRecord{
		Model:    params.Model,
		Device:   string(params.Device),
		Steps:    params.Steps,
		Outcome:  metrics.OutcomeSuccess,
		Duration: elapsed,
		At:       time.Now(),
	}
	if res != nil {
		rec.Fallback = res.Fallback
		if res.Device != "" {
			rec.Device = string(res.Device)
		}
	}
	if err != nil {
		rec.Outcome = metrics.OutcomeFailure
	}
	if e.recorder != nil {
		e.recorder.ObserveGeneration(rec)
	}
	if e.history != nil {
		e.history.Record(rec)
	}
}

// Close stops accepting generations and waits for running ones, bounded by ctx.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("imagegen: waiting for generations: %w", ctx.Err())
	}
}

func wrapGenerationError(err error) error {
	if errors.Is(err, sdruntime.ErrGenerationFailed) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", sdruntime.ErrGenerationFailed, err)
}

func summary(res *Result) logging.GenerationSummary {
	return logging.GenerationSummary{
		Model:     res.Model,
		Device:    string(res.Device),
		Scheduler: string(res.Scheduler),
		Steps:     res.Steps,
		Width:     res.Width,
		Height:    res.Height,
		Guidance:  res.Guidance,
		Attempts:  len(res.Attempts),
		Fallback:  res.Fallback,
		Duration:  res.Elapsed,
		Filename:  res.Filename,
	}
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(10*time.Millisecond)) / float64(time.Second)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
