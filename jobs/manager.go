package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"imagegen_backend/db"
	"imagegen_backend/imagegen"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
)

const (
	DefaultSubjectPrefix = "imagegen.jobs"
	DefaultQueueGroup    = "imagegen-workers"
	DefaultMaxRetries    = 3
	DefaultRetryBase     = time.Second
	DefaultMaxBackoff    = 60 * time.Second

	queueBuffer  = 256
	storeTimeout = 10 * time.Second
)

// EventJobUpdate is the Event type sent on every persisted state change.
const EventJobUpdate = "job_update"

// Generator runs one generation. *imagegen.Executor satisfies it.
type Generator interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Result, error)
}

// Store persists job records. *db.Repository satisfies it.
type Store interface {
	SaveJob(ctx context.Context, j db.JobRecord) error
	GetJob(ctx context.Context, id string) (db.JobRecord, error)
	ListJobs(ctx context.Context, f db.JobFilter) ([]db.JobRecord, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)
}

// Event reports a job state change.
type Event struct {
	Type string    `json:"type"`
	Job  Job       `json:"job"`
	Time time.Time `json:"timestamp"`
}

// Config tunes a Manager.
type Config struct {
	Workers        int
	MaxRetries     int
	RetryBase      time.Duration // first retry waits 2*RetryBase
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration // zero means no per-attempt limit
	WebhookTimeout time.Duration
	SubjectPrefix  string
	QueueGroup     string
}

// DefaultConfig returns one worker, three retries and 2^n second backoff
// capped at a minute.
func DefaultConfig() Config {
	return Config{
		Workers:        1,
		MaxRetries:     DefaultMaxRetries,
		RetryBase:      DefaultRetryBase,
		MaxBackoff:     DefaultMaxBackoff,
		WebhookTimeout: DefaultWebhookTimeout,
		SubjectPrefix:  DefaultSubjectPrefix,
		QueueGroup:     DefaultQueueGroup,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers < 1 {
		c.Workers = d.Workers
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = d.RetryBase
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = d.WebhookTimeout
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = d.SubjectPrefix
	}
	if c.QueueGroup == "" {
		c.QueueGroup = d.QueueGroup
	}
	return c
}

// Backoff returns the delay before retry number attempt: base*2^attempt,
// capped at limit.
func Backoff(base, limit time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	return min(d, limit)
}

// Option customises a Manager.
type Option func(*Manager)

// WithRecorder publishes job metrics.
func WithRecorder(r *metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithNotifier registers a callback for job events. It is called
// synchronously and must not block.
func WithNotifier(fn func(Event)) Option {
	return func(m *Manager) { m.notifiers = append(m.notifiers, fn) }
}

// SubmitRequest is the input of Submit.
type SubmitRequest struct {
	Request    imagegen.Request
	Priority   string
	WebhookURL string
	MaxRetries *int // nil uses the manager default
}

// ListOptions filters List.
type ListOptions struct {
	Status    string
	ProjectID string
	Limit     int
}

// Manager owns the job lifecycle: submission, dispatch by priority over
// NATS, execution, retries, cancellation and webhooks.
//
// Thread-Safety:
//   - all methods are safe for concurrent use
//   - state changes to one job are serialised through mu
type Manager struct {
	store    Store
	gen      Generator
	nc       *nats.Conn
	logger   *zap.Logger
	config   Config
	webhooks *WebhookSender

	recorder  *metrics.Recorder
	notifiers []func(Event)

	queues map[Priority]chan string

	mu sync.Mutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	stateMu      sync.Mutex
	started      bool
	stopping     bool
	subs         []*nats.Subscription
	dispatchCtx  context.Context
	stopDispatch context.CancelFunc
	runCtx       context.Context
	cancelRun    context.CancelFunc

	workers    sync.WaitGroup
	background sync.WaitGroup
}

// NewManager creates a manager. Call Start to begin processing.
func NewManager(store Store, gen Generator, nc *nats.Conn, logger *zap.Logger, config Config, opts ...Option) (*Manager, error) {
	if store == nil || gen == nil || nc == nil {
		return nil, errors.New("jobs: store, generator and nats connection are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config = config.withDefaults()

	m := &Manager{
		store:    store,
		gen:      gen,
		nc:       nc,
		logger:   logger,
		config:   config,
		webhooks: NewWebhookSender(config.WebhookTimeout),
		queues:   make(map[Priority]chan string, len(priorities)),
		timers:   make(map[string]*time.Timer),
	}
	for _, p := range priorities {
		m.queues[p] = make(chan string, queueBuffer)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatchCtx, m.stopDispatch = context.WithCancel(context.Background())
	m.runCtx, m.cancelRun = context.WithCancel(context.Background())
	return m, nil
}

func (m *Manager) subject(p Priority) string {
	return m.config.SubjectPrefix + "." + string(p)
}

// Start subscribes to the priority subjects, launches the workers and
// requeues jobs left unfinished by a previous run.
func (m *Manager) Start(ctx context.Context) error {
	m.stateMu.Lock()
	if m.started {
		m.stateMu.Unlock()
		return errors.New("jobs: manager already started")
	}
	for _, p := range priorities {
		q := m.queues[p]
		sub, err := m.nc.QueueSubscribe(m.subject(p), m.config.QueueGroup, func(msg *nats.Msg) {
			select {
			case q <- string(msg.Data):
			case <-m.dispatchCtx.Done():
			}
		})
		if err != nil {
			m.stateMu.Unlock()
			m.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", m.subject(p), err)
		}
		m.subs = append(m.subs, sub)
	}
	if err := m.nc.Flush(); err != nil {
		m.stateMu.Unlock()
		m.unsubscribe()
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	for i := 0; i < m.config.Workers; i++ {
		m.workers.Add(1)
		go m.work()
	}
	m.started = true
	m.stateMu.Unlock()

	m.logger.Info("job manager started",
		zap.Int("workers", m.config.Workers),
		zap.String("subject_prefix", m.config.SubjectPrefix))
	return m.requeue(ctx)
}

func (m *Manager) unsubscribe() {
	m.stateMu.Lock()
	subs := m.subs
	m.subs = nil
	m.stateMu.Unlock()
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			m.logger.Warn("failed to unsubscribe", zap.String("subject", s.Subject), zap.Error(err))
		}
	}
}

func (m *Manager) accepting() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.started && !m.stopping
}

func (m *Manager) isStopping() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.stopping
}

// requeue republishes pending and retrying jobs. Jobs found running were
// interrupted by a crash and go back to pending.
func (m *Manager) requeue(ctx context.Context) error {
	recs, err := m.store.ListJobs(ctx, db.JobFilter{Statuses: []string{
		string(StatusPending), string(StatusRetrying), string(StatusRunning),
	}})
	if err != nil {
		return fmt.Errorf("failed to list unfinished jobs: %w", err)
	}

	requeued := 0
	for _, rec := range recs {
		job, err := jobFromRecord(rec)
		if err != nil {
			m.logger.Warn("skipping unreadable job", zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		if job.Status == StatusRunning {
			job, err = m.update(job.ID, func(j *Job) error {
				if j.Status != StatusRunning {
					return errSkip
				}
				j.Status = StatusPending
				return nil
			})
			if err != nil {
				continue
			}
		}
		if job.Status == StatusRetrying && job.NextRunAt != nil {
			if wait := time.Until(*job.NextRunAt); wait > 0 {
				m.schedule(job.ID, job.Priority, wait)
				requeued++
				continue
			}
		}
		if err := m.publish(job.ID, job.Priority); err != nil {
			m.logger.Warn("failed to requeue job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		requeued++
	}
	if requeued > 0 {
		m.logger.Info("requeued unfinished jobs", zap.Int("count", requeued))
	}
	return nil
}

// Submit validates and persists a job, then publishes it for dispatch.
func (m *Manager) Submit(ctx context.Context, sr SubmitRequest) (*Job, error) {
	if !m.accepting() {
		return nil, ErrStopped
	}
	if err := sr.Request.Validate(); err != nil {
		return nil, err
	}
	priority, err := ParsePriority(sr.Priority)
	if err != nil {
		return nil, err
	}
	if err := validateWebhookURL(sr.WebhookURL); err != nil {
		return nil, err
	}
	maxRetries := m.config.MaxRetries
	if sr.MaxRetries != nil {
		if *sr.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidJob)
		}
		maxRetries = *sr.MaxRetries
	}

	now := time.Now().UTC()
	job := &Job{
		ID:         uuid.NewString(),
		ProjectID:  sr.Request.ProjectID,
		Status:     StatusPending,
		Priority:   priority,
		Request:    sr.Request,
		MaxRetries: maxRetries,
		WebhookURL: sr.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.save(ctx, job); err != nil {
		return nil, err
	}
	if m.recorder != nil {
		m.recorder.JobsSubmitted.WithLabelValues(string(priority)).Inc()
	}
	m.emit(job)

	if err := m.publish(job.ID, priority); err != nil {
		// stays pending and is picked up by the next requeue
		return job, fmt.Errorf("job %s saved but not dispatched: %w", job.ID, err)
	}
	m.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("priority", string(priority)),
		zap.String("model", sr.Request.Model))
	return job, nil
}

// Get returns one job.
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	rec, err := m.store.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return jobFromRecord(rec)
}

// List returns jobs newest first.
func (m *Manager) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	filter := db.JobFilter{ProjectID: opts.ProjectID, Limit: opts.Limit}
	if opts.Status != "" {
		st, err := ParseStatus(opts.Status)
		if err != nil {
			return nil, err
		}
		filter.Statuses = []string{string(st)}
	}
	recs, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(recs))
	for _, rec := range recs {
		job, err := jobFromRecord(rec)
		if err != nil {
			m.logger.Warn("skipping unreadable job", zap.String("job_id", rec.ID), zap.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, nil
}

// Stats counts jobs per status.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountJobsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending:   counts[string(StatusPending)],
		Running:   counts[string(StatusRunning)],
		Retrying:  counts[string(StatusRetrying)],
		Completed: counts[string(StatusCompleted)],
		Failed:    counts[string(StatusFailed)],
		Cancelled: counts[string(StatusCancelled)],
	}
	for _, n := range counts {
		s.Total += n
	}
	return s, nil
}

// Cancel stops a pending or retrying job. Running jobs cannot be cancelled.
func (m *Manager) Cancel(_ context.Context, id string) (*Job, error) {
	job, err := m.update(id, func(j *Job) error {
		if j.Status != StatusPending && j.Status != StatusRetrying {
			return fmt.Errorf("%w: cannot cancel a %s job", ErrInvalidTransition, j.Status)
		}
		now := time.Now().UTC()
		j.Status = StatusCancelled
		j.CompletedAt = &now
		j.NextRunAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.stopTimer(id)
	m.finished(job)
	m.logger.Info("job cancelled", zap.String("job_id", id))
	return job, nil
}

// Retry resets a failed or cancelled job to pending with a fresh retry budget.
func (m *Manager) Retry(_ context.Context, id string) (*Job, error) {
	if !m.accepting() {
		return nil, ErrStopped
	}
	job, err := m.update(id, func(j *Job) error {
		if j.Status != StatusFailed && j.Status != StatusCancelled {
			return fmt.Errorf("%w: only failed or cancelled jobs can be retried, job is %s", ErrInvalidTransition, j.Status)
		}
		j.Status = StatusPending
		j.Attempts = 0
		j.Error = ""
		j.Result = nil
		j.StartedAt = nil
		j.CompletedAt = nil
		j.NextRunAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.publish(job.ID, job.Priority); err != nil {
		return job, fmt.Errorf("job %s reset but not dispatched: %w", job.ID, err)
	}
	m.logger.Info("job retried manually", zap.String("job_id", id))
	return job, nil
}

// Stop stops intake, waits for running jobs until ctx expires and then
// cancels them. Interrupted jobs return to pending for the next start.
func (m *Manager) Stop(ctx context.Context) error {
	m.stateMu.Lock()
	if !m.started || m.stopping {
		m.stopping = true
		m.stateMu.Unlock()
		return nil
	}
	m.stopping = true
	m.stateMu.Unlock()

	m.unsubscribe()
	m.timerMu.Lock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.timerMu.Unlock()
	m.stopDispatch()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		m.background.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("job shutdown timed out, cancelling running jobs")
		m.cancelRun()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
		err = fmt.Errorf("jobs: waiting for running jobs: %w", ctx.Err())
	}
	m.cancelRun()
	m.logger.Info("job manager stopped")
	return err
}

func (m *Manager) publish(id string, p Priority) error {
	if err := m.nc.Publish(m.subject(p), []byte(id)); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", id, err)
	}
	return nil
}

func (m *Manager) schedule(id string, p Priority, delay time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(delay, func() {
		m.timerMu.Lock()
		delete(m.timers, id)
		m.timerMu.Unlock()
		if m.isStopping() {
			return
		}
		if err := m.publish(id, p); err != nil {
			m.logger.Warn("failed to publish retry", zap.String("job_id", id), zap.Error(err))
		}
	})
}

func (m *Manager) stopTimer(id string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// work is one worker goroutine.
func (m *Manager) work() {
	defer m.workers.Done()
	for {
		id, ok := m.next()
		if !ok {
			return
		}
		m.process(id)
	}
}

// next prefers higher priorities and blocks until a job id arrives or
// dispatch stops.
func (m *Manager) next() (string, bool) {
	if m.dispatchCtx.Err() != nil {
		return "", false
	}
	for _, p := range priorities {
		select {
		case id := <-m.queues[p]:
			return id, true
		default:
		}
	}
	select {
	case <-m.dispatchCtx.Done():
		return "", false
	case id := <-m.queues[PriorityHigh]:
		return id, true
	case id := <-m.queues[PriorityNormal]:
		return id, true
	case id := <-m.queues[PriorityLow]:
		return id, true
	}
}

var errSkip = errors.New("jobs: skip")

func (m *Manager) process(id string) {
	job, err := m.update(id, func(j *Job) error {
		if j.Status != StatusPending && j.Status != StatusRetrying {
			return errSkip
		}
		now := time.Now().UTC()
		j.Status = StatusRunning
		j.Attempts++
		j.StartedAt = &now
		j.NextRunAt = nil
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		m.logger.Warn("failed to start job", zap.String("job_id", id), zap.Error(err))
		return
	}

	log := m.logger.With(zap.String("job_id", id), zap.Int("attempt", job.Attempts))
	log.Info("job started")

	ctx := m.runCtx
	if m.config.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.AttemptTimeout)
		defer cancel()
	}
	req := job.Request
	req.ProjectID = job.ProjectID

	res, genErr := m.gen.Generate(ctx, req)
	if genErr == nil {
		m.complete(log, id, res)
		return
	}
	m.fail(log, id, genErr)
}

func (m *Manager) complete(log *zap.Logger, id string, res *imagegen.Result) {
	job, err := m.update(id, func(j *Job) error {
		now := time.Now().UTC()
		j.Status = StatusCompleted
		j.Result = resultFrom(res)
		j.Error = ""
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		log.Error("failed to record job completion", zap.Error(err))
		return
	}
	log.Info("job completed", zap.String("filename", res.Filename))
	m.finished(job)
}

// permanent errors are not retried.
func permanent(err error) bool {
	return errors.Is(err, imagegen.ErrInvalidRequest) || errors.Is(err, sdruntime.ErrModelNotFound)
}

func (m *Manager) fail(log *zap.Logger, id string, genErr error) {
	interrupted := errors.Is(genErr, context.Canceled) && m.isStopping()
	var delay time.Duration

	job, err := m.update(id, func(j *Job) error {
		now := time.Now().UTC()
		j.Error = genErr.Error()
		switch {
		case interrupted:
			j.Status = StatusPending
			j.Attempts--
		case permanent(genErr) || j.Attempts > j.MaxRetries:
			j.Status = StatusFailed
			j.CompletedAt = &now
			j.NextRunAt = nil
		default:
			delay = Backoff(m.config.RetryBase, m.config.MaxBackoff, j.Attempts)
			next := now.Add(delay)
			j.Status = StatusRetrying
			j.NextRunAt = &next
		}
		return nil
	})
	if err != nil {
		log.Error("failed to record job failure", zap.Error(err), zap.NamedError("cause", genErr))
		return
	}

	switch job.Status {
	case StatusPending:
		log.Info("job interrupted by shutdown")
	case StatusRetrying:
		log.Warn("job failed, retrying",
			zap.Error(genErr),
			zap.Int("max_retries", job.MaxRetries),
			zap.Duration("backoff", delay))
		if m.recorder != nil {
			m.recorder.JobRetries.Inc()
		}
		m.schedule(job.ID, job.Priority, delay)
	default:
		log.Error("job failed", zap.Error(genErr))
		m.finished(job)
	}
}

// finished records a terminal job and fires its webhook.
func (m *Manager) finished(job *Job) {
	if m.recorder != nil {
		m.recorder.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	}
	if job.WebhookURL == "" {
		return
	}
	m.background.Add(1)
	go func(j Job) {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.config.WebhookTimeout)
		defer cancel()
		err := m.webhooks.Send(ctx, &j)
		result := "ok"
		if err != nil {
			result = "error"
			m.logger.Warn("webhook delivery failed", zap.String("job_id", j.ID), zap.Error(err))
		} else {
			m.logger.Info("webhook delivered", zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
		}
		if m.recorder != nil {
			m.recorder.Webhooks.WithLabelValues(result).Inc()
		}
	}(*job)
}

func (m *Manager) save(ctx context.Context, job *Job) error {
	rec, err := job.record()
	if err != nil {
		return err
	}
	return m.store.SaveJob(ctx, rec)
}

// update loads a job, applies fn and saves the result under mu, then emits
// an event.
func (m *Manager) update(id string, fn func(*Job) error) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := m.store.GetJob(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	job, err := jobFromRecord(rec)
	if err != nil {
		return nil, err
	}
	if err := fn(job); err != nil {
		return nil, err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := m.save(ctx, job); err != nil {
		return nil, err
	}
	m.emit(job)
	return job, nil
}

func (m *Manager) emit(job *Job) {
	if len(m.notifiers) == 0 {
		return
	}
	ev := Event{Type: EventJobUpdate, Job: *job, Time: time.Now().UTC()}
	for _, fn := range m.notifiers {
		fn(ev)
	}
}
