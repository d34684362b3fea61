package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"imagegen_backend/core"
)

// Hook priorities. Lower values run first.
const (
	PriorityIntake    = 10 // stop accepting work (HTTP server)
	PriorityWorkers   = 20 // job workers, executor, writers
	PriorityTransport = 30 // broker connections
	PriorityStorage   = 40 // database, pipeline cache
	PriorityFinal     = 50 // temp files, log flush
)

type hook struct {
	name     string
	priority int
	seq      int
	fn       core.ShutdownFunc
}

// Manager runs the shutdown sequence.
//
//	m := shutdown.NewManager(logger, shutdown.WithTimeout(cfg.ShutdownTimeout))
//	m.Register("database", shutdown.PriorityStorage, func(context.Context) error { return database.Close() })
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration
	exit    func(int)

	ctx    context.Context
	cancel context.CancelFunc

	tracker *Tracker

	mu      sync.Mutex
	hooks   []hook
	started bool
	done    bool
	signals int
	sigCh   chan os.Signal
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds the whole shutdown sequence. Default 60s.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithExit replaces os.Exit for the forced exit on a second signal.
func WithExit(fn func(int)) Option {
	return func(m *Manager) { m.exit = fn }
}

// NewManager creates a manager whose context is cancelled on the first signal.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:  logger,
		timeout: 60 * time.Second,
		exit:    os.Exit,
		ctx:     ctx,
		cancel:  cancel,
		tracker: NewTracker(),
		sigCh:   make(chan os.Signal, 2),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context { return m.ctx }

// Tracker exposes the in-flight operation tracker.
func (m *Manager) Tracker() *Tracker { return m.tracker }

// Register adds a cleanup hook. Hooks with equal priority run in
// registration order.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		return
	}
	m.hooks = append(m.hooks, hook{name: name, priority: priority, seq: len(m.hooks), fn: fn})
}

// Hooks returns hook names in execution order.
func (m *Manager) Hooks() []string {
	hooks := m.sortedHooks()
	names := make([]string, len(hooks))
	for i, h := range hooks {
		names[i] = h.name
	}
	return names
}

func (m *Manager) sortedHooks() []hook {
	m.mu.Lock()
	hooks := append([]hook(nil), m.hooks...)
	m.mu.Unlock()
	sort.Slice(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority < hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})
	return hooks
}

// Start listens for SIGINT and SIGTERM. The first signal cancels Context;
// a second one exits the process immediately.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	signal.Notify(m.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigCh {
			m.onSignal(sig)
		}
	}()
}

func (m *Manager) onSignal(sig os.Signal) {
	m.mu.Lock()
	m.signals++
	n := m.signals
	m.mu.Unlock()

	if n == 1 {
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		m.cancel()
		return
	}
	m.logger.Warn("second signal received, exiting immediately")
	_ = m.logger.Sync()
	code := core.ExitCodeSIGINT
	if sig == syscall.SIGTERM {
		code = core.ExitCodeSIGTERM
	}
	m.exit(code)
}

// Trigger begins shutdown without a signal.
func (m *Manager) Trigger() { m.cancel() }

// Track runs fn as an in-flight operation. It returns ErrShuttingDown once
// shutdown has begun.
func (m *Manager) Track(ctx context.Context, fn func(context.Context) error) error {
	if !m.tracker.Begin() {
		return ErrShuttingDown
	}
	defer m.tracker.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}

// Middleware tracks every HTTP request and answers 503 after shutdown began.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.tracker.Begin() {
			w.Header().Set("Connection", "close")
			http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
			return
		}
		defer m.tracker.End()
		next.ServeHTTP(w, r)
	})
}

// Shutdown closes intake, waits for tracked operations and runs the hooks,
// all within the configured timeout. Hook errors are joined. Later calls
// return nil.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	m.mu.Unlock()
	m.cancel()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.tracker.Close()
	if n := m.tracker.Active(); n > 0 {
		m.logger.Info("waiting for in-flight operations", zap.Int64("active", n))
	}
	var errs []error
	if err := m.tracker.Wait(ctx); err != nil {
		m.logger.Warn("in-flight operations did not finish", zap.Int64("remaining", m.tracker.Active()))
		errs = append(errs, fmt.Errorf("waiting for operations: %w", err))
	}

	// hooks always get at least a second, even after a slow drain
	hookCtx := ctx
	if deadline, _ := ctx.Deadline(); time.Until(deadline) < time.Second {
		var hookCancel context.CancelFunc
		hookCtx, hookCancel = context.WithTimeout(context.Background(), time.Second)
		defer hookCancel()
	}
	for _, h := range m.sortedHooks() {
		hookStart := time.Now()
		if err := h.fn(hookCtx); err != nil {
			m.logger.Error("shutdown hook failed", zap.String("hook", h.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		m.logger.Debug("shutdown hook done", zap.String("hook", h.name), zap.Duration("took", time.Since(hookStart)))
	}

	m.mu.Lock()
	if m.started {
		signal.Stop(m.sigCh)
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		m.logger.Error("shutdown finished with errors", zap.Int("errors", len(errs)), zap.Duration("took", time.Since(start)))
		return errors.Join(errs...)
	}
	m.logger.Info("shutdown complete", zap.Duration("took", time.Since(start)))
	return nil
}
