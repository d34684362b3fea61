package db

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultChannelCapacity is the default buffer size for queued writes.
const DefaultChannelCapacity = 100

// DefaultDrainTimeout bounds how long Stop waits for queued writes.
const DefaultDrainTimeout = 30 * time.Second

// AsyncWriter moves database writes off the request path. Items are queued on
// a buffered channel and applied by one background goroutine; Stop drains
// whatever is still queued.
type AsyncWriter[T any] struct {
	items   chan T
	handler func(context.Context, T) error
	logger  *zap.Logger
	drain   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// AsyncWriterConfig tunes an AsyncWriter.
type AsyncWriterConfig struct {
	ChannelCapacity int
	DrainTimeout    time.Duration
}

// DefaultAsyncWriterConfig returns the default configuration.
func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// NewAsyncWriter creates a writer that applies handler to every queued item.
// Handler errors are logged and the item is dropped.
func NewAsyncWriter[T any](handler func(context.Context, T) error, logger *zap.Logger, config AsyncWriterConfig) *AsyncWriter[T] {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter[T]{
		items:   make(chan T, config.ChannelCapacity),
		handler: handler,
		logger:  logger,
		drain:   config.DrainTimeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the background goroutine. Extra calls are no-ops.
func (w *AsyncWriter[T]) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

// run applies items until Stop closes the queue. Items queued before Stop
// are applied with the live context; it is only cancelled when draining
// outlasts the drain timeout.
func (w *AsyncWriter[T]) run() {
	defer w.wg.Done()
	for item := range w.items {
		w.apply(w.ctx, item)
	}
}

func (w *AsyncWriter[T]) apply(ctx context.Context, item T) {
	if err := w.handler(ctx, item); err != nil {
		w.logger.Warn("async write failed", zap.Error(err))
	}
}

// Write queues item without blocking. It reports false when the buffer is
// full or the writer has stopped.
func (w *AsyncWriter[T]) Write(item T) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	select {
	case w.items <- item:
		return true
	default:
		w.logger.Warn("async write queue full, dropping item", zap.Int("capacity", cap(w.items)))
		return false
	}
}

// Pending returns the number of queued items.
func (w *AsyncWriter[T]) Pending() int {
	return len(w.items)
}

// Stop rejects further writes, drains the queue and waits for the goroutine.
// It reports false if draining took longer than the drain timeout, in which
// case the in-flight write is cancelled.
func (w *AsyncWriter[T]) Stop() bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return true
	}
	w.stopped = true
	close(w.items)
	w.mu.Unlock()
	defer w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(w.drain):
		return false
	}
}
