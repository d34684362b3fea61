package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// GPUCollector samples a GPUReader on an interval and keeps the latest value.
// Readers that report ErrNvidiaSMIMissing stop the loop: there is nothing to poll.
type GPUCollector struct {
	reader   GPUReader
	interval time.Duration
	onSample func(GPUMetrics)
	logger   *zap.Logger

	mu        sync.RWMutex
	last      GPUMetrics
	available bool
	lastErr   error
	sampledAt time.Time
}

// NewGPUCollector creates a collector. Intervals under one second become 5s.
func NewGPUCollector(reader GPUReader, interval time.Duration, onSample func(GPUMetrics), logger *zap.Logger) *GPUCollector {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GPUCollector{
		reader:   reader,
		interval: interval,
		onSample: onSample,
		logger:   logger,
	}
}

// Run samples until ctx is cancelled.
func (c *GPUCollector) Run(ctx context.Context) {
	if !c.CollectOnce(ctx) && errors.Is(c.LastError(), ErrNvidiaSMIMissing) {
		c.logger.Info("GPU sampling disabled", zap.Error(c.LastError()))
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce takes one sample and reports whether it succeeded.
// A failed sample keeps the previous value but marks the GPU unavailable.
func (c *GPUCollector) CollectOnce(ctx context.Context) bool {
	m, err := c.reader.ReadGPUMetrics(ctx)

	c.mu.Lock()
	c.lastErr = err
	c.available = err == nil
	if err == nil {
		c.last = m
		c.sampledAt = time.Now()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("GPU sample failed", zap.Error(err))
		return false
	}
	if c.onSample != nil {
		c.onSample(m)
	}
	return true
}

// Snapshot returns the latest sample and whether it is current.
func (c *GPUCollector) Snapshot() (GPUMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.available
}

// LastError returns the error from the most recent sample, if any.
func (c *GPUCollector) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}
