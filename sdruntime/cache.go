package sdruntime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"imagegen_backend/device"
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// SchedulerFor returns the scheduler attached at load time. Nil means dpm++.
	SchedulerFor func(modelID string) Scheduler

	// HFToken is forwarded to the loader for gated repositories.
	HFToken string

	// OnLoad observes every construction attempt.
	OnLoad func(modelID string, d device.Device, took time.Duration, err error)
}

// Cache is the pipeline cache: lazily constructed, never evicted.
type Cache struct {
	loader Loader
	opts   CacheOptions
	logger *zap.Logger

	group singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewCache creates an empty cache backed by loader.
func NewCache(loader Loader, opts CacheOptions, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.SchedulerFor == nil {
		opts.SchedulerFor = func(string) Scheduler { return DefaultScheduler }
	}
	return &Cache{
		loader:  loader,
		opts:    opts,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
}

// Get returns the entry for modelID if it is loaded.
func (c *Cache) Get(modelID string) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[modelID]
	return e, ok && !c.closed
}

// GetOrLoad returns the entry for modelID, constructing it on d if absent.
// Concurrent callers for the same id share one construction; a caller whose
// ctx ends stops waiting but does not abort the shared load.
func (c *Cache) GetOrLoad(ctx context.Context, modelID string, d device.Device) (*Entry, error) {
	if e, ok := c.Get(modelID); ok {
		return e, nil
	}
	if c.isClosed() {
		return nil, ErrCacheClosed
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(modelID, func() (any, error) {
		if e, ok := c.Get(modelID); ok {
			return e, nil
		}
		e, err := c.load(loadCtx, modelID, d)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			_ = e.pipeline.Close()
			return nil, ErrCacheClosed
		}
		c.entries[modelID] = e
		return e, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(ctx context.Context, modelID string, d device.Device) (*Entry, error) {
	start := time.Now()
	dtype := DTypeFor(d)
	log := c.logger.With(zap.String("model", modelID), zap.String("device", string(d)), zap.String("dtype", string(dtype)))
	log.Info("loading pipeline")

	e, err := c.construct(ctx, log, modelID, d, dtype)

	if c.opts.OnLoad != nil {
		placed := d
		if e != nil {
			placed = e.placement.Home
		}
		c.opts.OnLoad(modelID, placed, time.Since(start), err)
	}
	if err != nil {
		log.Error("pipeline load failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return nil, err
	}
	log.Info("pipeline loaded",
		zap.String("placed_on", string(e.placement.Home)),
		zap.Any("optimizations", e.optimizations),
		zap.String("scheduler", string(e.scheduler)),
		zap.Duration("took", time.Since(start)))
	return e, nil
}

func (c *Cache) construct(ctx context.Context, log *zap.Logger, modelID string, d device.Device, dtype DType) (*Entry, error) {
	p, err := c.loader.Load(ctx, modelID, LoadOptions{
		DType:                dtype,
		HFToken:              c.opts.HFToken,
		DisableSafetyChecker: true,
	})
	if err != nil {
		if errors.Is(err, ErrModelNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrModelLoadFailed, modelID, err)
	}

	placed := d
	if err := p.MoveTo(ctx, d); err != nil {
		if d != device.DML {
			_ = p.Close()
			return nil, fmt.Errorf("%w: %s on %s: %w", ErrModelLoadFailed, modelID, d, err)
		}
		// DirectML placement is flaky; the pipeline still works on CPU
		log.Warn("DirectML placement failed, loading on CPU", zap.Error(err))
		if err := p.MoveTo(ctx, device.CPU); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("%w: %s on cpu after dml failure: %w", ErrModelLoadFailed, modelID, err)
		}
		placed = device.CPU
	}

	var applied []Optimization
	for _, opt := range OptimizationsFor(placed) {
		if err := p.Enable(ctx, opt); err != nil {
			log.Warn("optimization unavailable", zap.String("optimization", string(opt)), zap.Error(err))
			continue
		}
		applied = append(applied, opt)
	}

	sched := ResolveScheduler(c.opts.SchedulerFor(modelID), modelID)
	if err := p.SetScheduler(ctx, sched); err != nil {
		log.Warn("could not attach scheduler, keeping pipeline default",
			zap.String("scheduler", string(sched)), zap.Error(err))
		sched = ""
	}

	return newEntry(modelID, p, dtype, placed, applied, sched), nil
}

// Len returns the number of loaded pipelines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Entries returns snapshots of all loaded pipelines sorted by model id.
func (c *Cache) Entries() []EntryInfo {
	c.mu.RLock()
	list := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	c.mu.RUnlock()

	out := make([]EntryInfo, 0, len(list))
	for _, e := range list {
		out = append(out, e.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close waits for in-use pipelines to be released (bounded by ctx) and closes
// every pipeline. Later GetOrLoad calls fail with ErrCacheClosed.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	var errs []error
	for id, e := range entries {
		lease, err := e.Acquire(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
			continue
		}
		if err := e.pipeline.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		lease.Release()
	}
	return errors.Join(errs...)
}
