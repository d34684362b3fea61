package sdruntime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"imagegen_backend/device"
)

// Placement records where a cached pipeline was loaded (Home) and where its
// weights are right now (Current). They differ after a CPU fallback that has
// not been undone.
type Placement struct {
	Home    device.Device `json:"home"`
	Current device.Device `json:"current"`
}

// Displaced reports whether the pipeline is away from its home device.
func (p Placement) Displaced() bool {
	return p.Home != p.Current
}

// EntryInfo is a read-only snapshot of a cache entry.
type EntryInfo struct {
	ModelID       string         `json:"model"`
	Placement     Placement      `json:"placement"`
	DType         DType          `json:"dtype"`
	Optimizations []Optimization `json:"optimizations"`
	Scheduler     Scheduler      `json:"scheduler"`
	LoadedAt      time.Time      `json:"loaded_at"`
	LastUsed      time.Time      `json:"last_used,omitempty"`
	Generations   int64          `json:"generations"`
	Busy          bool           `json:"busy"`
}

// Entry is one cached pipeline. Its pipeline is used by one lease holder at a time.
type Entry struct {
	modelID       string
	pipeline      Pipeline
	dtype         DType
	optimizations []Optimization
	loadedAt      time.Time

	lock chan struct{}

	mu          sync.RWMutex
	placement   Placement
	scheduler   Scheduler
	lastUsed    time.Time
	generations int64
}

func newEntry(modelID string, p Pipeline, dtype DType, placed device.Device, opts []Optimization, sched Scheduler) *Entry {
	return &Entry{
		modelID:       modelID,
		pipeline:      p,
		dtype:         dtype,
		optimizations: opts,
		loadedAt:      time.Now(),
		lock:          make(chan struct{}, 1),
		placement:     Placement{Home: placed, Current: placed},
		scheduler:     sched,
	}
}

// ModelID returns the canonical model id.
func (e *Entry) ModelID() string { return e.modelID }

// Placement returns the current placement.
func (e *Entry) Placement() Placement {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.placement
}

// Info returns a snapshot for status endpoints.
func (e *Entry) Info() EntryInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntryInfo{
		ModelID:       e.modelID,
		Placement:     e.placement,
		DType:         e.dtype,
		Optimizations: append([]Optimization(nil), e.optimizations...),
		Scheduler:     e.scheduler,
		LoadedAt:      e.loadedAt,
		LastUsed:      e.lastUsed,
		Generations:   e.generations,
		Busy:          len(e.lock) > 0,
	}
}

// Acquire waits for exclusive use of the pipeline or for ctx to end.
func (e *Entry) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case e.lock <- struct{}{}:
		return &Lease{entry: e}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Lease grants exclusive use of an entry's pipeline until Release.
type Lease struct {
	entry    *Entry
	released atomic.Bool
}

// Release returns the pipeline to the entry. Safe to call more than once.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		<-l.entry.lock
	}
}

// Entry returns the leased entry.
func (l *Lease) Entry() *Entry { return l.entry }

// Placement returns the entry's placement.
func (l *Lease) Placement() Placement { return l.entry.Placement() }

// Scheduler returns the attached scheduler.
func (l *Lease) Scheduler() Scheduler {
	l.entry.mu.RLock()
	defer l.entry.mu.RUnlock()
	return l.entry.scheduler
}

// SetScheduler attaches s unless it is already attached.
func (l *Lease) SetScheduler(ctx context.Context, s Scheduler) error {
	if l.Scheduler() == s {
		return nil
	}
	if err := l.entry.pipeline.SetScheduler(ctx, s); err != nil {
		return fmt.Errorf("set scheduler %s: %w", s, err)
	}
	l.entry.mu.Lock()
	l.entry.scheduler = s
	l.entry.mu.Unlock()
	return nil
}

// MoveTo places the pipeline on d and returns the resulting placement.
// On failure the placement is unchanged.
func (l *Lease) MoveTo(ctx context.Context, d device.Device) (Placement, error) {
	current := l.Placement()
	if current.Current == d {
		return current, nil
	}
	if err := l.entry.pipeline.MoveTo(ctx, d); err != nil {
		return current, fmt.Errorf("%w: %s -> %s: %w", ErrPlacementFailed, current.Current, d, err)
	}
	l.entry.mu.Lock()
	l.entry.placement.Current = d
	p := l.entry.placement
	l.entry.mu.Unlock()
	return p, nil
}

// Generate runs one invocation on the pipeline's current device.
func (l *Lease) Generate(ctx context.Context, inv Invocation) ([]byte, error) {
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	inv.Seed = ResolveSeed(inv.Seed)

	img, err := l.entry.pipeline.Generate(ctx, inv)

	if err == nil && !IsPNG(img) {
		err = fmt.Errorf("%w: %w", ErrGenerationFailed, ErrNotPNG)
	}

	l.entry.mu.Lock()
	l.entry.lastUsed = time.Now()
	if err == nil {
		l.entry.generations++
	}
	l.entry.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return img, nil
}

// ReleaseMemory asks the backend to drop cached allocations.
func (l *Lease) ReleaseMemory(ctx context.Context) error {
	return l.entry.pipeline.ReleaseMemory(ctx)
}
