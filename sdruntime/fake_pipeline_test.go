package sdruntime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"imagegen_backend/device"
)

// fakePipeline records calls and fails on demand.
type fakePipeline struct {
	mu         sync.Mutex
	moves      []device.Device
	enabled    []Optimization
	schedulers []Scheduler
	closed     bool

	failMoveTo map[device.Device]bool
	failEnable map[Optimization]bool
	generate   func(inv Invocation) ([]byte, error)
}

func (p *fakePipeline) MoveTo(_ context.Context, d device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moves = append(p.moves, d)
	if p.failMoveTo[d] {
		return errors.New("device rejected placement")
	}
	return nil
}

func (p *fakePipeline) Enable(_ context.Context, opt Optimization) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failEnable[opt] {
		return errors.New("unsupported")
	}
	p.enabled = append(p.enabled, opt)
	return nil
}

func (p *fakePipeline) SetScheduler(_ context.Context, s Scheduler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedulers = append(p.schedulers, s)
	return nil
}

func (p *fakePipeline) Generate(_ context.Context, inv Invocation) ([]byte, error) {
	if p.generate != nil {
		return p.generate(inv)
	}
	return renderPlaceholder("fake", device.CPU, inv)
}

func (p *fakePipeline) ReleaseMemory(context.Context) error { return nil }

func (p *fakePipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeLoader hands out fakePipelines built by newPipeline.
type fakeLoader struct {
	calls       atomic.Int32
	err         error
	gate        chan struct{}
	newPipeline func() *fakePipeline

	mu   sync.Mutex
	last *fakePipeline
	opts LoadOptions
}

func (l *fakeLoader) Load(ctx context.Context, _ string, opts LoadOptions) (Pipeline, error) {
	l.calls.Add(1)
	if l.gate != nil {
		select {
		case <-l.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	p := &fakePipeline{}
	if l.newPipeline != nil {
		p = l.newPipeline()
	}
	l.mu.Lock()
	l.last = p
	l.opts = opts
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLoader) lastPipeline() *fakePipeline {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
