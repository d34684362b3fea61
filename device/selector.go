package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultProbeTTL = 5 * time.Minute

// Overrides short-circuit probing. ForceCPU and PreferCPU both yield cpu;
// they differ only in the reason reported.
type Overrides struct {
	ForceCPU  bool
	PreferCPU bool
}

// Selection is the chosen device and the evidence behind it.
type Selection struct {
	Device       Device       `json:"device"`
	Reason       string       `json:"reason"`
	Capabilities []Capability `json:"capabilities"`
	ProbedAt     time.Time    `json:"probed_at"`
}

// Choose applies the selection rules to a set of capabilities. Only devices
// reported Available are selectable.
func Choose(o Overrides, caps map[Device]Capability) Selection {
	sel := Selection{Capabilities: ordered(caps)}

	switch {
	case o.ForceCPU:
		sel.Device, sel.Reason = CPU, "FORCE_CPU set"
		return sel
	case o.PreferCPU:
		sel.Device, sel.Reason = CPU, "PREFER_CPU set"
		return sel
	}

	for _, d := range All {
		if d == CPU {
			continue
		}
		if c, ok := caps[d]; ok && c.State == Available {
			sel.Device = d
			sel.Reason = fmt.Sprintf("%s available", d)
			if c.Detail != "" {
				sel.Reason += ": " + c.Detail
			}
			return sel
		}
	}

	sel.Device, sel.Reason = CPU, "no accelerator available"
	return sel
}

func ordered(caps map[Device]Capability) []Capability {
	out := make([]Capability, 0, len(caps))
	for _, d := range All {
		if c, ok := caps[d]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Selector caches probe results and picks a device.
type Selector struct {
	overrides Overrides
	probes    []Probe
	reporter  CapabilityReporter
	ttl       time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	caps     map[Device]Capability
	cached   *Selection
	probedAt time.Time
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithTTL sets how long probe results stay fresh.
func WithTTL(ttl time.Duration) SelectorOption {
	return func(s *Selector) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithReporter lets an out-of-process backend override local probes for
// the devices it reports.
func WithReporter(r CapabilityReporter) SelectorOption {
	return func(s *Selector) { s.reporter = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SelectorOption {
	return func(s *Selector) { s.now = now }
}

// NewSelector creates a selector over the given probes.
func NewSelector(overrides Overrides, probes []Probe, logger *zap.Logger, opts ...SelectorOption) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		overrides: overrides,
		probes:    probes,
		ttl:       defaultProbeTTL,
		logger:    logger,
		now:       time.Now,
		caps:      make(map[Device]Capability),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the cached selection when fresh, otherwise re-probes.
// Overrides never trigger probing.
func (s *Selector) Select(ctx context.Context) Selection {
	if s.overrides.ForceCPU || s.overrides.PreferCPU {
		return Choose(s.overrides, s.Capabilities())
	}

	s.mu.RLock()
	if s.cached != nil && s.now().Sub(s.probedAt) < s.ttl {
		sel := *s.cached
		s.mu.RUnlock()
		return sel
	}
	s.mu.RUnlock()

	return s.Refresh(ctx)
}

// Refresh re-runs every probe regardless of freshness.
func (s *Selector) Refresh(ctx context.Context) Selection {
	fresh := make(map[Device]Capability, len(s.probes)+1)
	for _, p := range s.probes {
		fresh[p.Device()] = runProbe(ctx, p)
	}
	s.applyReporter(ctx, fresh)
	fresh[CPU] = available(CPU, "always available")

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for d, c := range fresh {
		if c.CheckedAt.IsZero() {
			c.CheckedAt = now
		}
		prev, had := s.caps[d]
		if c.State == Unknown && had && prev.State != Unknown {
			s.logger.Warn("device probe inconclusive, keeping previous result",
				zap.String("device", string(d)),
				zap.String("detail", c.Detail),
				zap.String("previous", string(prev.State)))
			prev.Stale = true
			c = prev
		} else if c.State == Unknown {
			s.logger.Warn("device probe inconclusive",
				zap.String("device", string(d)),
				zap.String("detail", c.Detail))
		}
		s.caps[d] = c
	}

	sel := Choose(s.overrides, s.caps)
	sel.ProbedAt = now
	if s.cached == nil || s.cached.Device != sel.Device {
		s.logger.Info("compute device selected",
			zap.String("device", string(sel.Device)),
			zap.String("reason", sel.Reason))
	}
	s.cached = &sel
	s.probedAt = now
	return sel
}

// runProbe turns a panicking probe into an Unknown capability.
func runProbe(ctx context.Context, p Probe) (c Capability) {
	defer func() {
		if r := recover(); r != nil {
			c = unknown(p.Device(), fmt.Errorf("probe panicked: %v", r))
		}
	}()
	return p.Probe(ctx)
}

func (s *Selector) applyReporter(ctx context.Context, caps map[Device]Capability) {
	if s.reporter == nil {
		return
	}
	reported, err := s.reporter.DeviceCapabilities(ctx)
	if err != nil {
		for _, d := range All {
			if d != CPU {
				caps[d] = unknown(d, fmt.Errorf("worker capabilities: %w", err))
			}
		}
		return
	}
	for d, ok := range reported {
		if d == CPU {
			continue
		}
		if ok {
			caps[d] = available(d, "reported by worker")
		} else {
			caps[d] = unavailable(d, "not supported by worker")
		}
	}
}

// Peek returns the last selection without probing.
func (s *Selector) Peek() (Selection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return Selection{}, false
	}
	return *s.cached, true
}

// Capabilities returns a copy of the last probe results.
func (s *Selector) Capabilities() map[Device]Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Device]Capability, len(s.caps))
	for d, c := range s.caps {
		out[d] = c
	}
	return out
}

// Invalidate drops the cached selection so the next Select re-probes.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}
