package metrics

import (
	"sync"
	"time"
)

// GenerationStore keeps recent generations in a ring and running per-device
// aggregates. It backs the observed numbers in /benchmark and /health.
type GenerationStore struct {
	mu sync.RWMutex

	recent []GenerationRecord
	head   int
	size   int

	total     int64
	succeeded int64
	failed    int64
	fallbacks int64
	byDevice  map[string]*deviceAgg

	startTime time.Time
}

type deviceAgg struct {
	count      int64
	failures   int64
	totalTime  time.Duration
	totalSteps int64
	last       time.Time
}

// NewGenerationStore creates a store retaining the last capacity records.
func NewGenerationStore(capacity int, startTime time.Time) *GenerationStore {
	if capacity < 1 {
		capacity = 100
	}
	return &GenerationStore{
		recent:    make([]GenerationRecord, capacity),
		byDevice:  make(map[string]*deviceAgg),
		startTime: startTime,
	}
}

// Record adds a finished generation.
func (s *GenerationStore) Record(rec GenerationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.head] = rec
	s.head = (s.head + 1) % len(s.recent)
	if s.size < len(s.recent) {
		s.size++
	}

	s.total++
	if rec.Fallback != "" {
		s.fallbacks++
	}

	agg, ok := s.byDevice[rec.Device]
	if !ok {
		agg = &deviceAgg{}
		s.byDevice[rec.Device] = agg
	}
	if rec.Outcome != OutcomeSuccess {
		s.failed++
		agg.failures++
		return
	}
	s.succeeded++
	agg.count++
	agg.totalTime += rec.Duration
	agg.totalSteps += int64(rec.Steps)
	agg.last = rec.At
}

// Recent returns up to limit records, newest first.
func (s *GenerationStore) Recent(limit int) []GenerationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]GenerationRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.head - i + len(s.recent)) % len(s.recent)
		out = append(out, s.recent[idx])
	}
	return out
}

// Stats returns the aggregate view.
func (s *GenerationStore) Stats() GenerationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byDevice := make(map[string]DeviceStats, len(s.byDevice))
	for dev, agg := range s.byDevice {
		ds := DeviceStats{Count: agg.count, Failures: agg.failures}
		if agg.count > 0 {
			ds.AvgSeconds = agg.totalTime.Seconds() / float64(agg.count)
			ds.LastGeneratedAt = agg.last.UTC().Format(time.RFC3339)
		}
		if agg.totalSteps > 0 {
			ds.AvgSecondsStep = agg.totalTime.Seconds() / float64(agg.totalSteps)
		}
		byDevice[dev] = ds
	}

	return GenerationStats{
		Total:     s.total,
		Succeeded: s.succeeded,
		Failed:    s.failed,
		Fallbacks: s.fallbacks,
		ByDevice:  byDevice,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
	}
}
