package sdruntime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen_backend/device"
)

func TestCache_ConcurrentCallersShareOneLoad(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	cache := NewCache(loader, CacheOptions{}, nil)

	const callers = 8
	var wg sync.WaitGroup
	entries := make([]*Entry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = cache.GetOrLoad(context.Background(), "runwayml/stable-diffusion-v1-5", device.CPU)
		}(i)
	}

	// let the callers pile up on the in-flight load
	time.Sleep(50 * time.Millisecond)
	close(loader.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, entries[0], entries[i])
	}
	assert.Equal(t, int32(1), loader.calls.Load())
	assert.Equal(t, 1, cache.Len())
}

func TestCache_FailedLoadIsNotCached(t *testing.T) {
	loader := &fakeLoader{err: errors.New("connection reset")}
	cache := NewCache(loader, CacheOptions{}, nil)

	_, err := cache.GetOrLoad(context.Background(), "m", device.CPU)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelLoadFailed)
	assert.Equal(t, 0, cache.Len())

	loader.err = nil
	e, err := cache.GetOrLoad(context.Background(), "m", device.CPU)
	require.NoError(t, err)
	assert.Equal(t, "m", e.ModelID())
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestCache_ModelNotFoundIsNotWrapped(t *testing.T) {
	loader := &fakeLoader{err: ErrModelNotFound}
	cache := NewCache(loader, CacheOptions{}, nil)

	_, err := cache.GetOrLoad(context.Background(), "nope/nope", device.CPU)
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.NotErrorIs(t, err, ErrModelLoadFailed)
}

func TestCache_DTypeFollowsDevice(t *testing.T) {
	tests := []struct {
		dev  device.Device
		want DType
	}{
		{device.CUDA, Float16},
		{device.DML, Float32},
		{device.MPS, Float32},
		{device.CPU, Float32},
	}
	for _, tt := range tests {
		t.Run(string(tt.dev), func(t *testing.T) {
			loader := &fakeLoader{}
			cache := NewCache(loader, CacheOptions{HFToken: "hf_x"}, nil)
			e, err := cache.GetOrLoad(context.Background(), "m", tt.dev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Info().DType)
			assert.Equal(t, tt.want, loader.opts.DType)
			assert.Equal(t, "hf_x", loader.opts.HFToken)
			assert.True(t, loader.opts.DisableSafetyChecker)
		})
	}
}

func TestCache_DMLPlacementFailureFallsBackToCPU(t *testing.T) {
	loader := &fakeLoader{newPipeline: func() *fakePipeline {
		return &fakePipeline{failMoveTo: map[device.Device]bool{device.DML: true}}
	}}
	cache := NewCache(loader, CacheOptions{}, nil)

	e, err := cache.GetOrLoad(context.Background(), "m", device.DML)
	require.NoError(t, err)

	assert.Equal(t, Placement{Home: device.CPU, Current: device.CPU}, e.Placement())
	p := loader.lastPipeline()
	assert.Equal(t, []device.Device{device.DML, device.CPU}, p.moves)
	// CPU optimizations, since that is where it ended up
	assert.Equal(t, []Optimization{AttentionSlicing, VAESlicing, ModelCPUOffload}, p.enabled)
}

func TestCache_CUDAPlacementFailureIsFatal(t *testing.T) {
	loader := &fakeLoader{newPipeline: func() *fakePipeline {
		return &fakePipeline{failMoveTo: map[device.Device]bool{device.CUDA: true}}
	}}
	cache := NewCache(loader, CacheOptions{}, nil)

	_, err := cache.GetOrLoad(context.Background(), "m", device.CUDA)
	require.ErrorIs(t, err, ErrModelLoadFailed)
	assert.True(t, loader.lastPipeline().closed)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_OptimizationsAreBestEffort(t *testing.T) {
	loader := &fakeLoader{newPipeline: func() *fakePipeline {
		return &fakePipeline{failEnable: map[Optimization]bool{XFormers: true}}
	}}
	cache := NewCache(loader, CacheOptions{}, nil)

	e, err := cache.GetOrLoad(context.Background(), "m", device.CUDA)
	require.NoError(t, err)
	assert.Equal(t, []Optimization{AttentionSlicing, VAESlicing}, e.Info().Optimizations)
}

func TestCache_AttachesResolvedScheduler(t *testing.T) {
	loader := &fakeLoader{}
	cache := NewCache(loader, CacheOptions{
		SchedulerFor: func(string) Scheduler { return SchedulerDPMPP },
	}, nil)

	e, err := cache.GetOrLoad(context.Background(), "lykon/dreamshaper-8", device.CPU)
	require.NoError(t, err)
	assert.Equal(t, SchedulerEulerA, e.Info().Scheduler)
	assert.Equal(t, []Scheduler{SchedulerEulerA}, loader.lastPipeline().schedulers)
}

func TestCache_OnLoadObservesAttempts(t *testing.T) {
	var got []error
	loader := &fakeLoader{err: errors.New("boom")}
	cache := NewCache(loader, CacheOptions{
		OnLoad: func(_ string, _ device.Device, _ time.Duration, err error) { got = append(got, err) },
	}, nil)

	_, _ = cache.GetOrLoad(context.Background(), "m", device.CPU)
	loader.err = nil
	_, _ = cache.GetOrLoad(context.Background(), "m", device.CPU)

	require.Len(t, got, 2)
	assert.Error(t, got[0])
	assert.NoError(t, got[1])
}

func TestCache_CallerCancellationDoesNotAbortSharedLoad(t *testing.T) {
	loader := &fakeLoader{gate: make(chan struct{})}
	cache := NewCache(loader, CacheOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.GetOrLoad(ctx, "m", device.CPU)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(loader.gate)
	require.Eventually(t, func() bool { return cache.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseClosesPipelinesAndRejectsLoads(t *testing.T) {
	loader := &fakeLoader{}
	cache := NewCache(loader, CacheOptions{}, nil)
	_, err := cache.GetOrLoad(context.Background(), "m", device.CPU)
	require.NoError(t, err)

	require.NoError(t, cache.Close(context.Background()))
	assert.True(t, loader.lastPipeline().closed)

	_, err = cache.GetOrLoad(context.Background(), "m", device.CPU)
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestCache_EntriesSortedByModel(t *testing.T) {
	cache := NewCache(&fakeLoader{}, CacheOptions{}, nil)
	for _, id := range []string{"c", "a", "b"} {
		_, err := cache.GetOrLoad(context.Background(), id, device.CPU)
		require.NoError(t, err)
	}
	infos := cache.Entries()
	require.Len(t, infos, 3)
	assert.Equal(t, "a", infos[0].ModelID)
	assert.Equal(t, "c", infos[2].ModelID)
}
