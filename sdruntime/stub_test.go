package sdruntime

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagegen_backend/device"
)

func TestStubLoader_CountsLoads(t *testing.T) {
	l := NewStubLoader(StubOptions{})
	_, err := l.Load(context.Background(), "m", LoadOptions{})
	require.NoError(t, err)
	_, err = l.Load(context.Background(), "", LoadOptions{})
	assert.ErrorIs(t, err, ErrModelNotFound)
	assert.Equal(t, 1, l.Loads("m"))
}

func TestStubPipeline_DeterministicOutput(t *testing.T) {
	p, err := NewStubLoader(StubOptions{}).Load(context.Background(), "m", LoadOptions{})
	require.NoError(t, err)

	inv := validInvocation()
	a, err := p.Generate(context.Background(), inv)
	require.NoError(t, err)
	b, err := p.Generate(context.Background(), inv)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a, b))

	inv.Seed++
	c, err := p.Generate(context.Background(), inv)
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, c))
}

func TestStubPipeline_SimulatesFailures(t *testing.T) {
	p, err := NewStubLoader(StubOptions{
		MaxPixels:     map[device.Device]int{device.CUDA: 512 * 512},
		FaultyDevices: map[device.Device]bool{device.DML: true},
	}).Load(context.Background(), "m", LoadOptions{})
	require.NoError(t, err)
	ctx := context.Background()

	big := validInvocation()
	big.Width, big.Height = 768, 768

	require.NoError(t, p.MoveTo(ctx, device.CUDA))
	_, err = p.Generate(ctx, big)
	assert.ErrorIs(t, err, ErrOutOfMemory)

	small := validInvocation()
	small.Width, small.Height = 512, 512
	_, err = p.Generate(ctx, small)
	assert.NoError(t, err)

	require.NoError(t, p.MoveTo(ctx, device.DML))
	_, err = p.Generate(ctx, small)
	assert.ErrorIs(t, err, ErrBackendFault)

	assert.Error(t, p.Enable(ctx, XFormers))
	assert.NoError(t, p.Enable(ctx, VAESlicing))
}

func TestStubPipeline_HonoursCancellation(t *testing.T) {
	p, err := NewStubLoader(StubOptions{StepDelay: 50 * time.Millisecond}).Load(context.Background(), "m", LoadOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	inv := validInvocation()
	inv.Steps = 20
	_, err = p.Generate(ctx, inv)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWrapText(t *testing.T) {
	lines := wrapText("the quick brown fox jumps over the lazy dog", 10)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 10)
	}
	assert.Equal(t, "the quick", lines[0])
}
