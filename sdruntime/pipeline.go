package sdruntime

import (
	"context"
	"fmt"

	"imagegen_backend/device"
)

// DType is the tensor precision a pipeline is loaded with.
type DType string

const (
	Float16 DType = "float16"
	Float32 DType = "float32"
)

// DTypeFor returns the load precision for a device: half precision on CUDA,
// full precision everywhere else (DirectML and CPU kernels are unreliable in fp16).
func DTypeFor(d device.Device) DType {
	if d == device.CUDA {
		return Float16
	}
	return Float32
}

// LoadOptions are passed to a Loader when constructing a pipeline.
type LoadOptions struct {
	DType DType
	// HFToken authenticates gated Hugging Face repositories.
	HFToken string
	// DisableSafetyChecker drops the NSFW classifier for throughput.
	DisableSafetyChecker bool
}

// Invocation is a single text-to-image call.
type Invocation struct {
	Prompt         string
	NegativePrompt string
	Steps          int
	GuidanceScale  float64
	Width          int
	Height         int
	Seed           int64 // -1 picks a random seed
}

// Validate checks invariants every backend relies on.
func (inv Invocation) Validate() error {
	if err := ValidatePrompt(inv.Prompt); err != nil {
		return err
	}
	switch {
	case inv.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidParams, inv.Steps)
	case inv.GuidanceScale < 0:
		return fmt.Errorf("%w: guidance scale must not be negative, got %g", ErrInvalidParams, inv.GuidanceScale)
	case inv.Width <= 0 || inv.Height <= 0:
		return fmt.Errorf("%w: size must be positive, got %dx%d", ErrInvalidParams, inv.Width, inv.Height)
	case inv.Width%8 != 0 || inv.Height%8 != 0:
		return fmt.Errorf("%w: size must be a multiple of 8, got %dx%d", ErrInvalidParams, inv.Width, inv.Height)
	}
	return nil
}

// Pipeline is a loaded diffusion pipeline bound to one device at a time.
// Implementations need not be safe for concurrent use; Entry serialises access.
type Pipeline interface {
	// MoveTo places the pipeline's weights on d.
	MoveTo(ctx context.Context, d device.Device) error
	// Enable applies a memory optimization.
	Enable(ctx context.Context, opt Optimization) error
	// SetScheduler swaps the noise scheduler, keeping the model's scheduler config.
	SetScheduler(ctx context.Context, s Scheduler) error
	// Generate runs the pipeline and returns PNG bytes.
	Generate(ctx context.Context, inv Invocation) ([]byte, error)
	// ReleaseMemory frees cached allocator blocks on the current device.
	ReleaseMemory(ctx context.Context) error
	// Close releases the pipeline's resources.
	Close() error
}

// Loader constructs pipelines.
type Loader interface {
	Load(ctx context.Context, modelID string, opts LoadOptions) (Pipeline, error)
}
