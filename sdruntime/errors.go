package sdruntime

import "errors"

// Sentinel errors for pipeline operations.
var (
	// Loading
	ErrModelNotFound   = errors.New("sdruntime: model not found")
	ErrModelLoadFailed = errors.New("sdruntime: failed to load model")
	ErrPlacementFailed = errors.New("sdruntime: failed to move pipeline to device")

	// Generation
	ErrGenerationFailed = errors.New("sdruntime: image generation failed")
	ErrOutOfMemory      = errors.New("sdruntime: out of memory")
	ErrBackendFault     = errors.New("sdruntime: accelerator backend fault")

	// Input validation
	ErrInvalidPrompt = errors.New("sdruntime: invalid prompt")
	ErrInvalidParams = errors.New("sdruntime: invalid generation parameters")

	// Lifecycle
	ErrCacheClosed       = errors.New("sdruntime: pipeline cache is closed")
	ErrPipelineClosed    = errors.New("sdruntime: pipeline is closed")
	ErrWorkerUnavailable = errors.New("sdruntime: worker unavailable")
)
