//go:build linux && cgo

package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"imagegen_backend/metrics"
)

// NewCUDAProbe returns an NVML-backed probe. When the NVML library itself is
// missing it defers to nvidia-smi through gpu.
func NewCUDAProbe(gpu metrics.GPUReader) Probe {
	return &nvmlProbe{fallback: &smiProbe{reader: gpu}}
}

type nvmlProbe struct {
	mu       sync.Mutex
	fallback Probe
}

func (p *nvmlProbe) Device() Device { return CUDA }

func (p *nvmlProbe) Probe(ctx context.Context) Capability {
	// NVML init/shutdown is process-global
	p.mu.Lock()
	defer p.mu.Unlock()

	ret := nvml.Init()
	switch ret {
	case nvml.SUCCESS:
	case nvml.ERROR_LIBRARY_NOT_FOUND:
		return p.fallback.Probe(ctx)
	case nvml.ERROR_DRIVER_NOT_LOADED, nvml.ERROR_NO_PERMISSION:
		return unavailable(CUDA, nvml.ErrorString(ret))
	default:
		return unknown(CUDA, fmt.Errorf("nvml init: %s", nvml.ErrorString(ret)))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return unknown(CUDA, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret)))
	}
	if count == 0 {
		return unavailable(CUDA, "no NVIDIA devices")
	}

	dev, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return available(CUDA, fmt.Sprintf("%d device(s)", count))
	}
	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		name = "NVIDIA GPU"
	}
	return available(CUDA, fmt.Sprintf("%s (%d device(s))", name, count))
}
