//go:build !(linux && cgo)

package device

import "imagegen_backend/metrics"

// NewCUDAProbe returns a probe that detects CUDA through nvidia-smi.
func NewCUDAProbe(gpu metrics.GPUReader) Probe {
	return &smiProbe{reader: gpu}
}
