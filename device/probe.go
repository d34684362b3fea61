package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"imagegen_backend/metrics"
)

// Probe checks whether one backend can run pipelines on this host.
// Probes must not panic; failures to decide are reported as Unknown.
type Probe interface {
	Device() Device
	Probe(ctx context.Context) Capability
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc struct {
	Dev Device
	Fn  func(ctx context.Context) Capability
}

func (p ProbeFunc) Device() Device                       { return p.Dev }
func (p ProbeFunc) Probe(ctx context.Context) Capability { return p.Fn(ctx) }

// StaticProbe always reports the same state. Used for tests and for
// operators pinning a backend.
func StaticProbe(d Device, s State, detail string) Probe {
	return ProbeFunc{Dev: d, Fn: func(context.Context) Capability {
		return Capability{Device: d, State: s, Detail: detail}
	}}
}

// DefaultProbes returns the host probes in priority order.
func DefaultProbes(gpu metrics.GPUReader) []Probe {
	return []Probe{
		NewDMLProbe(),
		NewCUDAProbe(gpu),
		NewMPSProbe(),
	}
}

// dmlProbe looks for the DirectML runtime library. It is only meaningful on Windows.
type dmlProbe struct {
	goos    string
	dllPath string
	stat    func(string) (os.FileInfo, error)
}

// NewDMLProbe returns a probe for DirectML.
func NewDMLProbe() Probe {
	root := os.Getenv("SystemRoot")
	if root == "" {
		root = `C:\Windows`
	}
	return &dmlProbe{
		goos:    runtime.GOOS,
		dllPath: filepath.Join(root, "System32", "DirectML.dll"),
		stat:    os.Stat,
	}
}

func (p *dmlProbe) Device() Device { return DML }

func (p *dmlProbe) Probe(context.Context) Capability {
	if p.goos != "windows" {
		return unavailable(DML, "DirectML requires Windows")
	}
	_, err := p.stat(p.dllPath)
	switch {
	case err == nil:
		return available(DML, p.dllPath)
	case errors.Is(err, os.ErrNotExist):
		return unavailable(DML, "DirectML.dll not installed")
	default:
		return unknown(DML, fmt.Errorf("stat %s: %w", p.dllPath, err))
	}
}

// mpsProbe reports Apple Metal availability from the build target.
type mpsProbe struct {
	goos, goarch string
}

// NewMPSProbe returns a probe for Apple's Metal Performance Shaders.
func NewMPSProbe() Probe {
	return &mpsProbe{goos: runtime.GOOS, goarch: runtime.GOARCH}
}

func (p *mpsProbe) Device() Device { return MPS }

func (p *mpsProbe) Probe(context.Context) Capability {
	if p.goos == "darwin" && p.goarch == "arm64" {
		return available(MPS, "Apple silicon")
	}
	return unavailable(MPS, fmt.Sprintf("not Apple silicon (%s/%s)", p.goos, p.goarch))
}

// smiProbe detects CUDA through nvidia-smi.
type smiProbe struct {
	reader metrics.GPUReader
}

func (p *smiProbe) Device() Device { return CUDA }

func (p *smiProbe) Probe(ctx context.Context) Capability {
	if p.reader == nil {
		return unavailable(CUDA, "no GPU reader configured")
	}
	m, err := p.reader.ReadGPUMetrics(ctx)
	switch {
	case err == nil:
		detail := "nvidia-smi"
		if m.Name != "" {
			detail = m.Name
		}
		return available(CUDA, detail)
	case errors.Is(err, metrics.ErrNvidiaSMIMissing):
		return unavailable(CUDA, "nvidia-smi not found")
	default:
		return unknown(CUDA, err)
	}
}

// CapabilityReporter is implemented by pipeline backends that run out of
// process and know their own device support.
type CapabilityReporter interface {
	DeviceCapabilities(ctx context.Context) (map[Device]bool, error)
}
