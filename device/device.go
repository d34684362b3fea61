// Package device decides which compute backend runs diffusion pipelines.
//
// Each backend has a Probe that answers with a tri-state Capability. The
// Selector applies the CPU overrides, then takes the first available backend
// in the fixed order dml, cuda, mps, and otherwise falls back to cpu. Probe
// results are cached for a TTL; a probe that cannot decide (unknown) keeps the
// previous definite answer.
package device

import (
	"fmt"
	"strings"
	"time"
)

// Device is a compute backend.
type Device string

const (
	CPU  Device = "cpu"
	CUDA Device = "cuda"
	DML  Device = "dml"
	MPS  Device = "mps"
)

// All lists devices in probe priority order, cpu last.
var All = []Device{DML, CUDA, MPS, CPU}

// Parse converts a name to a Device. "directml" and "gpu" are accepted aliases.
func Parse(name string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "cpu":
		return CPU, nil
	case "cuda", "gpu":
		return CUDA, nil
	case "dml", "directml":
		return DML, nil
	case "mps":
		return MPS, nil
	default:
		return "", fmt.Errorf("device: unknown device %q", name)
	}
}

func (d Device) String() string { return string(d) }

// IsAccelerator reports whether d is anything other than cpu.
func (d Device) IsAccelerator() bool { return d != CPU }

// State is the outcome of a capability probe.
type State string

const (
	Available   State = "available"
	Unavailable State = "unavailable"
	Unknown     State = "unknown"
)

// Capability is one probe answer.
type Capability struct {
	Device    Device    `json:"device"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

func available(d Device, detail string) Capability {
	return Capability{Device: d, State: Available, Detail: detail, CheckedAt: time.Now()}
}

func unavailable(d Device, detail string) Capability {
	return Capability{Device: d, State: Unavailable, Detail: detail, CheckedAt: time.Now()}
}

func unknown(d Device, err error) Capability {
	return Capability{Device: d, State: Unknown, Detail: err.Error(), CheckedAt: time.Now()}
}
