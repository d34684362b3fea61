package sdruntime

import "imagegen_backend/device"

// Optimization is a memory/speed tweak applied to a loaded pipeline.
type Optimization string

const (
	AttentionSlicing    Optimization = "attention_slicing"
	AttentionSlicingMax Optimization = "attention_slicing_1" // slice size 1, lowest memory
	VAESlicing          Optimization = "vae_slicing"
	XFormers            Optimization = "xformers"
	ModelCPUOffload     Optimization = "model_cpu_offload"
)

// OptimizationsFor returns the tweaks applied after placing a pipeline on d,
// in order. All are best-effort: a failure is logged and the next one tried.
func OptimizationsFor(d device.Device) []Optimization {
	switch d {
	case device.DML:
		return []Optimization{AttentionSlicingMax, VAESlicing}
	case device.CUDA:
		return []Optimization{AttentionSlicing, VAESlicing, XFormers}
	case device.CPU:
		return []Optimization{AttentionSlicing, VAESlicing, ModelCPUOffload}
	default:
		return []Optimization{AttentionSlicing, VAESlicing}
	}
}
