package imagegen

import (
	"fmt"
	"strconv"
	"time"

	"imagegen_backend/device"
	"imagegen_backend/sdruntime"
)

const (
	// MinDimension is the smallest side after normalization.
	MinDimension = 256
	// MaxStepsDML caps inference steps on DirectML.
	MaxStepsDML = 25
)

// Params are the normalized, device-specific generation parameters.
type Params struct {
	Prompt         string
	NegativePrompt string
	RequestedModel string
	Model          string // canonical id
	Device         device.Device
	Steps          int
	Guidance       float64
	// as sent by the client, before the step sentinel and turbo rules
	RequestedSteps    int
	RequestedGuidance float64
	Width             int
	Height            int
	Scheduler         sdruntime.Scheduler // as requested, auto included
	Seed              int64
	Turbo             bool
	Resized           bool
	StepsCapped       bool
	EstimatedSecs     float64
}

// MaxDimension is the largest side generated on d.
func MaxDimension(d device.Device) int {
	switch d {
	case device.DML:
		return 512
	case device.CUDA:
		return 768
	default:
		return 640
	}
}

// FitDimensions scales an oversized width/height pair so its longer side is
// maxDim, then floors both sides to a multiple of 8 and raises them to at
// least MinDimension.
func FitDimensions(width, height, maxDim int) (int, int) {
	w, h := width, height
	if w > maxDim || h > maxDim {
		if w > h {
			h = int(float64(height) / float64(width) * float64(maxDim))
			w = maxDim
		} else {
			w = int(float64(width) / float64(height) * float64(maxDim))
			h = maxDim
		}
	}
	w = max((w/8)*8, MinDimension)
	h = max((h/8)*8, MinDimension)
	return w, h
}

// Normalize resolves the model and adapts a validated request to d.
func Normalize(req Request, d device.Device, catalog *Catalog) (Params, error) {
	sched, err := sdruntime.ParseScheduler(req.Scheduler)
	if err != nil {
		return Params{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	model := catalog.Resolve(req.Model)
	spec := catalog.Spec(model)

	p := Params{
		Prompt:            sdruntime.SanitizePrompt(req.Prompt),
		NegativePrompt:    req.NegativePrompt,
		RequestedModel:    req.Model,
		Model:             model,
		Device:            d,
		Steps:             req.Steps,
		Guidance:          req.GuidanceScale,
		RequestedSteps:    req.Steps,
		RequestedGuidance: req.GuidanceScale,
		Scheduler:         sched,
		Seed:              req.Seed,
		Turbo:             spec.IsTurbo(),
	}

	if p.Steps == DefaultSteps {
		p.Steps = spec.StepsFor(d)
	}
	if d == device.DML && p.Steps > MaxStepsDML {
		p.Steps = MaxStepsDML
		p.StepsCapped = true
	}
	if p.Turbo {
		p.Guidance = 0
	}

	p.Width, p.Height = FitDimensions(req.Width, req.Height, MaxDimension(d))
	p.Resized = p.Width != req.Width || p.Height != req.Height
	p.EstimatedSecs = EstimateSeconds(p.Steps, d)
	return p, nil
}

// SecondsPerStep is the rough per-step cost on d.
func SecondsPerStep(d device.Device) float64 {
	switch d {
	case device.DML:
		return 3
	case device.CPU:
		return 2
	default:
		return 0.5
	}
}

// EstimateSeconds is the expected generation time for steps on d.
func EstimateSeconds(steps int, d device.Device) float64 {
	return float64(steps) * SecondsPerStep(d)
}

// FormatEstimate renders "{estimate}s vs {actual}s" for response metadata.
func FormatEstimate(estimated float64, d device.Device, actual time.Duration) string {
	est := strconv.FormatFloat(estimated, 'f', 1, 64)
	if d == device.DML || d == device.CPU {
		est = strconv.Itoa(int(estimated))
	}
	return fmt.Sprintf("%ss vs %.1fs", est, actual.Seconds())
}
