package logging

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GenerationSummary is the structured record logged once per finished
// generation, whether it succeeded or not.
type GenerationSummary struct {
	Model     string
	Device    string
	Scheduler string
	Steps     int
	Width     int
	Height    int
	Guidance  float64
	Attempts  int
	Fallback  string // "", "resize", "cpu" or "resize+cpu"
	Duration  time.Duration
	Filename  string
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (g GenerationSummary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("model", g.Model)
	enc.AddString("device", g.Device)
	if g.Scheduler != "" {
		enc.AddString("scheduler", g.Scheduler)
	}
	enc.AddInt("steps", g.Steps)
	enc.AddInt("width", g.Width)
	enc.AddInt("height", g.Height)
	enc.AddFloat64("guidance_scale", g.Guidance)
	enc.AddInt("attempts", g.Attempts)
	if g.Fallback != "" {
		enc.AddString("fallback", g.Fallback)
	}
	enc.AddDuration("duration", g.Duration)
	if g.Filename != "" {
		enc.AddString("file", g.Filename)
	}
	return nil
}

// GenerationField wraps a summary as a single "generation" field.
//
//	logger.Info("image generated", logging.GenerationField(summary))
func GenerationField(g GenerationSummary) zap.Field {
	return zap.Object("generation", g)
}

// DeviceField is the canonical key for the compute device.
func DeviceField(device string) zap.Field {
	return zap.String("device", device)
}

// ModelField is the canonical key for a resolved model id.
func ModelField(model string) zap.Field {
	return zap.String("model", model)
}
