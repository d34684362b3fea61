package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewTeeCore builds a core that writes JSON to file and either coloured text
// (development) or JSON (production) to console. Both sides share one level.
func NewTeeCore(level zapcore.LevelEnabler, console, file zapcore.WriteSyncer, development bool) zapcore.Core {
	consoleEncoder := zapcore.NewJSONEncoder(NewEncoderConfig())
	if development {
		consoleEncoder = zapcore.NewConsoleEncoder(NewConsoleEncoderConfig())
	}

	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, console, level)}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(NewEncoderConfig()), file, level))
	}
	return newRedactingCore(zapcore.NewTee(cores...))
}

// redactingCore scrubs secrets from messages and fields before they reach the
// wrapped core, so every *zap.Logger derived from it is safe to hand out.
type redactingCore struct {
	zapcore.Core
}

func newRedactingCore(inner zapcore.Core) zapcore.Core {
	return &redactingCore{Core: inner}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = RedactString(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	if len(fields) == 0 {
		return fields
	}
	out := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		out[i] = redactField(f)
	}
	return out
}

func redactField(f zapcore.Field) zapcore.Field {
	if IsSensitiveKey(f.Key) {
		switch f.Type {
		case zapcore.StringType, zapcore.ReflectType, zapcore.StringerType,
			zapcore.ByteStringType, zapcore.ArrayMarshalerType:
			return zap.String(f.Key, RedactedPlaceholder)
		}
	}
	switch f.Type {
	case zapcore.StringType:
		f.String = RedactString(f.String)
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok && err != nil && ContainsSecret(err.Error()) {
			return zap.String(f.Key, RedactString(err.Error()))
		}
	}
	return f
}
