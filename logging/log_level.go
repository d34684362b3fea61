package logging

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// ParseLevel parses a case-insensitive level name (debug, info, warn/warning,
// error, fatal). Unknown or empty input yields defaultLevel.
func ParseLevel(name string, defaultLevel zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return defaultLevel
	}
}
