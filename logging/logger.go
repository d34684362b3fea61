// Package logging builds the service's zap logger: console plus a rotating
// JSON file, with secrets scrubbed from every entry.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is the minimum enabled level. Development forces debug.
	Level zapcore.Level

	// Development switches the console to coloured text and enables
	// development-mode panics on DPanic.
	Development bool

	// FilePath is the JSON log file. Empty disables file output.
	FilePath string

	Rotation RotationConfig

	// Console overrides stdout, mainly for tests.
	Console zapcore.WriteSyncer
}

// Logger owns the root zap logger and its adjustable level.
//
// Components receive named children:
//
//	log, _ := logging.New(logging.Options{Level: zapcore.InfoLevel, FilePath: "imagegen.log"})
//	defer log.Sync()
//	exec := imagegen.NewExecutor(..., log.Named("executor"))
type Logger struct {
	zap      *zap.Logger
	level    zap.AtomicLevel
	filePath string
}

// New creates the root logger. The log file's directory is created if needed.
func New(opts Options) (*Logger, error) {
	level := zap.NewAtomicLevelAt(opts.Level)
	if opts.Development {
		level.SetLevel(zapcore.DebugLevel)
	}

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}

	var file zapcore.WriteSyncer
	if opts.FilePath != "" {
		if dir := filepath.Dir(opts.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		rotation := opts.Rotation
		if rotation == (RotationConfig{}) {
			rotation = DefaultRotationConfig()
		}
		file = NewFileWriter(opts.FilePath, rotation)
	}

	zopts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)}
	if opts.Development {
		zopts = append(zopts, zap.Development())
	}

	return &Logger{
		zap:      zap.New(NewTeeCore(level, console, file, opts.Development), zopts...),
		level:    level,
		filePath: opts.FilePath,
	}, nil
}

// Zap returns the root *zap.Logger.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}

// Named returns a child logger tagged with a component name.
func (l *Logger) Named(component string) *zap.Logger {
	return l.zap.Named(component)
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.level.SetLevel(level)
}

// Level returns the current minimum level.
func (l *Logger) Level() zapcore.Level {
	return l.level.Level()
}

// FilePath returns the log file path, or "" when file output is off.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func (l *Logger) Sync() error {
	err := l.zap.Sync()
	if err != nil && isTerminalSyncError(err) {
		return nil
	}
	return err
}

func isTerminalSyncError(err error) bool {
	// stdout on a TTY or pipe returns EINVAL/ENOTTY from fsync
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && (pathErr.Path == "/dev/stdout" || pathErr.Path == "/dev/stderr")
}
