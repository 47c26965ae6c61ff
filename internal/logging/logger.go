// Package logging builds the daemon's zap logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/matheus3301/convsync/internal/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options select the sinks and level of the daemon logger.
type Options struct {
	Path     string // JSON log file; empty disables the file sink
	Level    string // debug, info, warn or error
	Console  bool   // also write human-readable lines to stderr
	Instance string
	Metrics  *metrics.Metrics
}

// New creates a zap logger that writes JSON to the log file and, when
// enabled, console lines to stderr. Instance name and PID are included as
// initial fields. Every entry written is counted by level.
func New(opts Options) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level))
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(os.Stderr), level))
	}

	core := countingCore{Core: zapcore.NewTee(cores...), metrics: opts.Metrics}
	return zap.New(core,
		zap.Fields(
			zap.String("instance", opts.Instance),
			zap.Int("pid", os.Getpid()),
		),
	), nil
}

// countingCore counts entries that at least one sink accepts.
type countingCore struct {
	zapcore.Core
	metrics *metrics.Metrics
}

func (c countingCore) With(fields []zapcore.Field) zapcore.Core {
	return countingCore{Core: c.Core.With(fields), metrics: c.metrics}
}

func (c countingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Core.Enabled(ent.Level) {
		c.metrics.LogEntry(ent.Level.String())
	}
	return c.Core.Check(ent, ce)
}
