// Package logging builds the zap loggers used across the server.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the level, encoding and destination of the root logger.
type Options struct {
	Level       string // debug, info, warn, error
	File        string // empty means stderr
	Development bool   // console encoding instead of JSON
	MaxSizeMB   int
	MaxBackups  int
	MaxAgeDays  int
}

// New builds the root logger. Log files are rotated by lumberjack.
func New(opts Options) (*zap.Logger, error) {
	log, _, err := NewWithLevel(opts)
	return log, err
}

// NewWithLevel is New that also returns the level handle, so the level can
// be changed while the logger is in use.
func NewWithLevel(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := SetLevel(level, opts.Level); err != nil {
		return nil, level, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Development {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var sink zapcore.WriteSyncer
	if opts.File == "" {
		sink = zapcore.Lock(os.Stderr)
	} else {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		})
	}

	core := zapcore.NewCore(enc, sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.DPanicLevel)), level, nil
}

// SetLevel parses name (debug, info, warn, error) into level. An empty
// name leaves level unchanged.
func SetLevel(level zap.AtomicLevel, name string) error {
	if name == "" {
		return nil
	}
	return level.UnmarshalText([]byte(strings.ToLower(name)))
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
