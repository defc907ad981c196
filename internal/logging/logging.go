package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string
	// Format is "console" or "json".
	Format string
	// File, when set, receives log output instead of stderr and is rotated.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type Logger struct {
	level zap.AtomicLevel
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

func New(level string) *Logger {
	return NewWithOptions(Options{Level: level, Format: "console"})
}

func NewWithOptions(opts Options) *Logger {
	lvl := zap.NewAtomicLevelAt(parseLevel(opts.Level))

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if strings.TrimSpace(opts.File) != "" {
		maxSize := opts.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 3
		}
		out = zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		})
	}

	core := zapcore.NewCore(newEncoder(opts.Format), out, lvl)
	return wrap(zap.New(core), lvl)
}

// NewObserved returns a logger whose entries are captured in memory.
func NewObserved(level string) (*Logger, *observer.ObservedLogs) {
	lvl := zap.NewAtomicLevelAt(parseLevel(level))
	core, logs := observer.New(lvl)
	return wrap(zap.New(core), lvl), logs
}

func Nop() *Logger {
	return wrap(zap.NewNop(), zap.NewAtomicLevelAt(zapcore.FatalLevel))
}

func wrap(z *zap.Logger, lvl zap.AtomicLevel) *Logger {
	return &Logger{level: lvl, base: z, sugar: z.Sugar()}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(format, "json") {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }

func (l *Logger) Infof(format string, args ...any) { l.sugar.Infof(format, args...) }

func (l *Logger) Warnf(format string, args ...any) { l.sugar.Warnf(format, args...) }

func (l *Logger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(kv ...any) *Logger {
	s := l.sugar.With(kv...)
	return &Logger{level: l.level, base: s.Desugar(), sugar: s}
}

func (l *Logger) Named(name string) *Logger {
	return wrap(l.base.Named(name), l.level)
}

func (l *Logger) Zap() *zap.Logger {
	return l.base
}

func (l *Logger) Enabled(level string) bool {
	return l.level.Enabled(parseLevel(level))
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}
