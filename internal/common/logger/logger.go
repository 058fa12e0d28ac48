// Package logger wraps zap with the gateway's logging conventions.
package logger

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig selects level, encoding, and destination.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`      // debug, info, warn, error
	Format     string `mapstructure:"format"`     // json, console
	OutputPath string `mapstructure:"outputPath"` // stdout, stderr, or a file path
}

// Logger is a thin wrapper around zap.Logger. Components derive their own
// instance via WithFields so every line carries a component tag.
type Logger struct {
	zap *zap.Logger
}

var (
	globalMu sync.Mutex
	global   *Logger
)

// Default returns the process-wide logger. Before SetDefault runs it is an
// info-level console logger.
func Default() *Logger {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		l, err := NewLogger(LoggingConfig{Level: "info", Format: "console"})
		if err != nil {
			zl, _ := zap.NewProduction()
			l = &Logger{zap: zl}
		}
		global = l
	}
	return global
}

// SetDefault installs the configured logger as the process-wide default.
func SetDefault(l *Logger) {
	globalMu.Lock()
	global = l
	globalMu.Unlock()
}

// NewLogger builds a logger from config. An unknown level falls back to info
// rather than failing startup.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(cfg.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return &Logger{
		zap: zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)),
	}, nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "console", "text":
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	default:
		ec.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(ec)
	}
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(f), nil
	}
}

// Sync flushes buffered entries. Called on shutdown.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

// WithFields returns a child logger carrying the given fields.
func (l *Logger) WithFields(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...)}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Zap exposes the underlying zap.Logger for libraries that want one directly.
func (l *Logger) Zap() *zap.Logger {
	return l.zap
}
