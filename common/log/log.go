// Package log wraps zap behind the small Logger interface the rest of the
// coordinator depends on.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// log is the implementation of Logger.
type log struct {
	*zap.SugaredLogger
}

// Logger is an interface that can log to different levels.
type Logger interface {
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
}

func (l *log) With(args ...interface{}) Logger {
	return &log{l.SugaredLogger.With(args...)}
}

func (l *log) Named(s string) Logger {
	return &log{l.SugaredLogger.Named(s)}
}

const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
)

// DefaultLevel is the level of the default logger.
var DefaultLevel = InfoLevel

var defaultLoggerOnce sync.Once

// DefaultLogger returns the process-wide logger, writing JSON to stdout at
// DefaultLevel.
func DefaultLogger() Logger {
	defaultLoggerOnce.Do(func() {
		zap.ReplaceGlobals(newZapLogger(nil, jsonEncoder(), DefaultLevel))
	})
	return &log{zap.S()}
}

// New returns a logger that prints statements at the given level.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	encoder := consoleEncoder()
	if isJSON {
		encoder = jsonEncoder()
	}
	return &log{newZapLogger(output, encoder, level).Sugar()}
}

func newZapLogger(output zapcore.WriteSyncer, encoder zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}
	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func jsonEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}
