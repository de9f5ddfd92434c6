// Package log provides structured logging for anisette using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// StubFunc receives every dispatched stub call.
type StubFunc func(pc uint64, category, name, detail string)

// Logger wraps zap.Logger with emulator-specific helpers.
type Logger struct {
	*zap.Logger
	onStub StubFunc
}

var (
	// L is the global logger instance. It is a no-op until Init runs.
	L    = NewNop()
	once sync.Once
)

// Init initializes the global logger.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// SetOnStub sets the callback invoked for every stub event.
func (l *Logger) SetOnStub(fn StubFunc) {
	l.onStub = fn
}

// Stub reports a dispatched stub call. The callback always fires; the
// structured record is written at debug level.
func (l *Logger) Stub(pc uint64, category, name, detail string) {
	if l.onStub != nil {
		l.onStub(pc, category, name, detail)
	}
	l.Debug("stub",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.String("pc", Hex(pc)),
	)
}

// Bind logs an import bound to its target.
func (l *Logger) Bind(lib, name string, addr uint64, source string) {
	l.Debug("bind",
		zap.String("lib", lib),
		zap.String("fn", name),
		zap.String("addr", Hex(addr)),
		zap.String("src", source),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger: l.Logger.With(zap.String("cat", category)),
		onStub: l.onStub,
	}
}

// Hex formats a uint64 as a hex string for logging.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a named pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Len creates a byte length field for a blob without logging its content.
func Len(name string, b []byte) zap.Field {
	return zap.Int(name+"_len", len(b))
}
