package logging

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey int

const loggerKey ctxKey = iota

var (
	defaultLogger     *zap.Logger
	defaultLoggerOnce sync.Once
)

// Options controls how NewLogger builds the logger.
type Options struct {
	Env   string // "dev"/"development" selects the console encoder
	Level string // debug | info | warn | error
}

// OptionsFromEnv reads ENV and LOG_LEVEL.
func OptionsFromEnv() Options {
	return Options{
		Env:   os.Getenv("ENV"),
		Level: os.Getenv("LOG_LEVEL"),
	}
}

// NewLogger builds a zap logger: JSON in production, colored console in dev.
func NewLogger(opts Options) (*zap.Logger, error) {
	var config zap.Config

	if opts.Env == "dev" || opts.Env == "development" {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.DisableCaller = false
	}

	if opts.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(opts.Level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(level)
		}
	}

	return config.Build()
}

// DefaultLogger is the process-wide logger, built from the environment on
// first use. It falls back to a no-op logger if the build fails.
func DefaultLogger() *zap.Logger {
	defaultLoggerOnce.Do(func() {
		logger, err := NewLogger(OptionsFromEnv())
		if err != nil {
			_, _ = os.Stderr.WriteString("failed to create logger: " + err.Error() + "\n")
			logger = zap.NewNop()
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// WithLogger attaches a logger to ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, or DefaultLogger.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return DefaultLogger()
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return DefaultLogger()
}

// L is shorthand for FromContext.
func L(ctx context.Context) *zap.Logger {
	return FromContext(ctx)
}

// WithFields adds structured fields to the logger in ctx.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return WithLogger(ctx, FromContext(ctx).With(fields...))
}
