// Package logging wraps zap for the messaging runtime. Call sites log
// through a context that carries the correlation id, channel, and
// environment; the wrapper turns those into structured fields so every
// line about a message names the channel it traveled on.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pearl-OS/messaging/internal/v1/config"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	ChannelKey       contextKey = "channel"
	EnvironmentKey   contextKey = "environment"
)

// contextFields lists the keys pulled off the context, in emit order.
var contextFields = []contextKey{CorrelationIDKey, ChannelKey, EnvironmentKey}

// Initialize derives the logger from the runtime environment:
// development and test get the colored console encoder, staging and
// production the JSON encoder with ISO-8601 timestamps.
func Initialize(env config.Environment) error {
	var err error
	once.Do(func() {
		var cfg zap.Config
		switch env {
		case config.Development, config.Test:
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		default:
			cfg = zap.NewProductionConfig()
			cfg.EncoderConfig.TimeKey = "timestamp"
			cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		cfg.OutputPaths = []string{"stdout"}
		cfg.ErrorOutputPaths = []string{"stderr"}
		cfg.InitialFields = map[string]any{
			"service":     "messaging-runtime",
			"environment": string(env),
		}

		logger, err = cfg.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback specific for tests or before init
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

// ContextWithCorrelationID tags the context so subsequent log calls
// carry the correlation id.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, id)
}

// ContextWithChannel tags the context with the pub/sub channel being
// worked on.
func ContextWithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// ContextWithEnvironment tags the context with the Redis environment.
func ContextWithEnvironment(ctx context.Context, env config.Environment) context.Context {
	return context.WithValue(ctx, EnvironmentKey, string(env))
}

// Debug logs a message at DebugLevel
func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}
	for _, key := range contextFields {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}
