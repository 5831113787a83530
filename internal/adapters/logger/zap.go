// Package logger adapts go.uber.org/zap to ports.LoggerPort, grounded
// on the teacher's ZapLogger in the same package path.
package logger

import (
	"context"

	"github.com/athebyme/storesync/internal/ports"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements ports.LoggerPort over a zap.SugaredLogger.
type ZapLogger struct {
	logger *zap.SugaredLogger
	atom   zap.AtomicLevel
}

// New builds a ZapLogger. isProduction selects the JSON production
// encoder over the colorized development one.
func New(levelStr string, isProduction bool) (*ZapLogger, error) {
	var cfg zap.Config
	if isProduction {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = zapcore.InfoLevel
	}
	atom := zap.NewAtomicLevelAt(level)
	cfg.Level = atom

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return &ZapLogger{logger: built.Sugar(), atom: atom}, nil
}

func convertFields(args ...interface{}) []interface{} {
	for i, arg := range args {
		if field, ok := arg.(ports.LogField); ok {
			args[i] = zap.Any(field.Key, field.Value)
		}
	}
	return args
}

func (z *ZapLogger) extractContextFields(ctx context.Context) []interface{} {
	var fields []interface{}
	if runID, ok := ctx.Value(runIDKey{}).(string); ok {
		fields = append(fields, zap.String("run_id", runID))
	}
	return fields
}

// runIDKey is the context key the SyncEngine stamps a run's ID under,
// so log lines inside a run carry it automatically.
type runIDKey struct{}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func (z *ZapLogger) Debug(msg string, args ...interface{}) { z.logger.Debugw(msg, convertFields(args...)...) }
func (z *ZapLogger) Info(msg string, args ...interface{})  { z.logger.Infow(msg, convertFields(args...)...) }
func (z *ZapLogger) Warn(msg string, args ...interface{})  { z.logger.Warnw(msg, convertFields(args...)...) }
func (z *ZapLogger) Error(msg string, args ...interface{}) { z.logger.Errorw(msg, convertFields(args...)...) }
func (z *ZapLogger) Fatal(msg string, args ...interface{}) { z.logger.Fatalw(msg, convertFields(args...)...) }

func (z *ZapLogger) DebugWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Debugw(msg, append(convertFields(args...), z.extractContextFields(ctx)...)...)
}

func (z *ZapLogger) InfoWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Infow(msg, append(convertFields(args...), z.extractContextFields(ctx)...)...)
}

func (z *ZapLogger) WarnWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Warnw(msg, append(convertFields(args...), z.extractContextFields(ctx)...)...)
}

func (z *ZapLogger) ErrorWithContext(ctx context.Context, msg string, args ...interface{}) {
	z.logger.Errorw(msg, append(convertFields(args...), z.extractContextFields(ctx)...)...)
}

func (z *ZapLogger) WithFields(fields ...ports.LogField) ports.LoggerPort {
	kv := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		kv = append(kv, f.Key, f.Value)
	}
	return &ZapLogger{logger: z.logger.With(kv...), atom: z.atom}
}

func (z *ZapLogger) WithField(key string, value interface{}) ports.LoggerPort {
	return &ZapLogger{logger: z.logger.With(key, value), atom: z.atom}
}

func (z *ZapLogger) WithStore(storeID int) ports.LoggerPort {
	return z.WithField("store_id", storeID)
}

func (z *ZapLogger) WithVenue(venueID string) ports.LoggerPort {
	return z.WithField("venue_id", venueID)
}

func (z *ZapLogger) SetLevel(level ports.LogLevel) {
	z.atom.SetLevel(toZapLevel(level))
}

func (z *ZapLogger) GetLevel() ports.LogLevel {
	return fromZapLevel(z.atom.Level())
}

func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

func toZapLevel(level ports.LogLevel) zapcore.Level {
	switch level {
	case ports.DebugLevel:
		return zapcore.DebugLevel
	case ports.WarnLevel:
		return zapcore.WarnLevel
	case ports.ErrorLevel:
		return zapcore.ErrorLevel
	case ports.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func fromZapLevel(level zapcore.Level) ports.LogLevel {
	switch level {
	case zapcore.DebugLevel:
		return ports.DebugLevel
	case zapcore.WarnLevel:
		return ports.WarnLevel
	case zapcore.ErrorLevel:
		return ports.ErrorLevel
	case zapcore.FatalLevel:
		return ports.FatalLevel
	default:
		return ports.InfoLevel
	}
}
