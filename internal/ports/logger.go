// Package ports collects the small interfaces StoreSync's core depends
// on so that infrastructure (zap, redis, kafka, pgx) stays swappable
// behind them, the way athebyme-gomarket-platform's pkg/interfaces
// package does for its services.
package ports

import "context"

// LogLevel enumerates logging verbosity from least to most severe.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
	PanicLevel
)

// LogField is a single structured key/value pair attached to a log line.
type LogField struct {
	Key   string
	Value interface{}
}

// LoggerPort is the structured logging contract every core component
// takes at construction time. Implementations may wrap zap, zerolog, or
// anything else; the core never imports a concrete logging library.
type LoggerPort interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})

	DebugWithContext(ctx context.Context, msg string, args ...interface{})
	InfoWithContext(ctx context.Context, msg string, args ...interface{})
	WarnWithContext(ctx context.Context, msg string, args ...interface{})
	ErrorWithContext(ctx context.Context, msg string, args ...interface{})

	// WithFields returns a derived logger that always includes fields.
	WithFields(fields ...LogField) LoggerPort
	// WithField returns a derived logger with a single added field.
	WithField(key string, value interface{}) LoggerPort
	// WithStore returns a derived logger scoped to one store's pipeline.
	WithStore(storeID int) LoggerPort
	// WithVenue returns a derived logger scoped to one marketplace venue.
	WithVenue(venueID string) LoggerPort

	SetLevel(level LogLevel)
	GetLevel() LogLevel

	// Sync flushes any buffered log entries.
	Sync() error
}
