package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Producers enrich the context once per event or scan pass so every log line
// below them carries the package name and position without passing it around.
type LogFields struct {
	Package   *string // Package name being discovered
	Seq       *int64  // Change log sequence of the event being handled
	Priority  *string // Queue priority level ("high", "low")
	ScanID    *int64  // Staleness scan pass ID
	Component string  // Component name (OTel semantic convention style, e.g., "observer.realtime")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, update LogFields) LogFields {
	result := existing

	if update.Package != nil {
		result.Package = update.Package
	}
	if update.Seq != nil {
		result.Seq = update.Seq
	}
	if update.Priority != nil {
		result.Priority = update.Priority
	}
	if update.ScanID != nil {
		result.ScanID = update.ScanID
	}
	if update.Component != "" {
		result.Component = update.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{Seq: logger.Ptr(seq)})
func Ptr[T any](v T) *T {
	return &v
}
