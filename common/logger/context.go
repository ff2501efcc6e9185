package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment so every log line inside a
// session carries its organization/channel identity without repeating attrs.
type LogFields struct {
	OrganizationID *string // Tenant organization id
	ChannelID      *string // Channel id the session belongs to
	WorkerID       *string // Worker process identity
	EventType      *string // Connection event type (e.g. "channel:connected")
	Component      string  // Component name (e.g. "sessiond.supervisor")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
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

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.OrganizationID != nil {
		result.OrganizationID = next.OrganizationID
	}
	if next.ChannelID != nil {
		result.ChannelID = next.ChannelID
	}
	if next.WorkerID != nil {
		result.WorkerID = next.WorkerID
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ChannelID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}
