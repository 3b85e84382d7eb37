package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so a worker that tags its context with the job
// and project once gets them on every log line emitted while processing that job.
type LogFields struct {
	JobID          *string // Queue job ID
	Queue          *string // Queue name (events, alerts, replays)
	MessageID      *string // Redis stream message ID
	ProjectID      *string // Project the job or event belongs to
	OrganizationID *string // Organization receiving notifications
	PrincipalID    *string // Authenticated dashboard user
	Component      string  // Component name (OTel semantic convention style, e.g., "errorwatch.worker.pool")
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

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.JobID != nil {
		result.JobID = new.JobID
	}
	if new.Queue != nil {
		result.Queue = new.Queue
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.ProjectID != nil {
		result.ProjectID = new.ProjectID
	}
	if new.OrganizationID != nil {
		result.OrganizationID = new.OrganizationID
	}
	if new.PrincipalID != nil {
		result.PrincipalID = new.PrincipalID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like error messages or stack traces.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
