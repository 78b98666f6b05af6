package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are attached to every record logged with the carrying context.
type LogFields struct {
	SenderID  *int64  // chat user that produced the event
	CaseID    *string // case being acted on
	Command   *string // slash command or inline action
	Component string  // e.g. "router", "worker", "telegram"
}

// WithLogFields merges fields into the context; newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.SenderID != nil {
		result.SenderID = next.SenderID
	}
	if next.CaseID != nil {
		result.CaseID = next.CaseID
	}
	if next.Command != nil {
		result.Command = next.Command
	}
	if next.Component != "" {
		result.Component = next.Component
	}
	return result
}

// Ptr returns a pointer to v, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate shortens s to maxLen bytes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
