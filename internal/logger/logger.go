package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"counselbot/internal/config"
)

// Setup installs the process-wide slog logger.
func Setup(cfg *config.Config) {
	slog.SetDefault(New(os.Stdout, cfg))
}

// New builds a logger writing to w: JSON in production, text otherwise.
func New(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.BasicConfig.LogLevel)}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = NewContextHandler(slog.NewJSONHandler(w, opts))
	} else {
		handler = NewContextHandler(slog.NewTextHandler(w, opts))
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ContextHandler adds the LogFields carried by the context to every record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	fields := GetLogFields(ctx)
	if fields.SenderID != nil {
		r.AddAttrs(slog.Int64("sender_id", *fields.SenderID))
	}
	if fields.CaseID != nil {
		r.AddAttrs(slog.String("case_id", *fields.CaseID))
	}
	if fields.Command != nil {
		r.AddAttrs(slog.String("command", *fields.Command))
	}
	if fields.Component != "" {
		r.AddAttrs(slog.String("component", fields.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}
