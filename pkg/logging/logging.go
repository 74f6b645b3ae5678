package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type contextKey string

const fieldsKey contextKey = "log_fields"

// Fields are attached to every record logged with a context that carries them.
type Fields struct {
	Workspace string
	ConnID    string
	Event     string
	Component string
}

// WithFields merges fields into ctx, non-empty values taking precedence over existing ones.
func WithFields(ctx context.Context, fields Fields) context.Context {
	merged := FieldsFrom(ctx)
	if fields.Workspace != "" {
		merged.Workspace = fields.Workspace
	}
	if fields.ConnID != "" {
		merged.ConnID = fields.ConnID
	}
	if fields.Event != "" {
		merged.Event = fields.Event
	}
	if fields.Component != "" {
		merged.Component = fields.Component
	}
	return context.WithValue(ctx, fieldsKey, merged)
}

func FieldsFrom(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	if f, ok := ctx.Value(fieldsKey).(Fields); ok {
		return f
	}
	return Fields{}
}

type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	f := FieldsFrom(ctx)
	if f.Workspace != "" {
		r.AddAttrs(slog.String("workspace", f.Workspace))
	}
	if f.ConnID != "" {
		r.AddAttrs(slog.String("conn_id", f.ConnID))
	}
	if f.Event != "" {
		r.AddAttrs(slog.String("event", f.Event))
	}
	if f.Component != "" {
		r.AddAttrs(slog.String("component", f.Component))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// New builds a logger writing JSON in production and text otherwise.
func New(w io.Writer, production bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewContextHandler(handler))
}

// ParseLevel maps a level name to a slog level, returning fallback for empty or unknown names.
func ParseLevel(name string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return fallback
}
