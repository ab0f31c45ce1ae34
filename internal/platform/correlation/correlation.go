// Package correlation carries request-scoped identifiers on a context and
// stamps them onto every log record written with that context.
package correlation

import (
	"context"
	"fmt"
	"log/slog"
)

type broadcastKey struct{}

type connectionKey struct{}

// WithBroadcastID returns a new context carrying the given broadcast id.
func WithBroadcastID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, broadcastKey{}, id)
}

// WithConnectionID returns a new context carrying the given connection id.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionKey{}, id)
}

// BroadcastID extracts the broadcast id from ctx, returning ("", false) if not present.
func BroadcastID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(broadcastKey{}).(string)
	return id, ok && id != ""
}

// ConnectionID extracts the connection id from ctx, returning ("", false) if not present.
func ConnectionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connectionKey{}).(string)
	return id, ok && id != ""
}

// Handler wraps an existing slog.Handler and adds "broadcast_id" and
// "connection_id" attributes when the context carries them.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a correlation-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := BroadcastID(ctx); ok {
		r.AddAttrs(slog.String("broadcast_id", id))
	}
	if id, ok := ConnectionID(ctx); ok {
		r.AddAttrs(slog.String("connection_id", id))
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
