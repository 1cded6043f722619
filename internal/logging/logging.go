// Package logging provides the context-aware structured logger shared by
// every service. Each record is stamped with the active correlation id and
// caller identity (when present) plus a static service tag.
package logging

import (
	"context"
	"io"
	"log/slog"

	"github.com/avenirsoft/crmcore/internal/reqctx"
)

// Handler wraps a slog.Handler and merges request-context fields into every
// record.
type Handler struct {
	inner   slog.Handler
	service string
}

// NewHandler wraps inner so that records carry the service tag and any
// correlation id / caller found on the context.
func NewHandler(inner slog.Handler, service string) *Handler {
	return &Handler{inner: inner, service: service}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	rec = rec.Clone()
	rec.AddAttrs(slog.String("service", h.service))
	if id := reqctx.CorrelationID(ctx); id != "" {
		rec.AddAttrs(slog.String("correlation_id", id))
	}
	if caller := reqctx.Caller(ctx); caller != "" {
		rec.AddAttrs(slog.String("caller", caller))
	}
	return h.inner.Handle(ctx, rec)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs), service: h.service}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), service: h.service}
}

// New builds the service logger. Debug records are suppressed outside
// non-production environments.
func New(w io.Writer, service, environment string) *slog.Logger {
	level := slog.LevelDebug
	if environment == "production" {
		level = slog.LevelInfo
	}
	text := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewHandler(text, service))
}
