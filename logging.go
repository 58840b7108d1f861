package render

import (
	"context"
	"log/slog"
)

// discardHandler drops every record. Components default to it so the
// Engine is silent unless a caller supplies a logger via WithLogger.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

func discardLogger() *slog.Logger {
	return slog.New(discardHandler{})
}
