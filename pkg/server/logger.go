package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LogWriter persists one log record of a report.
type LogWriter interface {
	InsertLog(ctx context.Context, reportID uuid.UUID, ts time.Time, level, message string, metadata json.RawMessage) error
}

// DBLogHandler is a slog.Handler that writes records to the report_logs table and
// optionally forwards them to another handler.
type DBLogHandler struct {
	DB       LogWriter
	ReportID uuid.UUID
	Next     slog.Handler

	attrs  []slog.Attr
	groups []string
}

func NewDBLogHandler(db LogWriter, reportID uuid.UUID, next slog.Handler) *DBLogHandler {
	return &DBLogHandler{
		DB:       db,
		ReportID: reportID,
		Next:     next,
	}
}

func (h *DBLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return true
}

func (h *DBLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.Next != nil && h.Next.Enabled(ctx, r.Level) {
		_ = h.Next.Handle(ctx, r)
	}

	attrs := make(map[string]any)
	for _, a := range h.attrs {
		put(attrs, a)
	}
	scope := attrs
	for _, g := range h.groups {
		sub, ok := scope[g].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			scope[g] = sub
		}
		scope = sub
	}
	r.Attrs(func(a slog.Attr) bool {
		put(scope, a)
		return true
	})

	metaJSON, err := json.Marshal(attrs)
	if err != nil {
		metaJSON = []byte("{}")
	}

	// Background context so logs persist after the request context is cancelled.
	return h.DB.InsertLog(context.Background(), h.ReportID, r.Time, r.Level.String(), r.Message, metaJSON)
}

func (h *DBLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		c.attrs = append(c.attrs, wrapGroups(c.groups, a))
	}
	if c.Next != nil {
		c.Next = c.Next.WithAttrs(attrs)
	}
	return c
}

func (h *DBLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(c.groups, name)
	if c.Next != nil {
		c.Next = c.Next.WithGroup(name)
	}
	return c
}

func (h *DBLogHandler) clone() *DBLogHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	c.groups = append([]string(nil), h.groups...)
	return &c
}

func put(m map[string]any, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub, ok := m[a.Key].(map[string]any)
		if !ok {
			sub = make(map[string]any)
		}
		for _, ga := range v.Group() {
			put(sub, ga)
		}
		if a.Key == "" {
			for k, gv := range sub {
				m[k] = gv
			}
			return
		}
		m[a.Key] = sub
		return
	}
	switch x := v.Any().(type) {
	case error:
		m[a.Key] = x.Error()
	case time.Duration:
		m[a.Key] = x.String()
	default:
		m[a.Key] = x
	}
}

// wrapGroups nests a inside the given group path.
func wrapGroups(groups []string, a slog.Attr) slog.Attr {
	for i := len(groups) - 1; i >= 0; i-- {
		a = slog.Group(groups[i], a)
	}
	return a
}
