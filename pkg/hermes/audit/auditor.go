package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Sink receives audit events from the governance core.
type Sink interface {
	Record(ctx context.Context, event *Event) error
}

// StandardAuditor stamps events and writes those at or above a minimum severity to a Store.
type StandardAuditor struct {
	store       Store
	minSeverity Severity
	now         func() time.Time
}

// NewStandardAuditor creates a StandardAuditor that keeps every severity.
func NewStandardAuditor(store Store) *StandardAuditor {
	return &StandardAuditor{
		store:       store,
		minSeverity: SeverityDebug,
		now:         time.Now,
	}
}

// WithMinSeverity drops events below min.
func (a *StandardAuditor) WithMinSeverity(min Severity) *StandardAuditor {
	a.minSeverity = min
	return a
}

// Record records the audit event.
func (a *StandardAuditor) Record(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	if !event.Severity.AtLeast(a.minSeverity) {
		return nil
	}

	if err := a.store.Write(ctx, event); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}

	return nil
}

// SlogSink writes audit events to structured logs.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink that writes to logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Record logs the event at a level derived from its severity.
func (s *SlogSink) Record(ctx context.Context, event *Event) error {
	attrs := []slog.Attr{
		slog.String("audit_type", string(event.Type)),
		slog.String("plugin", event.PluginSlug),
		slog.String("severity", string(event.Severity)),
	}
	if event.Actor != "" {
		attrs = append(attrs, slog.String("actor", event.Actor))
	}
	if len(event.Context) > 0 {
		attrs = append(attrs, slog.Any("context", event.Context))
	}

	level := slog.LevelInfo
	switch event.Severity {
	case SeverityDebug:
		level = slog.LevelDebug
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	s.logger.LogAttrs(ctx, level, event.Message, attrs...)
	return nil
}

// MultiSink fans an event out to several sinks and returns the first error.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event *Event) error {
	var first error
	for _, s := range m {
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type discard struct{}

func (discard) Record(context.Context, *Event) error { return nil }

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

// Emit records event on sink. Audit failures never fail the governed operation, they are logged.
func Emit(ctx context.Context, sink Sink, logger *slog.Logger, event *Event) {
	if sink == nil {
		return
	}
	if err := sink.Record(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "audit sink failed",
			"audit_type", string(event.Type),
			"plugin", event.PluginSlug,
			"error", err)
	}
}
