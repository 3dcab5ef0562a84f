// Package audit carries security-relevant events (lockouts, threat alerts,
// brute-force flags) to append-only sinks.
//
// Sinks report failures to the caller; Dispatcher sits in front of them so
// request paths never wait on, or fail because of, an audit write.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Severity ranks an event. Critical events are paged, see LogSink.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one immutable audit record.
type Event struct {
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Identity    string         `json:"identity,omitempty"`
	Origin      string         `json:"origin,omitempty"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// MetadataJSON encodes Metadata, returning nil when empty or unencodable.
func (e Event) MetadataJSON() []byte {
	if len(e.Metadata) == 0 {
		return nil
	}
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil
	}
	return b
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// LogSink writes events through slog. Critical events additionally go out on
// a separate logger tagged page=true, which the log shipper routes to paging.
type LogSink struct {
	Logger *slog.Logger // nil uses slog.Default()
	Pager  *slog.Logger // nil uses Logger
}

func (s LogSink) Emit(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"type", e.Type,
		"severity", string(e.Severity),
		"identity", e.Identity,
		"origin", e.Origin,
		"description", e.Description,
		"metadata", e.Metadata,
		"at", e.Timestamp,
	}

	level := slog.LevelInfo
	switch e.Severity {
	case SeverityMedium, SeverityHigh:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	logger.Log(ctx, level, "security event", attrs...)

	if e.Severity == SeverityCritical {
		pager := s.Pager
		if pager == nil {
			pager = logger
		}
		pager.Error("CRITICAL SECURITY ALERT", append(attrs, "page", true)...)
	}
	return nil
}

// Fanout emits to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
