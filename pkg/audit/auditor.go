// Package audit records history entries outside the instance document and keeps definition statistics.
package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/events"
	"github.com/dukex/procflow/pkg/models"
	"github.com/dukex/procflow/pkg/protocol"
)

// EventAuditor publishes every appended entry as a history.appended event keyed by instance.
type EventAuditor struct {
	publisher eventbus.EventPublisher
}

func NewEventAuditor(publisher eventbus.EventPublisher) *EventAuditor {
	return &EventAuditor{publisher: publisher}
}

func (a *EventAuditor) Record(ctx context.Context, instanceID string, entry models.HistoryEntry) error {
	event := events.HistoryAppended{
		BaseEvent: events.NewBaseEvent(events.HistoryAppendedEvent, "", instanceID),
		Entry:     entry,
	}

	return a.publisher.Publish(ctx, instanceID, event)
}

// LogAuditor writes entries to a structured log.
type LogAuditor struct {
	logger *slog.Logger
}

func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	return &LogAuditor{logger: logger.With("module", "audit")}
}

func (a *LogAuditor) Record(ctx context.Context, instanceID string, entry models.HistoryEntry) error {
	attrs := []any{
		"instance_id", instanceID,
		"seq", entry.Seq,
		"node_id", entry.NodeID,
		"action", entry.Action,
	}

	if entry.Actor != "" {
		attrs = append(attrs, "actor", entry.Actor)
	}

	if entry.Branch != "" {
		attrs = append(attrs, "branch", entry.Branch)
	}

	if entry.Error != nil {
		attrs = append(attrs, "error_kind", entry.Error.Kind, "error", entry.Error.Message)
	}

	a.logger.InfoContext(ctx, "history entry", attrs...)

	return nil
}

// Fanout records every entry on each auditor in turn and joins their errors.
type Fanout []protocol.Auditor

func (f Fanout) Record(ctx context.Context, instanceID string, entry models.HistoryEntry) error {
	var errs []error

	for _, auditor := range f {
		if err := auditor.Record(ctx, instanceID, entry); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
