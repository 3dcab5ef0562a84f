package audit

import (
	"context"
	"fmt"

	"github.com/MGallo-Code/warden/internal/store"
)

// LogWriter persists audit rows. Satisfied by *store.PostgresStore.
type LogWriter interface {
	WriteAuditLog(ctx context.Context, entry store.AuditEntry) error
}

// StoreSink appends events to the audit_logs table.
type StoreSink struct {
	W LogWriter
}

func (s StoreSink) Emit(ctx context.Context, e Event) error {
	entry := store.AuditEntry{
		Action:    e.Type,
		Severity:  string(e.Severity),
		Metadata:  e.MetadataJSON(),
		CreatedAt: e.Timestamp,
	}
	if e.Identity != "" {
		id := e.Identity
		entry.Identity = &id
	}
	if e.Origin != "" {
		ip := e.Origin
		entry.IPAddress = &ip
	}
	if e.Description != "" {
		d := e.Description
		entry.Description = &d
	}
	if err := s.W.WriteAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}
