package event

import (
	"context"

	"github.com/conveyorhq/conveyor/model"
	"github.com/conveyorhq/conveyor/persistence"
)

// AuditSink persists events to the audit trail so they survive restarts
// and back the execution history endpoints.
type AuditSink struct {
	storage persistence.AuditStorage
}

func NewAuditSink(storage persistence.AuditStorage) *AuditSink {
	return &AuditSink{storage: storage}
}

var _ Sink = new(AuditSink)

func (as *AuditSink) Name() string {
	return "audit-storage"
}

func (as *AuditSink) Consume(event model.ExecutionEvent) error {
	return as.storage.AppendEvent(context.Background(), event)
}
