// Package audit records who changed what. Definition publishes,
// deactivations, manual triggers, cancellations, and approval decisions
// all leave a record.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one audit entry.
type Record struct {
	// Actor is the principal that performed the action.
	Actor string `json:"actor"`

	// Action is a stable verb ("publish", "deactivate", "trigger",
	// "cancel", "approve", "reject", "retry").
	Action string `json:"action"`

	// EntityType and EntityID locate the affected object.
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// OldValue and NewValue capture the change where meaningful.
	OldValue any `json:"old_value,omitempty"`
	NewValue any `json:"new_value,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// Recorder accepts audit records. Implementations must not block the
// caller on slow sinks.
type Recorder interface {
	Record(ctx context.Context, rec Record)
}

// LogRecorder writes audit records to a slog logger.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a Recorder backed by slog.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, rec Record) {
	r.logger.Info("audit",
		slog.String("actor", rec.Actor),
		slog.String("action", rec.Action),
		slog.String("entity_type", rec.EntityType),
		slog.String("entity_id", rec.EntityID),
	)
}

// MemoryRecorder keeps records in memory, for tests and inspection.
type MemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryRecorder creates an empty in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(ctx context.Context, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

// Records returns a copy of all recorded entries.
func (r *MemoryRecorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}
