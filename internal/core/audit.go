package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditStatus classifies an audit entry outcome.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry captures one service operation for the audit trail.
type AuditEntry struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	Model     string        `json:"model,omitempty"`
	RecordIDs []int64       `json:"record_ids,omitempty"`
	Tenant    int64         `json:"tenant"`
	Actor     string        `json:"actor,omitempty"`
	Status    AuditStatus   `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// AuditRecorder receives audit entries emitted by the service.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

// MemoryAuditLog retains the most recent audit entries in a bounded ring.
type MemoryAuditLog struct {
	mu      sync.Mutex
	limit   int
	entries []AuditEntry
}

// NewMemoryAuditLog constructs a log retaining at most limit entries; zero or
// negative limits default to 1024.
func NewMemoryAuditLog(limit int) *MemoryAuditLog {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryAuditLog{limit: limit}
}

// Record appends the entry, assigning an id when absent and evicting the
// oldest entries past the retention limit.
func (l *MemoryAuditLog) Record(_ context.Context, entry AuditEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if overflow := len(l.entries) - l.limit; overflow > 0 {
		l.entries = append(l.entries[:0:0], l.entries[overflow:]...)
	}
	l.mu.Unlock()
}

// Entries returns a copy of the retained entries, oldest first.
func (l *MemoryAuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
