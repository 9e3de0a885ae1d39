package memory

import (
	"context"
	"sync"

	"github.com/medtrack/stockledger/internal/domain/audit"
)

// AuditLog is an append-only in-memory audit trail.
type AuditLog struct {
	mu      sync.RWMutex
	entries []audit.Entry
}

// NewAuditLog creates an empty audit log.
func NewAuditLog() *AuditLog {
	return &AuditLog{}
}

func (l *AuditLog) Append(ctx context.Context, e audit.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

// Entries returns a copy of all appended entries (test helper).
func (l *AuditLog) Entries() []audit.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]audit.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}
