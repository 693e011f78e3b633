package store

import "escape/pkg/model"

// Journal records transport attempts and audit events for later inspection.
// It lives under the temp state directory, so a wipe removes it.
type Journal interface {
	RecordAttempt(model.AttemptRecord) error
	ListAttempts(limit int) ([]model.AttemptRecord, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
	Close() error
}

// NewMemory is a helper to construct the in-memory implementation without importing it directly.
func NewMemory() Journal {
	return NewMemoryStore()
}

// tail returns the last limit entries of s; limit <= 0 means all.
func tail[T any](s []T, limit int) []T {
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, 0, limit)
	return append(out, s[len(s)-limit:]...)
}
