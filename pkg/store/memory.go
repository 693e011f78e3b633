package store

import (
	"sync"
	"time"

	"escape/pkg/model"
)

const memoryKeep = 500

// MemoryStore keeps the most recent entries in memory.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts []model.AttemptRecord
	audit    []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) RecordAttempt(r model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	m.attempts = append(m.attempts, r)
	if len(m.attempts) > memoryKeep {
		m.attempts = m.attempts[len(m.attempts)-memoryKeep:]
	}
	return nil
}

func (m *MemoryStore) ListAttempts(limit int) ([]model.AttemptRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.attempts, limit), nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.audit = append(m.audit, entry)
	if len(m.audit) > memoryKeep {
		m.audit = m.audit[len(m.audit)-memoryKeep:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.audit, limit), nil
}

func (m *MemoryStore) Close() error { return nil }
