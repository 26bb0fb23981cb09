package storage

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process memory. Records still go through the
// envelope codec so behavior matches the durable drivers.
type Memory struct {
	mu     sync.Mutex
	recs   map[string][]byte
	audit  []AuditEntry
	closed bool
}

func NewMemory() *Memory {
	return &Memory{recs: map[string][]byte{}}
}

func (m *Memory) Get(ctx context.Context, key string, v any) (bool, error) {
	_ = ctx
	m.mu.Lock()
	raw, ok := m.recs[key]
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if !ok {
		return false, nil
	}
	if err := decodeEnvelope(key, raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memory) Put(ctx context.Context, key string, v any) error {
	_ = ctx
	raw, err := encodeEnvelope(v, time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.recs[key] = raw
	return nil
}

// PutRaw stores bytes as-is. Tests use it to plant damaged records.
func (m *Memory) PutRaw(key string, raw []byte) {
	m.mu.Lock()
	m.recs[key] = append([]byte(nil), raw...)
	m.mu.Unlock()
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
