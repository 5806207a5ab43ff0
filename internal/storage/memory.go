package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store. It backs tests and the "memory" driver.
type Memory struct {
	mu       sync.Mutex
	counters Counters
	items    map[string]ItemRecord
	audit    []AuditEntry
	dedup    map[string]time.Time
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{items: map[string]ItemRecord{}, dedup: map[string]time.Time{}}
}

func (m *Memory) LoadCounters(ctx context.Context) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Counters{}, ErrClosed
	}
	return m.counters, nil
}

func (m *Memory) SaveCounters(ctx context.Context, c Counters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.counters = c
	return nil
}

func (m *Memory) PutItems(ctx context.Context, items []ItemRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, it := range items {
		m.items[it.ID] = it
	}
	return nil
}

func (m *Memory) DeleteItems(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(m.items, id)
	}
	return nil
}

func (m *Memory) LoadItems(ctx context.Context) ([]ItemRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]ItemRecord, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, it)
	}
	sortItems(out)
	return out, nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the appended audit entries.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.dedup[key] = until
	return nil
}

func (m *Memory) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := m.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// sortItems orders records by arrival (seq), then id.
func sortItems(items []ItemRecord) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Seq != items[j].Seq {
			return items[i].Seq < items[j].Seq
		}
		return items[i].ID < items[j].ID
	})
}
