package authstate

import (
	"context"
	"strings"
	"sync"
	"time"

	"watink/cmd/internal/clock"
)

// MemoryKV is a dev/test backend used when no store URL is configured.
// Expired entries are dropped lazily on read and during prefix deletes.
type MemoryKV struct {
	mu     sync.Mutex
	clock  clock.Clock
	closed bool
	items  map[string]memItem
}

type memItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryKV constructs an in-memory KV. A nil clock means wall time.
func NewMemoryKV(c clock.Clock) *MemoryKV {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryKV{clock: c, items: make(map[string]memItem)}
}

func (m *MemoryKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	now := m.clock.Now()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		it, ok := m.items[k]
		if !ok {
			continue
		}
		if it.expired(now) {
			delete(m.items, k)
			continue
		}
		out[k] = append([]byte(nil), it.value...)
	}
	return out, nil
}

func (m *MemoryKV) Apply(ctx context.Context, ops []Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	now := m.clock.Now()
	for _, o := range ops {
		if o.Delete() {
			delete(m.items, o.Key)
			continue
		}
		it := memItem{value: append([]byte(nil), o.Value...)}
		if o.TTL > 0 {
			it.expiresAt = now.Add(o.TTL)
		}
		m.items[o.Key] = it
	}
	return nil
}

func (m *MemoryKV) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if prefix == "" {
		return 0, invalid("authstate.MemoryKV.DeletePrefix", "empty prefix")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	now := m.clock.Now()
	n := 0
	for k, it := range m.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		delete(m.items, k)
		if !it.expired(now) {
			n++
		}
	}
	return n, nil
}

// Close makes later calls fail with ErrClosed.
func (m *MemoryKV) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}

// Len reports how many live keys are held.
func (m *MemoryKV) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, it := range m.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

func (it memItem) expired(now time.Time) bool {
	return !it.expiresAt.IsZero() && !now.Before(it.expiresAt)
}
