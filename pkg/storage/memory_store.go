package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/quote"
)

// MemoryStore keeps everything in maps. Records are cloned on the way in and out.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*order.Order
	events      map[string][]events.StatusEvent
	seq         uint64
	jobs        map[string]queue.Job
	settlements map[string]quote.Settlement
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*order.Order),
		events:      make(map[string][]events.StatusEvent),
		jobs:        make(map[string]queue.Job),
		settlements: make(map[string]quote.Settlement),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrOrderExists, o.ID)
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*order.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", order.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (m *MemoryStore) UpdateOrder(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

// DeleteOrder exists for tests that need a job whose order has vanished.
func (m *MemoryStore) DeleteOrder(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
}

func (m *MemoryStore) Append(_ context.Context, e events.StatusEvent) (events.StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	m.events[e.OrderID] = append(m.events[e.OrderID], e)
	return e, nil
}

func (m *MemoryStore) Events(_ context.Context, orderID string) ([]events.StatusEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]events.StatusEvent(nil), m.events[orderID]...), nil
}

func (m *MemoryStore) SaveJob(_ context.Context, j queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.OrderID] = j
	return nil
}

func (m *MemoryStore) DeleteJob(_ context.Context, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, orderID)
	return nil
}

func (m *MemoryStore) LoadJobs(_ context.Context) ([]queue.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]queue.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].EnqueuedAt.Before(out[k].EnqueuedAt) })
	return out, nil
}

func (m *MemoryStore) LookupSettlement(_ context.Context, orderID string) (quote.Settlement, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settlements[orderID]
	return s, ok, nil
}

func (m *MemoryStore) RecordSettlement(_ context.Context, orderID string, s quote.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settlements[orderID] = s
	return nil
}

var _ Store = (*MemoryStore)(nil)
