package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/util"
)

var (
	ErrSlowSubscriber = errors.New("subscriber fell behind")
	ErrBadChecksum    = errors.New("event checksum mismatch")
)

const DefaultBuffer = 64

// Log is the durable, per-order insertion-ordered audit trail.
type Log interface {
	Append(ctx context.Context, e StatusEvent) (StatusEvent, error)
	Events(ctx context.Context, orderID string) ([]StatusEvent, error)
}

// Relay carries locally published events to other nodes.
type Relay interface {
	Forward(ctx context.Context, e StatusEvent) error
}

// Bus appends every event to the log and then hands it to the live subscribers
// of that order, in publish order.
type Bus struct {
	log    Log
	clock  util.Clock
	logger *zap.SugaredLogger
	buffer int

	pubMu sync.Mutex

	mu    sync.RWMutex
	subs  map[string]map[*Subscription]struct{}
	relay Relay
}

func NewBus(log Log, clock util.Clock, logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		log:    log,
		clock:  clock,
		logger: logger,
		buffer: DefaultBuffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// SetBuffer changes the per-subscriber buffer for subscriptions made afterwards.
func (b *Bus) SetBuffer(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	b.buffer = n
	b.mu.Unlock()
}

func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Publish persists e and fans it out. Nothing is delivered if the append fails.
// The relay forward runs after the local fan-out and outside the publish lock;
// callers publish one order's events in sequence, so peers see them in order.
func (b *Bus) Publish(ctx context.Context, e StatusEvent) (StatusEvent, error) {
	stored, err := b.publishLocal(ctx, e)
	if err != nil {
		return StatusEvent{}, err
	}

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		if err := relay.Forward(ctx, stored); err != nil {
			b.logger.Warnw("relay_forward_failed", "order_id", stored.OrderID, "status", stored.Status, "err", err)
		}
	}
	return stored, nil
}

func (b *Bus) publishLocal(ctx context.Context, e StatusEvent) (StatusEvent, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now()
	}
	// microsecond precision survives every log backend unchanged
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Checksum = ComputeChecksum(e)
	stored, err := b.log.Append(ctx, e)
	if err != nil {
		return StatusEvent{}, fmt.Errorf("append event %s/%s: %w", e.OrderID, e.Status, err)
	}
	b.deliver(stored)
	return stored, nil
}

// DeliverRemote hands an event published on another node to local subscribers.
// It is neither logged nor relayed again.
func (b *Bus) DeliverRemote(e StatusEvent) error {
	if !e.Verify() {
		return fmt.Errorf("%w: %s/%s", ErrBadChecksum, e.OrderID, e.Status)
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.deliver(e)
	return nil
}

// History returns the audit trail for one order.
func (b *Bus) History(ctx context.Context, orderID string) ([]StatusEvent, error) {
	return b.log.Events(ctx, orderID)
}

// Subscribe registers for future events of orderID. There is no backfill.
func (b *Bus) Subscribe(orderID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Subscription{orderID: orderID, ch: make(chan StatusEvent, b.buffer), bus: b}
	set, ok := b.subs[orderID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[orderID] = set
	}
	set[s] = struct{}{}
	return s
}

// Subscribers reports the live subscriber count for orderID.
func (b *Bus) Subscribers(orderID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[orderID])
}

func (b *Bus) deliver(e StatusEvent) {
	var slow []*Subscription
	b.mu.RLock()
	for s := range b.subs[e.OrderID] {
		select {
		case s.ch <- e:
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range slow {
		b.logger.Warnw("subscriber_dropped", "order_id", e.OrderID, "buffer", cap(s.ch))
		s.closeWith(ErrSlowSubscriber)
	}
}

func (b *Bus) unsubscribe(s *Subscription, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[s.orderID]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(b.subs, s.orderID)
	}
	s.err = cause
	close(s.ch)
}

// Subscription is a live feed of one order's events. The channel closes when the
// subscriber calls Close or is dropped for falling behind.
type Subscription struct {
	orderID string
	ch      chan StatusEvent
	bus     *Bus
	once    sync.Once
	err     error
}

func (s *Subscription) OrderID() string { return s.orderID }

func (s *Subscription) C() <-chan StatusEvent { return s.ch }

func (s *Subscription) Close() { s.closeWith(nil) }

// Err is ErrSlowSubscriber if the bus dropped this subscription. Only valid
// after C() is closed.
func (s *Subscription) Err() error { return s.err }

func (s *Subscription) closeWith(cause error) {
	s.once.Do(func() { s.bus.unsubscribe(s, cause) })
}
