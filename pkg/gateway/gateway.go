package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
)

// Message is what a live observer receives. The first message of a stream is
// the snapshot and always carries Data.
type Message struct {
	OrderID string         `json:"orderId"`
	Status  order.Status   `json:"status"`
	Attempt int            `json:"attempt"`
	Data    map[string]any `json:"data,omitempty"`
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
}

type Subscriber interface {
	Subscribe(orderID string) *events.Subscription
}

type Gateway struct {
	orders OrderReader
	bus    Subscriber
	log    *zap.SugaredLogger
}

func New(orders OrderReader, bus Subscriber, log *zap.SugaredLogger) *Gateway {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Gateway{orders: orders, bus: bus, log: log}
}

// Attach opens a live stream for orderID. The bus registration happens before
// the snapshot read so no transition can slip between the two.
func (g *Gateway) Attach(ctx context.Context, orderID string) (*Stream, error) {
	sub := g.bus.Subscribe(orderID)
	o, err := g.orders.GetOrder(ctx, orderID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("attach %s: %w", orderID, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		out:    make(chan Message, 1),
		cancel: cancel,
		sub:    sub,
	}
	go s.run(ctx, o, g.log)
	return s, nil
}

// Stream delivers the snapshot followed by live events until the order reaches a
// terminal status or the observer detaches.
type Stream struct {
	out    chan Message
	cancel context.CancelFunc
	sub    *events.Subscription

	mu  sync.Mutex
	err error
}

func (s *Stream) C() <-chan Message { return s.out }

// Close detaches the observer. It has no effect on order processing.
func (s *Stream) Close() { s.cancel() }

// Err reports why the stream ended early, e.g. events.ErrSlowSubscriber.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) run(ctx context.Context, snap *order.Order, log *zap.SugaredLogger) {
	defer close(s.out)
	defer s.sub.Close()

	first := Message{OrderID: snap.ID, Status: snap.Status, Attempt: snap.Attempt, Data: snap.SnapshotData()}
	if !s.send(ctx, first) || order.IsTerminal(snap.Status) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.sub.C():
			if !ok {
				s.mu.Lock()
				s.err = s.sub.Err()
				s.mu.Unlock()
				log.Warnw("stream_ended", "order_id", snap.ID, "err", s.err)
				return
			}
			if stale(snap, e) {
				continue
			}
			if !s.send(ctx, Message{OrderID: e.OrderID, Status: e.Status, Attempt: e.Attempt, Data: e.Data}) {
				return
			}
			if order.IsTerminal(e.Status) {
				return
			}
		}
	}
}

func (s *Stream) send(ctx context.Context, m Message) bool {
	select {
	case s.out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

// stale reports whether e was published before the snapshot was read and is
// already reflected in it.
func stale(snap *order.Order, e events.StatusEvent) bool {
	if e.Attempt != snap.Attempt {
		return e.Attempt < snap.Attempt
	}
	return order.Before(e.Status, snap.Status)
}
