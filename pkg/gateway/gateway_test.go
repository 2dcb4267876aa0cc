package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

type fixture struct {
	store *storage.MemoryStore
	bus   *events.Bus
	gw    *Gateway
}

func newFixture() *fixture {
	store := storage.NewMemoryStore()
	bus := events.NewBus(store, util.RealClock{}, nil)
	return &fixture{store: store, bus: bus, gw: New(store, bus, nil)}
}

func (f *fixture) create(t *testing.T, id string, status order.Status) *order.Order {
	t.Helper()
	o := order.NewMarketOrder(order.Request{
		Side: order.Buy, TokenIn: "SOL", TokenOut: "USDC",
		AmountIn: decimal.NewFromInt(100), MaxSlippageBps: 50,
	}, id, time.Now())
	o.Status = status
	o.Attempt = 1
	require.NoError(t, f.store.CreateOrder(context.Background(), o))
	return o
}

func (f *fixture) publish(t *testing.T, id string, st order.Status, attempt int) {
	t.Helper()
	_, err := f.bus.Publish(context.Background(), events.StatusEvent{OrderID: id, Status: st, Attempt: attempt})
	require.NoError(t, err)
}

func next(t *testing.T, s *Stream) (Message, bool) {
	t.Helper()
	select {
	case m, ok := <-s.C():
		return m, ok
	case <-time.After(time.Second):
		t.Fatal("stream stalled")
	}
	return Message{}, false
}

func TestAttachAfterConfirmedSendsOnlySnapshot(t *testing.T) {
	f := newFixture()
	o := f.create(t, "done", order.Confirmed)
	price := decimal.RequireFromString("1.001")
	o.ExecutedPrice = &price
	o.TxHash = "0x01"
	require.NoError(t, f.store.UpdateOrder(context.Background(), o))

	s, err := f.gw.Attach(context.Background(), "done")
	require.NoError(t, err)

	m, ok := next(t, s)
	require.True(t, ok)
	require.Equal(t, order.Confirmed, m.Status)
	require.Equal(t, "0x01", m.Data["txHash"])

	_, ok = next(t, s)
	require.False(t, ok)
	require.Eventually(t, func() bool { return f.bus.Subscribers("done") == 0 }, time.Second, time.Millisecond)
}

func TestStreamForwardsUntilTerminal(t *testing.T) {
	f := newFixture()
	f.create(t, "live", order.Pending)

	s, err := f.gw.Attach(context.Background(), "live")
	require.NoError(t, err)
	m, _ := next(t, s)
	require.Equal(t, order.Pending, m.Status)
	require.Equal(t, "SOL", m.Data["tokenIn"])

	for _, st := range []order.Status{order.Routing, order.Building, order.Submitted, order.Confirmed} {
		f.publish(t, "live", st, 1)
	}
	for _, want := range []order.Status{order.Routing, order.Building, order.Submitted, order.Confirmed} {
		m, ok := next(t, s)
		require.True(t, ok)
		require.Equal(t, want, m.Status)
	}
	_, ok := next(t, s)
	require.False(t, ok)
	require.NoError(t, s.Err())
}

func TestStreamClosesOnFailure(t *testing.T) {
	f := newFixture()
	f.create(t, "bad", order.Routing)
	s, err := f.gw.Attach(context.Background(), "bad")
	require.NoError(t, err)
	next(t, s)

	f.publish(t, "bad", order.Failed, 1)
	m, ok := next(t, s)
	require.True(t, ok)
	require.Equal(t, order.Failed, m.Status)
	_, ok = next(t, s)
	require.False(t, ok)
}

func TestAttachUnknownOrder(t *testing.T) {
	f := newFixture()
	_, err := f.gw.Attach(context.Background(), "nope")
	require.True(t, errors.Is(err, order.ErrNotFound))
	require.Zero(t, f.bus.Subscribers("nope"))
}

func TestCloseDetachesWithoutTerminal(t *testing.T) {
	f := newFixture()
	f.create(t, "o", order.Pending)
	s, err := f.gw.Attach(context.Background(), "o")
	require.NoError(t, err)
	next(t, s)

	s.Close()
	_, ok := next(t, s)
	require.False(t, ok)
	require.Eventually(t, func() bool { return f.bus.Subscribers("o") == 0 }, time.Second, time.Millisecond)

	// processing carries on for everyone else
	f.publish(t, "o", order.Routing, 1)
}

// racyReader publishes a transition between bus registration and the snapshot read.
type racyReader struct {
	f      *fixture
	t      *testing.T
	status order.Status
}

func (r racyReader) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	r.f.publish(r.t, id, r.status, 1)
	o, err := r.f.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Status = r.status
	return o, nil
}

func TestEventsAlreadyInSnapshotAreSkipped(t *testing.T) {
	f := newFixture()
	f.create(t, "r", order.Pending)
	gw := New(racyReader{f: f, t: t, status: order.Building}, f.bus, nil)

	s, err := gw.Attach(context.Background(), "r")
	require.NoError(t, err)
	m, _ := next(t, s)
	require.Equal(t, order.Building, m.Status)

	f.publish(t, "r", order.Submitted, 1)
	m, _ = next(t, s)
	require.Equal(t, order.Submitted, m.Status)
	s.Close()
}

func TestIndependentSubscribers(t *testing.T) {
	f := newFixture()
	f.create(t, "o", order.Pending)
	a, err := f.gw.Attach(context.Background(), "o")
	require.NoError(t, err)
	b, err := f.gw.Attach(context.Background(), "o")
	require.NoError(t, err)
	next(t, a)
	next(t, b)

	a.Close()
	f.publish(t, "o", order.Routing, 1)
	m, ok := next(t, b)
	require.True(t, ok)
	require.Equal(t, order.Routing, m.Status)
	b.Close()
}
