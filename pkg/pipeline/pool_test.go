package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/quote"
	"github.com/uhyunpark/orderflow/pkg/router"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

type harness struct {
	store  *storage.MemoryStore
	queue  *queue.Queue
	bus    *events.Bus
	pool   *Pool
	submit *Submitter
}

type options struct {
	quoteLatency  time.Duration
	settleLatency time.Duration
	buildDelay    time.Duration
	quoteFailRate float64
	concurrency   int
	drainTimeout  time.Duration
	// orders wraps the store the pool writes through; nil uses it directly.
	orders func(*storage.MemoryStore) storage.OrderStore
}

func newHarness(t *testing.T, opt options) *harness {
	t.Helper()
	clock := util.RealClock{}
	store := storage.NewMemoryStore()

	cfgs := quote.DefaultSet()
	for i := range cfgs {
		cfgs[i].QuoteLatency = opt.quoteLatency
		cfgs[i].SettleLatency = opt.settleLatency
		cfgs[i].SettleJitter = 0
		cfgs[i].QuoteFailRate = opt.quoteFailRate
	}
	r, err := router.New(quote.Build(cfgs, quote.FixedRand(0.5), clock), store,
		router.Config{QuoteTimeout: time.Second, SettleTimeout: time.Second}, nil)
	require.NoError(t, err)

	q := queue.New(queue.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}, store, clock, nil)
	bus := events.NewBus(store, clock, nil)
	if opt.concurrency == 0 {
		opt.concurrency = 10
	}
	metrics := NewMetrics(prometheus.NewRegistry(), q.Len)
	var orders storage.OrderStore = store
	if opt.orders != nil {
		orders = opt.orders(store)
	}
	pool := NewPool(Config{Concurrency: opt.concurrency, BuildDelay: opt.buildDelay, DrainTimeout: opt.drainTimeout},
		q, orders, r, bus, clock, nil, metrics)
	return &harness{store: store, queue: q, bus: bus, pool: pool, submit: NewSubmitter(store, q, clock, nil)}
}

func (h *harness) start(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		h.queue.Close()
		<-done
	})
}

func scenarioRequest() order.Request {
	return order.Request{
		Side:           order.Buy,
		TokenIn:        "SOL",
		TokenOut:       "USDC",
		AmountIn:       decimal.NewFromInt(100),
		MaxSlippageBps: 50,
	}
}

func statuses(evts []events.StatusEvent) []order.Status {
	out := make([]order.Status, len(evts))
	for i, e := range evts {
		out[i] = e.Status
	}
	return out
}

func TestScenarioConfirmsOrder(t *testing.T) {
	h := newHarness(t, options{buildDelay: 5 * time.Millisecond})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	sub := h.bus.Subscribe(id)
	defer sub.Close()
	h.start(t)

	var got []events.StatusEvent
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case e := <-sub.C():
			got = append(got, e)
			done = order.IsTerminal(e.Status)
		case <-timeout:
			t.Fatalf("order did not finish, saw %v", statuses(got))
		}
	}

	require.Equal(t, []order.Status{
		order.Pending, order.Routing, order.Routing, order.Building, order.Submitted, order.Confirmed,
	}, statuses(got))
	for _, e := range got {
		require.Equal(t, 1, e.Attempt)
	}
	require.Contains(t, got[2].Data, "allQuotes")
	require.Equal(t, "raydium", got[2].Data["chosenDex"])

	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Confirmed, o.Status)
	require.True(t, o.ExecutedPrice.GreaterThan(decimal.Zero))
	require.True(t, quote.ValidRef(o.TxHash))
	require.Empty(t, o.FailureReason)

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, statuses(got), statuses(history))

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConcurrentOrdersRunInParallel(t *testing.T) {
	h := newHarness(t, options{
		quoteLatency:  50 * time.Millisecond,
		settleLatency: 100 * time.Millisecond,
		buildDelay:    50 * time.Millisecond,
	})
	const k = 10
	ids := make([]string, 0, k)
	for i := 0; i < k; i++ {
		id, err := h.submit.Submit(context.Background(), scenarioRequest())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	start := time.Now()
	h.start(t)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			o, err := h.store.GetOrder(context.Background(), id)
			if err != nil || o.Status != order.Confirmed {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)

	// one order's critical path is ~200ms; running them one by one would take ~2s
	require.Less(t, time.Since(start), time.Second)
}

func TestRetryBoundWithFailingProviders(t *testing.T) {
	h := newHarness(t, options{quoteFailRate: 1})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	h.start(t)

	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)

	var attempts, failures int
	for _, e := range history {
		switch e.Status {
		case order.Pending:
			attempts++
			require.Equal(t, attempts, e.Attempt)
		case order.Failed:
			failures++
			require.Equal(t, failures < 3, e.Data["retrying"])
		}
	}
	require.Equal(t, 3, attempts)
	require.Equal(t, 3, failures)

	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Failed, o.Status)
	require.Equal(t, 3, o.Attempt)
	require.Contains(t, o.FailureReason, router.ErrNoQuotes.Error())
}

func TestEachAttemptIsAValidPrefix(t *testing.T) {
	h := newHarness(t, options{quoteFailRate: 1})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	h.start(t)
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)

	byAttempt := map[int][]order.Status{}
	for _, e := range history {
		byAttempt[e.Attempt] = append(byAttempt[e.Attempt], e.Status)
	}
	for attempt, seq := range byAttempt {
		require.Equal(t, order.Pending, seq[0], "attempt %d", attempt)
		for i := 1; i < len(seq); i++ {
			require.True(t, order.CanTransition(seq[i-1], seq[i]), "attempt %d: %v", attempt, seq)
		}
		require.Equal(t, order.Failed, seq[len(seq)-1])
	}
}

func TestMissingOrderIsPermanent(t *testing.T) {
	h := newHarness(t, options{})
	require.NoError(t, h.queue.Enqueue(context.Background(), "ghost"))

	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	err = h.pool.Process(context.Background(), job)
	require.True(t, errors.Is(err, queue.ErrPermanent))
	require.True(t, errors.Is(err, order.ErrNotFound))

	require.False(t, h.queue.Fail(context.Background(), job, err).Retry)
	require.Zero(t, h.queue.Len())
}

func TestRedeliveredConfirmedOrderIsNotRerun(t *testing.T) {
	h := newHarness(t, options{})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.pool.Process(context.Background(), job))
	before, _ := h.bus.History(context.Background(), id)

	job.Attempt++
	require.NoError(t, h.pool.Process(context.Background(), job))
	after, _ := h.bus.History(context.Background(), id)
	require.Len(t, after, len(before))
}

func TestRetryReusesRecordedSettlement(t *testing.T) {
	h := newHarness(t, options{})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)
	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.pool.Process(context.Background(), job))
	first, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)

	// simulate a crash after settlement but before the confirmed write landed
	first.Status = order.Submitted
	require.NoError(t, h.store.UpdateOrder(context.Background(), first))
	job.Attempt++
	require.NoError(t, h.pool.Process(context.Background(), job))

	again, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Confirmed, again.Status)
	require.Equal(t, first.TxHash, again.TxHash)
	require.Equal(t, 2, again.Attempt)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, options{})
	req := scenarioRequest()
	req.AmountIn = decimal.Zero
	_, err := h.submit.Submit(context.Background(), req)
	require.ErrorIs(t, err, order.ErrValidation)
	require.Zero(t, h.queue.Len())
}

func TestSubscribersSeeIndependentFullSequences(t *testing.T) {
	h := newHarness(t, options{})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	subs := []*events.Subscription{h.bus.Subscribe(id), h.bus.Subscribe(id)}
	h.start(t)

	var wg sync.WaitGroup
	results := make([][]order.Status, len(subs))
	for i, s := range subs {
		wg.Add(1)
		go func(i int, s *events.Subscription) {
			defer wg.Done()
			defer s.Close()
			for e := range s.C() {
				results[i] = append(results[i], e.Status)
				if order.IsTerminal(e.Status) {
					return
				}
			}
		}(i, s)
	}
	wg.Wait()
	require.Equal(t, results[0], results[1])
	require.Equal(t, order.Confirmed, results[0][len(results[0])-1])
}

// flakyOrders fails the first n order updates.
type flakyOrders struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (f *flakyOrders) UpdateOrder(ctx context.Context, o *order.Order) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.MemoryStore.UpdateOrder(ctx, o)
}

func TestRearmWriteFailureIsRecorded(t *testing.T) {
	h := newHarness(t, options{orders: func(m *storage.MemoryStore) storage.OrderStore {
		return &flakyOrders{MemoryStore: m, failures: 1}
	}})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	job, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	err = h.pool.Process(context.Background(), job)
	require.ErrorContains(t, err, "disk full")

	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Failed, o.Status)
	require.Equal(t, 1, o.Attempt)
	require.Contains(t, o.FailureReason, "disk full")

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []order.Status{order.Failed}, statuses(history))
	require.Equal(t, true, history[0].Data["retrying"])

	require.True(t, h.queue.Fail(context.Background(), job, err).Retry)
	job, err = h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.pool.Process(context.Background(), job))
	o, err = h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Confirmed, o.Status)
	require.Equal(t, 2, o.Attempt)
}

func TestShutdownDrainsInFlightOrder(t *testing.T) {
	h := newHarness(t, options{buildDelay: 500 * time.Millisecond})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		o, err := h.store.GetOrder(context.Background(), id)
		return err == nil && o.Status == order.Building
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop after draining")
	}
	h.queue.Close()

	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Confirmed, o.Status)
	require.Equal(t, 1, o.Attempt)
	require.Empty(t, o.FailureReason)

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, []order.Status{
		order.Pending, order.Routing, order.Routing, order.Building, order.Submitted, order.Confirmed,
	}, statuses(history))
	require.Zero(t, h.queue.Len())
}

func TestShutdownPastDrainLeavesJobForRecovery(t *testing.T) {
	h := newHarness(t, options{buildDelay: time.Second, drainTimeout: 50 * time.Millisecond})
	id, err := h.submit.Submit(context.Background(), scenarioRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pool.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		o, err := h.store.GetOrder(context.Background(), id)
		return err == nil && o.Status == order.Building
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	h.queue.Close()

	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, order.Building, o.Status)
	require.Empty(t, o.FailureReason)

	history, err := h.bus.History(context.Background(), id)
	require.NoError(t, err)
	require.NotContains(t, statuses(history), order.Failed)

	jobs, err := h.store.LoadJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, id, jobs[0].OrderID)
}
