package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/quote"
	"github.com/uhyunpark/orderflow/pkg/router"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

type Config struct {
	Concurrency int
	BuildDelay  time.Duration
	// DrainTimeout bounds how long an in-flight order keeps running after Run's
	// context ends.
	DrainTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Concurrency: 10, BuildDelay: 300 * time.Millisecond, DrainTimeout: 15 * time.Second}
}

// errInterrupted marks an attempt cut short by shutdown. The job is left in the
// store for Recover and no failure is recorded.
var errInterrupted = errors.New("attempt interrupted by shutdown")

// Router is the quoting and settlement surface the pool drives.
type Router interface {
	GetBestQuote(ctx context.Context, pair quote.Pair, amount decimal.Decimal) (router.Result, error)
	ExecuteSettlement(ctx context.Context, providerID string, o *order.Order) (quote.Settlement, error)
}

type Publisher interface {
	Publish(ctx context.Context, e events.StatusEvent) (events.StatusEvent, error)
}

// Pool runs a fixed number of executors against the job queue. Each executor
// owns at most one order at a time.
type Pool struct {
	cfg     Config
	queue   *queue.Queue
	store   storage.OrderStore
	router  Router
	bus     Publisher
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *Metrics
}

func NewPool(cfg Config, q *queue.Queue, store storage.OrderStore, r Router, bus Publisher,
	clock util.Clock, log *zap.SugaredLogger, metrics *Metrics) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Pool{cfg: cfg, queue: q, store: store, router: r, bus: bus, clock: clock, log: log, metrics: metrics}
}

// Run blocks until ctx ends or the queue closes and every executor has returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.loop(ctx, worker)
		}(i)
	}
	p.log.Infow("worker_pool_started", "concurrency", p.cfg.Concurrency)
	wg.Wait()
	p.log.Infow("worker_pool_stopped")
}

func (p *Pool) loop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrClosed) && ctx.Err() == nil {
				p.log.Errorw("dequeue_failed", "worker", worker, "err", err)
			}
			return
		}
		p.handle(ctx, worker, job)
	}
}

// handle runs one job to completion. Cancelling ctx does not stop a dequeued
// order; it only starts the drain deadline.
func (p *Pool) handle(ctx context.Context, worker int, job queue.Job) {
	p.metrics.trackInFlight(1)
	defer p.metrics.trackInFlight(-1)

	jobCtx, cancel := p.detach(ctx)
	defer cancel()
	ctx = jobCtx

	err := p.Process(ctx, job)
	if errors.Is(err, errInterrupted) {
		p.metrics.outcome("interrupted")
		p.log.Warnw("job_interrupted", "worker", worker, "order_id", job.OrderID, "attempt", job.Attempt, "err", err)
		return
	}
	if err == nil {
		if ackErr := p.queue.Ack(ctx, job); ackErr != nil {
			p.log.Warnw("job_ack_failed", "order_id", job.OrderID, "err", ackErr)
		}
		p.metrics.outcome("completed")
		return
	}

	out := p.queue.Fail(ctx, job, err)
	if out.Retry {
		p.metrics.outcome("retried")
		p.log.Warnw("job_failed", "worker", worker, "order_id", job.OrderID,
			"attempt", job.Attempt, "retry_in", out.Delay, "err", err)
		return
	}
	p.metrics.outcome("dropped")
	p.log.Errorw("job_dropped", "worker", worker, "order_id", job.OrderID, "attempt", job.Attempt, "err", err)
}

func (p *Pool) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		select {
		case <-jobCtx.Done():
		case <-p.clock.After(p.cfg.DrainTimeout):
			cancel()
		}
	})
	return jobCtx, func() {
		stop()
		cancel()
	}
}

// Process runs one attempt of one order from pending to confirmed. Every stage is
// persisted before it is published.
func (p *Pool) Process(ctx context.Context, job queue.Job) error {
	o, err := p.store.GetOrder(ctx, job.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
		}
		return fmt.Errorf("load order: %w", err)
	}
	if o.Status == order.Confirmed {
		p.log.Infow("order_already_confirmed", "order_id", o.ID, "attempt", job.Attempt)
		return nil
	}

	if err := p.rearm(ctx, o, job.Attempt); err != nil {
		return p.fail(ctx, o, err)
	}
	if err := p.execute(ctx, o); err != nil {
		return p.fail(ctx, o, err)
	}
	return nil
}

func (p *Pool) rearm(ctx context.Context, o *order.Order, attempt int) error {
	if err := order.Rearm(o.Status); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	o.Status = order.Pending
	o.Attempt = attempt
	o.FailureReason = ""
	return p.emit(ctx, o, map[string]any{
		"side":     o.Side,
		"tokenIn":  o.TokenIn,
		"tokenOut": o.TokenOut,
		"amountIn": o.AmountIn,
	})
}

func (p *Pool) execute(ctx context.Context, o *order.Order) error {
	pair := quote.Pair{TokenIn: o.TokenIn, TokenOut: o.TokenOut}

	if err := p.advance(ctx, o, order.Routing, order.Patch{}, nil); err != nil {
		return err
	}
	start := p.clock.Now()
	res, err := p.router.GetBestQuote(ctx, pair, o.AmountIn)
	p.metrics.observeStage("quote", p.clock.Now().Sub(start))
	if err != nil {
		return fmt.Errorf("routing: %w", err)
	}

	best := res.Best
	if err := p.advance(ctx, o, order.Routing,
		order.Patch{ChosenDex: &best.Provider, QuotedPrice: &best.Price},
		map[string]any{
			"chosenDex": best.Provider,
			"price":     best.Price,
			"fee":       best.Fee,
			"allQuotes": res.All,
		}); err != nil {
		return err
	}

	if err := p.advance(ctx, o, order.Building, order.Patch{}, map[string]any{"chosenDex": o.ChosenDex}); err != nil {
		return err
	}
	start = p.clock.Now()
	if err := util.Sleep(ctx, p.clock, p.cfg.BuildDelay); err != nil {
		return fmt.Errorf("building: %w", err)
	}
	p.metrics.observeStage("build", p.clock.Now().Sub(start))

	if err := p.advance(ctx, o, order.Submitted, order.Patch{}, map[string]any{"chosenDex": o.ChosenDex}); err != nil {
		return err
	}
	start = p.clock.Now()
	s, err := p.router.ExecuteSettlement(ctx, o.ChosenDex, o)
	p.metrics.observeStage("settle", p.clock.Now().Sub(start))
	if err != nil {
		return fmt.Errorf("settlement: %w", err)
	}

	return p.advance(ctx, o, order.Confirmed,
		order.Patch{ChosenDex: &s.Provider, ExecutedPrice: &s.ExecutedPrice, TxHash: &s.TxHash},
		map[string]any{
			"chosenDex":     s.Provider,
			"executedPrice": s.ExecutedPrice,
			"txHash":        s.TxHash,
		})
}

// fail records the failed transition for this attempt and hands cause back so
// the queue can account for it.
func (p *Pool) fail(ctx context.Context, o *order.Order, cause error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", errInterrupted, cause)
	}
	if order.IsTerminal(o.Status) {
		return cause
	}
	reason := cause.Error()
	retrying := !errors.Is(cause, queue.ErrPermanent) && !p.queue.Policy().Exhausted(o.Attempt)
	err := p.advance(ctx, o, order.Failed, order.Patch{FailureReason: &reason}, map[string]any{
		"error":    reason,
		"attempt":  o.Attempt,
		"retrying": retrying,
	})
	if err != nil {
		p.log.Errorw("record_failure_failed", "order_id", o.ID, "err", err)
		return errors.Join(cause, err)
	}
	return cause
}

func (p *Pool) advance(ctx context.Context, o *order.Order, to order.Status, patch order.Patch, data map[string]any) error {
	if err := order.Transition(o.Status, to); err != nil {
		return fmt.Errorf("%w: %w", queue.ErrPermanent, err)
	}
	patch.Apply(o)
	o.Status = to
	return p.emit(ctx, o, data)
}

func (p *Pool) emit(ctx context.Context, o *order.Order, data map[string]any) error {
	o.UpdatedAt = p.clock.Now()
	if err := p.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("persist %s: %w", o.Status, err)
	}
	if _, err := p.bus.Publish(ctx, events.StatusEvent{
		OrderID:   o.ID,
		Status:    o.Status,
		Attempt:   o.Attempt,
		Data:      data,
		Timestamp: o.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", o.Status, err)
	}
	p.log.Debugw("order_status", "order_id", o.ID, "status", o.Status, "attempt", o.Attempt)
	return nil
}
