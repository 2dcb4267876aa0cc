package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/storage"
	"github.com/uhyunpark/orderflow/pkg/util"
)

// Submitter is the intake boundary: it validates a request, stores the new
// order and enqueues its job.
type Submitter struct {
	store storage.OrderStore
	queue *queue.Queue
	clock util.Clock
	log   *zap.SugaredLogger
	newID func() string
}

func NewSubmitter(store storage.OrderStore, q *queue.Queue, clock util.Clock, log *zap.SugaredLogger) *Submitter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Submitter{store: store, queue: q, clock: clock, log: log, newID: uuid.NewString}
}

// Submit returns the new order id. Validation failures wrap order.ErrValidation
// and leave nothing behind.
func (s *Submitter) Submit(ctx context.Context, req order.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	o := order.NewMarketOrder(req, s.newID(), s.clock.Now())
	if err := s.store.CreateOrder(ctx, o); err != nil {
		return "", fmt.Errorf("create order: %w", err)
	}
	if err := s.queue.Enqueue(ctx, o.ID); err != nil {
		return "", fmt.Errorf("enqueue order %s: %w", o.ID, err)
	}
	s.log.Infow("order_submitted", "order_id", o.ID, "side", o.Side,
		"token_in", o.TokenIn, "token_out", o.TokenOut, "amount_in", o.AmountIn.String())
	return o.ID, nil
}
