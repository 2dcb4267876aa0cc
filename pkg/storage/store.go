package storage

import (
	"context"
	"errors"

	"github.com/uhyunpark/orderflow/pkg/events"
	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/queue"
	"github.com/uhyunpark/orderflow/pkg/router"
)

var ErrOrderExists = errors.New("order already exists")

// OrderStore holds the persisted order record. Lookups of unknown ids return an
// error wrapping order.ErrNotFound.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *order.Order) error
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	UpdateOrder(ctx context.Context, o *order.Order) error
}

// Store is everything one node persists.
type Store interface {
	OrderStore
	events.Log
	queue.JobStore
	router.Ledger
	Close() error
}
