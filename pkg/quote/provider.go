package quote

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrRejected = errors.New("provider rejected request")
	// ErrBelowMinPrice is returned when a swap would fill under SettleRequest.MinPrice.
	// Nothing has executed when a provider returns it.
	ErrBelowMinPrice = errors.New("fill below minimum price")
)

// Pair is the asset pair being exchanged; price is quoted as TokenOut per one TokenIn.
type Pair struct {
	TokenIn  string
	TokenOut string
}

func (p Pair) String() string { return strings.ToUpper(p.TokenIn) + "/" + strings.ToUpper(p.TokenOut) }

// Quote is one provider's offer. It is never persisted on its own; the chosen
// quote's fields are folded into the order and the routing event payload.
type Quote struct {
	Provider string          `json:"dex"`
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
}

type SettleRequest struct {
	OrderID     string
	Pair        Pair
	Amount      decimal.Decimal
	QuotedPrice decimal.Decimal
	// MinPrice is the worst acceptable fill. Zero means no floor.
	MinPrice decimal.Decimal
}

type Settlement struct {
	Provider      string          `json:"dex"`
	TxHash        string          `json:"txHash"`
	ExecutedPrice decimal.Decimal `json:"executedPrice"`
}

// Provider is a pluggable price source that can also settle a swap.
type Provider interface {
	Name() string
	Quote(ctx context.Context, pair Pair, amount decimal.Decimal) (Quote, error)
	Settle(ctx context.Context, req SettleRequest) (Settlement, error)
}
