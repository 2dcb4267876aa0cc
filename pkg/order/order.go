package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// TypeMarket is the only order type the pipeline executes.
const TypeMarket = "market"

// Order is the persisted record of one requested exchange.
// ID and CreatedAt never change after creation.
type Order struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	Side           Side             `json:"side"`
	TokenIn        string           `json:"tokenIn"`
	TokenOut       string           `json:"tokenOut"`
	AmountIn       decimal.Decimal  `json:"amountIn"`
	MaxSlippageBps int              `json:"maxSlippageBps"`
	Status         Status           `json:"status"`
	ChosenDex      string           `json:"chosenDex,omitempty"`
	QuotedPrice    *decimal.Decimal `json:"quotedPrice,omitempty"`
	ExecutedPrice  *decimal.Decimal `json:"executedPrice,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	FailureReason  string           `json:"failureReason,omitempty"`
	Attempt        int              `json:"attempt"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// NewMarketOrder builds a pending market order from an already validated request.
func NewMarketOrder(req Request, id string, now time.Time) *Order {
	return &Order{
		ID:             id,
		Type:           TypeMarket,
		Side:           req.Side,
		TokenIn:        req.TokenIn,
		TokenOut:       req.TokenOut,
		AmountIn:       req.AmountIn,
		MaxSlippageBps: req.MaxSlippageBps,
		Status:         Pending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Clone returns a deep copy so callers never share price pointers.
func (o *Order) Clone() *Order {
	cp := *o
	if o.QuotedPrice != nil {
		p := *o.QuotedPrice
		cp.QuotedPrice = &p
	}
	if o.ExecutedPrice != nil {
		p := *o.ExecutedPrice
		cp.ExecutedPrice = &p
	}
	return &cp
}

// SnapshotData is the payload sent as the first message of a live stream.
func (o *Order) SnapshotData() map[string]any {
	data := map[string]any{
		"tokenIn":  o.TokenIn,
		"tokenOut": o.TokenOut,
		"amountIn": o.AmountIn,
		"side":     o.Side,
		"attempt":  o.Attempt,
	}
	if o.ChosenDex != "" {
		data["chosenDex"] = o.ChosenDex
	}
	if o.QuotedPrice != nil {
		data["quotedPrice"] = *o.QuotedPrice
	}
	if o.ExecutedPrice != nil {
		data["executedPrice"] = *o.ExecutedPrice
	}
	if o.TxHash != "" {
		data["txHash"] = o.TxHash
	}
	if o.FailureReason != "" {
		data["failureReason"] = o.FailureReason
	}
	return data
}

// Patch carries the optional fields written alongside a status change.
// Nil fields are left untouched.
type Patch struct {
	ChosenDex     *string
	QuotedPrice   *decimal.Decimal
	ExecutedPrice *decimal.Decimal
	TxHash        *string
	FailureReason *string
	Attempt       *int
}

func (p Patch) Apply(o *Order) {
	if p.ChosenDex != nil {
		o.ChosenDex = *p.ChosenDex
	}
	if p.QuotedPrice != nil {
		price := *p.QuotedPrice
		o.QuotedPrice = &price
	}
	if p.ExecutedPrice != nil {
		price := *p.ExecutedPrice
		o.ExecutedPrice = &price
	}
	if p.TxHash != nil {
		o.TxHash = *p.TxHash
	}
	if p.FailureReason != nil {
		o.FailureReason = *p.FailureReason
	}
	if p.Attempt != nil {
		o.Attempt = *p.Attempt
	}
}
