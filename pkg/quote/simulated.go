package quote

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/orderflow/pkg/util"
)

// SimulatedConfig describes a simulated venue. Quoted price is
// BasePrice * (PriceFloor + r*PriceBand); executed price drifts from the quote by at
// most ExecVariance in either direction.
type SimulatedConfig struct {
	Name           string        `yaml:"name"`
	BasePrice      float64       `yaml:"basePrice"`
	PriceFloor     float64       `yaml:"priceFloor"`
	PriceBand      float64       `yaml:"priceBand"`
	Fee            float64       `yaml:"fee"`
	QuoteLatency   time.Duration `yaml:"quoteLatency"`
	SettleLatency  time.Duration `yaml:"settleLatency"`
	SettleJitter   time.Duration `yaml:"settleJitter"`
	ExecVariance   float64       `yaml:"execVariance"`
	QuoteFailRate  float64       `yaml:"quoteFailRate"`
	SettleFailRate float64       `yaml:"settleFailRate"`
}

func (c SimulatedConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("provider name is required")
	case c.BasePrice <= 0:
		return fmt.Errorf("provider %s: basePrice must be positive", c.Name)
	case c.PriceFloor <= 0 || c.PriceBand < 0:
		return fmt.Errorf("provider %s: invalid price band", c.Name)
	case c.Fee < 0 || c.Fee >= 1:
		return fmt.Errorf("provider %s: fee must be in [0,1)", c.Name)
	case c.ExecVariance < 0 || c.ExecVariance >= 1:
		return fmt.Errorf("provider %s: execVariance must be in [0,1)", c.Name)
	case c.QuoteLatency < 0 || c.SettleLatency < 0 || c.SettleJitter < 0:
		return fmt.Errorf("provider %s: latencies must not be negative", c.Name)
	}
	return nil
}

// Simulated is a Provider that fabricates prices and settlements.
type Simulated struct {
	cfg   SimulatedConfig
	rnd   Rand
	clock util.Clock
	nonce atomic.Uint64

	floor    decimal.Decimal
	band     decimal.Decimal
	base     decimal.Decimal
	fee      decimal.Decimal
	variance decimal.Decimal
}

func NewSimulated(cfg SimulatedConfig, rnd Rand, clock util.Clock) *Simulated {
	return &Simulated{
		cfg:      cfg,
		rnd:      rnd,
		clock:    clock,
		floor:    decimal.NewFromFloat(cfg.PriceFloor),
		band:     decimal.NewFromFloat(cfg.PriceBand),
		base:     decimal.NewFromFloat(cfg.BasePrice),
		fee:      decimal.NewFromFloat(cfg.Fee),
		variance: decimal.NewFromFloat(cfg.ExecVariance),
	}
}

func (s *Simulated) Name() string { return s.cfg.Name }

func (s *Simulated) Quote(ctx context.Context, pair Pair, amount decimal.Decimal) (Quote, error) {
	if err := util.Sleep(ctx, s.clock, s.cfg.QuoteLatency); err != nil {
		return Quote{}, err
	}
	if s.cfg.QuoteFailRate > 0 && s.rnd.Float64() < s.cfg.QuoteFailRate {
		return Quote{}, fmt.Errorf("%s quote %s: %w", s.cfg.Name, pair, ErrRejected)
	}
	r := decimal.NewFromFloat(s.rnd.Float64())
	price := s.base.Mul(s.floor.Add(r.Mul(s.band))).Round(8)
	return Quote{Provider: s.cfg.Name, Price: price, Fee: s.fee}, nil
}

func (s *Simulated) Settle(ctx context.Context, req SettleRequest) (Settlement, error) {
	jitter := time.Duration(s.rnd.Float64() * float64(s.cfg.SettleJitter))
	if err := util.Sleep(ctx, s.clock, s.cfg.SettleLatency+jitter); err != nil {
		return Settlement{}, err
	}
	if s.cfg.SettleFailRate > 0 && s.rnd.Float64() < s.cfg.SettleFailRate {
		return Settlement{}, fmt.Errorf("%s settle %s: %w", s.cfg.Name, req.OrderID, ErrRejected)
	}
	// drift in [-variance, +variance)
	drift := decimal.NewFromFloat(2*s.rnd.Float64() - 1).Mul(s.variance)
	executed := req.QuotedPrice.Mul(decimal.NewFromInt(1).Add(drift)).Round(8)
	if !req.MinPrice.IsZero() && executed.LessThan(req.MinPrice) {
		return Settlement{}, fmt.Errorf("%s settle %s: %s < %s: %w",
			s.cfg.Name, req.OrderID, executed, req.MinPrice, ErrBelowMinPrice)
	}

	return Settlement{
		Provider:      s.cfg.Name,
		TxHash:        SettlementRef(req.OrderID, s.cfg.Name, s.nonce.Add(1), s.clock.Now()),
		ExecutedPrice: executed,
	}, nil
}
