package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/orderflow/pkg/order"
	"github.com/uhyunpark/orderflow/pkg/quote"
)

var (
	ErrNoQuotes         = errors.New("no provider returned a quote")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrSlippageExceeded = errors.New("fill would exceed slippage tolerance")
	ErrNoQuotedPrice    = errors.New("order has no quoted price")
)

var bpsDenominator = decimal.NewFromInt(10000)

// Ledger remembers the settlement made for each order so a redelivered job
// never settles twice.
type Ledger interface {
	LookupSettlement(ctx context.Context, orderID string) (quote.Settlement, bool, error)
	RecordSettlement(ctx context.Context, orderID string, s quote.Settlement) error
}

type Config struct {
	QuoteTimeout  time.Duration
	SettleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{QuoteTimeout: 2 * time.Second, SettleTimeout: 10 * time.Second}
}

// Result is the outcome of a quote round. All keeps registration order and only
// contains providers that answered in time.
type Result struct {
	Best quote.Quote   `json:"best"`
	All  []quote.Quote `json:"allQuotes"`
}

type Router struct {
	providers []quote.Provider
	byName    map[string]quote.Provider
	ledger    Ledger
	cfg       Config
	log       *zap.SugaredLogger
}

// New registers providers in the given order; that order breaks price ties.
func New(providers []quote.Provider, ledger Ledger, cfg Config, log *zap.SugaredLogger) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("router: at least one provider is required")
	}
	byName := make(map[string]quote.Provider, len(providers))
	for _, p := range providers {
		if _, dup := byName[p.Name()]; dup {
			return nil, fmt.Errorf("router: duplicate provider %q", p.Name())
		}
		byName[p.Name()] = p
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Router{providers: providers, byName: byName, ledger: ledger, cfg: cfg, log: log}, nil
}

func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

type answer struct {
	q   quote.Quote
	err error
}

// GetBestQuote asks every provider at once and waits for all of them.
func (r *Router) GetBestQuote(ctx context.Context, pair quote.Pair, amount decimal.Decimal) (Result, error) {
	answers := make([]answer, len(r.providers))
	var wg sync.WaitGroup
	for i, p := range r.providers {
		wg.Add(1)
		go func(i int, p quote.Provider) {
			defer wg.Done()
			qctx, cancel := context.WithTimeout(ctx, r.cfg.QuoteTimeout)
			defer cancel()
			q, err := p.Quote(qctx, pair, amount)
			if err == nil && q.Provider == "" {
				q.Provider = p.Name()
			}
			answers[i] = answer{q: q, err: err}
		}(i, p)
	}
	wg.Wait()

	var (
		res  Result
		errs []error
		have bool
	)
	for i, a := range answers {
		if a.err != nil {
			name := r.providers[i].Name()
			r.log.Warnw("quote_failed", "provider", name, "pair", pair.String(), "err", a.err)
			errs = append(errs, fmt.Errorf("%s: %w", name, a.err))
			continue
		}
		res.All = append(res.All, a.q)
		// strict comparison keeps the earlier registration on ties
		if !have || a.q.Price.GreaterThan(res.Best.Price) {
			res.Best = a.q
			have = true
		}
	}
	if !have {
		return Result{}, errors.Join(append([]error{ErrNoQuotes}, errs...)...)
	}
	return res, nil
}

// ExecuteSettlement settles o on providerID at most once per order id.
func (r *Router) ExecuteSettlement(ctx context.Context, providerID string, o *order.Order) (quote.Settlement, error) {
	p, ok := r.byName[providerID]
	if !ok {
		return quote.Settlement{}, fmt.Errorf("%w: %q", ErrUnknownProvider, providerID)
	}
	if o.QuotedPrice == nil {
		return quote.Settlement{}, fmt.Errorf("settle %s: %w", o.ID, ErrNoQuotedPrice)
	}

	if r.ledger != nil {
		prev, found, err := r.ledger.LookupSettlement(ctx, o.ID)
		if err != nil {
			return quote.Settlement{}, fmt.Errorf("settlement ledger: %w", err)
		}
		if found {
			r.log.Infow("settlement_reused", "order_id", o.ID, "provider", prev.Provider, "tx_hash", prev.TxHash)
			return prev, nil
		}
	}

	floor := MinAcceptable(*o.QuotedPrice, o.MaxSlippageBps)
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SettleTimeout)
	defer cancel()
	s, err := p.Settle(sctx, quote.SettleRequest{
		OrderID:     o.ID,
		Pair:        quote.Pair{TokenIn: o.TokenIn, TokenOut: o.TokenOut},
		Amount:      o.AmountIn,
		QuotedPrice: *o.QuotedPrice,
		MinPrice:    floor,
	})
	if errors.Is(err, quote.ErrBelowMinPrice) {
		return quote.Settlement{}, fmt.Errorf("%w: %w (%d bps)", ErrSlippageExceeded, err, o.MaxSlippageBps)
	}
	if err != nil {
		return quote.Settlement{}, fmt.Errorf("settle on %s: %w", providerID, err)
	}
	if s.Provider == "" {
		s.Provider = providerID
	}
	// The swap has executed. A fill under the floor is kept so a retry never
	// settles the same order again.
	if s.ExecutedPrice.LessThan(floor) {
		r.log.Warnw("settlement_below_floor", "order_id", o.ID, "provider", s.Provider,
			"executed", s.ExecutedPrice.String(), "floor", floor.String(), "tx_hash", s.TxHash)
	}

	if r.ledger != nil {
		if err := r.ledger.RecordSettlement(ctx, o.ID, s); err != nil {
			return quote.Settlement{}, fmt.Errorf("settlement ledger: %w", err)
		}
	}
	return s, nil
}

// MinAcceptable is the lowest executed price tolerated for a quote at the given
// slippage in basis points.
func MinAcceptable(quoted decimal.Decimal, bps int) decimal.Decimal {
	return quoted.Mul(bpsDenominator.Sub(decimal.NewFromInt(int64(bps)))).Div(bpsDenominator)
}
