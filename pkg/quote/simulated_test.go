package quote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/orderflow/pkg/util"
)

func instant(cfg SimulatedConfig) SimulatedConfig {
	cfg.QuoteLatency = 0
	cfg.SettleLatency = 0
	cfg.SettleJitter = 0
	return cfg
}

var solUSDC = Pair{TokenIn: "SOL", TokenOut: "USDC"}

func TestSimulatedQuoteBand(t *testing.T) {
	defaults := DefaultSet()
	cases := []struct {
		name string
		cfg  SimulatedConfig
		r    float64
		want string
	}{
		{"raydium low", defaults[0], 0, "0.98"},
		{"raydium mid", defaults[0], 0.5, "1"},
		{"meteora low", defaults[1], 0, "0.97"},
		{"meteora mid", defaults[1], 0.5, "0.995"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewSimulated(instant(tc.cfg), FixedRand(tc.r), util.RealClock{})
			q, err := p.Quote(context.Background(), solUSDC, decimal.NewFromInt(1))
			require.NoError(t, err)
			require.Equal(t, tc.cfg.Name, q.Provider)
			require.True(t, q.Price.Equal(decimal.RequireFromString(tc.want)), "price %s", q.Price)
			require.True(t, q.Fee.Equal(decimal.NewFromFloat(tc.cfg.Fee)))
		})
	}
}

func TestSimulatedQuoteHonorsContext(t *testing.T) {
	cfg := DefaultSet()[0]
	cfg.QuoteLatency = time.Second
	p := NewSimulated(cfg, FixedRand(0.5), util.RealClock{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Quote(ctx, solUSDC, decimal.NewFromInt(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulatedQuoteFailure(t *testing.T) {
	cfg := instant(DefaultSet()[0])
	cfg.QuoteFailRate = 0.5
	p := NewSimulated(cfg, FixedRand(0.1), util.RealClock{})
	_, err := p.Quote(context.Background(), solUSDC, decimal.NewFromInt(1))
	require.True(t, errors.Is(err, ErrRejected))
}

func TestSimulatedSettleVariance(t *testing.T) {
	cfg := instant(DefaultSet()[0])
	quoted := decimal.RequireFromString("100")
	lo := quoted.Mul(decimal.RequireFromString("0.998"))
	hi := quoted.Mul(decimal.RequireFromString("1.002"))

	for _, r := range []float64{0, 0.25, 0.5, 0.75, 0.999} {
		p := NewSimulated(cfg, FixedRand(r), util.RealClock{})
		s, err := p.Settle(context.Background(), SettleRequest{OrderID: "o-1", Pair: solUSDC, Amount: decimal.NewFromInt(1), QuotedPrice: quoted})
		require.NoError(t, err)
		require.Equal(t, "raydium", s.Provider)
		require.True(t, ValidRef(s.TxHash), "ref %q", s.TxHash)
		require.True(t, s.ExecutedPrice.GreaterThanOrEqual(lo), "r=%v executed %s", r, s.ExecutedPrice)
		require.True(t, s.ExecutedPrice.LessThanOrEqual(hi), "r=%v executed %s", r, s.ExecutedPrice)
	}
}

func TestSimulatedSettleMinPrice(t *testing.T) {
	p := NewSimulated(instant(DefaultSet()[0]), FixedRand(0), util.RealClock{})
	quoted := decimal.NewFromInt(100)

	_, err := p.Settle(context.Background(), SettleRequest{OrderID: "o-1", QuotedPrice: quoted, MinPrice: quoted})
	require.ErrorIs(t, err, ErrBelowMinPrice)
	require.Equal(t, uint64(0), p.nonce.Load(), "rejected fill must not mint a reference")

	s, err := p.Settle(context.Background(), SettleRequest{OrderID: "o-1", QuotedPrice: quoted,
		MinPrice: decimal.RequireFromString("99.5")})
	require.NoError(t, err)
	require.True(t, s.ExecutedPrice.Equal(decimal.RequireFromString("99.8")))
	require.Equal(t, uint64(1), p.nonce.Load())
}

func TestSimulatedSettleUniqueRefs(t *testing.T) {
	p := NewSimulated(instant(DefaultSet()[1]), NewSeededRand(7), util.RealClock{})
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := p.Settle(context.Background(), SettleRequest{OrderID: "same", QuotedPrice: decimal.NewFromInt(1)})
		require.NoError(t, err)
		require.False(t, seen[s.TxHash])
		seen[s.TxHash] = true
	}
}

func TestSeededRandIsDeterministic(t *testing.T) {
	a, b := NewSeededRand(42), NewSeededRand(42)
	for i := 0; i < 10; i++ {
		require.Equal(t, a.Float64(), b.Float64())
	}
}

func TestSequenceRand(t *testing.T) {
	s := NewSequenceRand(0.1, 0.9)
	require.Equal(t, 0.1, s.Float64())
	require.Equal(t, 0.9, s.Float64())
	require.Equal(t, 0.9, s.Float64())
}

func TestSettlementRefFormat(t *testing.T) {
	at := time.Unix(1700000000, 0)
	ref := SettlementRef("order", "raydium", 1, at)
	require.True(t, ValidRef(ref))
	require.Equal(t, ref, SettlementRef("order", "raydium", 1, at))
	require.NotEqual(t, ref, SettlementRef("order", "raydium", 2, at))
	require.False(t, ValidRef("0xABC"))
}

func TestLoadSet(t *testing.T) {
	t.Run("empty path", func(t *testing.T) {
		set, err := LoadSet("")
		require.NoError(t, err)
		require.Len(t, set, 2)
		require.Equal(t, "raydium", set[0].Name)
	})

	t.Run("missing file", func(t *testing.T) {
		set, err := LoadSet(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		require.Equal(t, DefaultSet(), set)
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "providers.yaml")
		body := `providers:
  - name: orca
    basePrice: 150
    priceFloor: 0.99
    priceBand: 0.02
    fee: 0.0025
    quoteLatency: 50ms
    settleLatency: 1s
    execVariance: 0.001
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		set, err := LoadSet(path)
		require.NoError(t, err)
		require.Len(t, set, 1)
		require.Equal(t, "orca", set[0].Name)
		require.Equal(t, 50*time.Millisecond, set[0].QuoteLatency)
		require.Equal(t, time.Second, set[0].SettleLatency)
	})

	t.Run("duplicate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "providers.yaml")
		body := `providers:
  - {name: a, basePrice: 1, priceFloor: 1, priceBand: 0, fee: 0}
  - {name: a, basePrice: 1, priceFloor: 1, priceBand: 0, fee: 0}
`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadSet(path)
		require.ErrorContains(t, err, "duplicate")
	})
}
