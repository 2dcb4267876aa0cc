package quote

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/uhyunpark/orderflow/pkg/util"
)

// SetFile is the on-disk provider-set layout.
//
//	providers:
//	  - name: raydium
//	    basePrice: 1
//	    priceFloor: 0.98
//	    priceBand: 0.04
//	    fee: 0.003
//	    quoteLatency: 200ms
type SetFile struct {
	Providers []SimulatedConfig `yaml:"providers"`
}

// DefaultSet returns the two stock venues in registration order.
func DefaultSet() []SimulatedConfig {
	return []SimulatedConfig{
		{
			Name:          "raydium",
			BasePrice:     1,
			PriceFloor:    0.98,
			PriceBand:     0.04,
			Fee:           0.003,
			QuoteLatency:  200 * time.Millisecond,
			SettleLatency: 2 * time.Second,
			SettleJitter:  time.Second,
			ExecVariance:  0.002,
		},
		{
			Name:          "meteora",
			BasePrice:     1,
			PriceFloor:    0.97,
			PriceBand:     0.05,
			Fee:           0.002,
			QuoteLatency:  200 * time.Millisecond,
			SettleLatency: 2 * time.Second,
			SettleJitter:  time.Second,
			ExecVariance:  0.002,
		},
	}
}

// LoadSet reads a provider-set file. An empty path or a missing file yields DefaultSet.
func LoadSet(path string) ([]SimulatedConfig, error) {
	if path == "" {
		return DefaultSet(), nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provider set: %w", err)
	}
	var f SetFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse provider set %s: %w", path, err)
	}
	if len(f.Providers) == 0 {
		return nil, fmt.Errorf("provider set %s: no providers", path)
	}
	seen := make(map[string]struct{}, len(f.Providers))
	for _, c := range f.Providers {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("provider set %s: duplicate provider %q", path, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return f.Providers, nil
}

// Build instantiates simulated providers sharing one randomness source.
func Build(cfgs []SimulatedConfig, rnd Rand, clock util.Clock) []Provider {
	out := make([]Provider, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, NewSimulated(c, rnd, clock))
	}
	return out
}
