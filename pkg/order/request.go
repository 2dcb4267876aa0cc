package order

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const MaxSlippageBps = 10000

// Request is the submission payload accepted at the HTTP boundary.
type Request struct {
	Side           Side            `json:"side"`
	TokenIn        string          `json:"tokenIn"`
	TokenOut       string          `json:"tokenOut"`
	AmountIn       decimal.Decimal `json:"amountIn"`
	MaxSlippageBps int             `json:"maxSlippageBps"`
}

// Validate reports every invalid field; each error wraps ErrValidation.
func (r Request) Validate() error {
	var errs []error
	if !r.Side.Valid() {
		errs = append(errs, fieldError("side", "must be buy or sell"))
	}
	if strings.TrimSpace(r.TokenIn) == "" {
		errs = append(errs, fieldError("tokenIn", "is required"))
	}
	if strings.TrimSpace(r.TokenOut) == "" {
		errs = append(errs, fieldError("tokenOut", "is required"))
	}
	if !r.AmountIn.IsPositive() {
		errs = append(errs, fieldError("amountIn", "must be positive"))
	}
	if r.MaxSlippageBps < 0 || r.MaxSlippageBps > MaxSlippageBps {
		errs = append(errs, fieldError("maxSlippageBps", fmt.Sprintf("must be within [0, %d]", MaxSlippageBps)))
	}
	return errors.Join(errs...)
}

func fieldError(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, msg)
}
