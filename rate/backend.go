// Package rate quotes exchange rates between asset pairs. The quoted
// rate is always the overall backend rate for the ordered pair at
// forwarding time; there is no per-chunk re-quoting.
package rate

import (
	"math/big"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrNoRate = errors.New("rate: no rate for asset pair")

// Backend quotes the exchange rate from one asset to another.
type Backend interface {
	Rate(base, counter string) (decimal.Decimal, error)
}

var _ Backend = (*Static)(nil)

// Static serves rates from a fixed table. Reload swaps the whole table
// atomically so readers never observe a partial update.
type Static struct {
	table atomic.Value // map[string]decimal.Decimal keyed base/counter
}

func pairKey(base, counter string) string { return base + "/" + counter }

// NewStatic builds a backend from rates keyed "BASE/COUNTER".
func NewStatic(rates map[string]decimal.Decimal) *Static {
	s := &Static{}
	s.Reload(rates)
	return s
}

// Reload atomically replaces the rate table.
func (s *Static) Reload(rates map[string]decimal.Decimal) {
	table := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		table[k] = v
	}
	s.table.Store(table)
}

func (s *Static) Rate(base, counter string) (decimal.Decimal, error) {
	if base == counter {
		return decimal.New(1, 0), nil
	}
	table := s.table.Load().(map[string]decimal.Decimal)
	if r, ok := table[pairKey(base, counter)]; ok {
		return r, nil
	}
	// derive the inverse when only the opposite direction is configured
	if r, ok := table[pairKey(counter, base)]; ok && !r.IsZero() {
		return decimal.New(1, 0).Div(r), nil
	}
	return decimal.Decimal{}, ErrNoRate
}

// Apply converts amount between assets: amount × rate × 10^(toScale −
// fromScale), floored toward zero.
func Apply(amount uint64, r decimal.Decimal, fromScale, toScale int32) uint64 {
	in := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0)
	out := in.Mul(r).Shift(toScale - fromScale).Floor()
	if out.IsNegative() {
		return 0
	}
	// beyond uint64 the packet is unforwardable anyway; saturate
	if !out.BigInt().IsUint64() {
		return ^uint64(0)
	}
	return out.BigInt().Uint64()
}
