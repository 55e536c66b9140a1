// Package middleware implements the per-account data and money chains
// wrapped around the switch. A middleware wraps the next handler and
// may short-circuit with a response of its own. Chains are composed
// once at account connect and are immutable afterwards.
package middleware

import (
	"context"

	"github.com/netsys-lab/ilp-connector/ilp"
)

// DataHandler processes one PREPARE and produces its response.
type DataHandler func(ctx context.Context, prepare *ilp.Prepare) (*ilp.Response, error)

// MoneyHandler processes one incoming settlement amount.
type MoneyHandler func(ctx context.Context, amount uint64) error

// Data is a named data middleware.
type Data struct {
	Name string
	Wrap func(next DataHandler) DataHandler
}

// Money is a named money middleware.
type Money struct {
	Name string
	Wrap func(next MoneyHandler) MoneyHandler
}

// DataChain composes data middlewares in insertion order: the first
// added runs outermost.
type DataChain struct {
	entries []Data
}

func (c *DataChain) Append(mw ...Data) *DataChain {
	c.entries = append(c.entries, mw...)
	return c
}

// InsertBefore places mw in front of the named middleware, or appends
// when the name is not present.
func (c *DataChain) InsertBefore(name string, mw Data) *DataChain {
	for i, e := range c.entries {
		if e.Name == name {
			c.entries = append(c.entries[:i], append([]Data{mw}, c.entries[i:]...)...)
			return c
		}
	}
	return c.Append(mw)
}

func (c *DataChain) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Name
	}
	return names
}

// Compose builds the runnable handler around final.
func (c *DataChain) Compose(final DataHandler) DataHandler {
	handler := final
	for i := len(c.entries) - 1; i >= 0; i-- {
		handler = c.entries[i].Wrap(handler)
	}
	return handler
}

// MoneyChain composes money middlewares in insertion order.
type MoneyChain struct {
	entries []Money
}

func (c *MoneyChain) Append(mw ...Money) *MoneyChain {
	c.entries = append(c.entries, mw...)
	return c
}

func (c *MoneyChain) Compose(final MoneyHandler) MoneyHandler {
	handler := final
	for i := len(c.entries) - 1; i >= 0; i-- {
		handler = c.entries[i].Wrap(handler)
	}
	return handler
}
