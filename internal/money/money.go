// Package money holds the currency vocabulary shared by the ledger,
// the matching engine and the flow workflow. The set of recognized
// currencies is configuration, not code: adding one touches the config
// file and nothing else.
package money

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Currency is an ISO-style currency code such as "STN", "EUR" or "USD".
type Currency string

func (c Currency) String() string { return string(c) }

// Pair identifies a market: Payment is the asset used as currency,
// Traded is the asset being bought and sold.
type Pair struct {
	Payment Currency
	Traded  Currency
}

// Symbol renders the market the way users see it, traded asset first,
// e.g. "EUR/STN".
func (p Pair) Symbol() string {
	return fmt.Sprintf("%s/%s", p.Traded, p.Payment)
}

// Set is the recognized-currency lookup. Balance access everywhere is
// keyed through this set rather than compared code by code.
type Set struct {
	codes map[Currency]struct{}
}

func NewSet(codes []string) Set {
	s := Set{codes: make(map[Currency]struct{}, len(codes))}
	for _, c := range codes {
		s.codes[Currency(c)] = struct{}{}
	}
	return s
}

func (s Set) Contains(c Currency) bool {
	_, ok := s.codes[c]
	return ok
}

// List returns the recognized codes in stable order.
func (s Set) List() []Currency {
	out := make([]Currency, 0, len(s.codes))
	for c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Quantize rounds an amount to the ledger's two decimal places.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// FloorUnits rounds an amount down to whole units. Bot order sizing
// floors quantities so a clipped quote never overcommits.
func FloorUnits(d decimal.Decimal) decimal.Decimal {
	return d.Floor()
}
