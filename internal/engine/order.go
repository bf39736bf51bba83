package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cambio/internal/money"
)

// Side is the direction of an order.
type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideBid, SideAsk:
		return Side(s), nil
	default:
		return "", fmt.Errorf("%w: side must be \"bid\" or \"ask\"", ErrValidation)
	}
}

// Opposite returns the side a new order matches against.
func (s Side) Opposite() Side {
	if s == SideBid {
		return SideAsk
	}
	return SideBid
}

// Order is a submitted order. Orders are never deleted: inactive rows
// stay behind for book and trade history. Remaining only ever shrinks
// after creation, and at most one of CancelledAt/TradedAt is set.
type Order struct {
	ID        int64          `gorm:"primaryKey"`
	AccountID int64          `gorm:"index"`
	Payment   money.Currency `gorm:"size:6;index:idx_orders_market"`
	Traded    money.Currency `gorm:"size:6;index:idx_orders_market"`
	Side      Side           `gorm:"size:6"`

	Price     decimal.Decimal `gorm:"type:numeric(12,2)"`
	Remaining decimal.Decimal `gorm:"type:numeric(12,2)"`
	Original  decimal.Decimal `gorm:"type:numeric(12,2)"`

	Active      bool `gorm:"index"`
	CreatedAt   time.Time
	CancelledAt *time.Time
	TradedAt    *time.Time // set when fully traded
}

func (o *Order) Pair() money.Pair {
	return money.Pair{Payment: o.Payment, Traded: o.Traded}
}

// Commitment is the balance the order holds against its owner: payment
// currency for bids (quantity x price), traded currency for asks.
func (o *Order) Commitment() decimal.Decimal {
	if o.Side == SideBid {
		return o.Remaining.Mul(o.Price)
	}
	return o.Remaining
}

// Trade is one execution. Immutable once created. Price is always the
// resting order's price. Buyer and seller may be the same account; the
// trade is recorded identically either way.
type Trade struct {
	ID        int64           `gorm:"primaryKey"`
	Payment   money.Currency  `gorm:"size:6;index:idx_trades_market"`
	Traded    money.Currency  `gorm:"size:6;index:idx_trades_market"`
	Quantity  decimal.Decimal `gorm:"type:numeric(12,2)"`
	Price     decimal.Decimal `gorm:"type:numeric(12,2)"`
	BuyerID   int64           `gorm:"index"`
	SellerID  int64           `gorm:"index"`
	CreatedAt time.Time
}

func (t *Trade) Pair() money.Pair {
	return money.Pair{Payment: t.Payment, Traded: t.Traded}
}
