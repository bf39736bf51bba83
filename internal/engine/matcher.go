package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/ledger"
	"cambio/internal/money"
)

// Result is what one order submission produced: the recorded order
// (resting or exhausted), every trade of the sweep, and, when the
// caller asked to be notified, human-readable acknowledgments.
type Result struct {
	Order    *Order
	Trades   []Trade
	Messages []string
}

// Matcher runs the sweep. It carries no database handle; every entry
// runs on the transaction the engine loop opened, so the order, its
// trades and all balance legs commit or roll back together.
type Matcher struct {
	ledger *ledger.Ledger
	log    *zap.Logger
	now    func() time.Time
}

func NewMatcher(lg *ledger.Ledger, log *zap.Logger) *Matcher {
	return &Matcher{ledger: lg, log: log, now: time.Now}
}

// EnterOrder inserts an already-validated order into the market. It
// scans the opposite side under price priority (FIFO within a price),
// trades at each resting order's price until the incoming quantity is
// exhausted or prices stop overlapping, then records the order itself:
// active with the residual, or inactive at zero so trade history joins
// stay intact.
func (m *Matcher) EnterOrder(tx *gorm.DB, accountID int64, side Side, quantity, price decimal.Decimal, pair money.Pair, notify bool) (*Result, error) {
	res := &Result{}
	remaining := quantity

	q := tx.Where("payment = ? AND traded = ? AND side = ? AND active = ?",
		pair.Payment, pair.Traded, side.Opposite(), true)
	if side == SideBid {
		q = q.Order("price asc, id asc")
	} else {
		q = q.Order("price desc, id asc")
	}
	var resting []Order
	if err := q.Find(&resting).Error; err != nil {
		return nil, fmt.Errorf("load opposite side: %w", err)
	}

	for i := range resting {
		o := &resting[i]
		// No more price overlap: the sweep ends here.
		if side == SideBid && o.Price.GreaterThan(price) {
			break
		}
		if side == SideAsk && o.Price.LessThan(price) {
			break
		}

		traded := decimal.Min(remaining, o.Remaining)
		remaining = remaining.Sub(traded)
		o.Remaining = o.Remaining.Sub(traded)

		buyerID, sellerID := accountID, o.AccountID
		if side == SideAsk {
			buyerID, sellerID = o.AccountID, accountID
		}

		if err := m.settle(tx, pair, buyerID, sellerID, traded, o.Price); err != nil {
			return nil, err
		}

		if o.Remaining.IsZero() {
			o.Active = false
			ts := m.now()
			o.TradedAt = &ts
		}
		if err := tx.Save(o).Error; err != nil {
			return nil, fmt.Errorf("update resting order %d: %w", o.ID, err)
		}

		trade := Trade{
			Payment:  pair.Payment,
			Traded:   pair.Traded,
			Quantity: traded,
			Price:    o.Price,
			BuyerID:  buyerID,
			SellerID: sellerID,
		}
		if err := tx.Create(&trade).Error; err != nil {
			return nil, fmt.Errorf("record trade: %w", err)
		}
		res.Trades = append(res.Trades, trade)
		if notify {
			res.Messages = append(res.Messages, fmt.Sprintf("order traded: %s %s at %s", traded, pair.Traded, o.Price))
		}
		m.log.Info("trade",
			zap.String("market", pair.Symbol()),
			zap.String("quantity", traded.String()),
			zap.String("price", o.Price.String()),
			zap.Int64("buyer", buyerID),
			zap.Int64("seller", sellerID))

		if remaining.IsZero() {
			break
		}
	}

	order := &Order{
		AccountID: accountID,
		Payment:   pair.Payment,
		Traded:    pair.Traded,
		Side:      side,
		Price:     price,
		Remaining: remaining,
		Original:  quantity,
		Active:    remaining.IsPositive(),
	}
	if err := tx.Create(order).Error; err != nil {
		return nil, fmt.Errorf("record order: %w", err)
	}
	res.Order = order
	if notify {
		res.Messages = append(res.Messages, "order submitted")
	}
	m.log.Info("order entered",
		zap.Int64("order_id", order.ID),
		zap.Int64("account_id", accountID),
		zap.String("market", pair.Symbol()),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("remaining", remaining.String()),
		zap.Bool("active", order.Active))
	return res, nil
}

// settle moves both legs of one trade step. Credits run before debits
// so a self-trade nets to zero without tripping the negative-balance
// guard. Each leg moves the same value in and out, conserving totals.
func (m *Matcher) settle(tx *gorm.DB, pair money.Pair, buyerID, sellerID int64, quantity, price decimal.Decimal) error {
	value := money.Quantize(quantity.Mul(price))

	// Payment leg: buyer pays seller.
	if _, err := m.ledger.Adjust(tx, sellerID, pair.Payment, value); err != nil {
		return fmt.Errorf("settle payment leg: %w", err)
	}
	if _, err := m.ledger.Adjust(tx, buyerID, pair.Payment, value.Neg()); err != nil {
		return fmt.Errorf("settle payment leg: %w", err)
	}

	// Traded leg: seller delivers to buyer.
	if _, err := m.ledger.Adjust(tx, buyerID, pair.Traded, quantity); err != nil {
		return fmt.Errorf("settle traded leg: %w", err)
	}
	if _, err := m.ledger.Adjust(tx, sellerID, pair.Traded, quantity.Neg()); err != nil {
		return fmt.Errorf("settle traded leg: %w", err)
	}
	return nil
}
