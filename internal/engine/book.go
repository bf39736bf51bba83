package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cambio/internal/money"
)

// Level is one aggregated price level of the book.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot holds both sides of a market, best prices first.
type BookSnapshot struct {
	Market string  `json:"market"`
	Bids   []Level `json:"bids"`
	Asks   []Level `json:"asks"`
}

// Book aggregates active orders by price. Bids come back highest
// first, asks lowest first, each side bounded to depth levels.
func (e *Engine) Book(ctx context.Context, pair money.Pair, depth int) (*BookSnapshot, error) {
	var open []Order
	err := e.store.DB.WithContext(ctx).
		Where("payment = ? AND traded = ? AND active = ?", pair.Payment, pair.Traded, true).
		Order("price asc, id asc").
		Find(&open).Error
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	snap := &BookSnapshot{Market: pair.Symbol()}
	bids := map[string]*Level{}
	asks := map[string]*Level{}
	var bidOrder, askOrder []string
	for i := range open {
		o := &open[i]
		key := o.Price.String()
		levels, order := asks, &askOrder
		if o.Side == SideBid {
			levels, order = bids, &bidOrder
		}
		lv, ok := levels[key]
		if !ok {
			lv = &Level{Price: o.Price}
			levels[key] = lv
			*order = append(*order, key)
		}
		lv.Quantity = lv.Quantity.Add(o.Remaining)
	}
	// Orders were scanned price ascending, so askOrder is already best
	// first; bids get reversed.
	for i := len(bidOrder) - 1; i >= 0 && len(snap.Bids) < depth; i-- {
		snap.Bids = append(snap.Bids, *bids[bidOrder[i]])
	}
	for i := 0; i < len(askOrder) && len(snap.Asks) < depth; i++ {
		snap.Asks = append(snap.Asks, *asks[askOrder[i]])
	}
	return snap, nil
}

// RecentTrades returns the latest executions in a market, newest
// first. Self-trades are excluded from the public tape.
func (e *Engine) RecentTrades(ctx context.Context, pair money.Pair, limit int) ([]Trade, error) {
	var trades []Trade
	err := e.store.DB.WithContext(ctx).
		Where("payment = ? AND traded = ? AND buyer_id <> seller_id", pair.Payment, pair.Traded).
		Order("id desc").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	return trades, nil
}

// LastTrade returns the most recent execution in a market including
// self-trades, or nil when the market has never traded.
func (e *Engine) LastTrade(ctx context.Context, pair money.Pair) (*Trade, error) {
	var trade Trade
	err := e.store.DB.WithContext(ctx).
		Where("payment = ? AND traded = ?", pair.Payment, pair.Traded).
		Order("id desc").
		First(&trade).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load last trade: %w", err)
	}
	return &trade, nil
}

// AccountOrders lists an account's orders, newest first. When
// activeOnly is set, filled and cancelled orders are skipped.
func (e *Engine) AccountOrders(ctx context.Context, accountID int64, activeOnly bool) ([]Order, error) {
	q := e.store.DB.WithContext(ctx).Where("account_id = ?", accountID)
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var orders []Order
	if err := q.Order("id desc").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("load account orders: %w", err)
	}
	return orders, nil
}

// AccountTrade is one execution seen from a single account's side.
type AccountTrade struct {
	Trade
	Label string `json:"label"`
}

// AccountTrades lists every trade the account took part in, newest
// first. Self-trades are kept and labeled as washes rather than
// hidden, so the history reconciles against the ledger.
func (e *Engine) AccountTrades(ctx context.Context, accountID int64) ([]AccountTrade, error) {
	var trades []Trade
	err := e.store.DB.WithContext(ctx).
		Where("buyer_id = ? OR seller_id = ?", accountID, accountID).
		Order("id desc").
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("load account trades: %w", err)
	}
	out := make([]AccountTrade, 0, len(trades))
	for _, t := range trades {
		label := "sell"
		switch {
		case t.BuyerID == t.SellerID:
			label = "wash"
		case t.BuyerID == accountID:
			label = "buy"
		}
		out = append(out, AccountTrade{Trade: t, Label: label})
	}
	return out, nil
}

// Order loads one order by id.
func (e *Engine) Order(ctx context.Context, id int64) (*Order, error) {
	var order Order
	if err := e.store.DB.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoOrder
		}
		return nil, fmt.Errorf("load order %d: %w", id, err)
	}
	return &order, nil
}
