// Package engine is the matching core: one serialized command loop per
// market accepts order submissions and cancellations, runs the sweep
// inside a single storage transaction, and hands executed trades to
// the bot dispatcher and any other notifier after commit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

var (
	// ErrValidation marks rejections that happen before any mutation.
	ErrValidation = errors.New("rejected")
	// ErrUnknownMarket is returned for a pair no loop is running for.
	ErrUnknownMarket = errors.New("unknown market")
	// ErrNoOrder is returned when an order id does not exist.
	ErrNoOrder = errors.New("order not found")
	// ErrNotOwner rejects cancelling someone else's order.
	ErrNotOwner = errors.New("order belongs to another account")
)

// Notifier receives committed trades. The bot dispatcher implements
// this to wake bots whose accounts were touched.
type Notifier interface {
	NotifyTrades(trades []Trade)
}

// SubmitParams is a validated manual order submission.
type SubmitParams struct {
	AccountID int64
	Side      Side
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	Pair      money.Pair
	Notify    bool
}

type cmdKind int

const (
	cmdSubmit cmdKind = iota
	cmdSubmitBot
	cmdCancel
)

type command struct {
	kind   cmdKind
	submit SubmitParams
	cancel struct {
		orderID   int64
		accountID int64 // 0 allows any owner (administrator path)
	}
	resp chan response
}

type response struct {
	result *Result
	err    error
}

// Engine routes commands into per-market loops. Everything that
// mutates a market's book goes through that market's loop, which keeps
// price-time priority evaluated against a consistent snapshot.
type Engine struct {
	store    *store.Store
	ledger   *ledger.Ledger
	matcher  *Matcher
	log      *zap.Logger
	notifier Notifier

	markets map[money.Pair]chan command
	pairs   []money.Pair
}

func New(st *store.Store, lg *ledger.Ledger, log *zap.Logger, pairs []money.Pair, buffer int) *Engine {
	e := &Engine{
		store:   st,
		ledger:  lg,
		matcher: NewMatcher(lg, log),
		log:     log,
		markets: make(map[money.Pair]chan command, len(pairs)),
		pairs:   pairs,
	}
	for _, p := range pairs {
		e.markets[p] = make(chan command, buffer)
	}
	return e
}

// SetNotifier wires the post-commit trade sink. Must be called before Run.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) Pairs() []money.Pair { return e.pairs }

// Run starts one loop per market and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for pair, cmds := range e.markets {
		go e.runMarket(ctx, pair, cmds)
	}
	<-ctx.Done()
}

func (e *Engine) runMarket(ctx context.Context, pair money.Pair, cmds chan command) {
	for {
		select {
		case cmd := <-cmds:
			var res *Result
			err := e.store.RunInTx(ctx, func(tx *gorm.DB) error {
				var txErr error
				switch cmd.kind {
				case cmdSubmit:
					res, txErr = e.executeSubmit(tx, cmd.submit)
				case cmdSubmitBot:
					res, txErr = e.executeBotSubmit(tx, cmd.submit)
				case cmdCancel:
					txErr = e.executeCancel(tx, cmd.cancel.orderID, cmd.cancel.accountID)
				}
				return txErr
			})
			if err == nil && res != nil && len(res.Trades) > 0 && e.notifier != nil {
				e.notifier.NotifyTrades(res.Trades)
			}
			cmd.resp <- response{result: res, err: err}
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, pair money.Pair, cmd command) (*Result, error) {
	cmds, ok := e.markets[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, pair.Symbol())
	}
	cmd.resp = make(chan response, 1)
	select {
	case cmds <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.resp:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit places a manual order. Quantity and price must be positive and
// the account must have free balance for the full commitment counting
// its other open orders in this market; otherwise the submission is
// rejected before any state changes.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*Result, error) {
	if !p.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if !p.Price.IsPositive() {
		return nil, fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	return e.dispatch(ctx, p.Pair, command{kind: cmdSubmit, submit: p})
}

// SubmitBot places a bot order. Instead of rejecting on insufficient
// funds, the quantity is clipped down to what the free balance covers
// (floored to whole units); a zero clip places nothing.
func (e *Engine) SubmitBot(ctx context.Context, accountID int64, side Side, quantity, price decimal.Decimal, pair money.Pair) (int64, bool, error) {
	p := SubmitParams{AccountID: accountID, Side: side, Quantity: quantity, Price: price, Pair: pair}
	res, err := e.dispatch(ctx, pair, command{kind: cmdSubmitBot, submit: p})
	if err != nil {
		return 0, false, err
	}
	if res == nil || res.Order == nil {
		return 0, false, nil
	}
	return res.Order.ID, true, nil
}

// Cancel deactivates a resting order. accountID 0 skips the ownership
// check (administrator path); otherwise the order must belong to the
// caller.
func (e *Engine) Cancel(ctx context.Context, orderID, accountID int64) error {
	var probe Order
	if err := e.store.DB.WithContext(ctx).First(&probe, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoOrder
		}
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	cmd := command{kind: cmdCancel}
	cmd.cancel.orderID = orderID
	cmd.cancel.accountID = accountID
	_, err := e.dispatch(ctx, probe.Pair(), cmd)
	return err
}

func (e *Engine) executeSubmit(tx *gorm.DB, p SubmitParams) (*Result, error) {
	committed, err := e.committedBalance(tx, p.AccountID, p.Pair, p.Side)
	if err != nil {
		return nil, err
	}
	var needCurrency money.Currency
	var need decimal.Decimal
	if p.Side == SideBid {
		needCurrency = p.Pair.Payment
		need = p.Quantity.Mul(p.Price)
	} else {
		needCurrency = p.Pair.Traded
		need = p.Quantity
	}
	balance, err := e.ledger.Get(tx, p.AccountID, needCurrency)
	if err != nil {
		return nil, err
	}
	if committed.Add(need).GreaterThan(balance) {
		return nil, fmt.Errorf("%w: insufficient %s balance", ErrValidation, needCurrency)
	}
	return e.matcher.EnterOrder(tx, p.AccountID, p.Side, p.Quantity, p.Price, p.Pair, p.Notify)
}

func (e *Engine) executeBotSubmit(tx *gorm.DB, p SubmitParams) (*Result, error) {
	committed, err := e.committedBalance(tx, p.AccountID, p.Pair, p.Side)
	if err != nil {
		return nil, err
	}
	quantity := p.Quantity
	if p.Side == SideBid {
		balance, err := e.ledger.Get(tx, p.AccountID, p.Pair.Payment)
		if err != nil {
			return nil, err
		}
		free := balance.Sub(committed).Div(p.Price)
		quantity = money.FloorUnits(decimal.Min(quantity, free))
	} else {
		balance, err := e.ledger.Get(tx, p.AccountID, p.Pair.Traded)
		if err != nil {
			return nil, err
		}
		free := balance.Sub(committed)
		quantity = money.FloorUnits(decimal.Min(quantity, free))
	}
	if !quantity.IsPositive() {
		// No funds free for this quote; nothing placed.
		return &Result{}, nil
	}
	return e.matcher.EnterOrder(tx, p.AccountID, p.Side, quantity, p.Price, p.Pair, false)
}

func (e *Engine) executeCancel(tx *gorm.DB, orderID, accountID int64) error {
	var order Order
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoOrder
		}
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	if accountID != 0 && order.AccountID != accountID {
		return ErrNotOwner
	}
	if !order.Active {
		return nil
	}
	order.Active = false
	ts := time.Now()
	order.CancelledAt = &ts
	if err := tx.Save(&order).Error; err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	e.log.Info("order cancelled", zap.Int64("order_id", orderID))
	return nil
}

// committedBalance sums the commitment of the account's other active
// orders on the same side of this market.
func (e *Engine) committedBalance(tx *gorm.DB, accountID int64, pair money.Pair, side Side) (decimal.Decimal, error) {
	var open []Order
	err := tx.Where("account_id = ? AND payment = ? AND traded = ? AND side = ? AND active = ?",
		accountID, pair.Payment, pair.Traded, side, true).Find(&open).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("load open orders: %w", err)
	}
	total := decimal.Zero
	for i := range open {
		total = total.Add(open[i].Commitment())
	}
	return total, nil
}
