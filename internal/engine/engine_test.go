package engine_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/engine"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

var eurstn = money.Pair{Payment: "STN", Traded: "EUR"}

type testExchange struct {
	store  *store.Store
	ledger *ledger.Ledger
	engine *engine.Engine
	ctx    context.Context
}

func newTestExchange(t *testing.T) *testExchange {
	t.Helper()
	log := zap.NewNop()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "portal.db"), log)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(
		&ledger.Account{}, &ledger.Balance{},
		&engine.Order{}, &engine.Trade{},
	))
	lg := ledger.New(money.NewSet([]string{"STN", "EUR", "USD"}), log)
	eng := engine.New(st, lg, log, []money.Pair{eurstn}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	return &testExchange{store: st, ledger: lg, engine: eng, ctx: ctx}
}

func (x *testExchange) seed(t *testing.T, accountID int64, balances map[money.Currency]string) {
	t.Helper()
	err := x.store.RunInTx(x.ctx, func(tx *gorm.DB) error {
		if _, err := x.ledger.CreateAccount(tx, accountID, "test", "unused"); err != nil {
			return err
		}
		for c, amount := range balances {
			if _, err := x.ledger.Adjust(tx, accountID, c, dec(amount)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (x *testExchange) balance(t *testing.T, accountID int64, c money.Currency) decimal.Decimal {
	t.Helper()
	bal, err := x.ledger.Get(x.store.DB, accountID, c)
	require.NoError(t, err)
	return bal
}

func (x *testExchange) submit(t *testing.T, accountID int64, side engine.Side, quantity, price string) *engine.Result {
	t.Helper()
	res, err := x.engine.Submit(x.ctx, engine.SubmitParams{
		AccountID: accountID,
		Side:      side,
		Quantity:  dec(quantity),
		Price:     dec(price),
		Pair:      eurstn,
	})
	require.NoError(t, err)
	return res
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSubmitRejectsNonPositive(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"STN": "1000"})

	_, err := x.engine.Submit(x.ctx, engine.SubmitParams{
		AccountID: 1, Side: engine.SideBid, Quantity: dec("0"), Price: dec("10"), Pair: eurstn,
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	_, err = x.engine.Submit(x.ctx, engine.SubmitParams{
		AccountID: 1, Side: engine.SideBid, Quantity: dec("5"), Price: dec("-1"), Pair: eurstn,
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestSubmitRejectsInsufficientFunds(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"STN": "100"})

	// 100 STN covers a 10 @ 10.00 bid exactly, nothing more.
	x.submit(t, 1, engine.SideBid, "10", "10.00")

	_, err := x.engine.Submit(x.ctx, engine.SubmitParams{
		AccountID: 1, Side: engine.SideBid, Quantity: dec("1"), Price: dec("1.00"), Pair: eurstn,
	})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestSubmitRejectsUnknownMarket(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"USD": "100"})

	_, err := x.engine.Submit(x.ctx, engine.SubmitParams{
		AccountID: 1, Side: engine.SideAsk, Quantity: dec("1"), Price: dec("1.00"),
		Pair: money.Pair{Payment: "USD", Traded: "EUR"},
	})
	assert.ErrorIs(t, err, engine.ErrUnknownMarket)
}

func TestMatchFollowsPriceTimePriority(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 2, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 3, map[money.Currency]string{"STN": "10000"})

	first := x.submit(t, 1, engine.SideAsk, "10", "10.00")
	second := x.submit(t, 2, engine.SideAsk, "10", "10.00")
	x.submit(t, 1, engine.SideAsk, "10", "10.05")

	// A bid for 25 crosses both 10.00 asks fully and the 10.05 ask in
	// part, each trade at the resting price.
	res := x.submit(t, 3, engine.SideBid, "25", "10.05")
	require.Len(t, res.Trades, 3)
	assert.True(t, res.Trades[0].Price.Equal(dec("10.00")))
	assert.Equal(t, int64(1), res.Trades[0].SellerID)
	assert.True(t, res.Trades[1].Price.Equal(dec("10.00")))
	assert.Equal(t, int64(2), res.Trades[1].SellerID)
	assert.True(t, res.Trades[2].Price.Equal(dec("10.05")))

	// The two swept asks are recorded fully traded, not deleted.
	for _, id := range []int64{first.Order.ID, second.Order.ID} {
		o, err := x.engine.Order(x.ctx, id)
		require.NoError(t, err)
		assert.False(t, o.Active)
		assert.True(t, o.Remaining.IsZero())
		assert.NotNil(t, o.TradedAt)
	}

	// Incoming bid fully filled: recorded inactive at zero.
	assert.False(t, res.Order.Active)
	assert.True(t, res.Order.Remaining.IsZero())

	// Buyer paid 10*10 + 10*10 + 5*10.05 = 250.25 STN for 25 EUR.
	assert.True(t, x.balance(t, 3, "STN").Equal(dec("9749.75")))
	assert.True(t, x.balance(t, 3, "EUR").Equal(dec("25")))
}

func TestNoOverlapPostsInFull(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 2, map[money.Currency]string{"STN": "1000"})

	x.submit(t, 1, engine.SideAsk, "10", "10.00")
	res := x.submit(t, 2, engine.SideBid, "5", "9.90")

	assert.Empty(t, res.Trades)
	assert.True(t, res.Order.Active)
	assert.True(t, res.Order.Remaining.Equal(dec("5")))
	assert.True(t, x.balance(t, 2, "STN").Equal(dec("1000")))
}

func TestPartialFillPostsResidual(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 2, map[money.Currency]string{"STN": "1000"})

	x.submit(t, 1, engine.SideAsk, "4", "10.00")
	res := x.submit(t, 2, engine.SideBid, "10", "10.00")

	require.Len(t, res.Trades, 1)
	assert.True(t, res.Order.Active)
	assert.True(t, res.Order.Remaining.Equal(dec("6")))
	assert.True(t, res.Order.Original.Equal(dec("10")))
}

func TestSettlementConservesTotals(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "50", "STN": "500"})
	x.seed(t, 2, map[money.Currency]string{"EUR": "50", "STN": "500"})

	x.submit(t, 1, engine.SideAsk, "20", "10.00")
	x.submit(t, 2, engine.SideBid, "20", "10.00")

	totalEUR := x.balance(t, 1, "EUR").Add(x.balance(t, 2, "EUR"))
	totalSTN := x.balance(t, 1, "STN").Add(x.balance(t, 2, "STN"))
	assert.True(t, totalEUR.Equal(dec("100")))
	assert.True(t, totalSTN.Equal(dec("1000")))
	assert.True(t, x.balance(t, 1, "STN").Equal(dec("700")))
	assert.True(t, x.balance(t, 2, "EUR").Equal(dec("70")))
}

func TestSelfTradeNetsAndStaysOffTape(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100", "STN": "1000"})

	x.submit(t, 1, engine.SideAsk, "10", "10.00")
	res := x.submit(t, 1, engine.SideBid, "10", "10.00")
	require.Len(t, res.Trades, 1)

	assert.True(t, x.balance(t, 1, "EUR").Equal(dec("100")))
	assert.True(t, x.balance(t, 1, "STN").Equal(dec("1000")))

	tape, err := x.engine.RecentTrades(x.ctx, eurstn, 10)
	require.NoError(t, err)
	assert.Empty(t, tape)

	mine, err := x.engine.AccountTrades(x.ctx, 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "wash", mine[0].Label)
}

func TestAccountTradesLabelEachSide(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 2, map[money.Currency]string{"STN": "1000"})

	x.submit(t, 1, engine.SideAsk, "10", "10.00")
	x.submit(t, 2, engine.SideBid, "10", "10.00")

	sellerView, err := x.engine.AccountTrades(x.ctx, 1)
	require.NoError(t, err)
	require.Len(t, sellerView, 1)
	assert.Equal(t, "sell", sellerView[0].Label)

	buyerView, err := x.engine.AccountTrades(x.ctx, 2)
	require.NoError(t, err)
	require.Len(t, buyerView, 1)
	assert.Equal(t, "buy", buyerView[0].Label)
}

func TestSubmitBotClipsToFreeBalance(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"STN": "50"})

	id, placed, err := x.engine.SubmitBot(x.ctx, 1, engine.SideBid, dec("10"), dec("7.00"), eurstn)
	require.NoError(t, err)
	require.True(t, placed)

	o, err := x.engine.Order(x.ctx, id)
	require.NoError(t, err)
	assert.True(t, o.Remaining.Equal(dec("7"))) // floor(50 / 7)

	// Nothing free: nothing placed, no error.
	_, placed, err = x.engine.SubmitBot(x.ctx, 1, engine.SideBid, dec("10"), dec("7.00"), eurstn)
	require.NoError(t, err)
	assert.False(t, placed)
}

func TestCancel(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100"})
	x.seed(t, 2, map[money.Currency]string{"STN": "1000"})

	res := x.submit(t, 1, engine.SideAsk, "10", "10.00")

	err := x.engine.Cancel(x.ctx, res.Order.ID, 2)
	assert.ErrorIs(t, err, engine.ErrNotOwner)

	require.NoError(t, x.engine.Cancel(x.ctx, res.Order.ID, 1))
	o, err := x.engine.Order(x.ctx, res.Order.ID)
	require.NoError(t, err)
	assert.False(t, o.Active)
	assert.NotNil(t, o.CancelledAt)

	// A cancelled order no longer matches.
	bid := x.submit(t, 2, engine.SideBid, "10", "10.00")
	assert.Empty(t, bid.Trades)

	err = x.engine.Cancel(x.ctx, 9999, 1)
	assert.ErrorIs(t, err, engine.ErrNoOrder)
}

func TestBookAggregatesLevels(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"EUR": "100", "STN": "1000"})

	x.submit(t, 1, engine.SideBid, "5", "9.80")
	x.submit(t, 1, engine.SideBid, "3", "9.90")
	x.submit(t, 1, engine.SideBid, "2", "9.90")
	x.submit(t, 1, engine.SideAsk, "4", "10.10")
	x.submit(t, 1, engine.SideAsk, "6", "10.05")

	snap, err := x.engine.Book(x.ctx, eurstn, 7)
	require.NoError(t, err)

	require.Len(t, snap.Bids, 2)
	assert.True(t, snap.Bids[0].Price.Equal(dec("9.90")))
	assert.True(t, snap.Bids[0].Quantity.Equal(dec("5")))
	assert.True(t, snap.Bids[1].Price.Equal(dec("9.80")))

	require.Len(t, snap.Asks, 2)
	assert.True(t, snap.Asks[0].Price.Equal(dec("10.05")))
	assert.True(t, snap.Asks[1].Price.Equal(dec("10.10")))
}

func TestBookDepthBound(t *testing.T) {
	x := newTestExchange(t)
	x.seed(t, 1, map[money.Currency]string{"STN": "10000"})

	for i := 0; i < 5; i++ {
		x.submit(t, 1, engine.SideBid, "1", dec("9.00").Add(decimal.NewFromInt(int64(i)).Div(dec("100"))).String())
	}
	snap, err := x.engine.Book(x.ctx, eurstn, 3)
	require.NoError(t, err)
	assert.Len(t, snap.Bids, 3)
	assert.True(t, snap.Bids[0].Price.Equal(dec("9.04")))
}
