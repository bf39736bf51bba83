package bot_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/bot"
	"cambio/internal/engine"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

const (
	ladderAccount  = 6000000
	trackerAccount = 6010000
	counterAccount = 7000000
)

var (
	eurstn = money.Pair{Payment: "STN", Traded: "EUR"}
	usdeur = money.Pair{Payment: "EUR", Traded: "USD"}
)

type testMarket struct {
	store  *store.Store
	ledger *ledger.Ledger
	engine *engine.Engine
	ctx    context.Context
}

func newTestMarket(t *testing.T) *testMarket {
	t.Helper()
	log := zap.NewNop()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "bots.db"), log)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(
		&ledger.Account{}, &ledger.Balance{},
		&engine.Order{}, &engine.Trade{},
		&bot.State{},
	))
	lg := ledger.New(money.NewSet([]string{"STN", "EUR", "USD"}), log)
	eng := engine.New(st, lg, log, []money.Pair{eurstn, usdeur}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go eng.Run(ctx)

	m := &testMarket{store: st, ledger: lg, engine: eng, ctx: ctx}
	for _, id := range []int64{ladderAccount, trackerAccount, counterAccount} {
		m.seed(t, id, map[money.Currency]string{"STN": "100000", "EUR": "100000", "USD": "100000"})
	}
	return m
}

func (m *testMarket) seed(t *testing.T, accountID int64, balances map[money.Currency]string) {
	t.Helper()
	err := m.store.RunInTx(m.ctx, func(tx *gorm.DB) error {
		if _, err := m.ledger.CreateAccount(tx, accountID, "bot", "unused"); err != nil {
			return err
		}
		for c, amount := range balances {
			if _, err := m.ledger.Adjust(tx, accountID, c, dec(amount)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// counter submits a manual order from the counterparty account.
func (m *testMarket) counter(t *testing.T, pair money.Pair, side engine.Side, quantity, price string) *engine.Result {
	t.Helper()
	res, err := m.engine.Submit(m.ctx, engine.SubmitParams{
		AccountID: counterAccount,
		Side:      side,
		Quantity:  dec(quantity),
		Price:     dec(price),
		Pair:      pair,
	})
	require.NoError(t, err)
	return res
}

func (m *testMarket) state(t *testing.T, accountID int64) *bot.State {
	t.Helper()
	var s bot.State
	require.NoError(t, m.store.DB.First(&s, "account_id = ?", accountID).Error)
	return &s
}

// bankPrices resolves a bank's order ids to their prices.
func (m *testMarket) bankPrices(t *testing.T, bank []int64) []string {
	t.Helper()
	out := make([]string, 0, len(bank))
	for _, id := range bank {
		o, err := m.engine.Order(m.ctx, id)
		require.NoError(t, err)
		out = append(out, o.Price.StringFixed(2))
	}
	return out
}

func (m *testMarket) order(t *testing.T, id int64) *engine.Order {
	t.Helper()
	o, err := m.engine.Order(m.ctx, id)
	require.NoError(t, err)
	return o
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
