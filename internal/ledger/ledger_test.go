package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

func newTestLedger(t *testing.T) (*store.Store, *ledger.Ledger) {
	t.Helper()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.Migrate(&ledger.Account{}, &ledger.Balance{}))
	return st, ledger.New(money.NewSet([]string{"STN", "EUR"}), zap.NewNop())
}

func TestAdjustRefusesNegativeBalance(t *testing.T) {
	st, lg := newTestLedger(t)
	err := st.RunInTx(context.Background(), func(tx *gorm.DB) error {
		if _, err := lg.Adjust(tx, 1, "EUR", decimal.NewFromInt(10)); err != nil {
			return err
		}
		_, err := lg.Adjust(tx, 1, "EUR", decimal.NewFromInt(-11))
		assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

		// Draining to exactly zero is allowed.
		next, err := lg.Adjust(tx, 1, "EUR", decimal.NewFromInt(-10))
		require.NoError(t, err)
		assert.True(t, next.IsZero())
		return nil
	})
	require.NoError(t, err)
}

func TestUnknownCurrencyRejected(t *testing.T) {
	st, lg := newTestLedger(t)
	err := st.RunInTx(context.Background(), func(tx *gorm.DB) error {
		_, err := lg.Get(tx, 1, "BTC")
		assert.ErrorIs(t, err, ledger.ErrUnknownCurrency)
		_, err = lg.Adjust(tx, 1, "BTC", decimal.NewFromInt(1))
		assert.ErrorIs(t, err, ledger.ErrUnknownCurrency)
		return nil
	})
	require.NoError(t, err)
}

func TestMissingRowsReadAsZero(t *testing.T) {
	st, lg := newTestLedger(t)
	bal, err := lg.Get(st.DB, 42, "EUR")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())

	balances, err := lg.Balances(st.DB, 42)
	require.NoError(t, err)
	assert.Empty(t, balances)
}

func TestAccountLookup(t *testing.T) {
	st, lg := newTestLedger(t)
	err := st.RunInTx(context.Background(), func(tx *gorm.DB) error {
		_, err := lg.Account(tx, 7)
		assert.ErrorIs(t, err, ledger.ErrNoAccount)

		if _, err := lg.CreateAccount(tx, 7, "Ana", "hash"); err != nil {
			return err
		}
		acct, err := lg.Account(tx, 7)
		require.NoError(t, err)
		assert.Equal(t, "Ana", acct.Name)
		return nil
	})
	require.NoError(t, err)
}
