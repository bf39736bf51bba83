package payment_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/auth"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/payment"
	"cambio/internal/store"
)

const password = "hunter2"

func newTestService(t *testing.T) (*store.Store, *ledger.Ledger, *payment.Service) {
	t.Helper()
	log := zap.NewNop()
	st, err := store.Open("sqlite", filepath.Join(t.TempDir(), "payments.db"), log)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(&ledger.Account{}, &ledger.Balance{}, &payment.Payment{}))
	lg := ledger.New(money.NewSet([]string{"STN", "EUR"}), log)
	svc := payment.NewService(st, lg, log)

	hash, err := auth.HashCredential(password)
	require.NoError(t, err)
	err = st.RunInTx(context.Background(), func(tx *gorm.DB) error {
		if _, err := lg.CreateAccount(tx, 1, "sender", hash); err != nil {
			return err
		}
		if _, err := lg.CreateAccount(tx, 2, "recipient", hash); err != nil {
			return err
		}
		_, err := lg.Adjust(tx, 1, "EUR", decimal.NewFromInt(50))
		return err
	})
	require.NoError(t, err)
	return st, lg, svc
}

func TestSendMovesFunds(t *testing.T) {
	st, lg, svc := newTestService(t)
	ctx := context.Background()

	p, err := svc.Send(ctx, 1, 2, "EUR", decimal.NewFromInt(20), password)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.FromID)

	from, err := lg.Get(st.DB, 1, "EUR")
	require.NoError(t, err)
	to, err := lg.Get(st.DB, 2, "EUR")
	require.NoError(t, err)
	assert.True(t, from.Equal(decimal.NewFromInt(30)))
	assert.True(t, to.Equal(decimal.NewFromInt(20)))

	history, err := svc.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSendRejections(t *testing.T) {
	st, lg, svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Send(ctx, 1, 1, "EUR", decimal.NewFromInt(5), password)
	assert.ErrorIs(t, err, payment.ErrRejected)

	_, err = svc.Send(ctx, 1, 2, "EUR", decimal.NewFromInt(-5), password)
	assert.ErrorIs(t, err, payment.ErrRejected)

	_, err = svc.Send(ctx, 1, 2, "EUR", decimal.NewFromInt(5), "wrong")
	assert.ErrorIs(t, err, payment.ErrRejected)

	_, err = svc.Send(ctx, 1, 2, "EUR", decimal.NewFromInt(500), password)
	assert.ErrorIs(t, err, payment.ErrRejected)

	_, err = svc.Send(ctx, 1, 424242, "EUR", decimal.NewFromInt(5), password)
	assert.ErrorIs(t, err, ledger.ErrNoAccount)

	// Nothing moved.
	from, err := lg.Get(st.DB, 1, "EUR")
	require.NoError(t, err)
	assert.True(t, from.Equal(decimal.NewFromInt(50)))
}
