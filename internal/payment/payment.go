// Package payment moves funds directly between two accounts, outside
// of trading and outside of the flow approval queue.
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/auth"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

// ErrRejected marks payments refused before any mutation.
var ErrRejected = errors.New("payment rejected")

// Payment records one completed transfer.
type Payment struct {
	ID        int64           `gorm:"primaryKey"`
	FromID    int64           `gorm:"index"`
	ToID      int64           `gorm:"index"`
	Currency  money.Currency  `gorm:"size:6"`
	Quantity  decimal.Decimal `gorm:"type:numeric(12,2)"`
	CreatedAt time.Time
}

type Service struct {
	store  *store.Store
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewService(st *store.Store, lg *ledger.Ledger, log *zap.Logger) *Service {
	return &Service{store: st, ledger: lg, log: log}
}

// Send debits the sender and credits the recipient atomically. The
// sender must present its password and hold the full amount.
func (s *Service) Send(ctx context.Context, fromID, toID int64, currency money.Currency, quantity decimal.Decimal, credential string) (*Payment, error) {
	if !quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrRejected)
	}
	if fromID == toID {
		return nil, fmt.Errorf("%w: cannot pay yourself", ErrRejected)
	}
	if !s.ledger.Currencies().Contains(currency) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownCurrency, currency)
	}
	p := &Payment{FromID: fromID, ToID: toID, Currency: currency, Quantity: money.Quantize(quantity)}
	err := s.store.RunInTx(ctx, func(tx *gorm.DB) error {
		sender, err := s.ledger.Account(tx, fromID)
		if err != nil {
			return err
		}
		if err := auth.VerifyCredential(sender.PasswordHash, credential); err != nil {
			return fmt.Errorf("%w: %s", ErrRejected, err)
		}
		if _, err := s.ledger.Account(tx, toID); err != nil {
			return err
		}
		if _, err := s.ledger.Adjust(tx, fromID, currency, p.Quantity.Neg()); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return fmt.Errorf("%w: %s", ErrRejected, err)
			}
			return err
		}
		if _, err := s.ledger.Adjust(tx, toID, currency, p.Quantity); err != nil {
			return err
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("payment sent",
		zap.Int64("from", fromID),
		zap.Int64("to", toID),
		zap.String("currency", string(currency)),
		zap.String("quantity", p.Quantity.String()))
	return p, nil
}

// History lists payments the account sent or received, newest first.
func (s *Service) History(ctx context.Context, accountID int64) ([]Payment, error) {
	var payments []Payment
	err := s.store.DB.WithContext(ctx).
		Where("from_id = ? OR to_id = ?", accountID, accountID).
		Order("id desc").
		Find(&payments).Error
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	return payments, nil
}
