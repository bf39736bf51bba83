// Package flow implements the deposit/withdrawal workflow. A flow is
// created Pending and ends in exactly one of Approved or Cancelled.
// Withdrawals debit the ledger at creation time and may force-cancel
// resting orders that the reduced balance no longer covers; deposits
// credit only on approval.
package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/auth"
	"cambio/internal/engine"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/store"
)

var (
	// ErrRejected marks submissions refused before any mutation.
	ErrRejected = errors.New("flow rejected")
	// ErrNoFlow is returned for an unknown flow id.
	ErrNoFlow = errors.New("flow not found")
	// ErrNotPending rejects a second terminal transition.
	ErrNotPending = errors.New("flow is not pending")
)

// Status of a flow. Pending is the only non-terminal state.
type Status int

const (
	StatusPending Status = iota
	StatusApproved
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Flow is one deposit or withdrawal request. Quantity is signed:
// positive deposits, negative withdrawals.
type Flow struct {
	ID        int64           `gorm:"primaryKey"`
	Currency  money.Currency  `gorm:"size:6"`
	Quantity  decimal.Decimal `gorm:"type:numeric(12,2)"`
	AccountID int64           `gorm:"index"`
	Status    Status          `gorm:"index"`

	CreatedAt   time.Time
	ExecutedAt  *time.Time
	CancelledAt *time.Time
}

func (f *Flow) Withdrawal() bool { return f.Quantity.IsNegative() }

// SubmitParams describes one flow request. When the initiator is an
// administrator it may target any existing account and no credential
// is needed; otherwise the initiator may only move its own funds and
// must present its password.
type SubmitParams struct {
	InitiatorID int64
	AccountID   int64
	Currency    money.Currency
	Quantity    decimal.Decimal
	Credential  string
}

// Service owns flow creation and the two terminal transitions.
type Service struct {
	store  *store.Store
	ledger *ledger.Ledger
	log    *zap.Logger
	admins map[int64]struct{}
}

func NewService(st *store.Store, lg *ledger.Ledger, log *zap.Logger, adminAccounts []int64) *Service {
	admins := make(map[int64]struct{}, len(adminAccounts))
	for _, id := range adminAccounts {
		admins[id] = struct{}{}
	}
	return &Service{store: st, ledger: lg, log: log, admins: admins}
}

// Submit creates a flow. The flow row, the withdrawal debit and any
// forced order cancellations commit together or not at all.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*Flow, error) {
	if p.Quantity.IsZero() {
		return nil, fmt.Errorf("%w: quantity must be non-zero", ErrRejected)
	}
	if !s.ledger.Currencies().Contains(p.Currency) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrUnknownCurrency, p.Currency)
	}

	f := &Flow{
		Currency:  p.Currency,
		Quantity:  money.Quantize(p.Quantity),
		AccountID: p.AccountID,
		Status:    StatusPending,
	}
	err := s.store.RunInTx(ctx, func(tx *gorm.DB) error {
		account, err := s.ledger.Account(tx, p.AccountID)
		if err != nil {
			return err
		}
		if _, admin := s.admins[p.InitiatorID]; !admin {
			if p.InitiatorID != p.AccountID {
				return fmt.Errorf("%w: cannot move another account's funds", ErrRejected)
			}
			if err := auth.VerifyCredential(account.PasswordHash, p.Credential); err != nil {
				return fmt.Errorf("%w: %s", ErrRejected, err)
			}
		}
		if f.Withdrawal() {
			// Debit now; approval only confirms. Adjust refuses to go
			// below zero, which is the resulting-balance check.
			if _, err := s.ledger.Adjust(tx, p.AccountID, p.Currency, f.Quantity); err != nil {
				if errors.Is(err, ledger.ErrInsufficientFunds) {
					return fmt.Errorf("%w: %s", ErrRejected, err)
				}
				return err
			}
			if err := s.cancelUncovered(tx, p.AccountID, p.Currency); err != nil {
				return err
			}
		}
		return tx.Create(f).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("flow submitted",
		zap.Int64("flow_id", f.ID),
		zap.Int64("account_id", f.AccountID),
		zap.String("currency", string(f.Currency)),
		zap.String("quantity", f.Quantity.String()))
	return f, nil
}

// Approve moves a Pending flow to Approved and, for deposits, credits
// the ledger.
func (s *Service) Approve(ctx context.Context, flowID int64) (*Flow, error) {
	return s.finish(ctx, flowID, StatusApproved)
}

// Cancel moves a Pending flow to Cancelled and, for withdrawals,
// refunds the debit taken at creation.
func (s *Service) Cancel(ctx context.Context, flowID int64) (*Flow, error) {
	return s.finish(ctx, flowID, StatusCancelled)
}

func (s *Service) finish(ctx context.Context, flowID int64, terminal Status) (*Flow, error) {
	var f Flow
	err := s.store.RunInTx(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&f, "id = ?", flowID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoFlow
			}
			return fmt.Errorf("load flow %d: %w", flowID, err)
		}
		if f.Status != StatusPending {
			return fmt.Errorf("%w: flow %d is %s", ErrNotPending, flowID, f.Status)
		}
		ts := time.Now()
		switch terminal {
		case StatusApproved:
			if !f.Withdrawal() {
				if _, err := s.ledger.Adjust(tx, f.AccountID, f.Currency, f.Quantity); err != nil {
					return err
				}
			}
			f.Status = StatusApproved
			f.ExecutedAt = &ts
		case StatusCancelled:
			if f.Withdrawal() {
				if _, err := s.ledger.Adjust(tx, f.AccountID, f.Currency, f.Quantity.Neg()); err != nil {
					return err
				}
			}
			f.Status = StatusCancelled
			f.CancelledAt = &ts
		}
		return tx.Save(&f).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("flow finished",
		zap.Int64("flow_id", f.ID),
		zap.String("status", f.Status.String()))
	return &f, nil
}

// Pending lists the approval queue, oldest first.
func (s *Service) Pending(ctx context.Context) ([]Flow, error) {
	var flows []Flow
	err := s.store.DB.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("id asc").
		Find(&flows).Error
	if err != nil {
		return nil, fmt.Errorf("load pending flows: %w", err)
	}
	return flows, nil
}

// AccountFlows lists an account's flows, newest first.
func (s *Service) AccountFlows(ctx context.Context, accountID int64) ([]Flow, error) {
	var flows []Flow
	err := s.store.DB.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id desc").
		Find(&flows).Error
	if err != nil {
		return nil, fmt.Errorf("load account flows: %w", err)
	}
	return flows, nil
}

// cancelUncovered scans the account's resting orders that consume the
// withdrawn currency (bids paying in it, asks selling it) in order-id
// order, accumulating their commitment. The first order that would push
// the total past the reduced balance is deactivated along with every
// order after it, so resting commitments never exceed free balance.
//
// The deactivations run on the withdrawal's transaction, not through
// the market loops: the debit and the cancellations must be one atomic
// unit. A sweep racing this transaction on the same rows fails with a
// conflict the store retries, so a resting order is either traded or
// cancelled, never both.
func (s *Service) cancelUncovered(tx *gorm.DB, accountID int64, currency money.Currency) error {
	available, err := s.ledger.Get(tx, accountID, currency)
	if err != nil {
		return err
	}
	var open []engine.Order
	err = tx.Where("account_id = ? AND active = ? AND ((side = ? AND payment = ?) OR (side = ? AND traded = ?))",
		accountID, true, engine.SideBid, currency, engine.SideAsk, currency).
		Order("id asc").
		Find(&open).Error
	if err != nil {
		return fmt.Errorf("load resting orders: %w", err)
	}
	used := decimal.Zero
	cancelling := false
	for i := range open {
		o := &open[i]
		if !cancelling && used.Add(o.Commitment()).GreaterThan(available) {
			cancelling = true
		}
		if cancelling {
			o.Active = false
			ts := time.Now()
			o.CancelledAt = &ts
			if err := tx.Save(o).Error; err != nil {
				return fmt.Errorf("cancel order %d: %w", o.ID, err)
			}
			s.log.Info("order cancelled by withdrawal",
				zap.Int64("order_id", o.ID),
				zap.Int64("account_id", accountID))
			continue
		}
		used = used.Add(o.Commitment())
	}
	return nil
}
