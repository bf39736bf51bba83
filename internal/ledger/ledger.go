// Package ledger holds per-account, per-currency balances. Balances are
// mutated only inside a transaction opened by the matching engine, the
// flow workflow or a payment transfer; no other component writes here.
package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"cambio/internal/money"
)

var (
	// ErrUnknownCurrency rejects balance access outside the recognized set.
	ErrUnknownCurrency = errors.New("unknown currency")
	// ErrInsufficientFunds guards the no-negative-balance invariant.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrNoAccount is returned for a missing account number.
	ErrNoAccount = errors.New("account not found")
)

// Account is a portal account. The credential hash is verified by the
// auth package; the ledger only stores it.
type Account struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"size:100"`
	PasswordHash string `gorm:"size:100"`
	CreatedAt    time.Time
}

// Balance is one currency position of one account. A missing row reads
// as zero.
type Balance struct {
	AccountID int64           `gorm:"primaryKey"`
	Currency  money.Currency  `gorm:"primaryKey;size:6"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2)"`
}

// Ledger mediates all balance reads and writes. It carries no database
// handle of its own: every method runs on the caller's transaction so
// that balance changes commit or roll back with the rest of the unit.
type Ledger struct {
	currencies money.Set
	log        *zap.Logger
}

func New(currencies money.Set, log *zap.Logger) *Ledger {
	return &Ledger{currencies: currencies, log: log}
}

func (l *Ledger) Currencies() money.Set { return l.currencies }

// Account loads an account by number.
func (l *Ledger) Account(tx *gorm.DB, id int64) (*Account, error) {
	var acct Account
	if err := tx.First(&acct, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAccount
		}
		return nil, fmt.Errorf("load account %d: %w", id, err)
	}
	return &acct, nil
}

// CreateAccount registers a new account. The caller supplies an
// already-hashed credential.
func (l *Ledger) CreateAccount(tx *gorm.DB, id int64, name, passwordHash string) (*Account, error) {
	acct := &Account{ID: id, Name: name, PasswordHash: passwordHash}
	if err := tx.Create(acct).Error; err != nil {
		return nil, fmt.Errorf("create account %d: %w", id, err)
	}
	return acct, nil
}

// Get reads a balance. Unknown accounts read as zero too: the row is
// only materialized on first credit.
func (l *Ledger) Get(tx *gorm.DB, accountID int64, c money.Currency) (decimal.Decimal, error) {
	if !l.currencies.Contains(c) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, c)
	}
	var bal Balance
	err := tx.First(&bal, "account_id = ? AND currency = ?", accountID, c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("load balance %d/%s: %w", accountID, c, err)
	}
	return bal.Amount, nil
}

// Adjust applies a signed delta to a balance and returns the new
// amount. A delta that would take the balance below zero fails with
// ErrInsufficientFunds; exactly zero is permitted.
func (l *Ledger) Adjust(tx *gorm.DB, accountID int64, c money.Currency, delta decimal.Decimal) (decimal.Decimal, error) {
	current, err := l.Get(tx, accountID, c)
	if err != nil {
		return decimal.Zero, err
	}
	next := money.Quantize(current.Add(delta))
	if next.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: account %d %s %s after %s", ErrInsufficientFunds,
			accountID, c, current, delta)
	}
	bal := Balance{AccountID: accountID, Currency: c, Amount: next}
	if err := tx.Save(&bal).Error; err != nil {
		return decimal.Zero, fmt.Errorf("save balance %d/%s: %w", accountID, c, err)
	}
	l.log.Info("balance adjusted",
		zap.Int64("account_id", accountID),
		zap.String("currency", c.String()),
		zap.String("amount", next.String()))
	return next, nil
}

// Balances returns every materialized balance of an account, keyed by
// currency. Currencies without a row are absent and read as zero.
func (l *Ledger) Balances(tx *gorm.DB, accountID int64) (map[money.Currency]decimal.Decimal, error) {
	var rows []Balance
	if err := tx.Where("account_id = ?", accountID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load balances %d: %w", accountID, err)
	}
	out := make(map[money.Currency]decimal.Decimal, len(rows))
	for _, b := range rows {
		out[b.Currency] = b.Amount
	}
	return out, nil
}
