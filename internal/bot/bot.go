// Package bot runs the two market-making strategies. Each bot owns one
// account and one market, persists its quote state between ticks, and
// mutates only orders it placed itself.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"cambio/internal/engine"
	"cambio/internal/money"
	"cambio/internal/store"
)

// Trigger says why a tick is running. Timer ticks re-check quote
// sizes; trade ticks skip the size check so partial fills do not churn
// quotes.
type Trigger int

const (
	TriggerTimer Trigger = iota
	TriggerTrade
)

// State is a bot's persisted quote state. The tracker uses AskID and
// BidID (zero = no live quote); the ladder uses Mid and the two banks,
// front of a bank being the order nearest the midpoint.
type State struct {
	ID        int64 `gorm:"primaryKey"`
	AccountID int64 `gorm:"uniqueIndex"`

	AskID int64
	BidID int64

	Mid     decimal.Decimal `gorm:"type:numeric(12,2)"`
	BidBank []int64         `gorm:"serializer:json"`
	AskBank []int64         `gorm:"serializer:json"`
}

// Maker is one strategy instance driven by the dispatcher.
type Maker interface {
	AccountID() int64
	Interval() time.Duration
	Tick(ctx context.Context, trigger Trigger) error
}

// Exchange is the slice of the matching engine the strategies use.
type Exchange interface {
	SubmitBot(ctx context.Context, accountID int64, side engine.Side, quantity, price decimal.Decimal, pair money.Pair) (int64, bool, error)
	Cancel(ctx context.Context, orderID, accountID int64) error
	Order(ctx context.Context, id int64) (*engine.Order, error)
	AccountOrders(ctx context.Context, accountID int64, activeOnly bool) ([]engine.Order, error)
}

// loadState fetches the bot row for an account, creating it on first
// use with the given midpoint.
func loadState(ctx context.Context, st *store.Store, accountID int64, mid decimal.Decimal) (*State, error) {
	var s State
	err := st.DB.WithContext(ctx).First(&s, "account_id = ?", accountID).Error
	if err == nil {
		return &s, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load bot state: %w", err)
	}
	s = State{AccountID: accountID, Mid: mid}
	if err := st.DB.WithContext(ctx).Create(&s).Error; err != nil {
		return nil, fmt.Errorf("create bot state: %w", err)
	}
	return &s, nil
}

func saveState(ctx context.Context, st *store.Store, s *State) error {
	if err := st.DB.WithContext(ctx).Save(s).Error; err != nil {
		return fmt.Errorf("save bot state: %w", err)
	}
	return nil
}
