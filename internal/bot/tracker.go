package bot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cambio/internal/config"
	"cambio/internal/engine"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/pricefeed"
	"cambio/internal/store"
)

// TrackerMaker quotes one bid and one ask around an external reference
// rate. Used where the market already has real volume elsewhere, so
// the external price is treated as authoritative.
type TrackerMaker struct {
	exchange Exchange
	store    *store.Store
	ledger   *ledger.Ledger
	source   pricefeed.Source
	log      *zap.Logger

	account  int64
	pair     money.Pair
	symbol   string
	offset   decimal.Decimal
	size     decimal.Decimal
	interval time.Duration
}

func NewTrackerMaker(ex Exchange, st *store.Store, lg *ledger.Ledger, src pricefeed.Source, log *zap.Logger, cfg config.TrackerConfig) *TrackerMaker {
	return &TrackerMaker{
		exchange: ex,
		store:    st,
		ledger:   lg,
		source:   src,
		log:      log.With(zap.Int64("bot_account", cfg.Account), zap.String("strategy", "tracker")),
		account:  cfg.Account,
		pair:     money.Pair{Payment: money.Currency(cfg.Payment), Traded: money.Currency(cfg.Traded)},
		symbol:   cfg.Source,
		offset:   decimal.NewFromFloat(cfg.Offset),
		size:     decimal.NewFromFloat(cfg.Size),
		interval: cfg.Interval.Std(),
	}
}

func (m *TrackerMaker) AccountID() int64        { return m.account }
func (m *TrackerMaker) Interval() time.Duration { return m.interval }

// Tick re-quotes both sides around the reference rate. The ask rounds
// up to the next cent and the bid rounds down, keeping the quoted
// spread at least twice the offset. Timer ticks also replace a quote
// whose size drifted from target; trade ticks check price only, so a
// partial fill alone never causes churn.
func (m *TrackerMaker) Tick(ctx context.Context, trigger Trigger) error {
	state, err := loadState(ctx, m.store, m.account, decimal.Zero)
	if err != nil {
		return err
	}

	rate, err := m.source.Rate(ctx, m.symbol)
	if err != nil {
		// No reference yet; quote nothing rather than something stale.
		m.log.Warn("reference rate unavailable", zap.Error(err))
		return nil
	}
	checkSize := trigger == TriggerTimer

	askPrice := rate.Add(m.offset).RoundUp(2)
	bidPrice := rate.Sub(m.offset).RoundDown(2)

	tradedBalance, err := m.ledger.Get(m.store.DB.WithContext(ctx), m.account, m.pair.Traded)
	if err != nil {
		return err
	}
	paymentBalance, err := m.ledger.Get(m.store.DB.WithContext(ctx), m.account, m.pair.Payment)
	if err != nil {
		return err
	}
	askSize := money.FloorUnits(decimal.Min(m.size, tradedBalance))
	bidSize := money.FloorUnits(decimal.Min(m.size, paymentBalance.Div(bidPrice)))

	state.AskID, err = m.quote(ctx, state.AskID, engine.SideAsk, askSize, askPrice, checkSize)
	if err != nil {
		return err
	}
	if err := saveState(ctx, m.store, state); err != nil {
		return err
	}

	state.BidID, err = m.quote(ctx, state.BidID, engine.SideBid, bidSize, bidPrice, checkSize)
	if err != nil {
		return err
	}
	return saveState(ctx, m.store, state)
}

// quote brings one side in line with the desired price and size and
// returns the live order id, zero when nothing could be placed.
func (m *TrackerMaker) quote(ctx context.Context, liveID int64, side engine.Side, size, price decimal.Decimal, checkSize bool) (int64, error) {
	if liveID == 0 {
		return m.place(ctx, side, size, price)
	}
	live, err := m.exchange.Order(ctx, liveID)
	if err != nil {
		return 0, err
	}
	if live.Active && live.Price.Equal(price) && !(checkSize && !size.Equal(live.Remaining)) {
		return liveID, nil
	}
	if live.Active {
		if err := m.exchange.Cancel(ctx, liveID, m.account); err != nil {
			return 0, err
		}
	}
	return m.place(ctx, side, size, price)
}

func (m *TrackerMaker) place(ctx context.Context, side engine.Side, size, price decimal.Decimal) (int64, error) {
	id, placed, err := m.exchange.SubmitBot(ctx, m.account, side, size, price, m.pair)
	if err != nil {
		return 0, err
	}
	if !placed {
		return 0, nil
	}
	return id, nil
}
