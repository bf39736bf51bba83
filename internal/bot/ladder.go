package bot

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cambio/internal/config"
	"cambio/internal/engine"
	"cambio/internal/money"
	"cambio/internal/store"
)

// LadderMaker quotes a sliding ladder between two price limits. Both
// sides hold up to depth orders, the first at offset1 from the
// midpoint and each further one offset2 more passive. A fully consumed
// side makes the whole ladder walk in that direction; a partially
// consumed quote needs no action; a fully consumed front quote shifts
// the bank locally and tightens the opposite side.
type LadderMaker struct {
	exchange Exchange
	store    *store.Store
	log      *zap.Logger

	account    int64
	pair       money.Pair
	upperLimit decimal.Decimal
	lowerLimit decimal.Decimal
	offset1    decimal.Decimal
	offset2    decimal.Decimal
	depth      int
	size       decimal.Decimal
	midpoint   decimal.Decimal
	interval   time.Duration
}

func NewLadderMaker(ex Exchange, st *store.Store, log *zap.Logger, cfg config.LadderConfig) *LadderMaker {
	return &LadderMaker{
		exchange:   ex,
		store:      st,
		log:        log.With(zap.Int64("bot_account", cfg.Account), zap.String("strategy", "ladder")),
		account:    cfg.Account,
		pair:       money.Pair{Payment: money.Currency(cfg.Payment), Traded: money.Currency(cfg.Traded)},
		upperLimit: decimal.NewFromFloat(cfg.UpperLimit),
		lowerLimit: decimal.NewFromFloat(cfg.LowerLimit),
		offset1:    decimal.NewFromFloat(cfg.Offset1),
		offset2:    decimal.NewFromFloat(cfg.Offset2),
		depth:      cfg.Depth,
		size:       decimal.NewFromFloat(cfg.Size),
		midpoint:   decimal.NewFromFloat(cfg.Midpoint),
		interval:   cfg.Interval.Std(),
	}
}

func (m *LadderMaker) AccountID() int64        { return m.account }
func (m *LadderMaker) Interval() time.Duration { return m.interval }

// Tick inspects the persisted banks and repairs the ladder. The back
// of a bank going inactive means that whole side was swept (the back
// is the most passive order, so everything in front of it traded
// first); only the front going inactive is a local shift.
func (m *LadderMaker) Tick(ctx context.Context, _ Trigger) error {
	state, err := loadState(ctx, m.store, m.account, m.midpoint)
	if err != nil {
		return err
	}

	var backBid, backAsk *engine.Order
	if len(state.BidBank) > 0 {
		if backBid, err = m.exchange.Order(ctx, state.BidBank[len(state.BidBank)-1]); err != nil {
			return err
		}
	}
	if len(state.AskBank) > 0 {
		if backAsk, err = m.exchange.Order(ctx, state.AskBank[len(state.AskBank)-1]); err != nil {
			return err
		}
	}

	// Both sides gone (or never built): relaunch around the configured
	// midpoint.
	bidsEmpty := backBid == nil
	asksEmpty := backAsk == nil
	if (bidsEmpty && asksEmpty) ||
		(bidsEmpty && !backAsk.Active) ||
		(asksEmpty && !backBid.Active) ||
		(!bidsEmpty && !asksEmpty && !backBid.Active && !backAsk.Active) {
		return m.relaunch(ctx, state, m.midpoint)
	}

	// The whole bid side was swept: walk the ladder down.
	if backBid != nil && !backBid.Active {
		return m.relaunch(ctx, state, backBid.Price.Sub(m.offset2))
	}

	// The whole ask side was swept: walk the ladder up.
	if backAsk != nil && !backAsk.Active {
		return m.relaunch(ctx, state, backAsk.Price.Add(m.offset2))
	}

	for len(state.BidBank) > 0 {
		front, err := m.exchange.Order(ctx, state.BidBank[0])
		if err != nil {
			return err
		}
		if front.Active {
			break
		}
		if err := m.shiftBids(ctx, state, front); err != nil {
			return err
		}
	}

	for len(state.AskBank) > 0 {
		front, err := m.exchange.Order(ctx, state.AskBank[0])
		if err != nil {
			return err
		}
		if front.Active {
			break
		}
		if err := m.shiftAsks(ctx, state, front); err != nil {
			return err
		}
	}
	return nil
}

// relaunch cancels every live order of this bot and rebuilds both
// banks around mid.
func (m *LadderMaker) relaunch(ctx context.Context, state *State, mid decimal.Decimal) error {
	live, err := m.exchange.AccountOrders(ctx, m.account, true)
	if err != nil {
		return err
	}
	for i := range live {
		if err := m.exchange.Cancel(ctx, live[i].ID, m.account); err != nil {
			return err
		}
	}
	state.Mid = mid
	state.BidBank = nil
	state.AskBank = nil

	for i := 0; i < m.depth; i++ {
		step := m.offset1.Add(m.offset2.Mul(decimal.NewFromInt(int64(i))))

		price := mid.Sub(step)
		if price.GreaterThanOrEqual(m.lowerLimit) {
			id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideBid, m.size, price, m.pair)
			if err != nil {
				return err
			}
			if placed {
				state.BidBank = append(state.BidBank, id)
			}
		}

		price = mid.Add(step)
		if price.LessThanOrEqual(m.upperLimit) {
			id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideAsk, m.size, price, m.pair)
			if err != nil {
				return err
			}
			if placed {
				state.AskBank = append(state.AskBank, id)
			}
		}
	}
	m.log.Info("ladder relaunched",
		zap.String("mid", mid.String()),
		zap.Int("bids", len(state.BidBank)),
		zap.Int("asks", len(state.AskBank)))
	return saveState(ctx, m.store, state)
}

// shiftBids handles a fully traded front bid: append a new back bid
// one step more passive, bound the ask side, restore a partially
// filled front ask to full size, and quote a fresh ask one step more
// aggressive. An empty ask side gets seeded opposite the traded bid.
func (m *LadderMaker) shiftBids(ctx context.Context, state *State, taken *engine.Order) error {
	back, err := m.exchange.Order(ctx, state.BidBank[len(state.BidBank)-1])
	if err != nil {
		return err
	}
	price := back.Price.Sub(m.offset2)
	placedBack := false
	var backID int64
	if m.withinLimits(price) {
		backID, placedBack, err = m.exchange.SubmitBot(ctx, m.account, engine.SideBid, m.size, price, m.pair)
		if err != nil {
			return err
		}
	}
	state.BidBank = state.BidBank[1:]
	if placedBack {
		state.BidBank = append(state.BidBank, backID)
	}
	if err := saveState(ctx, m.store, state); err != nil {
		return err
	}

	if len(state.AskBank) == m.depth {
		if err := m.exchange.Cancel(ctx, state.AskBank[len(state.AskBank)-1], m.account); err != nil {
			return err
		}
		state.AskBank = state.AskBank[:len(state.AskBank)-1]
		if err := saveState(ctx, m.store, state); err != nil {
			return err
		}
	}

	if len(state.AskBank) == 0 {
		// Seed the ask side opposite the traded bid.
		price := taken.Price.Add(m.offset1.Mul(decimal.NewFromInt(2)))
		if m.withinLimits(price) {
			id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideAsk, m.size, price, m.pair)
			if err != nil {
				return err
			}
			if placed {
				state.AskBank = []int64{id}
				if err := saveState(ctx, m.store, state); err != nil {
					return err
				}
			}
		}
		return nil
	}

	front, err := m.exchange.Order(ctx, state.AskBank[0])
	if err != nil {
		return err
	}
	if !front.Remaining.Equal(front.Original) {
		id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideAsk, m.size, front.Price, m.pair)
		if err != nil {
			return err
		}
		if placed {
			if err := m.exchange.Cancel(ctx, front.ID, m.account); err != nil {
				return err
			}
			state.AskBank[0] = id
			if err := saveState(ctx, m.store, state); err != nil {
				return err
			}
		}
	}

	id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideAsk, m.size, front.Price.Sub(m.offset2), m.pair)
	if err != nil {
		return err
	}
	if placed {
		state.AskBank = append([]int64{id}, state.AskBank...)
		if err := saveState(ctx, m.store, state); err != nil {
			return err
		}
	}
	return nil
}

// shiftAsks mirrors shiftBids for a fully traded front ask.
func (m *LadderMaker) shiftAsks(ctx context.Context, state *State, taken *engine.Order) error {
	back, err := m.exchange.Order(ctx, state.AskBank[len(state.AskBank)-1])
	if err != nil {
		return err
	}
	price := back.Price.Add(m.offset2)
	placedBack := false
	var backID int64
	if m.withinLimits(price) {
		backID, placedBack, err = m.exchange.SubmitBot(ctx, m.account, engine.SideAsk, m.size, price, m.pair)
		if err != nil {
			return err
		}
	}
	state.AskBank = state.AskBank[1:]
	if placedBack {
		state.AskBank = append(state.AskBank, backID)
	}
	if err := saveState(ctx, m.store, state); err != nil {
		return err
	}

	if len(state.BidBank) == m.depth {
		if err := m.exchange.Cancel(ctx, state.BidBank[len(state.BidBank)-1], m.account); err != nil {
			return err
		}
		state.BidBank = state.BidBank[:len(state.BidBank)-1]
		if err := saveState(ctx, m.store, state); err != nil {
			return err
		}
	}

	if len(state.BidBank) == 0 {
		// Seed the bid side opposite the traded ask.
		price := taken.Price.Sub(m.offset1.Mul(decimal.NewFromInt(2)))
		if m.withinLimits(price) {
			id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideBid, m.size, price, m.pair)
			if err != nil {
				return err
			}
			if placed {
				state.BidBank = []int64{id}
				if err := saveState(ctx, m.store, state); err != nil {
					return err
				}
			}
		}
		return nil
	}

	front, err := m.exchange.Order(ctx, state.BidBank[0])
	if err != nil {
		return err
	}
	if !front.Remaining.Equal(front.Original) {
		id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideBid, m.size, front.Price, m.pair)
		if err != nil {
			return err
		}
		if placed {
			if err := m.exchange.Cancel(ctx, front.ID, m.account); err != nil {
				return err
			}
			state.BidBank[0] = id
			if err := saveState(ctx, m.store, state); err != nil {
				return err
			}
		}
	}

	id, placed, err := m.exchange.SubmitBot(ctx, m.account, engine.SideBid, m.size, front.Price.Add(m.offset2), m.pair)
	if err != nil {
		return err
	}
	if placed {
		state.BidBank = append([]int64{id}, state.BidBank...)
		if err := saveState(ctx, m.store, state); err != nil {
			return err
		}
	}
	return nil
}

func (m *LadderMaker) withinLimits(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(m.lowerLimit) && price.LessThanOrEqual(m.upperLimit)
}
