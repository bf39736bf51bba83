package bot

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cambio/internal/engine"
)

// Dispatcher drives every maker. Each maker gets its own goroutine,
// ticker and trade queue, which serializes a bot's ticks against
// itself without coupling unrelated bots.
type Dispatcher struct {
	log     *zap.Logger
	runners map[int64]*runner
}

type runner struct {
	maker  Maker
	wakeup chan Trigger
}

func NewDispatcher(log *zap.Logger, makers ...Maker) *Dispatcher {
	d := &Dispatcher{log: log, runners: make(map[int64]*runner, len(makers))}
	for _, m := range makers {
		// Buffer of one: a tick already queued covers any number of
		// further trades, so extra wakeups coalesce.
		d.runners[m.AccountID()] = &runner{maker: m, wakeup: make(chan Trigger, 1)}
	}
	return d
}

// NotifyTrades wakes the bot behind any account that just traded.
// Called by the engine after commit; must not block the market loop.
func (d *Dispatcher) NotifyTrades(trades []engine.Trade) {
	for _, t := range trades {
		d.wake(t.BuyerID)
		if t.SellerID != t.BuyerID {
			d.wake(t.SellerID)
		}
	}
}

func (d *Dispatcher) wake(accountID int64) {
	r, ok := d.runners[accountID]
	if !ok {
		return
	}
	select {
	case r.wakeup <- TriggerTrade:
	default:
	}
}

// Run drives every maker until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range d.runners {
		r := r
		g.Go(func() error {
			d.drive(ctx, r)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) drive(ctx context.Context, r *runner) {
	interval := r.maker.Interval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.tick(ctx, r.maker, TriggerTimer)
	for {
		select {
		case <-ticker.C:
			d.tick(ctx, r.maker, TriggerTimer)
		case trigger := <-r.wakeup:
			d.tick(ctx, r.maker, trigger)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context, m Maker, trigger Trigger) {
	if err := m.Tick(ctx, trigger); err != nil {
		d.log.Error("bot tick failed",
			zap.Int64("bot_account", m.AccountID()),
			zap.Error(err))
	}
}
