package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"cambio/internal/auth"
	"cambio/internal/bot"
	"cambio/internal/config"
	"cambio/internal/engine"
	"cambio/internal/flow"
	"cambio/internal/ledger"
	"cambio/internal/money"
	"cambio/internal/payment"
	"cambio/internal/pricefeed"
	"cambio/internal/server"
	"cambio/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Sync()

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	if err := st.Migrate(
		&ledger.Account{},
		&ledger.Balance{},
		&engine.Order{},
		&engine.Trade{},
		&flow.Flow{},
		&payment.Payment{},
		&bot.State{},
	); err != nil {
		return err
	}

	lg := ledger.New(money.NewSet(cfg.Currencies), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedAccounts(ctx, st, lg, cfg.Accounts); err != nil {
		return err
	}

	pairs := make([]money.Pair, 0, len(cfg.Markets))
	for _, m := range cfg.Markets {
		pairs = append(pairs, money.Pair{Payment: money.Currency(m.Payment), Traded: money.Currency(m.Traded)})
	}
	eng := engine.New(st, lg, log, pairs, 64)

	flows := flow.NewService(st, lg, log, cfg.AdminAccounts)
	payments := payment.NewService(st, lg, log)
	sessions := auth.NewSessions(cfg.AdminAccounts)
	hub := server.NewHub(log)

	cache := pricefeed.NewCache()
	feed := pricefeed.NewFrankfurterFeed(cfg.Feed.BaseURL)
	source := pricefeed.NewCachedSource(cache)

	makers := make([]bot.Maker, 0, len(cfg.Bots.Ladder)+len(cfg.Bots.Tracker))
	symbols := make([]string, 0, len(cfg.Bots.Tracker))
	for _, lc := range cfg.Bots.Ladder {
		makers = append(makers, bot.NewLadderMaker(eng, st, log, lc))
	}
	for _, tc := range cfg.Bots.Tracker {
		makers = append(makers, bot.NewTrackerMaker(eng, st, lg, source, log, tc))
		symbols = append(symbols, tc.Source)
	}
	dispatcher := bot.NewDispatcher(log, makers...)
	eng.SetNotifier(multiNotifier{dispatcher, hub})

	srv := server.New(log, st, lg, eng, flows, payments, sessions, hub, cfg.Server.BookDepth)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		eng.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})
	if len(symbols) > 0 {
		interval := cfg.Feed.Interval.Std()
		if interval <= 0 {
			interval = time.Minute
		}
		g.Go(func() error {
			pricefeed.StartUpdater(ctx, feed, cache, symbols, interval, log)
			return nil
		})
	}
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// multiNotifier fans one engine notification out to several sinks.
type multiNotifier []engine.Notifier

func (m multiNotifier) NotifyTrades(trades []engine.Trade) {
	for _, n := range m {
		n.NotifyTrades(trades)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// seedAccounts creates the configured accounts and their opening
// balances on first start. Existing accounts are left untouched.
func seedAccounts(ctx context.Context, st *store.Store, lg *ledger.Ledger, accounts []config.AccountConfig) error {
	for _, ac := range accounts {
		ac := ac
		err := st.RunInTx(ctx, func(tx *gorm.DB) error {
			if _, err := lg.Account(tx, ac.ID); err == nil {
				return nil
			} else if !errors.Is(err, ledger.ErrNoAccount) {
				return err
			}
			hash, err := auth.HashCredential(ac.Password)
			if err != nil {
				return err
			}
			if _, err := lg.CreateAccount(tx, ac.ID, ac.Name, hash); err != nil {
				return err
			}
			for code, amount := range ac.Balances {
				qty, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("seed balance %s for account %d: %w", code, ac.ID, err)
				}
				if _, err := lg.Adjust(tx, ac.ID, money.Currency(code), qty); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
