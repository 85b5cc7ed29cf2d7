package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vi-trader/internal/broker"
	"vi-trader/internal/broker/kis"
	"vi-trader/internal/engine"
	"vi-trader/internal/journal"
	"vi-trader/internal/metrics"
	"vi-trader/internal/notify"
	"vi-trader/internal/recorder"
	"vi-trader/internal/resilience"
	"vi-trader/internal/server"
	"vi-trader/internal/session"
)

const (
	healthInterval = 30 * time.Second
	maxFeedSilence = 5 * time.Minute
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the VI trading engine",
		Long: `Connects to KIS, subscribes to VI and trade feeds and trades VI
releases until interrupted.

With --paper (or mode = "paper") market data still comes from KIS but
orders are filled by the in-process paper broker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paper, _ := cmd.Flags().GetBool("paper")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, app, paper)
		},
	}
	cmd.Flags().Bool("paper", false, "fill orders with the paper broker")
	return cmd
}

func runEngine(ctx context.Context, app *App, paper bool) error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return err
	}
	logger := app.Logger
	paper = paper || cfg.IsPaperMode()

	m := metrics.New()

	dispatcher, err := notify.NewFromConfig(cfg.Notifications, logger)
	if err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	dispatcher.OnDrop(m.NotificationDropped)

	calendar, err := session.New(cfg.Session)
	if err != nil {
		return fmt.Errorf("session calendar: %w", err)
	}

	var j *journal.Journal
	if cfg.Journal.Enabled {
		j, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer j.Close()
	}

	var rec engine.FeedRecorder
	if cfg.Recorder.Enabled {
		r, err := recorder.New(recorder.FromConfig(cfg.Recorder), logger)
		if err != nil {
			return fmt.Errorf("opening recorder: %w", err)
		}
		defer r.Close()
		rec = r
	}

	var gw broker.Gateway = kis.NewGateway(kis.FromConfig(cfg), nil, logger)
	if paper {
		gw = broker.NewSimulatedGateway(gw, broker.PaperGatewayConfig{InitialCash: cfg.Broker.PaperInitialCash})
	}

	opts := engine.Options{
		Gateway:  gw,
		Notifier: dispatcher,
		Metrics:  m,
		Recorder: rec,
		Journal:  j,
		Calendar: calendar,
		Logger:   logger,
	}
	eng := engine.NewFromConfig(cfg, opts)

	health := resilience.NewHealthMonitor(resilience.DefaultHealthMonitorConfig())
	health.RegisterComponent("submissions", resilience.FlagHealthCheck(eng.Halted, "order submission halted on authentication failure"))
	health.RegisterComponent("market_data", resilience.FreshnessHealthCheck(
		eng.LastEventAt, maxFeedSilence,
		func() bool { return calendar.IsOpen(time.Now()) },
		time.Now,
	))
	if j != nil {
		health.RegisterComponent("journal", resilience.DatabaseHealthCheck(j.Ping))
	}
	health.SetAlertCallback(func(a resilience.HealthAlert) {
		dispatcher.Notify(notify.Event{
			Kind:    notify.KindAlert,
			Level:   notify.LevelCritical,
			Title:   "Component unhealthy: " + a.Component,
			Message: a.Message,
			Time:    a.Timestamp,
		})
	})

	logger.Info().
		Str("mode", cfg.Mode).
		Bool("paper_fills", paper).
		Bool("live_endpoints", cfg.Broker.Live).
		Int("symbols", len(cfg.Symbols.Enabled)).
		Msg("Starting vitrader")

	// The dispatcher outlives the engine so shutdown alerts are delivered.
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()
	go dispatcher.Run(notifyCtx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Everything else stops with the engine.
		defer cancel()
		return eng.Run(gctx)
	})
	g.Go(func() error { return health.Run(gctx, healthInterval) })
	if cfg.Server.Enabled {
		var jr server.Journal
		if j != nil {
			jr = j
		}
		srv := server.New(cfg.Server.Addr, server.Deps{
			Controller: eng,
			Journal:    jr,
			Health:     health,
			Metrics:    m,
			Logger:     logger,
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	err = g.Wait()

	stopNotify()
	select {
	case <-dispatcher.Done():
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timed out flushing notifications")
	}
	return err
}
