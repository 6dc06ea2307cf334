package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tvrelay/internal/config"
	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/exchange/paper"
	"github.com/alanyoungcy/tvrelay/internal/executor"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
	"github.com/alanyoungcy/tvrelay/internal/monitor"
	"github.com/alanyoungcy/tvrelay/internal/scheduler"
	"github.com/alanyoungcy/tvrelay/internal/server"
	"github.com/alanyoungcy/tvrelay/internal/server/handler"
	"github.com/alanyoungcy/tvrelay/internal/server/middleware"
	"github.com/alanyoungcy/tvrelay/internal/server/ws"
	"github.com/alanyoungcy/tvrelay/internal/service"
	"github.com/alanyoungcy/tvrelay/internal/signal"
	"github.com/alanyoungcy/tvrelay/internal/store/memory"
)

const (
	// intentQueueSize bounds accepted signals waiting for the executor.
	intentQueueSize = 64
	// closedRetention is how long closed positions stay queryable in memory.
	closedRetention = 24 * time.Hour
	// replayCleanupCron sweeps expired webhook replay keys.
	replayCleanupCron = "30 * * * * *"
)

// FullMode runs the webhook, the execution engine and both monitors against
// the configured exchange.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode", slog.String("exchange", deps.Exchange.Name()))
	return a.runRelay(ctx, deps, true)
}

// MonitorMode resumes persisted positions and supervises them without
// accepting new signals. The REST API stays up for inspection and manual
// closes.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.String("exchange", deps.Exchange.Name()))
	return a.runRelay(ctx, deps, false)
}

// PaperMode is full mode against the in-memory paper gateway. Marks are
// driven through POST /api/paper/price and seeded from signal prices.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	if deps.Paper == nil {
		return fmt.Errorf("paper mode: gateway is %s, not paper", deps.Exchange.Name())
	}
	a.logger.InfoContext(ctx, "starting paper mode")
	return a.runRelay(ctx, deps, true)
}

// runRelay builds the runtime components and runs them under one errgroup
// until ctx is cancelled or any component fails.
func (a *App) runRelay(ctx context.Context, deps *Dependencies, acceptSignals bool) error {
	cfg := a.cfg
	logger := a.logger

	// Position store, restored from Postgres when it is wired.
	storeOpts := []memory.Option{memory.WithLogger(logger)}
	if deps.Positions != nil {
		storeOpts = append(storeOpts, memory.WithRepository(deps.Positions))
	}
	if deps.LockManager != nil {
		storeOpts = append(storeOpts, memory.WithLockManager(deps.LockManager, cfg.Redis.LockTTL.Duration))
	}
	store := memory.NewPositionStore(storeOpts...)
	restored, stranded, err := store.Restore(ctx)
	if err != nil {
		return fmt.Errorf("relay: %w", err)
	}
	logger.InfoContext(ctx, "positions restored",
		slog.Int("count", restored),
		slog.Int("stranded", len(stranded)),
	)
	metrics.OpenPositions.Set(float64(len(store.ListActive())))

	// Event fan-out. With a bus the hub subscribes to it; without one the
	// event service broadcasts to the hub directly.
	hub := ws.NewHub(deps.EventBus, logger, ws.Config{
		Mode:          cfg.Mode,
		Exchange:      deps.Exchange.Name(),
		Channels:      []string{service.PositionsChannel},
		OpenPositions: func() int { return len(store.ListActive()) },
	})
	var local service.Broadcaster
	if deps.EventBus == nil {
		local = hub
	}
	events := service.NewEventService(deps.EventBus, deps.Audit, deps.Notifier, local, logger)
	reportStranded(ctx, events, stranded)

	// Execution.
	orders := executor.NewOrders(deps.Exchange, cfg.Risk.SLRetries, cfg.Risk.SLRetryDelay.Duration, logger)
	engine := executor.NewEngine(engineConfig(cfg), orders, store, events, logger)

	// Monitors. A shared price cache absorbs the polling load across
	// replicas.
	var prices domain.PriceSource = deps.Exchange
	if deps.PriceCache != nil {
		prices = monitor.NewCachedPrices(deps.Exchange, deps.PriceCache, cfg.Redis.PriceTTL.Duration, logger)
	}
	tpsl := monitor.NewTPSL(monitor.TPSLConfig{
		PollInterval:   cfg.Monitor.PollInterval.Duration,
		TPRetryLimit:   cfg.Monitor.TPRetryLimit,
		CancelOnRunner: cfg.Monitor.CancelOnRunner,
		RunnerFraction: decimal.NewFromFloat(cfg.Risk.RunnerFraction),
		RunnerEpsilon:  decimal.NewFromFloat(cfg.Risk.RunnerEpsilon),
	}, store, orders, events, logger)
	fallback := monitor.NewFallback(cfg.Monitor.FallbackInterval.Duration, store, orders, prices, events, logger)

	history := signal.NewMonitor(cfg.Signal.HistorySize, cfg.Schedule.WebhookSilence.Duration, deps.Signals, logger)

	// Housekeeping.
	sched := scheduler.New(logger)
	var archiver scheduler.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	if err := sched.Add("archive", cfg.Schedule.ArchiveCron, scheduler.ArchiveJob(archiver, store, closedRetention, logger)); err != nil {
		return fmt.Errorf("relay: %w", err)
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(history, deps.Checks, deps.Exchange.Name(), cfg.Mode, logger),
		Signals:   handler.NewSignalHandler(history, cfg.Signal.HistorySize),
		Positions: handler.NewPositionHandler(store, engine, logger),
		Balance:   handler.NewBalanceHandler(deps.Exchange, logger),
	}
	if cfg.Metrics.Enabled {
		handlers.Metrics = metrics.Handler()
	}
	if deps.Paper != nil {
		handlers.Paper = handler.NewPaperHandler(deps.Paper)
	}

	var exec *executor.Executor
	if acceptSignals {
		intents := make(chan domain.TradeIntent, intentQueueSize)
		replay := executor.NewDedup(cfg.Signal.DedupTTL.Duration)
		ingestor := signal.NewIngestor(signal.Config{
			Symbols:         cfg.Signal.Symbols,
			StalenessWindow: cfg.Signal.StalenessWindow.Duration,
			MaxSkew:         cfg.Signal.MaxSkew.Duration,
			DuplicatePolicy: cfg.Signal.DuplicatePolicy,
			OppositePolicy:  cfg.Signal.OppositePolicy,
		}, store, signal.WithReplayGuard(replay), signal.WithLogger(logger))

		var opener executor.PositionOpener = engine
		if deps.Paper != nil {
			opener = &paperMarks{PositionOpener: engine, paper: deps.Paper}
		}
		exec = executor.NewExecutor(intents, opener, history, logger)
		handlers.Webhook = handler.NewWebhookHandler(ingestor, history, intents, cfg.Signal.WebhookSecret, events, logger)

		heartbeat := scheduler.NewHeartbeat(history.LastPing, cfg.Schedule.WebhookSilence.Duration, events, logger)
		if err := sched.Add("heartbeat", cfg.Schedule.HeartbeatCron, heartbeat.Check); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
		if err := sched.Add("replay_cleanup", replayCleanupCron, func(context.Context) error {
			replay.Cleanup()
			return nil
		}); err != nil {
			return fmt.Errorf("relay: %w", err)
		}
	}

	limiter := deps.RateLimiter
	if limiter == nil {
		limiter = middleware.NewLocalLimiter()
	}
	srv := server.NewServer(server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CORSOrigins:  cfg.Server.CORSOrigins,
		APIKey:       cfg.Server.ApiKey,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		MetricsPath:  cfg.Metrics.Path,
	}, handlers, hub, limiter, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return events.Run(ctx) })
	g.Go(func() error { return tpsl.Run(ctx) })
	g.Go(func() error { return fallback.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
	if exec != nil {
		g.Go(func() error { return exec.Run(ctx) })
	}

	logger.InfoContext(ctx, "relay running",
		slog.String("mode", cfg.Mode),
		slog.Bool("accept_signals", acceptSignals),
		slog.Int("jobs", sched.Len()),
	)
	return g.Wait()
}

// reportStranded raises a critical event for every position restored while
// still OPENING. The events queue until the event service runs.
func reportStranded(ctx context.Context, events domain.EventPublisher, stranded []*domain.Position) {
	for _, p := range stranded {
		metrics.CriticalFailures.Inc()
		events.Publish(ctx, domain.PositionEvent{
			Type:       domain.EventCritical,
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Message:    p.LastError,
			Critical:   true,
			At:         p.UpdatedAt,
		})
	}
}

// engineConfig converts the configuration into engine settings.
func engineConfig(cfg *config.Config) executor.Config {
	return executor.Config{
		SizingMode:       cfg.Sizing.Mode,
		SizingPercent:    decimal.NewFromFloat(cfg.Sizing.Percent),
		FixedQuote:       decimal.NewFromFloat(cfg.Sizing.FixedQuote),
		MinNotional:      decimal.NewFromFloat(cfg.Sizing.MinNotional),
		QuoteAsset:       cfg.Exchange.QuoteAsset,
		StopLossPct:      decimal.NewFromFloat(cfg.Risk.StopLossPct).Div(decimal.NewFromInt(100)),
		RunnerFraction:   decimal.NewFromFloat(cfg.Risk.RunnerFraction),
		FillTimeout:      cfg.Execution.FillTimeout.Duration,
		FillPollInterval: cfg.Execution.FillPollInterval.Duration,
		Precision: domain.Precision{
			PriceDecimals: int32(cfg.Exchange.PriceDecimals),
			QtyDecimals:   int32(cfg.Exchange.QtyDecimals),
		},
		AllowSameSide: cfg.Signal.DuplicatePolicy == "warn_allow",
		AllowOpposite: cfg.Signal.OppositePolicy == "hedge",
	}
}

// paperMarks seeds the paper gateway with the signal's reference price when
// the symbol has no mark yet, so entries can fill before any price is
// posted.
type paperMarks struct {
	executor.PositionOpener
	paper *paper.Exchange
}

func (p *paperMarks) OpenPosition(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error) {
	if intent.ReferencePrice.IsPositive() {
		if _, err := p.paper.GetMarketPrice(ctx, intent.Symbol); errors.Is(err, domain.ErrNotFound) {
			p.paper.SetPrice(intent.Symbol, intent.ReferencePrice)
		}
	}
	return p.PositionOpener.OpenPosition(ctx, intent)
}
