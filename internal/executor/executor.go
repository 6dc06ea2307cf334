package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/tvrelay/internal/domain"
	"github.com/alanyoungcy/tvrelay/internal/metrics"
	"github.com/alanyoungcy/tvrelay/internal/signal"
)

// PositionOpener is the execution surface the executor drives. It is
// implemented by Engine.
type PositionOpener interface {
	OpenPosition(ctx context.Context, intent domain.TradeIntent) (*domain.Position, error)
	ForceClose(ctx context.Context, id string, closeRemaining bool) (*domain.Position, error)
}

// OutcomeRecorder resolves an accepted signal once execution finished.
type OutcomeRecorder interface {
	Resolve(ctx context.Context, id string, outcome domain.SignalOutcome, positionID, errMsg string)
}

// Executor reads trade intents from a channel and runs each through the
// engine. Replayed webhooks are filtered at ingestion, before an intent
// exists.
type Executor struct {
	intentCh <-chan domain.TradeIntent
	engine   PositionOpener
	outcomes OutcomeRecorder
	logger   *slog.Logger
}

// NewExecutor creates an Executor that reads intents from intentCh and
// reports each result to outcomes (which may be nil).
func NewExecutor(intentCh <-chan domain.TradeIntent, engine PositionOpener, outcomes OutcomeRecorder, logger *slog.Logger) *Executor {
	return &Executor{
		intentCh: intentCh,
		engine:   engine,
		outcomes: outcomes,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Run starts the executor's main loop. It processes intents until the
// context is cancelled, at which point it drains any intents still buffered
// in the channel and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case intent, ok := <-e.intentCh:
			if !ok {
				return nil
			}
			e.process(ctx, intent)
		}
	}
}

// process executes one intent and resolves its signal record.
func (e *Executor) process(ctx context.Context, intent domain.TradeIntent) {
	log := e.logger.With(
		slog.String("signal_id", intent.ID),
		slog.String("symbol", intent.Symbol),
		slog.String("direction", string(intent.Direction)),
		slog.String("action", string(intent.Action)),
	)

	if intent.Action == domain.IntentClose {
		e.closeAll(ctx, intent, log)
		return
	}

	pos, err := e.engine.OpenPosition(ctx, intent)
	var rej *signal.Rejection
	switch {
	case errors.As(err, &rej):
		// A position opened between ingestion and execution.
		log.Warn("signal rejected at execution",
			slog.String("reason", string(rej.Reason)),
			slog.String("detail", rej.Detail),
		)
		metrics.SignalsTotal.WithLabelValues(string(domain.SignalRejected), string(rej.Reason)).Inc()
		e.resolve(ctx, intent.ID, domain.SignalRejected, "", rej.Error())
		return
	case err != nil:
		log.Error("open position failed", slog.String("error", err.Error()))
		metrics.SignalsTotal.WithLabelValues(string(domain.SignalFailed), "").Inc()
		e.resolve(ctx, intent.ID, domain.SignalFailed, "", err.Error())
		return
	}

	metrics.SignalsTotal.WithLabelValues(string(domain.SignalExecuted), "").Inc()
	e.resolve(ctx, intent.ID, domain.SignalExecuted, pos.ID, "")
}

// closeAll force-closes every position named by a close intent. The intent
// fails if any close fails.
func (e *Executor) closeAll(ctx context.Context, intent domain.TradeIntent, log *slog.Logger) {
	var errs []error
	last := ""
	for _, id := range intent.ClosePositionIDs {
		pos, err := e.engine.ForceClose(ctx, id, true)
		if err != nil && !errors.Is(err, domain.ErrPositionClosed) {
			log.Error("close on opposite signal failed",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
			continue
		}
		if pos != nil {
			last = pos.ID
		}
		log.Info("position closed on opposite signal", slog.String("position_id", id))
	}

	if err := errors.Join(errs...); err != nil {
		metrics.SignalsTotal.WithLabelValues(string(domain.SignalFailed), "").Inc()
		e.resolve(ctx, intent.ID, domain.SignalFailed, last, err.Error())
		return
	}
	metrics.SignalsTotal.WithLabelValues(string(domain.SignalExecuted), "").Inc()
	e.resolve(ctx, intent.ID, domain.SignalExecuted, last, "")
}

func (e *Executor) resolve(ctx context.Context, id string, outcome domain.SignalOutcome, positionID, errMsg string) {
	if e.outcomes == nil {
		return
	}
	e.outcomes.Resolve(ctx, id, outcome, positionID, errMsg)
}

// drain processes any intents already buffered in the channel after context
// cancellation, so accepted signals are not silently dropped.
func (e *Executor) drain() {
	for {
		select {
		case intent, ok := <-e.intentCh:
			if !ok {
				return
			}
			e.logger.Warn("draining intent after shutdown",
				slog.String("signal_id", intent.ID),
			)
			// Bounded so shutdown cannot hang on the exchange.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.process(drainCtx, intent)
			cancel()
		default:
			return
		}
	}
}
