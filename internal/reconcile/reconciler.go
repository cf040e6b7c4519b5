package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"swing-trading-bot/config"
	"swing-trading-bot/internal/binance"
	"swing-trading-bot/internal/database"
	"swing-trading-bot/internal/engine"
	"swing-trading-bot/internal/feed"
)

// ErrExchangeUnreachable means reconciliation exhausted its retry budget
// without ever reaching the exchange. The process must exit non-zero
// without starting normal operation.
var ErrExchangeUnreachable = errors.New("exchange unreachable during reconciliation")

// Store is the persistence surface the reconciler needs beyond what it
// reaches through the engine's handlers.
type Store interface {
	NonTerminalOrders(ctx context.Context) ([]*database.Order, error)
	TradePairsByStatus(ctx context.Context, status string) ([]*database.TradePair, error)
	UpdateSystemState(ctx context.Context, update database.SystemStateUpdate) error
	RecordReconciliation(ctx context.Context, warnings []string) error
}

var _ Store = (*database.Repository)(nil)

// Reconciler replays the gap between local state and the exchange at
// startup. Every discrepancy flows through the engine's idempotent event
// handler, so reconciliation and live feed processing share one code path.
// It never cancels or mutates a remote order to resolve a discrepancy.
type Reconciler struct {
	store  Store
	client binance.ExchangeClient
	engine *engine.Engine
	symbol string
	cfg    config.FeedConfig
	logger zerolog.Logger
}

func New(store Store, client binance.ExchangeClient, eng *engine.Engine, symbol string, cfg config.FeedConfig, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		client: client,
		engine: eng,
		symbol: symbol,
		cfg:    cfg,
		logger: logger,
	}
}

// Run performs startup reconciliation, retrying transient exchange failures
// with the same backoff policy as the feed channels. It blocks the caller:
// normal event processing must not start until it returns nil.
func (r *Reconciler) Run(ctx context.Context) error {
	status := database.SystemStatusReconciling
	if err := r.store.UpdateSystemState(ctx, database.SystemStateUpdate{Status: &status}); err != nil {
		return fmt.Errorf("mark reconciling: %w", err)
	}

	retry := feed.NewBackoff(r.cfg.InitialRetryDelay, r.cfg.ReconnectCeiling)
	for {
		err := r.reconcileOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, ok := retry.Next()
		if !ok {
			failure := fmt.Errorf("%w: %v", ErrExchangeUnreachable, err)
			msg := failure.Error()
			if recordErr := r.store.UpdateSystemState(ctx, database.SystemStateUpdate{LastError: &msg}); recordErr != nil {
				r.logger.Warn().Err(recordErr).Msg("Failed to record reconciliation failure")
			}
			return failure
		}

		r.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Reconciliation attempt failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// RunPeriodic repeats reconciliation on a fixed interval for deployments
// that want drift detection beyond startup. Each pass runs on the engine's
// event-loop goroutine, serialized with live fill handling; running it
// concurrently would let two fill handlers read the same stale cumulative
// quantity. Failures are logged, never fatal; the live feed remains the
// primary event source.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.engine.Execute(ctx, r.reconcileOnce); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn().Err(err).Msg("Periodic reconciliation failed")
			}
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) error {
	started := time.Now()
	var warnings []string

	local, err := r.store.NonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("load local orders: %w", err)
	}

	remote, err := r.client.GetOpenOrders(r.symbol)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}

	localByExchangeID := make(map[int64]*database.Order, len(local))
	for _, order := range local {
		localByExchangeID[order.ExchangeOrderID] = order
	}
	remoteByID := make(map[int64]struct{}, len(remote))
	for i := range remote {
		remoteByID[remote[i].OrderId] = struct{}{}
	}

	// Waiting pairs carry the client order id their SELL was (or was about
	// to be) sent with. Remote orders matching a claim are handled in the
	// waiting-pair pass below, not adopted as unknown.
	waiting, err := r.store.TradePairsByStatus(ctx, database.PairStatusWaitingForSell)
	if err != nil {
		return fmt.Errorf("load waiting pairs: %w", err)
	}
	claimed := make(map[string]struct{}, len(waiting))
	for _, pair := range waiting {
		if pair.SellClientOrderID != nil {
			claimed[*pair.SellClientOrderID] = struct{}{}
		}
	}

	// Remote orders we have no local record of: adopt their current state.
	// This recovers orders placed by a previous run that crashed before
	// persisting, and fills that happened while disconnected.
	adopted := 0
	for i := range remote {
		if _, known := localByExchangeID[remote[i].OrderId]; known {
			continue
		}
		if _, isClaimed := claimed[remote[i].ClientOrderId]; isClaimed {
			continue
		}
		event := feed.NormalizeOrder(&remote[i], feed.SourceReconcile)
		if err := r.engine.HandleOrderEvent(ctx, event); err != nil {
			return fmt.Errorf("adopt remote order %d: %w", remote[i].OrderId, err)
		}
		adopted++
	}

	// Local non-terminal orders missing from the remote open list must
	// have reached a terminal state while we were offline.
	resolved := 0
	for _, order := range local {
		if _, open := remoteByID[order.ExchangeOrderID]; open {
			continue
		}
		snapshot, err := r.client.GetOrder(r.symbol, order.ExchangeOrderID)
		if err != nil {
			var apiErr *binance.APIError
			if errors.As(err, &apiErr) && !apiErr.Retryable() {
				warning := fmt.Sprintf("order %d known locally but unresolvable remotely: %v", order.ExchangeOrderID, err)
				r.logger.Warn().Str("warning", warning).Msg("Reconciliation discrepancy")
				warnings = append(warnings, warning)
				continue
			}
			return fmt.Errorf("resolve order %d: %w", order.ExchangeOrderID, err)
		}
		event := feed.NormalizeOrder(snapshot, feed.SourceReconcile)
		if err := r.engine.HandleOrderEvent(ctx, event); err != nil {
			return fmt.Errorf("apply resolved order %d: %w", order.ExchangeOrderID, err)
		}
		resolved++
	}

	// Pairs whose SELL was never confirmed placed. A pair with a claimed
	// client order id is looked up on the exchange first: if the order is
	// live the previous run crashed after placement, and the pair adopts
	// it rather than placing a second SELL. Only when the claim resolves
	// to nothing does the pair go back through the guarded placement path.
	adoptedSells := 0
	replaced := 0
	for _, pair := range waiting {
		if pair.SellClientOrderID != nil {
			remoteSell, err := r.client.GetOrderByClientID(r.symbol, *pair.SellClientOrderID)
			if err == nil {
				if err := r.engine.AdoptSell(ctx, pair, remoteSell); err != nil {
					return fmt.Errorf("adopt claimed SELL for pair %d: %w", pair.ID, err)
				}
				adoptedSells++
				continue
			}
			var apiErr *binance.APIError
			if !errors.As(err, &apiErr) || apiErr.Retryable() {
				return fmt.Errorf("resolve claimed SELL for pair %d: %w", pair.ID, err)
			}
			// The claim never reached the exchange. PlaceSell reuses the
			// claimed id, so even a lost response cannot double-place.
		}
		if err := r.engine.PlaceSell(ctx, pair); err != nil {
			return fmt.Errorf("re-place SELL for pair %d: %w", pair.ID, err)
		}
		if pair.Status == database.PairStatusSellPlaced {
			replaced++
		}
	}

	if err := r.store.RecordReconciliation(ctx, warnings); err != nil {
		return fmt.Errorf("record reconciliation: %w", err)
	}

	r.logger.Info().
		Int("local_orders", len(local)).
		Int("remote_open", len(remote)).
		Int("adopted", adopted).
		Int("resolved", resolved).
		Int("sells_adopted", adoptedSells).
		Int("sells_replaced", replaced).
		Int("warnings", len(warnings)).
		Dur("duration", time.Since(started)).
		Msg("Reconciliation complete")
	return nil
}
