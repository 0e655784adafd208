// trade.go executes one round-trip OTO and reports its real volume
// contribution.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/internal/tracker"
	"alpha-volume-bot/pkg/types"
)

// ExchangeAPI is the slice of the exchange client the trading core needs.
// The production implementation is exchange.Client; tests substitute stubs.
type ExchangeAPI interface {
	FetchTokenCatalog(ctx context.Context) ([]types.TokenCatalogEntry, error)
	FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error)
	PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, symbol string, quantity, buyPrice, sellPrice decimal.Decimal) (*types.OTOOrderPlacement, error)
}

// ConfigError marks a runtime configuration problem (missing symbol,
// nonsensical parameters) that is terminal for the affected user.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

var hundred = decimal.NewFromInt(100)

// ComputeBuyPrice applies the buy offset above the last trade price.
func ComputeBuyPrice(lastPrice, buyOffsetPct decimal.Decimal) decimal.Decimal {
	return lastPrice.Mul(decimal.NewFromInt(1).Add(buyOffsetPct.Div(hundred)))
}

// ComputeSellPrice applies the sell discount below the buy price.
func ComputeSellPrice(buyPrice, sellProfitPct decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(decimal.NewFromInt(1).Sub(sellProfitPct.Div(hundred)))
}

// TradeExecutor runs single round-trip OTO trades for one strategy.
type TradeExecutor struct {
	client ExchangeAPI
	cfg    types.StrategyConfig
	logger *slog.Logger
}

// NewTradeExecutor creates an executor bound to one resolved strategy.
func NewTradeExecutor(client ExchangeAPI, cfg types.StrategyConfig, logger *slog.Logger) *TradeExecutor {
	return &TradeExecutor{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "trade", "strategy", cfg.ID),
	}
}

// Execute performs one round trip: read price and mulPoint from the
// catalog, place the OTO, await the buy leg and then the sell leg.
//
// Returns (true, amount/mulPoint) when the buy leg filled: once the
// working leg consumed the notional, the contribution counts even if the
// sell leg later timed out, because the authoritative volume query
// re-anchors reality on the next batch. Returns (false, 0) on a failed or
// timed-out buy leg. AuthenticationFailed and config errors are returned
// as errors and end the user's run.
func (e *TradeExecutor) Execute(stop *Latch, creds types.UserCredentials, trk *tracker.Tracker) (bool, decimal.Decimal, error) {
	ctx := stop.Context()

	entry, err := e.lookupToken(ctx)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) || exchange.IsAuthFailed(err) {
			return false, decimal.Zero, err
		}
		e.logger.Warn("catalog fetch failed", "error", err)
		return false, decimal.Zero, nil
	}

	buyPrice := ComputeBuyPrice(entry.LastPrice, e.cfg.BuyOffsetPercentage)
	if buyPrice.Sign() <= 0 {
		return false, decimal.Zero, &ConfigError{Msg: fmt.Sprintf("token %s: non-positive buy price %s", e.cfg.TargetTokenSymbol, buyPrice)}
	}
	sellPrice := ComputeSellPrice(buyPrice, e.cfg.SellProfitPercentage)
	quantity := e.cfg.SingleTradeAmountUSDT.Div(buyPrice)

	placed, err := e.client.PlaceOTOOrder(ctx, creds, e.cfg.TargetTokenSymbol, quantity, buyPrice, sellPrice)
	if err != nil {
		if exchange.IsAuthFailed(err) {
			return false, decimal.Zero, err
		}
		e.logger.Warn("oto placement failed", "error", err)
		return false, decimal.Zero, nil
	}

	// Register both legs before yielding to the event loop; the tracker
	// buffers any update that raced the placement response.
	trk.Register(placed.WorkingOrderID)
	trk.Register(placed.PendingOrderID)
	defer trk.Forget(placed.WorkingOrderID)
	defer trk.Forget(placed.PendingOrderID)

	timeout := time.Duration(e.cfg.OrderTimeoutSeconds) * time.Second

	outcome, status := trk.AwaitCompletion(ctx, placed.WorkingOrderID, timeout)
	if outcome != tracker.Filled {
		e.logger.Info("buy leg did not fill",
			"order_id", placed.WorkingOrderID,
			"outcome", outcome.String(),
			"last_status", string(status),
		)
		return false, decimal.Zero, nil
	}

	realVolume := e.cfg.SingleTradeAmountUSDT.Div(decimal.NewFromInt(entry.EffectiveMulPoint()))

	outcome, status = trk.AwaitCompletion(ctx, placed.PendingOrderID, timeout)
	if outcome != tracker.Filled {
		// The notional was consumed by the buy leg; the sell leg is left
		// to the exchange and the next volume query re-anchors the loop.
		e.logger.Info("sell leg unresolved, counting volume anyway",
			"order_id", placed.PendingOrderID,
			"outcome", outcome.String(),
			"last_status", string(status),
		)
	}

	return true, realVolume, nil
}

// lookupToken resolves the target symbol's catalog entry.
func (e *TradeExecutor) lookupToken(ctx context.Context) (types.TokenCatalogEntry, error) {
	entries, err := e.client.FetchTokenCatalog(ctx)
	if err != nil {
		return types.TokenCatalogEntry{}, err
	}
	for _, entry := range entries {
		if entry.Symbol == e.cfg.TargetTokenSymbol {
			return entry, nil
		}
	}
	return types.TokenCatalogEntry{}, &ConfigError{Msg: fmt.Sprintf("token %s not in catalog", e.cfg.TargetTokenSymbol)}
}
