// loop.go is the per-user batch loop that drives one user toward the
// volume target.
//
// Each batch sizes itself from the exchange's own volume figure: query,
// compute how many single trades remain at the current mulPoint, run them,
// query again. API ledger lag, partial non-fills, and activity outside the
// bot all self-correct on the next re-anchor, so no volume is ever
// accumulated locally for the stopping decision.
package runner

import (
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/internal/tracker"
	"alpha-volume-bot/pkg/types"
)

// VolumeObserver receives each authoritative volume reading. The status
// board implements it; tests use it to watch re-anchoring.
type VolumeObserver func(vol decimal.Decimal)

// BatchLoop runs the re-anchoring trade loop for a single user.
type BatchLoop struct {
	client  ExchangeAPI
	cfg     types.StrategyConfig
	trade   *TradeExecutor
	observe VolumeObserver
	logger  *slog.Logger
}

// NewBatchLoop creates a loop for one user of one strategy. observe may be
// nil.
func NewBatchLoop(client ExchangeAPI, cfg types.StrategyConfig, trade *TradeExecutor, observe VolumeObserver, logger *slog.Logger) *BatchLoop {
	return &BatchLoop{
		client:  client,
		cfg:     cfg,
		trade:   trade,
		observe: observe,
		logger:  logger,
	}
}

// Run drives trades until the target volume is reached, the stop latch
// trips, or a terminal per-user failure occurs. The returned cause is the
// user's structured end-of-run record.
func (b *BatchLoop) Run(stop *Latch, creds types.UserCredentials, trk *tracker.Tracker) types.TerminalCause {
	retryDelay := time.Duration(b.cfg.RetryDelaySeconds) * time.Second
	tradeInterval := time.Duration(b.cfg.TradeIntervalSeconds) * time.Second

	for {
		if stop.IsSet() {
			return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
		}

		snapshot, err := b.client.FetchUserVolume(stop.Context(), creds)
		if err != nil {
			if exchange.IsAuthFailed(err) {
				return authCause(err)
			}
			if stop.IsSet() {
				return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
			}
			b.logger.Warn("volume query failed", "error", err)
			if !stop.Sleep(retryDelay) {
				return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
			}
			continue
		}

		current := snapshot.Volume(b.cfg.TargetTokenSymbol)
		if b.observe != nil {
			b.observe(current)
		}

		if current.GreaterThanOrEqual(b.cfg.TargetVolume) {
			b.logger.Info("target volume reached", "current", current, "target", b.cfg.TargetVolume)
			return types.TerminalCause{Kind: types.CauseSuccess, Message: "target volume reached"}
		}

		remaining := b.cfg.TargetVolume.Sub(current)

		mulPoint, err := b.currentMulPoint(stop)
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				return types.TerminalCause{Kind: types.CauseConfigError, Message: cfgErr.Msg}
			}
			b.logger.Warn("catalog read failed", "error", err)
			if !stop.Sleep(retryDelay) {
				return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
			}
			continue
		}

		singleReal := b.cfg.SingleTradeAmountUSDT.Div(decimal.NewFromInt(mulPoint))
		loopCount := remaining.Div(singleReal).Ceil().IntPart()
		if loopCount < 1 {
			loopCount = 1
		}

		b.logger.Info("batch sized",
			"current", current,
			"remaining", remaining,
			"single_real", singleReal,
			"loop_count", loopCount,
		)

		for i := int64(0); i < loopCount; i++ {
			if stop.IsSet() {
				return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
			}

			ok, _, err := b.trade.Execute(stop, creds, trk)
			if err != nil {
				if exchange.IsAuthFailed(err) {
					return authCause(err)
				}
				var cfgErr *ConfigError
				if errors.As(err, &cfgErr) {
					return types.TerminalCause{Kind: types.CauseConfigError, Message: cfgErr.Msg}
				}
				return types.TerminalCause{Kind: types.CauseError, Message: err.Error()}
			}

			pause := tradeInterval
			if !ok {
				pause = retryDelay
			}
			if !stop.Sleep(pause) {
				return types.TerminalCause{Kind: types.CauseCanceled, Message: "stopped"}
			}
		}
	}
}

// currentMulPoint reads the multiplier for the target token at batch time.
func (b *BatchLoop) currentMulPoint(stop *Latch) (int64, error) {
	entries, err := b.client.FetchTokenCatalog(stop.Context())
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.Symbol == b.cfg.TargetTokenSymbol {
			return entry.EffectiveMulPoint(), nil
		}
	}
	return 0, &ConfigError{Msg: "token " + b.cfg.TargetTokenSymbol + " not in catalog"}
}

// authCause renders the operator-actionable terminal record for revoked
// credentials. The refresh wording is load-bearing for operator tooling.
func authCause(err error) types.TerminalCause {
	return types.TerminalCause{
		Kind:    types.CauseAuthFailed,
		Message: "credentials rejected by exchange, please refresh credentials: " + err.Error(),
	}
}
