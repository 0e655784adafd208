// executor.go fans one strategy out across its users.
//
// Every user runs under a supervisor goroutine that owns that user's
// resources (listen key, WebSocket, tracker) and catches every failure —
// revoked credentials, a dead stream, even a panic — recording a terminal
// cause and tearing down only that user. Nothing a single user does can
// stop the others; the per-user supervisor is the isolation boundary the
// whole design leans on.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/internal/tracker"
	"alpha-volume-bot/pkg/types"
)

// prefilterConcurrency bounds the simultaneous volume queries at startup.
const prefilterConcurrency = 8

// CredentialStore resolves per-user session material.
type CredentialStore interface {
	Get(userID int64) (types.UserCredentials, error)
}

// StrategyExecutor orchestrates all users of one strategy.
type StrategyExecutor struct {
	cfg     types.StrategyConfig
	client  ExchangeAPI
	streams StreamFactory
	creds   CredentialStore
	board   *StatusBoard
	logger  *slog.Logger

	latch *Latch
	wg    sync.WaitGroup
}

// NewStrategyExecutor wires an executor for one resolved strategy.
func NewStrategyExecutor(cfg types.StrategyConfig, client ExchangeAPI, streams StreamFactory, creds CredentialStore, board *StatusBoard, logger *slog.Logger) *StrategyExecutor {
	return &StrategyExecutor{
		cfg:     cfg,
		client:  client,
		streams: streams,
		creds:   creds,
		board:   board,
		logger:  logger.With("component", "strategy", "strategy_id", cfg.ID),
	}
}

// Start pre-filters users by authoritative volume and spawns a supervised
// per-user batch loop for everyone still below target. It returns once all
// loops are launched; Wait blocks until they finish.
func (e *StrategyExecutor) Start(ctx context.Context) error {
	e.latch = NewLatch(ctx)

	resolved := make(map[int64]types.UserCredentials, len(e.cfg.UserIDs))
	for _, uid := range e.cfg.UserIDs {
		c, err := e.creds.Get(uid)
		if err != nil {
			e.logger.Error("no credentials for user", "user_id", uid, "error", err)
			e.board.SetCause(e.cfg.ID, uid, types.TerminalCause{
				Kind:    types.CauseError,
				Message: fmt.Sprintf("credentials unavailable: %v", err),
			})
			continue
		}
		resolved[uid] = c
		e.board.SetStatus(e.cfg.ID, uid, types.UserNotStarted)
	}

	active := e.prefilter(resolved)

	sort.Slice(active, func(i, j int) bool { return active[i] < active[j] })
	for _, uid := range active {
		uid := uid
		userCreds := resolved[uid]
		e.wg.Add(1)
		go e.runUser(uid, userCreds)
	}

	e.logger.Info("strategy started",
		"users_total", len(e.cfg.UserIDs),
		"users_active", len(active),
	)
	return nil
}

// prefilter concurrently queries authoritative volume for every resolved
// user and returns those still below target. Already-satisfied users are
// recorded and never touch a listen key or WebSocket.
func (e *StrategyExecutor) prefilter(resolved map[int64]types.UserCredentials) []int64 {
	var (
		mu     sync.Mutex
		active []int64
	)

	g, gctx := errgroup.WithContext(e.latch.Context())
	g.SetLimit(prefilterConcurrency)

	for uid, userCreds := range resolved {
		uid, userCreds := uid, userCreds
		g.Go(func() error {
			snapshot, err := e.client.FetchUserVolume(gctx, userCreds)
			if err != nil {
				if exchange.IsAuthFailed(err) {
					e.board.SetCause(e.cfg.ID, uid, authCause(err))
					return nil
				}
				// Transient: let the batch loop's own re-anchor decide.
				e.logger.Warn("prefilter volume query failed", "user_id", uid, "error", err)
				mu.Lock()
				active = append(active, uid)
				mu.Unlock()
				return nil
			}

			current := snapshot.Volume(e.cfg.TargetTokenSymbol)
			e.board.SetVolume(e.cfg.ID, uid, current)

			if current.GreaterThanOrEqual(e.cfg.TargetVolume) {
				e.logger.Info("user already satisfied", "user_id", uid, "volume", current)
				e.board.SetStatus(e.cfg.ID, uid, types.UserFilteredSatisfied)
				return nil
			}

			mu.Lock()
			active = append(active, uid)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return active
}

// runUser is the per-user supervisor: resource bring-up, batch loop,
// terminal-cause recording, teardown. All failure paths stay inside it.
func (e *StrategyExecutor) runUser(uid int64, userCreds types.UserCredentials) {
	defer e.wg.Done()

	logger := e.logger.With("user_id", uid)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("user loop panicked", "panic", r)
			e.board.SetCause(e.cfg.ID, uid, types.TerminalCause{
				Kind:    types.CauseError,
				Message: fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	userLatch := NewLatch(e.latch.Context())
	defer userLatch.Set()

	stream, err := e.streams.Open(userLatch.Context(), userCreds)
	if err != nil {
		if exchange.IsAuthFailed(err) {
			e.board.SetCause(e.cfg.ID, uid, authCause(err))
		} else {
			e.board.SetCause(e.cfg.ID, uid, types.TerminalCause{
				Kind:    types.CauseListenKeyFailed,
				Message: fmt.Sprintf("order stream unavailable: %v", err),
			})
		}
		return
	}
	defer stream.Stop()

	trk := tracker.New()
	go trk.Feed(userLatch.Context(), stream.Updates())

	// A dead stream makes every subsequent wait futile; trip the user
	// latch so the loop unwinds promptly.
	go func() {
		select {
		case <-stream.Failed():
			userLatch.Set()
		case <-userLatch.Done():
		}
	}()

	e.board.SetStatus(e.cfg.ID, uid, types.UserRunning)
	logger.Info("user loop started")

	trade := NewTradeExecutor(e.client, e.cfg, logger)
	loop := NewBatchLoop(e.client, e.cfg, trade, func(vol decimal.Decimal) {
		e.board.SetVolume(e.cfg.ID, uid, vol)
	}, logger)

	cause := loop.Run(userLatch, userCreds, trk)

	// A cancellation that was really a stream death is reported as such.
	if cause.Kind == types.CauseCanceled {
		select {
		case <-stream.Failed():
			cause = types.TerminalCause{
				Kind:    types.CauseStreamFailed,
				Message: fmt.Sprintf("order stream failed: %v", stream.Err()),
			}
		default:
		}
	}

	e.board.SetCause(e.cfg.ID, uid, cause)
	logger.Info("user loop finished", "cause", string(cause.Kind), "detail", cause.Message)
}

// Stop trips the strategy latch and waits up to grace for all user loops
// to unwind. Returns false if the grace period expired with loops still
// running; their resources are force-closed by context cancellation.
func (e *StrategyExecutor) Stop(grace time.Duration) bool {
	if e.latch == nil {
		return true
	}
	e.latch.Set()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		e.logger.Warn("stop grace period expired", "grace", grace)
		return false
	}
}

// Wait blocks until every user loop has finished.
func (e *StrategyExecutor) Wait() { e.wg.Wait() }
