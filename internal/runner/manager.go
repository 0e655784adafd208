// manager.go is the control surface over all strategies: Start, Stop,
// StopAll, and status queries. All operations are idempotent.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alpha-volume-bot/pkg/types"
)

// stopGrace bounds how long teardown waits for user loops to unwind
// before remaining resources are forcibly closed.
const stopGrace = 10 * time.Second

// Manager owns the lifecycle of every running strategy.
type Manager struct {
	client  ExchangeAPI
	streams StreamFactory
	creds   CredentialStore
	board   *StatusBoard
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*StrategyExecutor
}

// NewManager creates an empty manager.
func NewManager(client ExchangeAPI, streams StreamFactory, creds CredentialStore, logger *slog.Logger) *Manager {
	return &Manager{
		client:  client,
		streams: streams,
		creds:   creds,
		board:   NewStatusBoard(),
		logger:  logger.With("component", "manager"),
		runs:    make(map[string]*StrategyExecutor),
	}
}

// Board exposes the status board for read-only queries.
func (m *Manager) Board() *StatusBoard { return m.board }

// Start launches a strategy. Starting an already-running strategy is a
// no-op.
func (m *Manager) Start(ctx context.Context, cfg types.StrategyConfig) error {
	if !cfg.Enabled {
		return fmt.Errorf("strategy %s is disabled", cfg.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.runs[cfg.ID]; running {
		return nil
	}

	exec := NewStrategyExecutor(cfg, m.client, m.streams, m.creds, m.board, m.logger)
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start strategy %s: %w", cfg.ID, err)
	}
	m.runs[cfg.ID] = exec

	// Reap the run once every user loop is done so a finished strategy
	// can be started again.
	go func() {
		exec.Wait()
		m.mu.Lock()
		if m.runs[cfg.ID] == exec {
			delete(m.runs, cfg.ID)
		}
		m.mu.Unlock()
	}()

	return nil
}

// Stop cancels one strategy and waits up to the grace period for its user
// loops to unwind. Stopping an unknown or already-stopped strategy is a
// no-op.
func (m *Manager) Stop(strategyID string) {
	m.mu.Lock()
	exec, ok := m.runs[strategyID]
	delete(m.runs, strategyID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.logger.Info("stopping strategy", "strategy", strategyID)
	exec.Stop(stopGrace)
}

// StopAll cancels every running strategy concurrently.
func (m *Manager) StopAll() {
	m.mu.Lock()
	execs := make([]*StrategyExecutor, 0, len(m.runs))
	for id, exec := range m.runs {
		execs = append(execs, exec)
		delete(m.runs, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, exec := range execs {
		exec := exec
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec.Stop(stopGrace)
		}()
	}
	wg.Wait()
}

// Running reports the IDs of currently running strategies.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.runs))
	for id := range m.runs {
		out = append(out, id)
	}
	return out
}
