// streams.go abstracts the per-user order-event resources (listen key +
// WebSocket) behind a small interface so the orchestration layer can be
// exercised without a live exchange.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"alpha-volume-bot/internal/exchange"
	"alpha-volume-bot/pkg/types"
)

// Stream is one user's live order-event subscription.
type Stream interface {
	// Updates delivers decoded order events in arrival order.
	Updates() <-chan types.OrderUpdate
	// Failed is closed when the stream has terminally failed (WebSocket
	// gave up or the listen key could not be kept alive).
	Failed() <-chan struct{}
	// Err returns the terminal error after Failed fires.
	Err() error
	// Stop releases the subscription and the listen key. Idempotent.
	Stop()
}

// StreamFactory opens per-user streams. The production factory wires a
// listen-key lifecycle to a WebSocket stream; tests substitute stubs.
type StreamFactory interface {
	Open(ctx context.Context, creds types.UserCredentials) (Stream, error)
}

// LiveStreamFactory builds real exchange-backed streams.
type LiveStreamFactory struct {
	client *exchange.Client
	wsURL  string
	logger *slog.Logger
}

// NewLiveStreamFactory creates the production stream factory.
func NewLiveStreamFactory(client *exchange.Client, wsURL string, logger *slog.Logger) *LiveStreamFactory {
	return &LiveStreamFactory{client: client, wsURL: wsURL, logger: logger}
}

// Open obtains a listen key for creds, starts its refresh schedule, and
// connects the order-event WebSocket for the derived topic.
func (f *LiveStreamFactory) Open(ctx context.Context, creds types.UserCredentials) (Stream, error) {
	lifecycle := exchange.NewListenKeyLifecycle(f.client, creds, f.logger)
	if err := lifecycle.Start(ctx); err != nil {
		return nil, err
	}

	ws := exchange.NewOrderEventStream(f.wsURL, lifecycle.Key(), f.logger)
	ls := &liveStream{
		ws:        ws,
		lifecycle: lifecycle,
		failedCh:  make(chan struct{}),
	}

	go func() {
		if err := ws.Run(ctx); err != nil {
			ls.fail(err)
		}
	}()
	// Drain connection-state transitions; an undrained channel could
	// otherwise block the stream's terminal GaveUp emit.
	go func() {
		for {
			select {
			case st := <-ws.States():
				f.logger.Debug("order stream state", "state", string(st.State), "reason", st.Reason, "attempt", st.Attempt)
			case <-ctx.Done():
				return
			case <-ls.failedCh:
				return
			}
		}
	}()
	go func() {
		select {
		case <-lifecycle.Failed():
			ls.fail(fmt.Errorf("listen key: %w", lifecycle.Err()))
		case <-ls.failedCh:
		case <-ctx.Done():
		}
	}()

	return ls, nil
}

type liveStream struct {
	ws        *exchange.OrderEventStream
	lifecycle *exchange.ListenKeyLifecycle

	mu       sync.Mutex
	err      error
	failOnce sync.Once
	failedCh chan struct{}
	stopOnce sync.Once
}

func (s *liveStream) Updates() <-chan types.OrderUpdate { return s.ws.Updates() }
func (s *liveStream) Failed() <-chan struct{}           { return s.failedCh }

func (s *liveStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *liveStream) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.failedCh)
	})
}

func (s *liveStream) Stop() {
	s.stopOnce.Do(func() {
		s.ws.Stop()
		s.lifecycle.Stop()
	})
}
