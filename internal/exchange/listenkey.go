// listenkey.go keeps one user's listen key valid for the duration of a run.
//
// The key authorizes the order-event WebSocket subscription and expires
// server-side after ~60 minutes, so the lifecycle refreshes it every 30.
// Refresh failures are retried with short backoff; three consecutive
// failures, or a single authentication failure, put the lifecycle into a
// terminal Failed state the supervisor observes and treats like a stream
// failure. The key is not rotated
// transparently: if the exchange invalidates it, the user's run ends.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"alpha-volume-bot/pkg/types"
)

const (
	keepAliveInterval    = 30 * time.Minute
	keepAliveRetryDelay  = 20 * time.Second
	keepAliveMaxFailures = 3
)

// ListenKeyLifecycle obtains a listen key and keeps it alive until stopped.
type ListenKeyLifecycle struct {
	client *Client
	creds  types.UserCredentials
	logger *slog.Logger

	mu      sync.Mutex
	key     string
	failed  error
	started bool

	failedCh chan struct{} // closed when the lifecycle enters Failed
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{} // closed when the refresh goroutine exits
}

// NewListenKeyLifecycle creates a lifecycle bound to one user's credentials.
func NewListenKeyLifecycle(client *Client, creds types.UserCredentials, logger *slog.Logger) *ListenKeyLifecycle {
	return &ListenKeyLifecycle{
		client:   client,
		creds:    creds,
		logger:   logger.With("component", "listen_key"),
		failedCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start obtains the initial key and launches the refresh schedule.
func (l *ListenKeyLifecycle) Start(ctx context.Context) error {
	key, err := l.client.ObtainListenKey(ctx, l.creds)
	if err != nil {
		return fmt.Errorf("obtain listen key: %w", err)
	}

	l.mu.Lock()
	l.key = key
	l.started = true
	l.mu.Unlock()

	go l.refreshLoop(ctx)
	return nil
}

// Key returns the current listen key.
func (l *ListenKeyLifecycle) Key() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// Failed returns a channel closed when the lifecycle has permanently
// failed, and the terminal error via Err().
func (l *ListenKeyLifecycle) Failed() <-chan struct{} { return l.failedCh }

// Err returns the terminal error after Failed fires, nil otherwise.
func (l *ListenKeyLifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Stop cancels the refresh schedule and releases the key. Safe to call
// more than once; a not-found on close is ignored by the client.
func (l *ListenKeyLifecycle) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		started := l.started
		l.mu.Unlock()
		if started {
			<-l.done
		}

		key := l.Key()
		if key == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.client.CloseListenKey(ctx, l.creds, key); err != nil {
			l.logger.Warn("close listen key", "error", err)
		}
	})
}

func (l *ListenKeyLifecycle) refreshLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			if err := l.keepAliveWithRetry(ctx); err != nil {
				l.mu.Lock()
				l.failed = fmt.Errorf("listen key refresh failed: %w", err)
				l.mu.Unlock()
				l.logger.Error("listen key permanently failed", "error", err)
				close(l.failedCh)
				return
			}
		}
	}
}

func (l *ListenKeyLifecycle) keepAliveWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= keepAliveMaxFailures; attempt++ {
		err := l.client.KeepAliveListenKey(ctx, l.creds, l.Key())
		if err == nil {
			return nil
		}
		if IsAuthFailed(err) {
			return err
		}
		lastErr = err
		l.logger.Warn("listen key keepalive failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return lastErr
		case <-time.After(keepAliveRetryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
