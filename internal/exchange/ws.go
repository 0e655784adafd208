// ws.go implements the per-user order-event WebSocket stream.
//
// One OrderEventStream exists per user per run. Given that user's listen
// key it subscribes to the user-specific topic, decodes every
// executionReport into a types.OrderUpdate, and delivers updates in arrival
// order on a channel the order tracker consumes. Connection-state
// transitions (Connected, Disconnected, Reconnecting, GaveUp) are published
// on a second channel so the supervisor can react to terminal stream
// failure.
//
// Reconnection uses capped exponential backoff: attempts 1..10, 1s doubling
// to a 60s cap. The attempt counter resets after every acknowledged
// subscription, so only consecutive failures count toward giving up. After
// the tenth consecutive failure the stream emits GaveUp and terminates;
// the caller treats that as fatal for the user.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"alpha-volume-bot/pkg/types"
)

const (
	wsReadTimeout    = 90 * time.Second // ~2 missed server pings triggers reconnect
	wsWriteTimeout   = 10 * time.Second
	wsAckTimeout     = 10 * time.Second
	wsMaxAttempts    = 10
	wsInitialBackoff = time.Second
	wsMaxBackoff     = 60 * time.Second
	updateBufferSize = 256
	stateBufferSize  = 16
)

// OrderEventStream maintains one user's order-event subscription.
type OrderEventStream struct {
	url       string
	listenKey string

	conn   *websocket.Conn
	connMu sync.Mutex

	updates chan types.OrderUpdate
	states  chan types.StreamState

	stopOnce sync.Once
	stopCh   chan struct{}

	subID  int64
	logger *slog.Logger
}

// NewOrderEventStream creates a stream for the topic derived from listenKey.
func NewOrderEventStream(wsURL, listenKey string, logger *slog.Logger) *OrderEventStream {
	return &OrderEventStream{
		url:       wsURL,
		listenKey: listenKey,
		updates:   make(chan types.OrderUpdate, updateBufferSize),
		states:    make(chan types.StreamState, stateBufferSize),
		stopCh:    make(chan struct{}),
		logger:    logger.With("component", "order_stream"),
	}
}

// Updates returns the channel of decoded order events, in arrival order.
func (s *OrderEventStream) Updates() <-chan types.OrderUpdate { return s.updates }

// States returns the channel of connection-state transitions.
func (s *OrderEventStream) States() <-chan types.StreamState { return s.states }

// Stop closes the socket and unblocks Run. Idempotent.
func (s *OrderEventStream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.connMu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.connMu.Unlock()
	})
}

// Run connects and maintains the subscription until ctx is cancelled, Stop
// is called, or reconnection attempts are exhausted. Exhaustion returns a
// non-nil error after emitting GaveUp.
func (s *OrderEventStream) Run(ctx context.Context) error {
	backoff := wsInitialBackoff
	attempt := 0

	for {
		acked, err := s.connectAndRead(ctx)
		if ctx.Err() != nil || s.stopped() {
			return nil
		}

		s.emitState(types.StreamState{State: types.ConnDisconnected, Reason: err.Error()})

		// Only consecutive failures count: a session that got past the
		// subscription ack resets the budget.
		if acked {
			attempt = 0
			backoff = wsInitialBackoff
		}
		attempt++
		if attempt >= wsMaxAttempts {
			reason := fmt.Sprintf("reconnect attempts exhausted: %v", err)
			s.logger.Error("order stream gave up", "error", err, "attempts", attempt)
			s.emitTerminalState(types.StreamState{State: types.ConnGaveUp, Reason: reason})
			return fmt.Errorf("order stream gave up: %w", err)
		}

		s.logger.Warn("order stream disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)
		s.emitState(types.StreamState{
			State:     types.ConnReconnecting,
			Attempt:   attempt,
			BackoffMS: backoff.Milliseconds(),
		})

		select {
		case <-ctx.Done():
			return nil
		case <-s.stopCh:
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (s *OrderEventStream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *OrderEventStream) connectAndRead(ctx context.Context) (acked bool, _ error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.subscribe(conn); err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}

	s.logger.Info("order stream connected")
	s.emitState(types.StreamState{State: types.ConnConnected})

	for {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}

		s.dispatchMessage(msg)
	}
}

// subscribe sends the subscription frame for the listen-key topic and waits
// for the server's acknowledgement before the session counts as connected.
func (s *OrderEventStream) subscribe(conn *websocket.Conn) error {
	s.subID++
	sub := types.WSSubscribeMsg{
		Method: "SUBSCRIBE",
		Params: []string{s.listenKey},
		ID:     s.subID,
	}

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	deadline := time.Now().Add(wsAckTimeout)
	for {
		conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await ack: %w", err)
		}

		var ack types.WSAck
		if json.Unmarshal(msg, &ack) == nil && ack.ID == sub.ID && ack.Result == nil {
			return nil
		}

		// Data can race the ack; don't drop it.
		s.dispatchMessage(msg)
	}
}

// dataFrame is the wrapper the exchange puts around stream payloads.
type dataFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *OrderEventStream) dispatchMessage(msg []byte) {
	payload := msg
	var frame dataFrame
	if err := json.Unmarshal(msg, &frame); err == nil && len(frame.Data) > 0 {
		payload = frame.Data
	}

	var report types.WSExecutionReport
	if err := json.Unmarshal(payload, &report); err != nil {
		s.logger.Debug("ignoring non-json ws message")
		return
	}
	if report.EventType != "executionReport" {
		return
	}

	update, err := mapExecutionReport(report)
	if err != nil {
		s.logger.Error("bad executionReport", "error", err)
		return
	}

	select {
	case s.updates <- update:
	case <-s.stopCh:
	}
}

func mapExecutionReport(r types.WSExecutionReport) (types.OrderUpdate, error) {
	qty := decimal.Zero
	if r.CumExecQty != "" {
		parsed, err := decimal.NewFromString(r.CumExecQty)
		if err != nil {
			return types.OrderUpdate{}, fmt.Errorf("parse cumulative qty %q: %w", r.CumExecQty, err)
		}
		qty = parsed
	}
	if r.OrderID == "" {
		return types.OrderUpdate{}, fmt.Errorf("executionReport without order id")
	}

	return types.OrderUpdate{
		OrderID:     r.OrderID,
		Status:      types.OrderStatus(r.Status),
		ExecutedQty: qty,
		Side:        types.Side(r.Side),
		EventTime:   r.EventTime,
	}, nil
}

// emitState publishes a connection-state transition, dropping it if the
// consumer has fallen behind. Terminal states use emitTerminalState.
func (s *OrderEventStream) emitState(st types.StreamState) {
	select {
	case s.states <- st:
	default:
		s.logger.Warn("state channel full, dropping transition", "state", st.State)
	}
}

// emitTerminalState blocks until the terminal transition is delivered or
// the stream is stopped; GaveUp must never be silently dropped.
func (s *OrderEventStream) emitTerminalState(st types.StreamState) {
	select {
	case s.states <- st:
	case <-s.stopCh:
	}
}
