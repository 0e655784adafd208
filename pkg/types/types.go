// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — order sides and
// statuses, the token catalog, resolved strategy configuration, and the
// WebSocket payloads of the Alpha exchange. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"log/slog"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order leg: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the exchange-reported lifecycle state of one order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusPending         OrderStatus = "PENDING"
)

// Terminal reports whether no further transitions can follow this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderUpdate is one decoded executionReport event for a single order.
type OrderUpdate struct {
	OrderID     string
	Status      OrderStatus
	ExecutedQty decimal.Decimal
	Side        Side
	EventTime   int64 // exchange event time, unix ms
}

// TokenCatalogEntry is one token row from the Alpha token catalog.
// MulPoint is the exchange-side display multiplier: reported volume for a
// trade equals nominal notional times MulPoint, so the real contribution
// toward a volume target is notional divided by MulPoint.
type TokenCatalogEntry struct {
	Symbol     string          `json:"symbol"`
	ChainID    string          `json:"chainId"`
	LastPrice  decimal.Decimal `json:"price"`
	MulPoint   int64           `json:"mulPoint"`
	ListingCEX bool            `json:"listingCex"`
	Online     bool            `json:"online"`
}

// EffectiveMulPoint normalizes an absent or nonsensical multiplier to 1.
func (t TokenCatalogEntry) EffectiveMulPoint() int64 {
	if t.MulPoint < 1 {
		return 1
	}
	return t.MulPoint
}

// OTOOrderPlacement identifies the two legs of a successfully placed
// one-triggers-other order.
type OTOOrderPlacement struct {
	WorkingOrderID string // buy leg, live immediately
	PendingOrderID string // sell leg, activated when the buy leg fills
}

// UserVolumeSnapshot maps token symbol to the exchange-reported trading
// volume for one user. The exchange is the system of record; the bot never
// accumulates volume locally for stopping decisions.
type UserVolumeSnapshot map[string]decimal.Decimal

// Volume returns the reported volume for a symbol, zero if absent.
func (s UserVolumeSnapshot) Volume(symbol string) decimal.Decimal {
	if v, ok := s[symbol]; ok {
		return v
	}
	return decimal.Zero
}

// UserCredentials carries the opaque per-user session material sent with
// every authenticated request. The bot never inspects or rewrites it.
type UserCredentials struct {
	Headers map[string]string
	Cookies string
}

// LogValue keeps credential material out of log output.
func (UserCredentials) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// StrategyConfig is one fully-resolved strategy: global defaults and the
// strategy block have already been flattened by the config loader. There is
// no separate per-user override layer. Immutable for the lifetime of a run.
type StrategyConfig struct {
	ID                    string
	DisplayName           string
	Enabled               bool
	TargetTokenSymbol     string
	TargetChain           string
	TargetVolume          decimal.Decimal
	SingleTradeAmountUSDT decimal.Decimal
	TradeIntervalSeconds  int
	BuyOffsetPercentage   decimal.Decimal
	SellProfitPercentage  decimal.Decimal
	OrderTimeoutSeconds   int
	RetryDelaySeconds     int
	UserIDs               []int64
}

// UserStatus enumerates the externally visible per-(strategy, user) states.
type UserStatus string

const (
	UserNotStarted          UserStatus = "NotStarted"
	UserFilteredSatisfied   UserStatus = "Filtered-Satisfied"
	UserRunning             UserStatus = "Running"
	UserStoppedSuccess      UserStatus = "StoppedSuccess"
	UserStoppedCanceled     UserStatus = "StoppedCanceled"
	UserStoppedAuthFailed   UserStatus = "StoppedAuthFailed"
	UserStoppedStreamFailed UserStatus = "StoppedStreamFailed"
	UserStoppedError        UserStatus = "StoppedError"
)

// CauseKind classifies why a user's run ended.
type CauseKind string

const (
	CauseSuccess         CauseKind = "Success"
	CauseCanceled        CauseKind = "Canceled"
	CauseAuthFailed      CauseKind = "AuthFailed"
	CauseStreamFailed    CauseKind = "StreamFailed"
	CauseListenKeyFailed CauseKind = "ListenKeyFailed"
	CauseConfigError     CauseKind = "ConfigError"
	CauseError           CauseKind = "Error"
)

// TerminalCause is the structured end-of-run record for one user.
type TerminalCause struct {
	Kind    CauseKind
	Message string
}

// Status maps a terminal cause onto the user status enum.
func (c TerminalCause) Status() UserStatus {
	switch c.Kind {
	case CauseSuccess:
		return UserStoppedSuccess
	case CauseCanceled:
		return UserStoppedCanceled
	case CauseAuthFailed:
		return UserStoppedAuthFailed
	case CauseStreamFailed, CauseListenKeyFailed:
		return UserStoppedStreamFailed
	default:
		return UserStoppedError
	}
}

// ConnState is the lifecycle state of the order-event WebSocket.
type ConnState string

const (
	ConnConnected    ConnState = "Connected"
	ConnDisconnected ConnState = "Disconnected"
	ConnReconnecting ConnState = "Reconnecting"
	ConnGaveUp       ConnState = "GaveUp"
)

// StreamState is one connection-state transition emitted by the stream.
type StreamState struct {
	State     ConnState
	Reason    string
	Attempt   int   // reconnect attempt, set for Reconnecting
	BackoffMS int64 // planned backoff, set for Reconnecting
}

// WSSubscribeMsg is the subscription frame sent after connecting.
type WSSubscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// WSAck is the acknowledgement the server returns for a subscribe frame.
type WSAck struct {
	Result *string `json:"result"`
	ID     int64   `json:"id"`
}

// WSExecutionReport is the raw executionReport payload carried in data
// frames. Numeric fields arrive as strings and are parsed into decimals
// when mapped to OrderUpdate.
type WSExecutionReport struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	Side       string `json:"S"`
	OrderID    string `json:"i"`
	Status     string `json:"X"`
	CumExecQty string `json:"z"`
}
