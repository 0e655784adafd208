// errors.go defines the error taxonomy for exchange interactions and the
// classifier that maps Alpha API error payloads onto it.
//
// Four classes matter to callers:
//
//   - AuthFailedError: the user's session material is no longer valid.
//     Terminal for that user; never retried.
//   - RejectedError:   the exchange validated and refused an order
//     (precision, size, balance). Counted as a failed trade.
//   - ProtocolError:   response arrived but could not be interpreted.
//   - TransportError:  request never completed (network, 5xx).
//
// Transport and protocol failures are transient: the batch loop's next
// iteration or the stream's reconnect absorbs them.
package exchange

import (
	"errors"
	"fmt"
	"strings"
)

// AuthFailedError marks credential revocation for one user. Callers treat
// it as terminal for the affected user and must not retry the request.
type AuthFailedError struct {
	Code    string
	Message string
}

func (e *AuthFailedError) Error() string {
	return fmt.Sprintf("authentication failed (code %s): %s", e.Code, e.Message)
}

// RejectedError is an exchange-side validation refusal of an order.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("order rejected (code %s): %s", e.Code, e.Message)
}

// TransportError wraps network-level failures and 5xx responses.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError marks a response the client could not decode or that
// violated the envelope contract.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// IsAuthFailed reports whether err (anywhere in its chain) is a credential
// revocation.
func IsAuthFailed(err error) bool {
	var af *AuthFailedError
	return errors.As(err, &af)
}

// IsRejected reports whether err is an exchange-side order rejection.
func IsRejected(err error) bool {
	var rj *RejectedError
	return errors.As(err, &rj)
}

// Classifier inspects Alpha API error payloads and decides whether they
// signal session revocation. The code list and message patterns are
// configuration: operators extend them as the exchange's wording drifts.
type Classifier struct {
	authCodes    map[string]bool
	authPatterns []string // matched case-insensitively as substrings
}

// Default classification data observed from the Alpha endpoints: session
// invalidation codes plus the message fragments the exchange uses when it
// wants the user to re-authenticate.
var (
	defaultAuthCodes = []string{"100002001", "100002003", "100003001"}

	defaultAuthPatterns = []string{
		"session has expired",
		"session invalid",
		"please log in",
		"supplemental authentication",
		"verification required",
		"login expired",
	}
)

// NewClassifier builds a classifier from explicit configuration. Empty
// inputs fall back to the built-in defaults.
func NewClassifier(codes, patterns []string) *Classifier {
	if len(codes) == 0 {
		codes = defaultAuthCodes
	}
	if len(patterns) == 0 {
		patterns = defaultAuthPatterns
	}
	cm := make(map[string]bool, len(codes))
	for _, c := range codes {
		cm[c] = true
	}
	lowered := make([]string, len(patterns))
	for i, p := range patterns {
		lowered[i] = strings.ToLower(p)
	}
	return &Classifier{authCodes: cm, authPatterns: lowered}
}

// IsAuthFailure reports whether an error payload matches a known
// session-invalidation code or message pattern.
func (c *Classifier) IsAuthFailure(code, message string) bool {
	if c.authCodes[code] {
		return true
	}
	msg := strings.ToLower(message)
	for _, p := range c.authPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// ClassifyOrderError maps an order-endpoint error payload to the taxonomy:
// auth failure wins, anything else is a structural rejection.
func (c *Classifier) ClassifyOrderError(code, message string) error {
	if c.IsAuthFailure(code, message) {
		return &AuthFailedError{Code: code, Message: message}
	}
	return &RejectedError{Code: code, Message: message}
}

// ClassifyQueryError maps a read-endpoint error payload: auth failure wins,
// anything else is a protocol-level failure the caller may retry.
func (c *Classifier) ClassifyQueryError(op, code, message string) error {
	if c.IsAuthFailure(code, message) {
		return &AuthFailedError{Code: code, Message: message}
	}
	return &ProtocolError{Op: op, Err: fmt.Errorf("exchange error code %s: %s", code, message)}
}
