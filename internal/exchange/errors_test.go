package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifierAuthCodes(t *testing.T) {
	t.Parallel()
	c := NewClassifier([]string{"123456"}, []string{"session gone"})

	tests := []struct {
		name    string
		code    string
		message string
		want    bool
	}{
		{"configured code", "123456", "whatever", true},
		{"unknown code benign message", "000001", "insufficient balance", false},
		{"pattern exact", "000001", "session gone", true},
		{"pattern case-insensitive", "000001", "SESSION GONE, re-login", true},
		{"pattern substring", "000001", "error: session gone (id=4)", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := c.IsAuthFailure(tt.code, tt.message); got != tt.want {
				t.Errorf("IsAuthFailure(%q, %q) = %v, want %v", tt.code, tt.message, got, tt.want)
			}
		})
	}
}

func TestClassifierDefaults(t *testing.T) {
	t.Parallel()
	c := NewClassifier(nil, nil)

	if !c.IsAuthFailure("100002001", "anything") {
		t.Error("default code list not applied")
	}
	if !c.IsAuthFailure("000001", "Your session has expired, please log in again") {
		t.Error("default pattern list not applied")
	}
	if c.IsAuthFailure("000001", "price precision invalid") {
		t.Error("benign rejection classified as auth failure")
	}
}

func TestClassifyOrderError(t *testing.T) {
	t.Parallel()
	c := NewClassifier(nil, nil)

	err := c.ClassifyOrderError("100002001", "session invalid")
	if !IsAuthFailed(err) {
		t.Errorf("expected auth failure, got %v", err)
	}

	err = c.ClassifyOrderError("400100", "quantity below minimum")
	if !IsRejected(err) {
		t.Errorf("expected rejection, got %v", err)
	}
	if IsAuthFailed(err) {
		t.Error("rejection should not be an auth failure")
	}
}

func TestClassifyQueryError(t *testing.T) {
	t.Parallel()
	c := NewClassifier(nil, nil)

	err := c.ClassifyQueryError("fetch user volume", "000001", "internal error")
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("expected protocol error, got %T", err)
	}

	err = c.ClassifyQueryError("fetch user volume", "000001", "please log in")
	if !IsAuthFailed(err) {
		t.Errorf("expected auth failure, got %v", err)
	}
}

func TestErrorWrapping(t *testing.T) {
	t.Parallel()

	inner := &AuthFailedError{Code: "100002001", Message: "session invalid"}
	wrapped := fmt.Errorf("place oto: %w", inner)

	if !IsAuthFailed(wrapped) {
		t.Error("IsAuthFailed should see through wrapping")
	}

	te := &TransportError{Op: "fetch", Err: errors.New("connection refused")}
	if IsAuthFailed(te) {
		t.Error("transport error misclassified as auth failure")
	}
}
