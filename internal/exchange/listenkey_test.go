package exchange

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestListenKeyLifecycleStartStop(t *testing.T) {
	t.Parallel()

	var closes atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Write(okEnvelope(map[string]string{"listenKey": "lk-1"}))
		case http.MethodDelete:
			closes.Add(1)
			w.Write(okEnvelope(nil))
		default:
			w.Write(okEnvelope(nil))
		}
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	lk := NewListenKeyLifecycle(c, testCreds(), discardLogger())

	if err := lk.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := lk.Key(); got != "lk-1" {
		t.Errorf("Key() = %q, want lk-1", got)
	}
	if lk.Err() != nil {
		t.Errorf("Err() = %v before any failure", lk.Err())
	}

	lk.Stop()
	lk.Stop() // idempotent

	if got := closes.Load(); got != 1 {
		t.Errorf("CloseListenKey calls = %d, want 1", got)
	}
}

func TestListenKeyLifecycleStartFailure(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(errEnvelope("100002001", "please log in"))
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	lk := NewListenKeyLifecycle(c, testCreds(), discardLogger())

	err := lk.Start(t.Context())
	if !IsAuthFailed(err) {
		t.Fatalf("Start error = %v, want auth failure", err)
	}

	// Stop on a never-started lifecycle must not hang or close a key.
	lk.Stop()
}

func TestListenKeyCloseToleratesExpiredKey(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.Write(okEnvelope(map[string]string{"listenKey": "lk-2"}))
		case http.MethodDelete:
			w.Write(errEnvelope("100001004", "listen key not found"))
		default:
			w.Write(okEnvelope(nil))
		}
	}))
	defer ts.Close()

	c := newTestClient(ts.URL)
	lk := NewListenKeyLifecycle(c, testCreds(), discardLogger())
	if err := lk.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Must not surface the not-found as a failure.
	lk.Stop()
	if lk.Err() != nil {
		t.Errorf("Err() = %v after benign close", lk.Err())
	}
}
