package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"alpha-volume-bot/pkg/types"
)

func upd(id string, status types.OrderStatus) types.OrderUpdate {
	return types.OrderUpdate{OrderID: id, Status: status, Side: types.BUY}
}

func TestRegisterThenObserveFilled(t *testing.T) {
	t.Parallel()
	trk := New()

	trk.Register("1")
	trk.Observe(upd("1", types.StatusNew))
	trk.Observe(upd("1", types.StatusFilled))

	outcome, status := trk.AwaitCompletion(context.Background(), "1", time.Second)
	if outcome != Filled {
		t.Errorf("outcome = %s, want Filled", outcome)
	}
	if status != types.StatusFilled {
		t.Errorf("status = %s, want FILLED", status)
	}
}

func TestObserveBeforeRegister(t *testing.T) {
	t.Parallel()
	trk := New()

	// The exchange can deliver the fill before the placing goroutine
	// registers; the buffered update must resolve the wait immediately.
	trk.Observe(upd("9", types.StatusFilled))
	trk.Register("9")

	outcome, _ := trk.AwaitCompletion(context.Background(), "9", 50*time.Millisecond)
	if outcome != Filled {
		t.Errorf("outcome = %s, want Filled from buffered update", outcome)
	}
}

func TestBufferKeepsMostRecentUpdate(t *testing.T) {
	t.Parallel()
	trk := New()

	trk.Observe(upd("5", types.StatusNew))
	trk.Observe(upd("5", types.StatusCanceled))
	trk.Register("5")

	outcome, status := trk.AwaitCompletion(context.Background(), "5", 50*time.Millisecond)
	if outcome != NotFilled {
		t.Errorf("outcome = %s, want NotFilled", outcome)
	}
	if status != types.StatusCanceled {
		t.Errorf("status = %s, want CANCELED", status)
	}
}

func TestNotFilledOutcomes(t *testing.T) {
	t.Parallel()

	for _, status := range []types.OrderStatus{types.StatusCanceled, types.StatusRejected, types.StatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			t.Parallel()
			trk := New()
			trk.Register("x")
			trk.Observe(upd("x", status))

			outcome, got := trk.AwaitCompletion(context.Background(), "x", time.Second)
			if outcome != NotFilled {
				t.Errorf("outcome = %s, want NotFilled", outcome)
			}
			if got != status {
				t.Errorf("status = %s, want %s", got, status)
			}
		})
	}
}

func TestAwaitTimesOut(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("slow")
	trk.Observe(upd("slow", types.StatusNew))

	start := time.Now()
	outcome, status := trk.AwaitCompletion(context.Background(), "slow", 60*time.Millisecond)
	if outcome != TimedOut {
		t.Errorf("outcome = %s, want TimedOut", outcome)
	}
	if status != types.StatusNew {
		t.Errorf("status = %s, want NEW", status)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestAwaitUnblocksOnStop(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("w")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome, _ := trk.AwaitCompletion(ctx, "w", 10*time.Second)
	elapsed := time.Since(start)

	if outcome != Stopped {
		t.Errorf("outcome = %s, want Stopped", outcome)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("unblocked after %v, want < 200ms", elapsed)
	}
}

func TestTerminalNeverTransitionsAgain(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("t")
	trk.Observe(upd("t", types.StatusFilled))
	trk.Observe(upd("t", types.StatusCanceled)) // late event, must be ignored

	outcome, status := trk.AwaitCompletion(context.Background(), "t", time.Second)
	if outcome != Filled || status != types.StatusFilled {
		t.Errorf("terminal status transitioned: outcome=%s status=%s", outcome, status)
	}
}

func TestMultipleWaitersSameOutcome(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("m")

	const waiters = 4
	results := make([]Outcome, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = trk.AwaitCompletion(context.Background(), "m", 2*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	trk.Observe(upd("m", types.StatusFilled))
	wg.Wait()

	for i, outcome := range results {
		if outcome != Filled {
			t.Errorf("waiter %d outcome = %s, want Filled", i, outcome)
		}
	}
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("r")
	trk.Observe(upd("r", types.StatusFilled))
	trk.Register("r") // must not reset the terminal state

	outcome, _ := trk.AwaitCompletion(context.Background(), "r", time.Second)
	if outcome != Filled {
		t.Errorf("outcome = %s, want Filled", outcome)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	trk := New()
	trk.Register("f")
	trk.Forget("f")

	if _, ok := trk.Status("f"); ok {
		t.Error("Status() found a forgotten order")
	}

	outcome, _ := trk.AwaitCompletion(context.Background(), "f", 30*time.Millisecond)
	if outcome != TimedOut {
		t.Errorf("outcome = %s, want TimedOut for unknown order", outcome)
	}
}
