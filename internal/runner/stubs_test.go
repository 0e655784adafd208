package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func credsFor(user string) types.UserCredentials {
	return types.UserCredentials{Headers: map[string]string{"X-User": user}, Cookies: "c=1"}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubExchange is an in-memory ExchangeAPI. Users are identified by the
// X-User header of their credentials. Volume queries consume volumeSeq
// entries in order, repeating the last one, which lets tests script the
// exchange's ledger including lag.
type stubExchange struct {
	mu sync.Mutex

	lastPrice  decimal.Decimal
	mulPoint   int64
	catalogErr error

	volumeSeq  map[string][]string // userKey → successive volume readings
	volumeCall map[string]int
	volumeErr  map[string]error

	placeCalls map[string]int
	placeHook  func(userKey string, call int) error // non-nil error rejects the placement
	onPlaced   func(userKey string, placed types.OTOOrderPlacement)

	seq int
}

func newStubExchange(lastPrice string, mulPoint int64) *stubExchange {
	return &stubExchange{
		lastPrice:  dec(lastPrice),
		mulPoint:   mulPoint,
		volumeSeq:  make(map[string][]string),
		volumeCall: make(map[string]int),
		volumeErr:  make(map[string]error),
		placeCalls: make(map[string]int),
	}
}

func userOf(creds types.UserCredentials) string { return creds.Headers["X-User"] }

func (s *stubExchange) FetchTokenCatalog(ctx context.Context) ([]types.TokenCatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.catalogErr != nil {
		return nil, s.catalogErr
	}
	return []types.TokenCatalogEntry{
		{Symbol: "KOGE", ChainID: "BSC", LastPrice: s.lastPrice, MulPoint: s.mulPoint},
	}, nil
}

func (s *stubExchange) FetchUserVolume(ctx context.Context, creds types.UserCredentials) (types.UserVolumeSnapshot, error) {
	user := userOf(creds)
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.volumeErr[user]; err != nil {
		return nil, err
	}

	seq := s.volumeSeq[user]
	if len(seq) == 0 {
		return types.UserVolumeSnapshot{}, nil
	}
	idx := s.volumeCall[user]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	s.volumeCall[user]++
	return types.UserVolumeSnapshot{"KOGE": dec(seq[idx])}, nil
}

func (s *stubExchange) PlaceOTOOrder(ctx context.Context, creds types.UserCredentials, symbol string, quantity, buyPrice, sellPrice decimal.Decimal) (*types.OTOOrderPlacement, error) {
	user := userOf(creds)

	s.mu.Lock()
	s.placeCalls[user]++
	call := s.placeCalls[user]
	hook := s.placeHook
	onPlaced := s.onPlaced
	s.seq += 2
	placed := types.OTOOrderPlacement{
		WorkingOrderID: fmt.Sprintf("%d", s.seq-1),
		PendingOrderID: fmt.Sprintf("%d", s.seq),
	}
	s.mu.Unlock()

	if hook != nil {
		if err := hook(user, call); err != nil {
			return nil, err
		}
	}
	if onPlaced != nil {
		onPlaced(user, placed)
	}
	return &placed, nil
}

func (s *stubExchange) places(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.placeCalls[user]
}

// stubStream is an in-memory per-user order-event stream.
type stubStream struct {
	updates  chan types.OrderUpdate
	failedCh chan struct{}

	mu       sync.Mutex
	err      error
	stops    int
	failOnce sync.Once
}

func newStubStream() *stubStream {
	return &stubStream{
		updates:  make(chan types.OrderUpdate, 64),
		failedCh: make(chan struct{}),
	}
}

func (s *stubStream) Updates() <-chan types.OrderUpdate { return s.updates }
func (s *stubStream) Failed() <-chan struct{}           { return s.failedCh }

func (s *stubStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *stubStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *stubStream) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.failedCh)
	})
}

// fillBothLegs delivers a FILLED update for both legs of a placement, emulating a
// fast exchange.
func (s *stubStream) fillBothLegs(placed types.OTOOrderPlacement) {
	s.updates <- types.OrderUpdate{OrderID: placed.WorkingOrderID, Status: types.StatusFilled, Side: types.BUY}
	s.updates <- types.OrderUpdate{OrderID: placed.PendingOrderID, Status: types.StatusFilled, Side: types.SELL}
}

// stubStreamFactory hands out stubStreams keyed by user.
type stubStreamFactory struct {
	mu      sync.Mutex
	streams map[string]*stubStream
	openErr map[string]error
	opens   map[string]int
}

func newStubStreamFactory() *stubStreamFactory {
	return &stubStreamFactory{
		streams: make(map[string]*stubStream),
		openErr: make(map[string]error),
		opens:   make(map[string]int),
	}
}

func (f *stubStreamFactory) Open(ctx context.Context, creds types.UserCredentials) (Stream, error) {
	user := userOf(creds)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[user]++
	if err := f.openErr[user]; err != nil {
		return nil, err
	}
	st, ok := f.streams[user]
	if !ok {
		st = newStubStream()
		f.streams[user] = st
	}
	return st, nil
}

func (f *stubStreamFactory) stream(user string) *stubStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.streams[user]
	if !ok {
		st = newStubStream()
		f.streams[user] = st
	}
	return st
}

func (f *stubStreamFactory) openCount(user string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[user]
}

// stubCredStore resolves user ids to tagged credentials.
type stubCredStore struct {
	missing map[int64]bool
}

func (s *stubCredStore) Get(userID int64) (types.UserCredentials, error) {
	if s.missing != nil && s.missing[userID] {
		return types.UserCredentials{}, fmt.Errorf("user %d: not found", userID)
	}
	return credsFor(fmt.Sprintf("u%d", userID)), nil
}

// testStrategy returns a config matching the cold-start scenario: target
// 60 USDT at 30 per trade, immediate pacing, generous order timeout.
func testStrategy(users ...int64) types.StrategyConfig {
	return types.StrategyConfig{
		ID:                    "s1",
		DisplayName:           "test strategy",
		Enabled:               true,
		TargetTokenSymbol:     "KOGE",
		TargetChain:           "BSC",
		TargetVolume:          dec("60"),
		SingleTradeAmountUSDT: dec("30"),
		TradeIntervalSeconds:  0,
		BuyOffsetPercentage:   dec("10"),
		SellProfitPercentage:  dec("10"),
		OrderTimeoutSeconds:   5,
		RetryDelaySeconds:     0,
		UserIDs:               users,
	}
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
