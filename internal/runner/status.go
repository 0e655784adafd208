// status.go holds the externally queryable per-user run state.
package runner

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"alpha-volume-bot/pkg/types"
)

// UserState is the observable state of one (strategy, user) pair.
type UserState struct {
	UserID     int64                `json:"user_id"`
	Status     types.UserStatus     `json:"status"`
	LastVolume decimal.Decimal      `json:"last_volume"`
	LastError  string               `json:"last_error,omitempty"`
	Cause      *types.TerminalCause `json:"cause,omitempty"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// StatusBoard aggregates user states across strategies for status queries.
// Writers are the per-user supervisors; readers are the API layer.
type StatusBoard struct {
	mu     sync.RWMutex
	states map[string]map[int64]*UserState // strategyID → userID → state
}

// NewStatusBoard creates an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{states: make(map[string]map[int64]*UserState)}
}

func (b *StatusBoard) entry(strategyID string, userID int64) *UserState {
	users, ok := b.states[strategyID]
	if !ok {
		users = make(map[int64]*UserState)
		b.states[strategyID] = users
	}
	st, ok := users[userID]
	if !ok {
		st = &UserState{UserID: userID, Status: types.UserNotStarted}
		users[userID] = st
	}
	return st
}

// SetStatus records a status transition.
func (b *StatusBoard) SetStatus(strategyID string, userID int64, status types.UserStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(strategyID, userID)
	st.Status = status
	st.UpdatedAt = time.Now()
}

// SetVolume records the last authoritative volume seen for a user.
func (b *StatusBoard) SetVolume(strategyID string, userID int64, vol decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(strategyID, userID)
	st.LastVolume = vol
	st.UpdatedAt = time.Now()
}

// SetCause records the terminal cause and the status it implies.
func (b *StatusBoard) SetCause(strategyID string, userID int64, cause types.TerminalCause) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.entry(strategyID, userID)
	c := cause
	st.Cause = &c
	st.Status = cause.Status()
	st.LastError = cause.Message
	st.UpdatedAt = time.Now()
}

// Strategy returns a copy of all user states for one strategy.
func (b *StatusBoard) Strategy(strategyID string) []UserState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	users := b.states[strategyID]
	out := make([]UserState, 0, len(users))
	for _, st := range users {
		out = append(out, *st)
	}
	return out
}

// Snapshot returns a copy of every tracked state keyed by strategy.
func (b *StatusBoard) Snapshot() map[string][]UserState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]UserState, len(b.states))
	for id, users := range b.states {
		list := make([]UserState, 0, len(users))
		for _, st := range users {
			list = append(list, *st)
		}
		out[id] = list
	}
	return out
}
