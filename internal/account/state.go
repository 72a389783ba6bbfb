// Package account holds the per-session account state.
package account

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects the credentials pair a session trades with.
type Mode string

const (
	ModeDemo Mode = "DEMO"
	ModeLive Mode = "LIVE"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeDemo || m == ModeLive }

// Outcome is the terminal result of a trade as far as the account is concerned.
type Outcome int

const (
	OutcomeWon Outcome = iota
	OutcomeLost
	OutcomeErrored
)

var (
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInsufficientFund = errors.New("insufficient balance")
)

// Snapshot is a read-only copy of the account state.
type Snapshot struct {
	Mode              Mode            `json:"mode"`
	Balance           decimal.Decimal `json:"balance"`
	Currency          string          `json:"currency"`
	OpenExposure      decimal.Decimal `json:"open_exposure"`
	PendingTrades     int             `json:"pending_trades"`
	LastTradeAt       time.Time       `json:"last_trade_at"`
	ConsecutiveLosses int             `json:"consecutive_losses"`
	BrokerDrift       decimal.Decimal `json:"broker_drift"`
}

// State is the account of one trading session. It is owned by the session's
// control loop and is not safe for concurrent use.
//
// The balance moves only when a settled trade is applied or an external
// deposit or withdrawal arrives. Stakes of pending trades are tracked as
// open exposure and never debited here.
type State struct {
	mode              Mode
	currency          string
	balance           decimal.Decimal
	openExposure      decimal.Decimal
	pending           int
	lastTradeAt       time.Time
	consecutiveLosses int
	drift             decimal.Decimal
}

// NewState creates an account seeded with the broker's balance at session start.
func NewState(mode Mode, currency string, balance decimal.Decimal) *State {
	return &State{mode: mode, currency: currency, balance: balance}
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Mode:              s.mode,
		Balance:           s.balance,
		Currency:          s.currency,
		OpenExposure:      s.openExposure,
		PendingTrades:     s.pending,
		LastTradeAt:       s.lastTradeAt,
		ConsecutiveLosses: s.consecutiveLosses,
		BrokerDrift:       s.drift,
	}
}

// Balance returns the settled balance.
func (s *State) Balance() decimal.Decimal { return s.balance }

// Open records a newly pending trade.
func (s *State) Open(stake decimal.Decimal) {
	s.pending++
	s.openExposure = s.openExposure.Add(stake)
}

// MarkTraded records when the latest confirmed placement was submitted.
func (s *State) MarkTraded(at time.Time) {
	if at.After(s.lastTradeAt) {
		s.lastTradeAt = at
	}
}

// Settle releases a pending trade and applies its outcome. Errored trades
// contribute zero pnl and leave the loss streak untouched.
func (s *State) Settle(stake, pnl decimal.Decimal, outcome Outcome) {
	if s.pending > 0 {
		s.pending--
	}
	s.openExposure = s.openExposure.Sub(stake)
	if s.openExposure.IsNegative() || s.pending == 0 {
		s.openExposure = decimal.Zero
	}
	switch outcome {
	case OutcomeWon:
		s.balance = s.balance.Add(pnl)
		s.consecutiveLosses = 0
	case OutcomeLost:
		s.balance = s.balance.Add(pnl)
		s.consecutiveLosses++
	}
}

// Deposit credits an external deposit.
func (s *State) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	s.balance = s.balance.Add(amount)
	return nil
}

// Withdraw debits an external withdrawal.
func (s *State) Withdraw(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(s.balance) {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFund, s.balance.StringFixed(2), amount.StringFixed(2))
	}
	s.balance = s.balance.Sub(amount)
	return nil
}

// ObserveBroker compares the broker-reported balance with the local view and
// records the difference. The broker has already debited open stakes.
func (s *State) ObserveBroker(reported decimal.Decimal) decimal.Decimal {
	expected := s.balance.Sub(s.openExposure)
	s.drift = reported.Sub(expected)
	return s.drift
}
