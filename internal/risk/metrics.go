package risk

import (
	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
)

// SessionMetrics accumulates the statistics of one trading session.
type SessionMetrics struct {
	TradesExecuted       int             `json:"trades_executed"`
	TradesPrevented      int             `json:"trades_prevented"`
	Wins                 int             `json:"wins"`
	Losses               int             `json:"losses"`
	Errored              int             `json:"errored"`
	WinRate              float64         `json:"win_rate"`
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl"`
	DailyPnL             decimal.Decimal `json:"daily_pnl"`
	PeakBalance          decimal.Decimal `json:"peak_balance"`
	MaxDrawdown          decimal.Decimal `json:"max_drawdown"`
	Denials              map[Reason]int  `json:"denials"`
	streak               int
}

// NewSessionMetrics starts the statistics at the opening balance.
func NewSessionMetrics(openingBalance decimal.Decimal) *SessionMetrics {
	return &SessionMetrics{PeakBalance: openingBalance, Denials: make(map[Reason]int)}
}

// RecordDecision counts denials.
func (m *SessionMetrics) RecordDecision(d Decision) {
	if d.Allowed {
		return
	}
	m.TradesPrevented++
	m.Denials[d.Reason]++
}

// RecordPlacement counts a submitted trade.
func (m *SessionMetrics) RecordPlacement() { m.TradesExecuted++ }

// RecordSettlement applies a terminal trade and the balance after it.
func (m *SessionMetrics) RecordSettlement(outcome account.Outcome, pnl, balance decimal.Decimal) {
	switch outcome {
	case account.OutcomeWon:
		m.Wins++
		m.streak = 0
	case account.OutcomeLost:
		m.Losses++
		m.streak++
		if m.streak > m.MaxConsecutiveLosses {
			m.MaxConsecutiveLosses = m.streak
		}
	default:
		m.Errored++
		return
	}
	m.RealizedPnL = m.RealizedPnL.Add(pnl)
	m.DailyPnL = m.DailyPnL.Add(pnl)
	if decided := m.Wins + m.Losses; decided > 0 {
		m.WinRate = float64(m.Wins) / float64(decided)
	}

	if balance.GreaterThan(m.PeakBalance) {
		m.PeakBalance = balance
	}
	if dd := m.PeakBalance.Sub(balance); dd.GreaterThan(m.MaxDrawdown) {
		m.MaxDrawdown = dd
	}
}

// ResetDaily clears the daily figures.
func (m *SessionMetrics) ResetDaily() { m.DailyPnL = decimal.Zero }

// Copy returns a snapshot safe to hand to other goroutines.
func (m *SessionMetrics) Copy() SessionMetrics {
	c := *m
	c.Denials = make(map[Reason]int, len(m.Denials))
	for k, v := range m.Denials {
		c.Denials[k] = v
	}
	return c
}
