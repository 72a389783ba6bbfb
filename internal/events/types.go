package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event enumerates topics published inside the engine.
type Event string

const (
	EventPriceTick     Event = "market.tick"
	EventFeedGap       Event = "market.gap"
	EventTradeOpened   Event = "trade.opened"
	EventTradeSettled  Event = "trade.settled"
	EventDecision      Event = "controller.decision"
	EventSessionState  Event = "controller.state"
	EventRiskAlert     Event = "risk.alert"
	EventBalanceChange Event = "account.balance"
)

// Alert kinds carried by EventRiskAlert.
const (
	AlertCircuitBreaker  = "circuit_breaker"
	AlertFatalStop       = "fatal_stop"
	AlertReconcileFailed = "reconcile_failed"
	AlertConsecutiveLoss = "consecutive_losses"
)

// RiskAlert is the payload of EventRiskAlert.
type RiskAlert struct {
	UserID  string
	Kind    string
	Message string
	Time    time.Time
}

// StateChange is the payload of EventSessionState.
type StateChange struct {
	UserID string
	From   string
	To     string
	Reason string
}

// BalanceChange is the payload of EventBalanceChange.
type BalanceChange struct {
	UserID       string
	Mode         string
	Currency     string
	Balance      decimal.Decimal
	OpenExposure decimal.Decimal
}
