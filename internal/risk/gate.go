package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/order"
	"digit-trader/internal/strategy"
)

// Reason is a machine-readable decision code.
type Reason string

const (
	Allowed              Reason = "ALLOWED"
	LowConfidence        Reason = "LOW_CONFIDENCE"
	RateLimited          Reason = "RATE_LIMITED"
	MaxConcurrentReached Reason = "MAX_CONCURRENT_REACHED"
	InsufficientFunds    Reason = "INSUFFICIENT_FUNDS_OR_OVER_LIMIT"
	DailyLossLimit       Reason = "DAILY_LOSS_LIMIT"
	ConsecutiveLossLimit Reason = "CONSECUTIVE_LOSS_LIMIT"

	// Session conditions checked by the controller before the gate.
	FeedStale   Reason = "FEED_STALE"
	Paused      Reason = "PAUSED"
	Reconciling Reason = "RECONCILING"
	NoSignal    Reason = "NO_SIGNAL"
)

// Decision is the gate's answer. Request is set only when Allowed.
type Decision struct {
	Allowed bool                `json:"allowed"`
	Reason  Reason              `json:"reason"`
	Detail  string              `json:"detail"`
	Request *order.TradeRequest `json:"request,omitempty"`
	At      time.Time           `json:"at"`
}

// Deny builds a denial outside the gate's own checks.
func Deny(reason Reason, detail string, at time.Time) Decision {
	return Decision{Reason: reason, Detail: detail, At: at}
}

// Gate applies the policy checks in a fixed order; the first failing check
// is reported. It belongs to a single session loop.
type Gate struct {
	policy  Policy
	breaker *Breaker
	Clock   func() time.Time
}

// NewGate creates a gate for a validated policy.
func NewGate(p Policy) *Gate {
	return &Gate{policy: p, breaker: NewBreaker(p.MaxDailyLoss), Clock: time.Now}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy { return g.policy }

// Breaker exposes the daily-loss breaker.
func (g *Gate) Breaker() *Breaker { return g.breaker }

// Authorize evaluates a candidate request built from sig. It has no side
// effects; the rate-limit slot is consumed only once placement is confirmed.
func (g *Gate) Authorize(sig strategy.Signal, req order.TradeRequest, acct account.Snapshot) Decision {
	now := g.Clock()
	p := g.policy

	if sig.Confidence < p.MinConfidence {
		return Deny(LowConfidence, fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, p.MinConfidence), now)
	}

	gap := time.Duration(p.MinSecondsBetweenTrades) * time.Second
	if !acct.LastTradeAt.IsZero() {
		if since := now.Sub(acct.LastTradeAt); since < gap {
			return Deny(RateLimited, fmt.Sprintf("last trade %s ago, minimum spacing %s", since.Truncate(time.Second), gap), now)
		}
	}

	if acct.PendingTrades >= p.MaxConcurrentTrades {
		return Deny(MaxConcurrentReached, fmt.Sprintf("%d open trades, limit %d", acct.PendingTrades, p.MaxConcurrentTrades), now)
	}

	ceiling := decimal.Min(p.MaxStakePerTrade, acct.Balance)
	if req.Stake.GreaterThan(ceiling) {
		return Deny(InsufficientFunds, fmt.Sprintf("stake %s exceeds %s (max stake %s, balance %s)",
			req.Stake.StringFixed(2), ceiling.StringFixed(2), p.MaxStakePerTrade.StringFixed(2), acct.Balance.StringFixed(2)), now)
	}

	if g.breaker.Tripped(now) {
		return Deny(DailyLossLimit, fmt.Sprintf("daily loss %s reached limit %s",
			g.breaker.DailyLoss(now).StringFixed(2), p.MaxDailyLoss.StringFixed(2)), now)
	}

	if acct.ConsecutiveLosses >= p.MaxConsecutiveLosses {
		return Deny(ConsecutiveLossLimit, fmt.Sprintf("%d consecutive losses, limit %d", acct.ConsecutiveLosses, p.MaxConsecutiveLosses), now)
	}

	r := req
	return Decision{
		Allowed: true,
		Reason:  Allowed,
		Detail:  fmt.Sprintf("%s %s stake %s at confidence %.2f", r.ContractType, r.Prediction, r.Stake.StringFixed(2), sig.Confidence),
		Request: &r,
		At:      now,
	}
}

// RecordSettlement feeds a realized pnl into the daily-loss breaker and
// reports whether the breaker tripped on this settlement.
func (g *Gate) RecordSettlement(pnl decimal.Decimal, at time.Time) bool {
	return g.breaker.Record(pnl, at)
}

// ResetDaily re-arms the breaker.
func (g *Gate) ResetDaily() { g.breaker.Reset() }
