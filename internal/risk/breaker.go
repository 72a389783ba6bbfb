package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// Breaker latches once the net realized loss of the current UTC day reaches
// the limit. It re-arms only when the UTC date changes or Reset is called.
type Breaker struct {
	limit     decimal.Decimal
	day       string
	dailyPnL  decimal.Decimal
	tripped   bool
	trippedAt time.Time
}

// NewBreaker creates a daily-loss breaker.
func NewBreaker(limit decimal.Decimal) *Breaker {
	return &Breaker{limit: limit}
}

func utcDay(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (b *Breaker) roll(at time.Time) {
	day := utcDay(at)
	if day == b.day {
		return
	}
	b.day = day
	b.dailyPnL = decimal.Zero
	b.tripped = false
	b.trippedAt = time.Time{}
}

// Record adds a realized pnl and reports whether this call tripped the breaker.
func (b *Breaker) Record(pnl decimal.Decimal, at time.Time) bool {
	b.roll(at)
	b.dailyPnL = b.dailyPnL.Add(pnl)
	if b.tripped || b.DailyLoss(at).LessThan(b.limit) {
		return false
	}
	b.tripped = true
	b.trippedAt = at
	return true
}

// Tripped reports whether the breaker is latched at now.
func (b *Breaker) Tripped(now time.Time) bool {
	return b.tripped && utcDay(now) == b.day
}

// DailyLoss is the net realized loss of the day containing now, never negative.
func (b *Breaker) DailyLoss(now time.Time) decimal.Decimal {
	if utcDay(now) != b.day || !b.dailyPnL.IsNegative() {
		return decimal.Zero
	}
	return b.dailyPnL.Neg()
}

// DailyPnL is the net realized pnl of the day containing now.
func (b *Breaker) DailyPnL(now time.Time) decimal.Decimal {
	if utcDay(now) != b.day {
		return decimal.Zero
	}
	return b.dailyPnL
}

// TrippedAt returns when the breaker last latched.
func (b *Breaker) TrippedAt() time.Time { return b.trippedAt }

// Reset clears the latch and the daily figures.
func (b *Breaker) Reset() {
	b.day = ""
	b.dailyPnL = decimal.Zero
	b.tripped = false
	b.trippedAt = time.Time{}
}
