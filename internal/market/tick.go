// Package market normalizes venue quotes into ticks and fans them out to sessions.
package market

import (
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/pkg/broker"
)

// Tick is one normalized price update.
type Tick struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Digit  int             `json:"digit"`
	Time   time.Time       `json:"time"`
}

// Gap marks a discontinuity in a symbol's stream. Ticks before and after a
// gap must not be treated as contiguous.
type Gap struct {
	Symbol string    `json:"symbol"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Gap reasons.
const (
	GapDisconnected = "disconnected"
	GapLagging      = "subscriber_lagging"
)

// EventKind discriminates feed events.
type EventKind int

const (
	KindTick EventKind = iota
	KindGap
)

// Event is what subscribers receive: either a tick or a gap.
type Event struct {
	Kind EventKind
	Tick Tick
	Gap  Gap
}

// LastDigit returns the last displayed digit of price formatted to pipSize
// decimals. A non-positive pipSize uses the shortest representation.
func LastDigit(price decimal.Decimal, pipSize int) int {
	var s string
	if pipSize > 0 {
		s = price.StringFixed(int32(pipSize))
	} else {
		s = price.String()
	}
	for i := len(s) - 1; i >= 0; i-- {
		if c := s[i]; c >= '0' && c <= '9' {
			return int(c - '0')
		}
	}
	return 0
}

// FromQuote normalizes a venue quote.
func FromQuote(q broker.Quote) Tick {
	ts := q.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Tick{
		Symbol: q.Symbol,
		Price:  q.Price,
		Digit:  LastDigit(q.Price, q.PipSize),
		Time:   ts,
	}
}
