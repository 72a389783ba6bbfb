// Package strategy turns a window of ticks into a scored trading signal.
//
// Strategies are pure with respect to their input: the same window and
// configuration always yield the same Signal. Several strategies are combined
// by a Provider through a pluggable Aggregator.
package strategy

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/internal/market"
	"digit-trader/pkg/broker"
)

// DefaultMinHistory is the number of ticks a strategy needs before it will
// score with non-zero confidence.
const DefaultMinHistory = 20

// Signal is a strategy's prediction for the next decision cycle.
type Signal struct {
	StrategyID    string              `json:"strategy_id"`
	Prediction    string              `json:"prediction"` // digit "0"-"9" or a direction such as EVEN, UP
	Confidence    float64             `json:"confidence"`
	ContractType  broker.ContractType `json:"suggested_contract_type"`
	Barrier       string              `json:"barrier,omitempty"`
	Stake         decimal.Decimal     `json:"suggested_stake"`
	DurationTicks int                 `json:"suggested_duration_ticks"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Reason        string              `json:"reason,omitempty"`
}

// Key identifies what a signal bets on, for vote counting.
func (s Signal) Key() string {
	return string(s.ContractType) + "/" + s.Barrier
}

// EvalConfig is the per-session input to Evaluate.
type EvalConfig struct {
	ContractType  broker.ContractType
	Barrier       string // configured barrier for DIGITOVER/DIGITUNDER
	DurationTicks int
	Now           time.Time // stamped on the signal; defaults to the newest tick time
}

// Strategy scores a tick window for a contract family.
type Strategy interface {
	ID() string
	Kind() string
	MinHistory() int
	Supports(ct broker.ContractType) bool
	Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal
}

// Predictions.
const (
	PredEven  = "EVEN"
	PredOdd   = "ODD"
	PredUp    = "UP"
	PredDown  = "DOWN"
	PredOver  = "OVER"
	PredUnder = "UNDER"
)

// family returns the two contract types a strategy may choose between for the
// configured type. Types without an opposite return themselves twice.
func family(ct broker.ContractType) (a, b broker.ContractType) {
	switch ct {
	case broker.DigitEven, broker.DigitOdd:
		return broker.DigitEven, broker.DigitOdd
	case broker.Call, broker.Put:
		return broker.Call, broker.Put
	case broker.DigitOver, broker.DigitUnder:
		return broker.DigitOver, broker.DigitUnder
	}
	return ct, ct
}

// abstain returns a zero-confidence signal.
func abstain(id string, window []market.Tick, cfg EvalConfig, reason string) Signal {
	return Signal{
		StrategyID:    id,
		ContractType:  cfg.ContractType,
		Barrier:       cfg.Barrier,
		DurationTicks: cfg.DurationTicks,
		GeneratedAt:   stamp(window, cfg),
		Reason:        reason,
	}
}

func stamp(window []market.Tick, cfg EvalConfig) time.Time {
	if !cfg.Now.IsZero() {
		return cfg.Now
	}
	if n := len(window); n > 0 {
		return window[n-1].Time
	}
	return time.Time{}
}

func series(window []market.Tick) (prices []float64, digits []int) {
	prices = make([]float64, len(window))
	digits = make([]int, len(window))
	for i, t := range window {
		prices[i] = t.Price.InexactFloat64()
		digits[i] = t.Digit
	}
	return prices, digits
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func barrierDigit(barrier string, def int) int {
	d, err := strconv.Atoi(barrier)
	if err != nil || d < 0 || d > 9 {
		return def
	}
	return d
}

func param(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}
