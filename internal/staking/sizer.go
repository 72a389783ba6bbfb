// Package staking computes the stake of the next trade.
package staking

import (
	"fmt"

	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
)

// Mode selects how the base stake is derived.
type Mode string

const (
	Fixed            Mode = "FIXED"
	ConfidenceScaled Mode = "CONFIDENCE_SCALED"
)

// Progression adjusts the stake from the session's recent results.
type Progression string

const (
	None           Progression = "none"
	Martingale     Progression = "martingale"
	AntiMartingale Progression = "anti_martingale"
	Fibonacci      Progression = "fibonacci"
)

const (
	maxMartingaleSteps = 6
	maxAntiSteps       = 3
	maxFibIndex        = 10
)

// Config configures a Sizer.
type Config struct {
	Mode        Mode
	Base        decimal.Decimal
	Min         decimal.Decimal
	Max         decimal.Decimal
	Progression Progression
}

// Sizer is owned by a session loop.
type Sizer struct {
	cfg    Config
	losses int
	wins   int
	fib    int
}

// NewSizer validates cfg.
func NewSizer(cfg Config) (*Sizer, error) {
	switch cfg.Mode {
	case Fixed, ConfidenceScaled:
	default:
		return nil, fmt.Errorf("unknown stake mode %q", cfg.Mode)
	}
	if cfg.Progression == "" {
		cfg.Progression = None
	}
	switch cfg.Progression {
	case None, Martingale, AntiMartingale, Fibonacci:
	default:
		return nil, fmt.Errorf("unknown stake progression %q", cfg.Progression)
	}
	if !cfg.Base.IsPositive() {
		return nil, fmt.Errorf("base stake must be positive")
	}
	if cfg.Max.IsPositive() && cfg.Min.GreaterThan(cfg.Max) {
		return nil, fmt.Errorf("min stake %s above max %s", cfg.Min, cfg.Max)
	}
	return &Sizer{cfg: cfg}, nil
}

// Stake returns the stake for a signal of the given confidence. A positive
// suggested stake caps the result.
func (s *Sizer) Stake(confidence float64, suggested decimal.Decimal) decimal.Decimal {
	stake := s.cfg.Base
	if s.cfg.Mode == ConfidenceScaled {
		stake = stake.Mul(decimal.NewFromFloat(0.5 + 1.5*confidence))
	}
	stake = stake.Mul(decimal.NewFromInt(s.factor()))
	if suggested.IsPositive() && suggested.LessThan(stake) {
		stake = suggested
	}
	if s.cfg.Max.IsPositive() && stake.GreaterThan(s.cfg.Max) {
		stake = s.cfg.Max
	}
	if stake.LessThan(s.cfg.Min) {
		stake = s.cfg.Min
	}
	return stake.Round(2)
}

func (s *Sizer) factor() int64 {
	switch s.cfg.Progression {
	case Martingale:
		return 1 << min(s.losses, maxMartingaleSteps)
	case AntiMartingale:
		return 1 << min(s.wins, maxAntiSteps)
	case Fibonacci:
		return fib(s.fib)
	}
	return 1
}

// Record feeds a settled outcome into the progression. Errored trades are ignored.
func (s *Sizer) Record(o account.Outcome) {
	switch o {
	case account.OutcomeWon:
		s.wins++
		s.losses = 0
		s.fib = max(s.fib-2, 0)
	case account.OutcomeLost:
		s.losses++
		s.wins = 0
		s.fib = min(s.fib+1, maxFibIndex)
	}
}

func fib(n int) int64 {
	a, b := int64(1), int64(1)
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return a
}
