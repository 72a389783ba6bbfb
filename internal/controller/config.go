package controller

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/risk"
	"digit-trader/internal/staking"
	"digit-trader/internal/strategy"
	"digit-trader/pkg/broker"
)

var (
	// ErrAlreadyRunning is returned by Start unless the controller is STOPPED.
	ErrAlreadyRunning = errors.New("ALREADY_RUNNING")
	// ErrInvalidConfig wraps configuration problems found at Start.
	ErrInvalidConfig = errors.New("INVALID_CONFIG")
	// ErrNotRunning is returned by commands that need a live session.
	ErrNotRunning = errors.New("NOT_RUNNING")
)

// StartConfig is the per-session trading configuration.
type StartConfig struct {
	ContractType         broker.ContractType `json:"contract_type" validate:"required,oneof=DIGITEVEN DIGITODD DIGITMATCH DIGITDIFF DIGITOVER DIGITUNDER CALL PUT"`
	Symbol               string              `json:"symbol" validate:"required,max=32"`
	StakeMode            staking.Mode        `json:"stake_mode" validate:"required,oneof=FIXED CONFIDENCE_SCALED"`
	FixedStakeAmount     decimal.Decimal     `json:"fixed_stake_amount" validate:"gte=0"`
	MinConfidence        *float64            `json:"min_confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Duration             int                 `json:"duration" validate:"gte=1,lte=3600"`
	DurationUnit         string              `json:"duration_unit" validate:"required,oneof=t s m"`
	Barrier              string              `json:"barrier,omitempty" validate:"omitempty,numeric,len=1"`
	CheckIntervalSeconds float64             `json:"check_interval_seconds" validate:"gt=0,lte=3600"`
	TradeIntervalSeconds float64             `json:"trade_interval_seconds" validate:"gte=0,lte=86400"`

	AccountMode      account.Mode        `json:"account_mode,omitempty" validate:"omitempty,oneof=DEMO LIVE"`
	Strategies       []strategy.Config   `json:"strategies,omitempty"`
	Aggregation      string              `json:"aggregation,omitempty" validate:"omitempty,oneof=mean majority weighted"`
	StakeProgression staking.Progression `json:"stake_progression,omitempty" validate:"omitempty,oneof=none martingale anti_martingale fibonacci"`
	Risk             risk.Overrides      `json:"risk,omitempty"`
}

// Normalize fills defaults in place.
func (c *StartConfig) Normalize() {
	if c.AccountMode == "" {
		c.AccountMode = account.ModeDemo
	}
	if c.StakeProgression == "" {
		c.StakeProgression = staking.None
	}
	if c.StakeMode == staking.ConfidenceScaled && c.FixedStakeAmount.IsZero() {
		c.FixedStakeAmount = decimal.NewFromInt(1)
	}
}

// Validate checks field values and cross-field rules.
func (c StartConfig) Validate() error {
	if err := risk.Validator().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.StakeMode == staking.Fixed && !c.FixedStakeAmount.IsPositive() {
		return fmt.Errorf("%w: fixed_stake_amount must be positive for FIXED stakes", ErrInvalidConfig)
	}
	if c.Barrier != "" {
		d, _ := strconv.Atoi(c.Barrier)
		switch {
		case c.ContractType == broker.DigitOver && d > 8:
			return fmt.Errorf("%w: DIGITOVER barrier must be 0-8", ErrInvalidConfig)
		case c.ContractType == broker.DigitUnder && d < 1:
			return fmt.Errorf("%w: DIGITUNDER barrier must be 1-9", ErrInvalidConfig)
		}
	}
	if c.DurationUnit != broker.UnitTicks && c.ContractType.IsDigit() {
		return fmt.Errorf("%w: digit contracts are tick-denominated", ErrInvalidConfig)
	}
	return nil
}

// CheckInterval is the decision cadence.
func (c StartConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds * float64(time.Second))
}

// TradeInterval is the minimum spacing between attempted trades.
func (c StartConfig) TradeInterval() time.Duration {
	return time.Duration(c.TradeIntervalSeconds * float64(time.Second))
}

// Settings are process-wide knobs shared by every session.
type Settings struct {
	PlacementTimeout     time.Duration
	CallTimeout          time.Duration
	DeadFeedThreshold    time.Duration
	PollInterval         time.Duration
	ReconcileInterval    time.Duration
	ReconcileMaxAttempts int
	AuditInterval        time.Duration
	TickPeriod           time.Duration
	WindowSize           int
	HistoryTrades        int
	HistoryTicks         int
	DrainTimeout         time.Duration
}

// DefaultSettings returns production defaults.
func DefaultSettings() Settings {
	return Settings{
		PlacementTimeout:     10 * time.Second,
		CallTimeout:          5 * time.Second,
		DeadFeedThreshold:    15 * time.Second,
		PollInterval:         2 * time.Second,
		ReconcileInterval:    2 * time.Second,
		ReconcileMaxAttempts: 3,
		AuditInterval:        time.Minute,
		TickPeriod:           2 * time.Second,
		WindowSize:           100,
		HistoryTrades:        100,
		HistoryTicks:         50,
		DrainTimeout:         10 * time.Minute,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.PlacementTimeout <= 0 {
		s.PlacementTimeout = d.PlacementTimeout
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = d.CallTimeout
	}
	if s.DeadFeedThreshold <= 0 {
		s.DeadFeedThreshold = d.DeadFeedThreshold
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = d.ReconcileInterval
	}
	if s.ReconcileMaxAttempts <= 0 {
		s.ReconcileMaxAttempts = d.ReconcileMaxAttempts
	}
	if s.AuditInterval <= 0 {
		s.AuditInterval = d.AuditInterval
	}
	if s.TickPeriod <= 0 {
		s.TickPeriod = d.TickPeriod
	}
	if s.WindowSize <= 0 {
		s.WindowSize = d.WindowSize
	}
	if s.HistoryTrades <= 0 {
		s.HistoryTrades = d.HistoryTrades
	}
	if s.HistoryTicks <= 0 {
		s.HistoryTicks = d.HistoryTicks
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = d.DrainTimeout
	}
	return s
}
