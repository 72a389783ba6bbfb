// Package risk decides whether a candidate trade may be placed.
package risk

import (
	"fmt"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy holds the capital-protection limits of a session. It is read-only
// while the session runs.
type Policy struct {
	MinSecondsBetweenTrades int             `json:"min_seconds_between_trades" validate:"gte=0"`
	MaxConcurrentTrades     int             `json:"max_concurrent_trades" validate:"gte=1,lte=50"`
	MaxStakePerTrade        decimal.Decimal `json:"max_stake_per_trade" validate:"gt=0"`
	MinStake                decimal.Decimal `json:"min_stake" validate:"gt=0"`
	MinConfidence           float64         `json:"min_confidence" validate:"gte=0,lte=1"`
	MaxDailyLoss            decimal.Decimal `json:"max_daily_loss" validate:"gt=0"`
	MaxConsecutiveLosses    int             `json:"max_consecutive_losses" validate:"gte=1"`
}

// DefaultPolicy returns the limits used when no policy file is configured.
func DefaultPolicy() Policy {
	return Policy{
		MinSecondsBetweenTrades: 30,
		MaxConcurrentTrades:     3,
		MaxStakePerTrade:        decimal.NewFromInt(10),
		MinStake:                decimal.RequireFromString("0.35"),
		MinConfidence:           0.7,
		MaxDailyLoss:            decimal.NewFromInt(50),
		MaxConsecutiveLosses:    5,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})
	return v
}

// Validator returns the shared validator, which understands decimal fields.
func Validator() *validator.Validate { return validate }

// Validate checks the policy values and their consistency.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid risk policy: %w", err)
	}
	if p.MinStake.GreaterThan(p.MaxStakePerTrade) {
		return fmt.Errorf("invalid risk policy: min_stake %s exceeds max_stake_per_trade %s",
			p.MinStake.String(), p.MaxStakePerTrade.String())
	}
	return nil
}

// Overrides replaces selected policy fields for one session.
type Overrides struct {
	MinSecondsBetweenTrades *int             `json:"min_seconds_between_trades,omitempty"`
	MaxConcurrentTrades     *int             `json:"max_concurrent_trades,omitempty"`
	MaxStakePerTrade        *decimal.Decimal `json:"max_stake_per_trade,omitempty"`
	MinConfidence           *float64         `json:"min_confidence,omitempty"`
	MaxDailyLoss            *decimal.Decimal `json:"max_daily_loss,omitempty"`
	MaxConsecutiveLosses    *int             `json:"max_consecutive_losses,omitempty"`
}

// With returns a copy of p with the non-nil overrides applied.
func (p Policy) With(o Overrides) Policy {
	if o.MinSecondsBetweenTrades != nil {
		p.MinSecondsBetweenTrades = *o.MinSecondsBetweenTrades
	}
	if o.MaxConcurrentTrades != nil {
		p.MaxConcurrentTrades = *o.MaxConcurrentTrades
	}
	if o.MaxStakePerTrade != nil {
		p.MaxStakePerTrade = *o.MaxStakePerTrade
	}
	if o.MinConfidence != nil {
		p.MinConfidence = *o.MinConfidence
	}
	if o.MaxDailyLoss != nil {
		p.MaxDailyLoss = *o.MaxDailyLoss
	}
	if o.MaxConsecutiveLosses != nil {
		p.MaxConsecutiveLosses = *o.MaxConsecutiveLosses
	}
	return p
}

// policyFile mirrors Policy for YAML, where money values are plain numbers.
type policyFile struct {
	MinSecondsBetweenTrades *int     `yaml:"min_seconds_between_trades"`
	MaxConcurrentTrades     *int     `yaml:"max_concurrent_trades"`
	MaxStakePerTrade        *float64 `yaml:"max_stake_per_trade"`
	MinStake                *float64 `yaml:"min_stake"`
	MinConfidence           *float64 `yaml:"min_confidence"`
	MaxDailyLoss            *float64 `yaml:"max_daily_loss"`
	MaxConsecutiveLosses    *int     `yaml:"max_consecutive_losses"`
}

// ParsePolicy reads a YAML policy on top of DefaultPolicy. Missing keys keep
// their defaults.
func ParsePolicy(data []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Policy{}, fmt.Errorf("parse risk policy: %w", err)
	}
	p := DefaultPolicy()
	if f.MinSecondsBetweenTrades != nil {
		p.MinSecondsBetweenTrades = *f.MinSecondsBetweenTrades
	}
	if f.MaxConcurrentTrades != nil {
		p.MaxConcurrentTrades = *f.MaxConcurrentTrades
	}
	if f.MaxStakePerTrade != nil {
		p.MaxStakePerTrade = decimal.NewFromFloat(*f.MaxStakePerTrade)
	}
	if f.MinStake != nil {
		p.MinStake = decimal.NewFromFloat(*f.MinStake)
	}
	if f.MinConfidence != nil {
		p.MinConfidence = *f.MinConfidence
	}
	if f.MaxDailyLoss != nil {
		p.MaxDailyLoss = decimal.NewFromFloat(*f.MaxDailyLoss)
	}
	if f.MaxConsecutiveLosses != nil {
		p.MaxConsecutiveLosses = *f.MaxConsecutiveLosses
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicy reads a YAML policy file. An empty path yields DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read risk policy: %w", err)
	}
	return ParsePolicy(data)
}
