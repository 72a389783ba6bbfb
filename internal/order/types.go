package order

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/pkg/broker"
)

// Status is the lifecycle state of a Trade.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusWon     Status = "WON"
	StatusLost    Status = "LOST"
	StatusErrored Status = "ERRORED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusWon || s == StatusLost || s == StatusErrored
}

// TradeRequest is an authorized order that has not been submitted yet.
// It is consumed once; a failed request is never resubmitted with other fields.
type TradeRequest struct {
	ContractType broker.ContractType `json:"contract_type"`
	Symbol       string              `json:"symbol"`
	Stake        decimal.Decimal     `json:"stake"`
	Duration     int                 `json:"duration"`
	DurationUnit string              `json:"duration_unit"`
	Barrier      string              `json:"barrier,omitempty"`
	Barrier2     string              `json:"barrier2,omitempty"`
	Prediction   string              `json:"prediction"`
	StrategyID   string              `json:"strategy_id,omitempty"`
	Confidence   float64             `json:"confidence"`
}

// Validate checks the request before it reaches a venue.
func (r TradeRequest) Validate() error {
	if !r.ContractType.Valid() {
		return fmt.Errorf("unknown contract type %q", r.ContractType)
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.Stake.IsPositive() {
		return fmt.Errorf("stake must be positive")
	}
	if r.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	switch r.DurationUnit {
	case broker.UnitTicks, broker.UnitSeconds, broker.UnitMinutes:
	default:
		return fmt.Errorf("unknown duration unit %q", r.DurationUnit)
	}
	if r.ContractType.NeedsBarrier() {
		d, err := strconv.Atoi(r.Barrier)
		if err != nil || d < 0 || d > 9 {
			return fmt.Errorf("%s needs a digit barrier, got %q", r.ContractType, r.Barrier)
		}
	}
	return nil
}

// Contract converts the request into the venue purchase payload.
func (r TradeRequest) Contract(clientRequestID, currency string) broker.ContractRequest {
	return broker.ContractRequest{
		ClientRequestID: clientRequestID,
		ContractType:    r.ContractType,
		Symbol:          r.Symbol,
		Stake:           r.Stake,
		Duration:        r.Duration,
		DurationUnit:    r.DurationUnit,
		Barrier:         r.Barrier,
		Barrier2:        r.Barrier2,
		Currency:        currency,
	}
}

// Trade is a submitted order and its lifecycle through settlement.
type Trade struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	ClientRequestID  string           `json:"client_request_id"`
	BrokerContractID string           `json:"broker_contract_id,omitempty"`
	Request          TradeRequest     `json:"request"`
	Status           Status           `json:"status"`
	Ambiguous        bool             `json:"ambiguous"`
	BuyPrice         decimal.Decimal  `json:"buy_price"`
	Payout           decimal.Decimal  `json:"payout"`
	OpenedAt         time.Time        `json:"opened_at"`
	SettledAt        *time.Time       `json:"settled_at,omitempty"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"`
	Note             string           `json:"note,omitempty"`
}

// Terminal reports whether the trade has settled or errored.
func (t Trade) Terminal() bool { return t.Status.Terminal() }

// RealizedPnL returns the settled pnl, zero while pending or errored.
func (t Trade) RealizedPnL() decimal.Decimal {
	if t.PnL == nil {
		return decimal.Zero
	}
	return *t.PnL
}
