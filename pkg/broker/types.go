package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractType denotes the contract kinds the engine can trade.
type ContractType string

const (
	DigitEven  ContractType = "DIGITEVEN"
	DigitOdd   ContractType = "DIGITODD"
	DigitMatch ContractType = "DIGITMATCH"
	DigitDiff  ContractType = "DIGITDIFF"
	DigitOver  ContractType = "DIGITOVER"
	DigitUnder ContractType = "DIGITUNDER"
	Call       ContractType = "CALL"
	Put        ContractType = "PUT"
)

// Valid reports whether t is a supported contract type.
func (t ContractType) Valid() bool {
	switch t {
	case DigitEven, DigitOdd, DigitMatch, DigitDiff, DigitOver, DigitUnder, Call, Put:
		return true
	}
	return false
}

// NeedsBarrier reports whether the venue requires a digit barrier for t.
func (t ContractType) NeedsBarrier() bool {
	switch t {
	case DigitMatch, DigitDiff, DigitOver, DigitUnder:
		return true
	}
	return false
}

// IsDigit reports whether t settles on the last digit of the exit tick.
func (t ContractType) IsDigit() bool {
	return t != Call && t != Put
}

// Duration units accepted by the venue.
const (
	UnitTicks   = "t"
	UnitSeconds = "s"
	UnitMinutes = "m"
)

// UnitDuration converts a contract duration into wall-clock time. Tick durations
// use tickPeriod per tick.
func UnitDuration(n int, unit string, tickPeriod time.Duration) time.Duration {
	switch unit {
	case UnitSeconds:
		return time.Duration(n) * time.Second
	case UnitMinutes:
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * tickPeriod
	}
}

// ContractRequest captures a contract purchase intent sent to a venue.
type ContractRequest struct {
	ClientRequestID string // unique per submission attempt
	ContractType    ContractType
	Symbol          string
	Stake           decimal.Decimal
	Duration        int
	DurationUnit    string
	Barrier         string // optional
	Barrier2        string // optional
	Currency        string
}

// Receipt is the venue acknowledgement of a purchase.
type Receipt struct {
	ContractID      string
	ClientRequestID string
	BuyPrice        decimal.Decimal
	Payout          decimal.Decimal
	PurchaseTime    time.Time
}

// ContractState normalizes venue contract states into a small set.
type ContractState string

const (
	ContractOpen ContractState = "OPEN"
	ContractWon  ContractState = "WON"
	ContractLost ContractState = "LOST"
)

// ContractStatus reports the current state of a purchased contract.
type ContractStatus struct {
	ContractID string
	State      ContractState
	Profit     decimal.Decimal // signed, net of stake
	Payout     decimal.Decimal
	SettledAt  time.Time
}

// Settled reports whether the contract has reached a final state.
func (s ContractStatus) Settled() bool {
	return s.State == ContractWon || s.State == ContractLost
}

// ContractRecord is a venue-side view of a purchased contract used for reconciliation.
type ContractRecord struct {
	ContractID      string
	ClientRequestID string // empty when the venue does not echo it
	ContractType    ContractType
	Symbol          string
	BuyPrice        decimal.Decimal
	PurchaseTime    time.Time
}

// Balance is the account balance at the venue.
type Balance struct {
	Amount   decimal.Decimal
	Currency string
}

// Quote is a raw price update from a venue stream.
type Quote struct {
	Symbol  string
	Price   decimal.Decimal
	PipSize int // number of decimals the venue quotes; 0 when unknown
	Time    time.Time
}
