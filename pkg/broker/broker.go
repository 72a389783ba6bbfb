// Package broker abstracts the remote trading venue used by the engine.
package broker

import (
	"context"
	"errors"
	"time"
)

// Broker is the set of venue operations the engine requires.
type Broker interface {
	Balance(ctx context.Context) (Balance, error)
	Buy(ctx context.Context, req ContractRequest) (Receipt, error)
	ContractStatus(ctx context.Context, contractID string) (ContractStatus, error)
	// RecentContracts lists open and recently settled contracts purchased at or after since.
	RecentContracts(ctx context.Context, since time.Time) ([]ContractRecord, error)
}

// ContractWatcher is implemented by venues that push contract updates.
// The returned channel is closed when the contract settles or the transport drops.
type ContractWatcher interface {
	WatchContract(ctx context.Context, contractID string) (<-chan ContractStatus, error)
}

// TickSource streams quotes for a symbol. The channel is closed when the
// underlying transport is lost; callers reconnect by calling StreamTicks again.
type TickSource interface {
	StreamTicks(ctx context.Context, symbol string) (<-chan Quote, error)
}

// ServerClock is implemented by venues exposing their server time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

var (
	ErrRejected     = errors.New("broker rejected request")
	ErrAuth         = errors.New("broker authentication failed")
	ErrTransient    = errors.New("broker temporarily unavailable")
	ErrNotConnected = errors.New("broker not connected")
	ErrNotFound     = errors.New("contract not found")

	// ErrNoAck marks a request that was written but whose answer never arrived.
	ErrNoAck = errors.New("request sent without acknowledgement")
)

// IsTransient reports whether err should be retried on a later cycle.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrNotConnected) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
