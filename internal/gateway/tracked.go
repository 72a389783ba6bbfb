package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"digit-trader/pkg/broker"
)

// tracked is the handle sessions get from the pool. Every call refreshes
// the connection's LRU position and feeds the failure circuit.
type tracked struct {
	broker.Broker
	pool *Manager
	key  string
}

func (t *tracked) observe(err error) {
	t.pool.touch(t.key)
	switch {
	case err == nil:
		t.pool.recordSuccess(t.key)
	case broker.IsTransient(err), errors.Is(err, broker.ErrAuth):
		t.pool.recordFailure(t.key)
	}
}

func (t *tracked) Balance(ctx context.Context) (broker.Balance, error) {
	b, err := t.Broker.Balance(ctx)
	t.observe(err)
	return b, err
}

func (t *tracked) Buy(ctx context.Context, req broker.ContractRequest) (broker.Receipt, error) {
	r, err := t.Broker.Buy(ctx, req)
	t.observe(err)
	return r, err
}

func (t *tracked) ContractStatus(ctx context.Context, contractID string) (broker.ContractStatus, error) {
	st, err := t.Broker.ContractStatus(ctx, contractID)
	t.observe(err)
	return st, err
}

func (t *tracked) RecentContracts(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	recs, err := t.Broker.RecentContracts(ctx, since)
	t.observe(err)
	return recs, err
}

func (t *tracked) WatchContract(ctx context.Context, contractID string) (<-chan broker.ContractStatus, error) {
	cw, ok := t.Broker.(broker.ContractWatcher)
	if !ok {
		return nil, fmt.Errorf("watch %s: venue has no push updates", contractID)
	}
	t.pool.touch(t.key)
	return cw.WatchContract(ctx, contractID)
}

func (t *tracked) ServerTime(ctx context.Context) (time.Time, error) {
	clock, ok := t.Broker.(broker.ServerClock)
	if !ok {
		return time.Time{}, fmt.Errorf("server time: venue has no clock")
	}
	return clock.ServerTime(ctx)
}
