package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/events"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/paper"
)

type memJournal struct {
	mu       sync.Mutex
	intents  []Intent
	outcomes map[string]string
}

func (j *memJournal) RecordIntent(_ context.Context, in Intent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.intents = append(j.intents, in)
	return nil
}

func (j *memJournal) ResolveIntent(_ context.Context, clientID, outcome, _ string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.outcomes == nil {
		j.outcomes = map[string]string{}
	}
	j.outcomes[clientID] = outcome
	return nil
}

func evenRequest(stake string) TradeRequest {
	return TradeRequest{
		ContractType: broker.DigitEven,
		Symbol:       "R_100",
		Stake:        decimal.RequireFromString(stake),
		Duration:     5,
		DurationUnit: broker.UnitTicks,
		Prediction:   "EVEN",
	}
}

func newPaper(t *testing.T) *paper.Broker {
	t.Helper()
	b := paper.New(paper.Config{InitialBalance: decimal.NewFromInt(50), TickPeriod: time.Hour, Seed: 3})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPlaceReturnsPendingTrade(t *testing.T) {
	venue := newPaper(t)
	bus := events.NewBus()
	opened, unsub := bus.Subscribe(events.EventTradeOpened, 1)
	defer unsub()

	j := &memJournal{}
	ex := NewExecutor("u1", venue, time.Second)
	ex.Bus = bus
	ex.Journal = j

	tr, err := ex.Place(context.Background(), evenRequest("2"))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tr.Status)
	assert.False(t, tr.Ambiguous)
	assert.NotEmpty(t, tr.BrokerContractID)
	assert.NotEqual(t, tr.ID, tr.ClientRequestID)

	id, ok := venue.ContractForClient(tr.ClientRequestID)
	require.True(t, ok)
	assert.Equal(t, id, tr.BrokerContractID)

	require.Len(t, j.intents, 1)
	assert.Equal(t, IntentAccepted, j.outcomes[tr.ClientRequestID])

	select {
	case ev := <-opened:
		assert.Equal(t, tr.ID, ev.(Trade).ID)
	default:
		t.Fatal("trade.opened not published")
	}
}

func TestPlaceUsesFreshClientIDPerAttempt(t *testing.T) {
	ex := NewExecutor("u1", newPaper(t), time.Second)
	a, err := ex.Place(context.Background(), evenRequest("1"))
	require.NoError(t, err)
	b, err := ex.Place(context.Background(), evenRequest("1"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ClientRequestID, b.ClientRequestID)
}

func TestPlaceClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		fault paper.Fault
		req   TradeRequest
		kind  ErrorKind
	}{
		{"rejected", paper.FaultReject, evenRequest("1"), KindRejected},
		{"transient", paper.FaultTransient, evenRequest("1"), KindTransient},
		{"over balance", paper.FaultNone, evenRequest("500"), KindRejected},
		{"invalid", paper.FaultNone, TradeRequest{ContractType: broker.DigitMatch, Symbol: "R_100", Stake: decimal.NewFromInt(1), Duration: 1, DurationUnit: "t"}, KindInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := newPaper(t)
			if tt.fault != paper.FaultNone {
				venue.InjectFault(tt.fault)
			}
			j := &memJournal{}
			ex := NewExecutor("u1", venue, time.Second)
			ex.Journal = j

			tr, err := ex.Place(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
			assert.Empty(t, tr.ID)
			assert.Equal(t, 0, venue.OpenContracts())
			if tt.kind == KindInvalid {
				assert.Empty(t, j.intents, "invalid requests never reach the journal")
			}
		})
	}
}

func TestPlaceTimeoutIsAmbiguous(t *testing.T) {
	venue := newPaper(t)
	venue.InjectFault(paper.FaultHang)
	j := &memJournal{}
	ex := NewExecutor("u1", venue, 30*time.Millisecond)
	ex.Journal = j

	tr, err := ex.Place(context.Background(), evenRequest("1"))
	require.NoError(t, err)
	assert.True(t, tr.Ambiguous)
	assert.Equal(t, StatusPending, tr.Status)
	assert.Empty(t, tr.BrokerContractID)
	assert.Equal(t, IntentAmbiguous, j.outcomes[tr.ClientRequestID])

	_, booked := venue.ContractForClient(tr.ClientRequestID)
	assert.True(t, booked, "the venue accepted the contract even though the ack was lost")
}

func TestValidateBarrier(t *testing.T) {
	r := evenRequest("1")
	r.ContractType = broker.DigitOver
	r.Barrier = "x"
	require.Error(t, r.Validate())
	r.Barrier = "4"
	require.NoError(t, r.Validate())
	r.DurationUnit = "h"
	require.Error(t, r.Validate())
}
