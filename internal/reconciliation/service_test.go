package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/paper"
)

type mockBroker struct{ mock.Mock }

func (m *mockBroker) Balance(ctx context.Context) (broker.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(broker.Balance), args.Error(1)
}

func (m *mockBroker) Buy(ctx context.Context, req broker.ContractRequest) (broker.Receipt, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(broker.Receipt), args.Error(1)
}

func (m *mockBroker) ContractStatus(ctx context.Context, id string) (broker.ContractStatus, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(broker.ContractStatus), args.Error(1)
}

func (m *mockBroker) RecentContracts(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	args := m.Called(ctx, since)
	recs, _ := args.Get(0).([]broker.ContractRecord)
	return recs, args.Error(1)
}

func ambiguousTrade(opened time.Time) order.Trade {
	return order.Trade{
		ID:              "t1",
		ClientRequestID: "c1",
		Status:          order.StatusPending,
		Ambiguous:       true,
		OpenedAt:        opened,
		Request: order.TradeRequest{
			ContractType: broker.DigitOdd,
			Symbol:       "R_50",
			Stake:        decimal.NewFromInt(2),
			Duration:     1,
			DurationUnit: broker.UnitTicks,
		},
	}
}

func TestResolveByClientID(t *testing.T) {
	venue := paper.New(paper.Config{InitialBalance: decimal.NewFromInt(10), TickPeriod: time.Hour, Seed: 1})
	defer venue.Close()
	venue.InjectFault(paper.FaultHang)

	ex := order.NewExecutor("u", venue, 20*time.Millisecond)
	tr, err := ex.Place(context.Background(), order.TradeRequest{
		ContractType: broker.DigitOdd, Symbol: "R_50", Stake: decimal.NewFromInt(2), Duration: 1, DurationUnit: broker.UnitTicks,
	})
	require.NoError(t, err)
	require.True(t, tr.Ambiguous)

	res, err := NewService(venue, time.Second).Resolve(context.Background(), tr, nil)
	require.NoError(t, err)
	assert.Equal(t, Placed, res.Verdict)
	assert.Equal(t, ByClientID, res.Method)
	id, _ := venue.ContractForClient(tr.ClientRequestID)
	assert.Equal(t, id, res.Record.ContractID)
}

func TestResolveHeuristic(t *testing.T) {
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []broker.ContractRecord{
		{ContractID: "known", ContractType: broker.DigitOdd, Symbol: "R_50", BuyPrice: decimal.NewFromInt(2), PurchaseTime: opened.Add(time.Second)},
		{ContractID: "other-type", ContractType: broker.DigitEven, Symbol: "R_50", BuyPrice: decimal.NewFromInt(2), PurchaseTime: opened.Add(time.Second)},
		{ContractID: "other-stake", ContractType: broker.DigitOdd, Symbol: "R_50", BuyPrice: decimal.NewFromInt(3), PurchaseTime: opened.Add(time.Second)},
		{ContractID: "too-late", ContractType: broker.DigitOdd, Symbol: "R_50", BuyPrice: decimal.NewFromInt(2), PurchaseTime: opened.Add(time.Hour)},
		{ContractID: "match", ContractType: broker.DigitOdd, Symbol: "R_50", BuyPrice: decimal.NewFromInt(2), PurchaseTime: opened.Add(2 * time.Second)},
	}
	m := &mockBroker{}
	m.On("RecentContracts", mock.Anything, opened.Add(-30*time.Second)).Return(recs, nil)

	known := func(id string) bool { return id == "known" }
	res, err := NewService(m, time.Second).Resolve(context.Background(), ambiguousTrade(opened), known)
	require.NoError(t, err)
	assert.Equal(t, Placed, res.Verdict)
	assert.Equal(t, ByHeuristic, res.Method)
	assert.Equal(t, "match", res.Record.ContractID)
	m.AssertExpectations(t)
}

func TestResolveNotPlacedAndFailure(t *testing.T) {
	opened := time.Now().UTC()

	empty := &mockBroker{}
	empty.On("RecentContracts", mock.Anything, mock.Anything).Return([]broker.ContractRecord(nil), nil)
	res, err := NewService(empty, time.Second).Resolve(context.Background(), ambiguousTrade(opened), nil)
	require.NoError(t, err)
	assert.Equal(t, NotPlaced, res.Verdict)

	down := &mockBroker{}
	down.On("RecentContracts", mock.Anything, mock.Anything).Return(nil, broker.ErrTransient)
	_, err = NewService(down, time.Second).Resolve(context.Background(), ambiguousTrade(opened), nil)
	require.True(t, errors.Is(err, broker.ErrTransient))
}

func TestAuditReportsOrphansAndDrift(t *testing.T) {
	m := &mockBroker{}
	m.On("RecentContracts", mock.Anything, mock.Anything).Return([]broker.ContractRecord{{ContractID: "a"}, {ContractID: "b"}}, nil)
	m.On("Balance", mock.Anything).Return(broker.Balance{Amount: decimal.NewFromInt(95), Currency: "USD"}, nil)

	known := func(id string) bool { return id == "a" }
	rep, err := NewService(m, time.Second).Audit(context.Background(), time.Now(), known, decimal.NewFromInt(90))
	require.NoError(t, err)
	assert.True(t, rep.HasDiffs)
	require.Len(t, rep.Orphans, 1)
	assert.Equal(t, "b", rep.Orphans[0].ContractID)
	assert.True(t, rep.Drift.Equal(decimal.NewFromInt(5)))
}
