package position

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/account"
	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/paper"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pending(id, contract, stake string) order.Trade {
	return order.Trade{
		ID:               id,
		ClientRequestID:  "c-" + id,
		BrokerContractID: contract,
		Status:           order.StatusPending,
		OpenedAt:         t0,
		Request: order.TradeRequest{
			ContractType: broker.DigitEven,
			Symbol:       "R_100",
			Stake:        dec(stake),
			Duration:     5,
			DurationUnit: broker.UnitTicks,
		},
	}
}

func newTracker(balance string) (*Tracker, *account.State) {
	acct := account.NewState(account.ModeDemo, "USD", dec(balance))
	tr := NewTracker("u1", acct)
	tr.Clock = func() time.Time { return t0 }
	return tr, acct
}

func TestWonAndLostUpdateBalance(t *testing.T) {
	tr, acct := newTracker("10")
	tr.Register(pending("a", "100", "1"))
	tr.Register(pending("b", "101", "1"))
	assert.Equal(t, 2, acct.Snapshot().PendingTrades)

	lost, ok := tr.Apply(broker.ContractStatus{ContractID: "101", State: broker.ContractLost, Profit: dec("-1"), SettledAt: t0})
	require.True(t, ok)
	assert.Equal(t, order.StatusLost, lost.Status)
	assert.True(t, acct.Balance().Equal(dec("9")))
	assert.Equal(t, 1, acct.Snapshot().ConsecutiveLosses)

	won, ok := tr.Apply(broker.ContractStatus{ContractID: "100", State: broker.ContractWon, Profit: dec("0.8"), Payout: dec("1.8"), SettledAt: t0})
	require.True(t, ok)
	assert.Equal(t, order.StatusWon, won.Status)
	assert.True(t, won.RealizedPnL().Equal(dec("0.8")))

	snap := acct.Snapshot()
	assert.True(t, snap.Balance.Equal(dec("9.8")))
	assert.Equal(t, 0, snap.ConsecutiveLosses)
	assert.Equal(t, 0, snap.PendingTrades)
	assert.True(t, snap.OpenExposure.IsZero())
	assert.Equal(t, 0, tr.Pending())
	assert.Len(t, tr.History(0), 2)
	assert.Equal(t, "a", tr.History(1)[0].ID)
}

func TestApplyIsIdempotent(t *testing.T) {
	tr, acct := newTracker("10")
	tr.Register(pending("a", "100", "2"))
	st := broker.ContractStatus{ContractID: "100", State: broker.ContractLost, Profit: dec("-2")}

	_, first := tr.Apply(st)
	_, second := tr.Apply(st)
	assert.True(t, first)
	assert.False(t, second)
	assert.True(t, acct.Balance().Equal(dec("8")))
	assert.Len(t, tr.History(0), 1)
}

func TestApplyIgnoresOpenAndUnknown(t *testing.T) {
	tr, acct := newTracker("10")
	tr.Register(pending("a", "100", "2"))
	_, ok := tr.Apply(broker.ContractStatus{ContractID: "100", State: broker.ContractOpen})
	assert.False(t, ok)
	_, ok = tr.Apply(broker.ContractStatus{ContractID: "999", State: broker.ContractWon, Profit: dec("1")})
	assert.False(t, ok)
	assert.Equal(t, 1, acct.Snapshot().PendingTrades)
}

func TestExpireStale(t *testing.T) {
	tr, acct := newTracker("10")
	tr.Register(pending("a", "100", "1"))

	// five ticks at the default period is 10s, ten times that is 100s
	assert.Equal(t, t0.Add(100*time.Second), tr.Deadline(pending("x", "", "1")))
	assert.Empty(t, tr.ExpireStale(t0.Add(99*time.Second)))

	expired := tr.ExpireStale(t0.Add(100 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, order.StatusErrored, expired[0].Status)
	assert.True(t, expired[0].RealizedPnL().IsZero())
	assert.True(t, acct.Balance().Equal(dec("10")))
	assert.Equal(t, 0, acct.Snapshot().PendingTrades)
}

func TestAmbiguousTradeConfirmAndFail(t *testing.T) {
	tr, acct := newTracker("10")
	amb := pending("a", "", "1")
	amb.Ambiguous = true
	tr.Register(amb)

	got, ok := tr.Unresolved()
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	confirmed, ok := tr.Confirm("a", broker.ContractRecord{ContractID: "555", BuyPrice: dec("1")})
	require.True(t, ok)
	assert.False(t, confirmed.Ambiguous)
	assert.True(t, tr.Known("555"))
	_, ok = tr.Unresolved()
	assert.False(t, ok)

	_, ok = tr.Apply(broker.ContractStatus{ContractID: "555", State: broker.ContractWon, Profit: dec("0.95")})
	require.True(t, ok)
	assert.True(t, acct.Balance().Equal(dec("10.95")))

	other := pending("b", "", "1")
	other.Ambiguous = true
	tr.Register(other)
	failed, ok := tr.Fail("b", "not placed")
	require.True(t, ok)
	assert.Equal(t, order.StatusErrored, failed.Status)
	assert.Equal(t, "not placed", failed.Note)
	assert.True(t, acct.Balance().Equal(dec("10.95")))
}

func TestHistoryIsBounded(t *testing.T) {
	tr, _ := newTracker("1000")
	tr.HistoryLimit = 3
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		tr.Register(pending(id, "c"+id, "1"))
		tr.Fail(id, "x")
	}
	h := tr.History(0)
	require.Len(t, h, 3)
	assert.Equal(t, "e", h[0].ID)
	assert.Equal(t, "c", h[2].ID)
}

func TestWatcherDeliversSettlement(t *testing.T) {
	venue := paper.New(paper.Config{InitialBalance: dec("10"), TickPeriod: 5 * time.Millisecond, Seed: 9})
	defer venue.Close()

	ex := order.NewExecutor("u1", venue, time.Second)
	placed, err := ex.Place(context.Background(), pending("", "", "1").Request)
	require.NoError(t, err)

	updates := make(chan Update, 1)
	w := NewWatcher(venue, updates, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Watch(ctx, placed)

	select {
	case u := <-updates:
		assert.Equal(t, placed.ID, u.TradeID)
		assert.True(t, u.Status.Settled())
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement delivered")
	}
}

type pollOnly struct{ broker.Broker }

func TestWatcherPollsWithoutPush(t *testing.T) {
	venue := paper.New(paper.Config{InitialBalance: dec("10"), TickPeriod: 5 * time.Millisecond, Seed: 9})
	defer venue.Close()

	ex := order.NewExecutor("u1", venue, time.Second)
	placed, err := ex.Place(context.Background(), pending("", "", "1").Request)
	require.NoError(t, err)

	updates := make(chan Update, 1)
	NewWatcher(pollOnly{venue}, updates, 10*time.Millisecond).Watch(context.Background(), placed)

	select {
	case u := <-updates:
		assert.Equal(t, "poll", u.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement delivered")
	}
}
