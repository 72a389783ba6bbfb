package monitor

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/events"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/internal/risk"
	"digit-trader/pkg/broker"
)

type captured struct {
	alerts chan events.RiskAlert
}

func (c *captured) Send(a events.RiskAlert) error {
	c.alerts <- a
	return nil
}

func newMonitor() (*Monitor, *captured) {
	sink := &captured{alerts: make(chan events.RiskAlert, 16)}
	m := New(events.NewBus(), NewCollectors(Gauges{DroppedEvents: func() float64 { return 2 }}), NewSystemMetrics(), sink)
	return m, sink
}

func TestTradeLifecycleMetrics(t *testing.T) {
	m, _ := newMonitor()
	opened := time.Now().Add(-3 * time.Second)
	settled := opened.Add(3 * time.Second)
	tr := order.Trade{ID: "t1", Status: order.StatusPending, OpenedAt: opened,
		Request: order.TradeRequest{ContractType: broker.DigitEven}}

	m.Handle(events.EventTradeOpened, tr)
	tr.Status = order.StatusWon
	tr.SettledAt = &settled
	m.Handle(events.EventTradeSettled, tr)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors.TradesOpened.WithLabelValues("DIGITEVEN", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors.TradesSettled.WithLabelValues("DIGITEVEN", "WON")))

	snap := m.Metrics.GetSnapshot()
	assert.Equal(t, uint64(1), snap.TradesOpened)
	assert.Equal(t, uint64(1), snap.TradesSettled)
	require.Equal(t, 1, snap.SettlementLatency.Count)
	assert.InDelta(t, 3000, snap.SettlementLatency.Max, 1)
}

func TestStateAndBalanceGauges(t *testing.T) {
	m, _ := newMonitor()
	m.Handle(events.EventSessionState, events.StateChange{UserID: "u1", From: "STOPPED", To: "RUNNING"})
	m.Handle(events.EventBalanceChange, events.BalanceChange{UserID: "u1", Mode: "DEMO", Balance: decimal.RequireFromString("12.5")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Collectors.SessionState.WithLabelValues("u1", "RUNNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Collectors.SessionState.WithLabelValues("u1", "STOPPED")))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.Collectors.Balance.WithLabelValues("u1", "DEMO")))

	m.Handle(events.EventSessionState, events.StateChange{UserID: "u1", From: "RUNNING", To: "STOPPING"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Collectors.SessionState.WithLabelValues("u1", "RUNNING")))
}

func TestDenialStreakRaisesOneAlert(t *testing.T) {
	m, sink := newMonitor()
	m.Rules = NewRuleEvaluator(3)

	for i := 0; i < 5; i++ {
		m.Handle(events.EventDecision, risk.Decision{Reason: risk.FeedStale})
	}
	m.Handle(events.EventDecision, risk.Decision{Reason: risk.LowConfidence})

	require.Len(t, sink.alerts, 1)
	a := <-sink.alerts
	assert.Equal(t, AlertKindDenialStreak, a.Kind)
	assert.Contains(t, a.Message, "FEED_STALE")
	assert.Equal(t, 6.0, testutil.ToFloat64(m.Collectors.Decisions.WithLabelValues("FEED_STALE"))+
		testutil.ToFloat64(m.Collectors.Decisions.WithLabelValues("LOW_CONFIDENCE")))
	assert.Equal(t, uint64(6), m.Metrics.GetSnapshot().Denials)
}

func TestRuleRearmsAfterAllowedDecision(t *testing.T) {
	r := NewRuleEvaluator(2)
	fired := 0
	for _, d := range []risk.Decision{
		{Reason: risk.Reconciling}, {Reason: risk.Reconciling}, {Reason: risk.Reconciling},
		{Allowed: true, Reason: risk.Allowed},
		{Reason: risk.Reconciling}, {Reason: risk.Reconciling},
		{Reason: risk.RateLimited}, {Reason: risk.RateLimited}, {Reason: risk.RateLimited},
	} {
		if ok, _ := r.Check(d); ok {
			fired++
		}
	}
	assert.Equal(t, 2, fired)
}

func TestRunDeliversBusAlerts(t *testing.T) {
	m, sink := newMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		m.Bus.Publish(events.EventRiskAlert, events.RiskAlert{UserID: "u1", Kind: events.AlertCircuitBreaker, Message: "cooling down"})
		return len(sink.alerts) > 0
	}, time.Second, 10*time.Millisecond)
	a := <-sink.alerts
	assert.Equal(t, "u1", a.UserID)

	m.Bus.Publish(events.EventPriceTick, market.Tick{Symbol: "R_100", Digit: 4})
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Collectors.Ticks.WithLabelValues("R_100")) >= 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("monitor did not stop")
	}
}

func TestHandlerExposesSeries(t *testing.T) {
	m, _ := newMonitor()
	m.Handle(events.EventFeedGap, market.Gap{Symbol: "R_10", Reason: "reconnect"})

	rec := httptest.NewRecorder()
	m.Collectors.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `digit_trader_feed_gaps_total{reason="reconnect",symbol="R_10"} 1`), body)
	assert.Contains(t, body, "digit_trader_bus_dropped_events 2")
	assert.Contains(t, body, "go_goroutines")
}
