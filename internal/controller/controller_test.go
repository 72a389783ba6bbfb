package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/account"
	"digit-trader/internal/events"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/internal/risk"
	"digit-trader/internal/staking"
	"digit-trader/internal/strategy"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/paper"
)

type constStrategy struct{ confidence float64 }

func (constStrategy) ID() string                        { return "const" }
func (constStrategy) Kind() string                      { return "const" }
func (constStrategy) MinHistory() int                   { return 0 }
func (constStrategy) Supports(broker.ContractType) bool { return true }
func (s constStrategy) Evaluate(_ context.Context, _ []market.Tick, cfg strategy.EvalConfig) strategy.Signal {
	return strategy.Signal{
		StrategyID:   "const",
		Prediction:   strategy.PredEven,
		Confidence:   s.confidence,
		ContractType: cfg.ContractType,
		GeneratedAt:  cfg.Now,
	}
}

func constantProvider(confidence float64) *strategy.Provider {
	return strategy.NewProvider(nil, strategy.Member{Strategy: constStrategy{confidence: confidence}})
}

// dialStrategy reports whatever confidence the test last set.
type dialStrategy struct {
	mu         sync.Mutex
	confidence float64
}

func (d *dialStrategy) set(v float64) {
	d.mu.Lock()
	d.confidence = v
	d.mu.Unlock()
}

func (*dialStrategy) ID() string                        { return "dial" }
func (*dialStrategy) Kind() string                      { return "dial" }
func (*dialStrategy) MinHistory() int                   { return 0 }
func (*dialStrategy) Supports(broker.ContractType) bool { return true }
func (d *dialStrategy) Evaluate(_ context.Context, _ []market.Tick, cfg strategy.EvalConfig) strategy.Signal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strategy.Signal{
		StrategyID:   "dial",
		Prediction:   strategy.PredEven,
		Confidence:   d.confidence,
		ContractType: cfg.ContractType,
		GeneratedAt:  cfg.Now,
	}
}

// manualClock only moves when the test advances it.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Now().UTC()}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// losingBroker reports every settled contract as lost.
type losingBroker struct {
	*paper.Broker
}

func lose(st broker.ContractStatus) broker.ContractStatus {
	if st.State == broker.ContractWon {
		st.State = broker.ContractLost
		st.Profit = decimal.Zero
		st.Payout = decimal.Zero
	}
	return st
}

func (b losingBroker) ContractStatus(ctx context.Context, contractID string) (broker.ContractStatus, error) {
	st, err := b.Broker.ContractStatus(ctx, contractID)
	return lose(st), err
}

func (b losingBroker) WatchContract(ctx context.Context, contractID string) (<-chan broker.ContractStatus, error) {
	in, err := b.Broker.WatchContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	out := make(chan broker.ContractStatus, 1)
	go func() {
		defer close(out)
		for st := range in {
			out <- lose(st)
		}
	}()
	return out, nil
}

// noAckBroker loses every purchase acknowledgement. Nothing is booked, so
// reconciliation finds no contract unless readErr makes the read fail.
type noAckBroker struct {
	*paper.Broker
	readErr error
	reads   atomic.Int64
}

func (b *noAckBroker) Buy(context.Context, broker.ContractRequest) (broker.Receipt, error) {
	return broker.Receipt{}, fmt.Errorf("%w: connection dropped", broker.ErrNoAck)
}

func (b *noAckBroker) RecentContracts(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	b.reads.Add(1)
	if b.readErr != nil {
		return nil, b.readErr
	}
	return b.Broker.RecentContracts(ctx, since)
}

type harness struct {
	ctx   context.Context
	bus   *events.Bus
	paper *paper.Broker
	deps  Deps
}

func newPaper(t *testing.T, tickPeriod time.Duration) *paper.Broker {
	t.Helper()
	b := paper.New(paper.Config{InitialBalance: decimal.NewFromInt(100), Currency: "USD", TickPeriod: tickPeriod, Seed: 11})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newHarness(t *testing.T, provider *strategy.Provider) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	bus := events.NewBus()
	feed := market.NewFeed(market.NewMockSource(5*time.Millisecond, 1), bus)
	t.Cleanup(feed.Close)

	policy := risk.DefaultPolicy()
	policy.MinSecondsBetweenTrades = 0
	policy.MinConfidence = 0.5

	h := &harness{ctx: ctx, bus: bus, paper: newPaper(t, 10*time.Millisecond)}
	h.deps = Deps{
		Feed:     feed,
		Bus:      bus,
		Provider: provider,
		Policy:   policy,
		Settings: Settings{
			PlacementTimeout:  100 * time.Millisecond,
			CallTimeout:       100 * time.Millisecond,
			DeadFeedThreshold: time.Second,
			PollInterval:      20 * time.Millisecond,
			ReconcileInterval: 20 * time.Millisecond,
			AuditInterval:     time.Hour,
			TickPeriod:        10 * time.Millisecond,
			DrainTimeout:      2 * time.Second,
		},
	}
	h.use(h.paper)
	return h
}

func (h *harness) use(b broker.Broker) {
	h.deps.Broker = func(context.Context, string, account.Mode) (broker.Broker, error) { return b, nil }
}

func (h *harness) config() StartConfig {
	return StartConfig{
		ContractType:         broker.DigitEven,
		Symbol:               "R_100",
		StakeMode:            staking.Fixed,
		FixedStakeAmount:     decimal.NewFromInt(1),
		Duration:             1,
		DurationUnit:         broker.UnitTicks,
		CheckIntervalSeconds: 0.02,
	}
}

func (h *harness) start(t *testing.T) *Controller {
	t.Helper()
	c := New("trader", h.deps)
	require.NoError(t, c.Start(h.ctx, h.config()))
	return c
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 10*time.Millisecond, msg)
}

func stopAndDrain(t *testing.T, c *Controller) {
	t.Helper()
	require.NoError(t, c.Stop(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
}

func TestStartStopRoundTrip(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	c := h.start(t)

	assert.Equal(t, StateRunning, c.State())
	err := c.Start(h.ctx, h.config())
	require.ErrorIs(t, err, ErrAlreadyRunning)

	waitFor(t, func() bool { return len(c.History(0)) >= 3 }, "no trades settled")

	stopAndDrain(t, c)
	assert.Equal(t, StateStopped, c.State())
	require.NoError(t, c.Stop(context.Background()), "stopping twice must succeed")
	assert.Empty(t, c.ActiveTrades())

	st := c.Status()
	assert.False(t, st.IsRunning)
	require.NotNil(t, st.Account)
	assert.Zero(t, st.Account.PendingTrades)
	assert.True(t, st.Account.OpenExposure.IsZero())

	// Once everything settled the session balance matches the venue.
	bal, err := h.paper.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Account.Balance.Equal(bal.Amount), "session %s venue %s", st.Account.Balance, bal.Amount)

	var pnl decimal.Decimal
	for _, tr := range c.History(0) {
		assert.True(t, tr.Terminal())
		pnl = pnl.Add(tr.RealizedPnL())
	}
	assert.True(t, st.Stats.RealizedPnL.Equal(pnl))
	assert.Equal(t, st.Stats.Wins+st.Stats.Losses, len(c.History(0)))

	// A stopped controller can be started again with a fresh session.
	first := st.SessionID
	require.NoError(t, c.Start(h.ctx, h.config()))
	assert.NotEqual(t, first, c.Status().SessionID)
	stopAndDrain(t, c)
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))

	tests := []struct {
		name   string
		mutate func(*StartConfig)
	}{
		{"missing symbol", func(c *StartConfig) { c.Symbol = "" }},
		{"fixed without stake", func(c *StartConfig) { c.FixedStakeAmount = decimal.Zero }},
		{"negative fixed stake", func(c *StartConfig) { c.FixedStakeAmount = decimal.NewFromInt(-5) }},
		{"negative scaled stake", func(c *StartConfig) {
			c.StakeMode, c.FixedStakeAmount = staking.ConfidenceScaled, decimal.NewFromInt(-5)
		}},
		{"unknown contract", func(c *StartConfig) { c.ContractType = "DIGITPRIME" }},
		{"over barrier nine", func(c *StartConfig) { c.ContractType, c.Barrier = broker.DigitOver, "9" }},
		{"under barrier zero", func(c *StartConfig) { c.ContractType, c.Barrier = broker.DigitUnder, "0" }},
		{"digit in seconds", func(c *StartConfig) { c.DurationUnit = broker.UnitSeconds }},
		{"zero check interval", func(c *StartConfig) { c.CheckIntervalSeconds = 0 }},
		{"confidence above one", func(c *StartConfig) { v := 1.5; c.MinConfidence = &v }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("trader", h.deps)
			cfg := h.config()
			tt.mutate(&cfg)
			err := c.Start(h.ctx, cfg)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, StateStopped, c.State())
		})
	}
}

func TestStartFailsWhenBrokerUnavailable(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.deps.Broker = func(context.Context, string, account.Mode) (broker.Broker, error) {
		return nil, broker.ErrNotConnected
	}
	c := New("trader", h.deps)
	err := c.Start(h.ctx, h.config())
	require.ErrorIs(t, err, broker.ErrNotConnected)
	assert.Equal(t, StateStopped, c.State())
}

func TestMaxConcurrentNeverExceeded(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.paper = newPaper(t, time.Hour) // contracts stay open
	h.use(h.paper)
	h.deps.Settings.DrainTimeout = 100 * time.Millisecond

	opened, cancel := h.bus.Subscribe(events.EventTradeOpened, 16)
	defer cancel()

	c := h.start(t)
	waitFor(t, func() bool {
		return c.Status().LastDecisionReason == string(risk.MaxConcurrentReached)
	}, "max concurrent never reached")

	// Let a few more cycles run against the full book.
	time.Sleep(100 * time.Millisecond)
	st := c.Status()
	assert.Equal(t, 3, st.OpenTradeCount)
	assert.Equal(t, 3, st.Stats.TradesExecuted)
	assert.Equal(t, 3, h.paper.OpenContracts())
	assert.Len(t, opened, 3)

	// Draining gives up on the open trades once the drain timeout passes.
	stopAndDrain(t, c)
	for _, tr := range c.History(0) {
		assert.Equal(t, order.StatusErrored, tr.Status)
	}
	assert.Zero(t, c.Status().Account.PendingTrades)
}

func TestLowConfidenceIsDenied(t *testing.T) {
	h := newHarness(t, constantProvider(0.1))
	c := h.start(t)
	defer stopAndDrain(t, c)

	waitFor(t, func() bool {
		st := c.Status()
		return st.LastDecisionReason == string(risk.LowConfidence) && st.Stats.TradesPrevented >= 2
	}, "low confidence never reported")
	assert.Zero(t, c.Status().Stats.TradesExecuted)
	assert.Zero(t, h.paper.OpenContracts())
}

func TestFeedStaleDeniesTrading(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.deps.Feed = market.NewFeed(market.NewMockSource(time.Hour, 1), h.bus)
	t.Cleanup(h.deps.Feed.Close)

	c := h.start(t)
	defer stopAndDrain(t, c)

	waitFor(t, func() bool {
		return c.Status().LastDecisionReason == string(risk.FeedStale)
	}, "stale feed not reported")
	assert.Zero(t, c.Status().Stats.TradesExecuted)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	c := New("trader", h.deps)
	require.ErrorIs(t, c.Pause(context.Background()), ErrNotRunning)

	require.NoError(t, c.Start(h.ctx, h.config()))
	defer stopAndDrain(t, c)

	require.NoError(t, c.Pause(context.Background()))
	waitFor(t, func() bool { return c.Status().LastDecisionReason == string(risk.Paused) }, "pause not applied")
	assert.True(t, c.Status().Paused)
	assert.Equal(t, StateRunning, c.State())

	require.NoError(t, c.Resume(context.Background()))
	waitFor(t, func() bool { return c.Status().LastDecisionReason != string(risk.Paused) }, "resume not applied")
}

func TestDepositAndWithdraw(t *testing.T) {
	h := newHarness(t, constantProvider(0.1))
	c := h.start(t)
	defer stopAndDrain(t, c)

	require.NoError(t, c.Deposit(context.Background(), decimal.NewFromInt(50)))
	waitFor(t, func() bool { return c.Status().Account.Balance.Equal(decimal.NewFromInt(150)) }, "deposit not applied")

	require.ErrorIs(t, c.Withdraw(context.Background(), decimal.NewFromInt(1000)), account.ErrInsufficientFund)
	require.ErrorIs(t, c.Deposit(context.Background(), decimal.NewFromInt(-1)), account.ErrInvalidAmount)
	require.NoError(t, c.Withdraw(context.Background(), decimal.NewFromInt(20)))
	waitFor(t, func() bool { return c.Status().Account.Balance.Equal(decimal.NewFromInt(130)) }, "withdraw not applied")
}

func TestAmbiguousPlacementBlocksTrading(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.deps.Settings.ReconcileInterval = time.Hour
	h.deps.Settings.DrainTimeout = 100 * time.Millisecond
	h.paper.InjectFault(paper.FaultHang)

	c := h.start(t)
	waitFor(t, func() bool {
		return c.Status().LastDecisionReason == string(risk.Reconciling)
	}, "ambiguous trade did not block trading")

	time.Sleep(100 * time.Millisecond)
	st := c.Status()
	assert.Equal(t, 1, st.Stats.TradesExecuted)
	assert.Equal(t, 1, st.OpenTradeCount)
	active := c.ActiveTrades()
	require.Len(t, active, 1)
	assert.True(t, active[0].Ambiguous)
	assert.Equal(t, string(risk.Reconciling), c.Status().LastDecisionReason)

	stopAndDrain(t, c)
}

func TestAmbiguousPlacementIsConfirmedByReconciliation(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.paper.InjectFault(paper.FaultHang)

	opened, cancel := h.bus.Subscribe(events.EventTradeOpened, 64)
	defer cancel()

	c := h.start(t)
	var hung order.Trade
	select {
	case ev := <-opened:
		hung = ev.(order.Trade)
	case <-time.After(3 * time.Second):
		t.Fatal("no placement observed")
	}
	require.True(t, hung.Ambiguous)

	waitFor(t, func() bool {
		for _, tr := range c.History(0) {
			if tr.ClientRequestID == hung.ClientRequestID {
				return true
			}
		}
		return false
	}, "hung placement never settled")

	stopAndDrain(t, c)
	for _, tr := range c.History(0) {
		if tr.ClientRequestID != hung.ClientRequestID {
			continue
		}
		assert.False(t, tr.Ambiguous)
		assert.NotEmpty(t, tr.BrokerContractID)
		assert.Contains(t, []order.Status{order.StatusWon, order.StatusLost}, tr.Status)
		id, ok := h.paper.ContractForClient(tr.ClientRequestID)
		require.True(t, ok)
		assert.Equal(t, id, tr.BrokerContractID)
	}

	st := c.Status()
	bal, err := h.paper.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Account.Balance.Equal(bal.Amount), "session %s venue %s", st.Account.Balance, bal.Amount)
}

func TestUnplacedTradeErrorsAfterTwoReads(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.use(&noAckBroker{Broker: h.paper})

	c := h.start(t)
	defer stopAndDrain(t, c)

	waitFor(t, func() bool { return len(c.History(0)) >= 2 }, "unplaced trades were not resolved")

	for _, tr := range c.History(0) {
		assert.Equal(t, order.StatusErrored, tr.Status)
		assert.True(t, strings.HasPrefix(tr.Note, "not placed"), tr.Note)
	}
	st := c.Status()
	assert.True(t, st.Account.Balance.Equal(decimal.NewFromInt(100)), "errored trades must not move the balance")
	assert.Zero(t, st.Stats.Wins+st.Stats.Losses)
}

func TestReconcileFailuresStopSession(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	venue := &noAckBroker{Broker: h.paper, readErr: errors.New("portfolio unavailable")}
	h.use(venue)
	h.deps.Settings.DrainTimeout = 100 * time.Millisecond

	alerts, cancel := h.bus.Subscribe(events.EventRiskAlert, 16)
	defer cancel()

	c := h.start(t)
	waitFor(t, func() bool { return c.State() == StateStopped }, "session did not stop")

	st := c.Status()
	assert.True(t, st.Fatal)
	assert.Contains(t, st.LastError, "reconciliation failed")
	assert.Equal(t, 1, st.Stats.TradesExecuted)

	var kinds []string
	for len(alerts) > 0 {
		a := (<-alerts).(events.RiskAlert)
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, events.AlertReconcileFailed)
	assert.Contains(t, kinds, events.AlertFatalStop)

	// The fatal stop arms the drain deadline on its own.
	ctx, cancelWait := context.WithTimeout(context.Background(), time.Second)
	defer cancelWait()
	require.NoError(t, c.Wait(ctx))
	require.Len(t, c.History(0), 1)
	assert.Equal(t, order.StatusErrored, c.History(0)[0].Status)

	// No venue reads after the fatal stop.
	reads := venue.reads.Load()
	assert.Equal(t, int64(c.deps.Settings.ReconcileMaxAttempts), reads)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, reads, venue.reads.Load())

	stopAndDrain(t, c)
}

func TestStatusIsReadyRightAfterStart(t *testing.T) {
	h := newHarness(t, constantProvider(0.1))
	c := h.start(t)
	defer stopAndDrain(t, c)

	st := c.Status()
	require.NotNil(t, st.Account)
	assert.Equal(t, account.ModeDemo, st.Account.Mode)
	assert.Equal(t, "USD", st.Account.Currency)
	assert.True(t, st.Account.Balance.Equal(decimal.NewFromInt(100)), st.Account.Balance.String())
	assert.NotNil(t, st.Stats)
}

func TestRestartWaitsForDrainingSession(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	h.paper = newPaper(t, time.Hour)
	h.use(h.paper)
	h.deps.Policy.MaxConcurrentTrades = 1
	h.deps.Settings.DrainTimeout = 300 * time.Millisecond

	c := h.start(t)
	waitFor(t, func() bool { return c.Status().OpenTradeCount == 1 }, "no open trade")
	require.NoError(t, c.Stop(context.Background()))

	err := c.Start(h.ctx, h.config())
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, StateStopped, c.State())
	assert.False(t, c.Idle())
	assert.Equal(t, 1, c.Status().OpenTradeCount)
	assert.Equal(t, 1, h.paper.OpenContracts())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Wait(ctx))
	assert.True(t, c.Idle())

	require.NoError(t, c.Start(h.ctx, h.config()))
	stopAndDrain(t, c)
}

func TestImmediateStopLeavesBalanceUntouched(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	c := New("trader", h.deps)
	cfg := h.config()
	cfg.CheckIntervalSeconds = 1
	require.NoError(t, c.Start(h.ctx, cfg))
	stopAndDrain(t, c)

	st := c.Status()
	assert.Zero(t, st.Stats.TradesExecuted)
	assert.Empty(t, c.History(0))
	assert.True(t, st.Account.Balance.Equal(decimal.NewFromInt(100)), st.Account.Balance.String())
	bal, err := h.paper.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(decimal.NewFromInt(100)))
	assert.Zero(t, h.paper.OpenContracts())
}

func TestMinSecondsBetweenTrades(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	clock := newManualClock()
	h.deps.Clock = clock.Now
	h.deps.Policy.MinSecondsBetweenTrades = 60
	h.deps.Settings.DeadFeedThreshold = time.Hour

	c := h.start(t)
	settledOnce := func(n int) func() bool {
		return func() bool {
			st := c.Status()
			return st.Stats.TradesExecuted == n && st.OpenTradeCount == 0
		}
	}
	waitFor(t, settledOnce(1), "first trade not settled")

	time.Sleep(100 * time.Millisecond)
	st := c.Status()
	assert.Equal(t, 1, st.Stats.TradesExecuted)
	assert.Equal(t, string(risk.RateLimited), st.LastDecisionReason)

	clock.Advance(59 * time.Second)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.Status().Stats.TradesExecuted)

	clock.Advance(2 * time.Second)
	waitFor(t, settledOnce(2), "second trade not placed after the spacing elapsed")
	stopAndDrain(t, c)

	history := c.History(0)
	require.Len(t, history, 2)
	gap := history[0].OpenedAt.Sub(history[1].OpenedAt)
	assert.GreaterOrEqual(t, gap, 60*time.Second)
}

func TestTradeIntervalIndependentOfCheckInterval(t *testing.T) {
	h := newHarness(t, constantProvider(0.9))
	clock := newManualClock()
	h.deps.Clock = clock.Now
	h.deps.Settings.DeadFeedThreshold = time.Hour

	c := New("trader", h.deps)
	cfg := h.config()
	cfg.TradeIntervalSeconds = 30
	require.NoError(t, c.Start(h.ctx, cfg))

	waitFor(t, func() bool {
		st := c.Status()
		return st.Stats.TradesExecuted == 1 && st.OpenTradeCount == 0
	}, "first trade not settled")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, c.Status().Stats.TradesExecuted)

	// Checks keep running at their own cadence while trades are spaced out.
	require.NoError(t, c.Pause(context.Background()))
	waitFor(t, func() bool { return c.Status().LastDecisionReason == string(risk.Paused) }, "check cycle stalled")
	require.NoError(t, c.Resume(context.Background()))

	clock.Advance(31 * time.Second)
	waitFor(t, func() bool { return c.Status().Stats.TradesExecuted == 2 }, "trade interval never elapsed")
	stopAndDrain(t, c)

	history := c.History(0)
	require.Len(t, history, 2)
	assert.GreaterOrEqual(t, history[0].OpenedAt.Sub(history[1].OpenedAt), 30*time.Second)
}

func TestDailyLossFlagSurvivesEarlierDenials(t *testing.T) {
	dial := &dialStrategy{confidence: 0.9}
	h := newHarness(t, strategy.NewProvider(nil, strategy.Member{Strategy: dial}))
	h.use(losingBroker{Broker: h.paper})
	h.deps.Policy.MaxDailyLoss = decimal.NewFromInt(1)

	c := h.start(t)
	defer stopAndDrain(t, c)

	waitFor(t, func() bool { return c.Status().DailyLossLimitHit }, "breaker never tripped")

	dial.set(0.1)
	waitFor(t, func() bool {
		return c.Status().LastDecisionReason == string(risk.LowConfidence)
	}, "low confidence never reported")
	assert.True(t, c.Status().DailyLossLimitHit)
}
