package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/internal/account"
	"digit-trader/internal/order"
	"digit-trader/internal/strategy"
	"digit-trader/pkg/broker"
)

var noon = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestGate(p Policy, now *time.Time) *Gate {
	g := NewGate(p)
	g.Clock = func() time.Time { return *now }
	return g
}

func signal(conf float64) strategy.Signal {
	return strategy.Signal{StrategyID: "s", Prediction: "EVEN", Confidence: conf, ContractType: broker.DigitEven}
}

func request(stake string) order.TradeRequest {
	return order.TradeRequest{ContractType: broker.DigitEven, Symbol: "R_100", Stake: dec(stake), Duration: 1, DurationUnit: "t", Prediction: "EVEN"}
}

func healthy() account.Snapshot {
	return account.Snapshot{Mode: account.ModeDemo, Balance: dec("100"), Currency: "USD"}
}

func TestAuthorizeScenarios(t *testing.T) {
	now := noon
	g := newTestGate(DefaultPolicy(), &now)

	tests := []struct {
		name   string
		conf   float64
		stake  string
		acct   func(account.Snapshot) account.Snapshot
		policy func(Policy) Policy
		want   Reason
	}{
		{name: "low confidence", conf: 0.65, stake: "1", want: LowConfidence},
		{name: "allowed at threshold", conf: 0.7, stake: "1", want: Allowed},
		{
			name: "rate limited", conf: 0.9, stake: "1", want: RateLimited,
			acct: func(a account.Snapshot) account.Snapshot { a.LastTradeAt = noon.Add(-10 * time.Second); return a },
		},
		{
			name: "spacing elapsed", conf: 0.9, stake: "1", want: Allowed,
			acct: func(a account.Snapshot) account.Snapshot { a.LastTradeAt = noon.Add(-30 * time.Second); return a },
		},
		{
			name: "max concurrent", conf: 0.9, stake: "1", want: MaxConcurrentReached,
			acct: func(a account.Snapshot) account.Snapshot { a.PendingTrades = 3; return a },
		},
		{name: "over max stake", conf: 0.9, stake: "10.01", want: InsufficientFunds},
		{
			name:   "over balance", conf: 0.9, stake: "5", want: InsufficientFunds,
			acct:   func(a account.Snapshot) account.Snapshot { a.Balance = dec("3"); return a },
			policy: func(p Policy) Policy { p.MaxStakePerTrade = dec("5"); return p },
		},
		{
			name: "consecutive losses", conf: 0.9, stake: "1", want: ConsecutiveLossLimit,
			acct: func(a account.Snapshot) account.Snapshot { a.ConsecutiveLosses = 5; return a },
		},
		{
			name: "first failing check wins", conf: 0.1, stake: "50", want: LowConfidence,
			acct: func(a account.Snapshot) account.Snapshot { a.PendingTrades = 9; a.ConsecutiveLosses = 9; return a },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := g
			if tt.policy != nil {
				gate = newTestGate(tt.policy(DefaultPolicy()), &now)
			}
			acct := healthy()
			if tt.acct != nil {
				acct = tt.acct(acct)
			}
			d := gate.Authorize(signal(tt.conf), request(tt.stake), acct)
			assert.Equal(t, tt.want, d.Reason, d.Detail)
			assert.Equal(t, tt.want == Allowed, d.Allowed)
			if d.Allowed {
				require.NotNil(t, d.Request)
				assert.True(t, d.Request.Stake.Equal(dec(tt.stake)))
			} else {
				assert.Nil(t, d.Request)
				assert.NotEmpty(t, d.Detail)
			}
		})
	}
}

func TestAuthorizeHasNoSideEffects(t *testing.T) {
	now := noon
	g := newTestGate(DefaultPolicy(), &now)
	acct := healthy()
	for i := 0; i < 3; i++ {
		d := g.Authorize(signal(0.9), request("1"), acct)
		if !d.Allowed {
			t.Fatalf("call %d denied: %s", i, d.Reason)
		}
	}
}

func TestDailyLossBreakerLatches(t *testing.T) {
	now := noon
	p := DefaultPolicy()
	p.MaxDailyLoss = dec("10")
	g := newTestGate(p, &now)

	assert.False(t, g.RecordSettlement(dec("-6"), now))
	assert.True(t, g.RecordSettlement(dec("-4"), now), "loss equal to the limit trips")
	assert.Equal(t, DailyLossLimit, g.Authorize(signal(0.99), request("1"), healthy()).Reason)

	// A later win improves the figure but the breaker stays latched.
	assert.False(t, g.RecordSettlement(dec("8"), now))
	assert.True(t, g.Breaker().DailyLoss(now).Equal(dec("2")))
	assert.Equal(t, DailyLossLimit, g.Authorize(signal(0.99), request("1"), healthy()).Reason)

	now = time.Date(2026, 5, 5, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, Allowed, g.Authorize(signal(0.99), request("1"), healthy()).Reason, "UTC midnight re-arms")
	assert.True(t, g.Breaker().DailyLoss(now).IsZero())
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(dec("1"))
	require.True(t, b.Record(dec("-1"), noon))
	require.True(t, b.Tripped(noon))
	b.Reset()
	assert.False(t, b.Tripped(noon))
	assert.True(t, b.DailyPnL(noon).IsZero())
}

func TestBreakerUsesUTCDay(t *testing.T) {
	tz := time.FixedZone("UTC+8", 8*3600)
	b := NewBreaker(dec("5"))
	// 23:00 UTC on May 4 is already May 5 locally; the UTC day decides.
	late := time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC)
	b.Record(dec("-5"), late.In(tz))
	assert.True(t, b.Tripped(time.Date(2026, 5, 4, 23, 59, 0, 0, time.UTC)))
	assert.False(t, b.Tripped(time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)))
}
