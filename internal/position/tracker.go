// Package position tracks open trades through to settlement.
package position

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/events"
	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
)

// Defaults for trade expiry.
const (
	DefaultExpiryFactor = 10
	DefaultMinExpiry    = 60 * time.Second
	DefaultTickPeriod   = 2 * time.Second
	DefaultHistory      = 100
)

// Store persists trades as they open and reach a terminal state.
type Store interface {
	SaveTrade(ctx context.Context, t order.Trade) error
}

// Tracker owns the open trades of one session and is the only place that
// applies settled pnl to the account. It is driven by the session loop and is
// not safe for concurrent use.
type Tracker struct {
	acct   *account.State
	active map[string]*order.Trade
	byID   map[string]string // broker contract id -> trade id
	seen   map[string]struct{}
	recent []order.Trade

	HistoryLimit int
	ExpiryFactor int
	MinExpiry    time.Duration
	TickPeriod   time.Duration
	Store        Store
	Bus          *events.Bus
	Clock        func() time.Time

	logger zerolog.Logger
}

// NewTracker creates a tracker applying outcomes to acct.
func NewTracker(userID string, acct *account.State) *Tracker {
	return &Tracker{
		acct:         acct,
		active:       make(map[string]*order.Trade),
		byID:         make(map[string]string),
		seen:         make(map[string]struct{}),
		HistoryLimit: DefaultHistory,
		ExpiryFactor: DefaultExpiryFactor,
		MinExpiry:    DefaultMinExpiry,
		TickPeriod:   DefaultTickPeriod,
		Clock:        time.Now,
		logger:       log.With().Str("component", "tracker").Str("user", userID).Logger(),
	}
}

// Register adds a freshly placed trade to the active set and reserves its stake.
func (t *Tracker) Register(tr order.Trade) {
	if _, ok := t.active[tr.ID]; ok {
		return
	}
	c := tr
	t.active[tr.ID] = &c
	if tr.BrokerContractID != "" {
		t.byID[tr.BrokerContractID] = tr.ID
		t.seen[tr.BrokerContractID] = struct{}{}
	}
	t.acct.Open(tr.Request.Stake)
	t.save(c)
}

// Confirm attaches the venue contract found by reconciliation to an ambiguous trade.
func (t *Tracker) Confirm(tradeID string, rec broker.ContractRecord) (order.Trade, bool) {
	tr, ok := t.active[tradeID]
	if !ok {
		return order.Trade{}, false
	}
	tr.Ambiguous = false
	tr.BrokerContractID = rec.ContractID
	if rec.BuyPrice.IsPositive() {
		tr.BuyPrice = rec.BuyPrice
	}
	tr.Note = "confirmed by reconciliation"
	t.byID[rec.ContractID] = tr.ID
	t.seen[rec.ContractID] = struct{}{}
	t.save(*tr)
	return *tr, true
}

// Apply transitions the trade owning st's contract. Non-final statuses,
// unknown contracts and already settled trades are ignored, so a settlement
// delivered twice changes nothing the second time.
func (t *Tracker) Apply(st broker.ContractStatus) (order.Trade, bool) {
	if !st.Settled() {
		return order.Trade{}, false
	}
	id, ok := t.byID[st.ContractID]
	if !ok {
		return order.Trade{}, false
	}
	tr, ok := t.active[id]
	if !ok {
		return order.Trade{}, false
	}

	stake := tr.Request.Stake
	var (
		status  order.Status
		outcome account.Outcome
		pnl     decimal.Decimal
	)
	if st.State == broker.ContractWon {
		status, outcome = order.StatusWon, account.OutcomeWon
		pnl = st.Profit
		if !pnl.IsPositive() {
			pnl = st.Payout.Sub(stake)
		}
	} else {
		status, outcome = order.StatusLost, account.OutcomeLost
		pnl = stake.Neg()
		if st.Profit.IsNegative() {
			pnl = st.Profit
		}
	}
	at := st.SettledAt
	if at.IsZero() {
		at = t.Clock().UTC()
	}
	if st.Payout.IsPositive() {
		tr.Payout = st.Payout
	}
	return t.finish(tr, status, outcome, pnl, at, ""), true
}

// Fail marks a trade ERRORED. It contributes no pnl.
func (t *Tracker) Fail(tradeID, note string) (order.Trade, bool) {
	tr, ok := t.active[tradeID]
	if !ok {
		return order.Trade{}, false
	}
	return t.finish(tr, order.StatusErrored, account.OutcomeErrored, decimal.Zero, t.Clock().UTC(), note), true
}

// Deadline is the time after which a pending trade is considered lost track of.
func (t *Tracker) Deadline(tr order.Trade) time.Time {
	expected := broker.UnitDuration(tr.Request.Duration, tr.Request.DurationUnit, t.TickPeriod)
	bound := expected * time.Duration(t.ExpiryFactor)
	if bound < t.MinExpiry {
		bound = t.MinExpiry
	}
	return tr.OpenedAt.Add(bound)
}

// ExpireStale marks every trade past its deadline ERRORED.
func (t *Tracker) ExpireStale(now time.Time) []order.Trade {
	var expired []order.Trade
	for _, id := range t.sortedIDs() {
		tr := t.active[id]
		if now.Before(t.Deadline(*tr)) {
			continue
		}
		note := "no settlement observed before deadline"
		if tr.Ambiguous {
			note = "ambiguous placement never reconciled"
		}
		expired = append(expired, t.finish(tr, order.StatusErrored, account.OutcomeErrored, decimal.Zero, now.UTC(), note))
	}
	return expired
}

func (t *Tracker) finish(tr *order.Trade, status order.Status, outcome account.Outcome, pnl decimal.Decimal, at time.Time, note string) order.Trade {
	tr.Status = status
	tr.SettledAt = &at
	p := pnl
	tr.PnL = &p
	if note != "" {
		tr.Note = note
	}

	t.acct.Settle(tr.Request.Stake, pnl, outcome)
	delete(t.active, tr.ID)
	if tr.BrokerContractID != "" {
		delete(t.byID, tr.BrokerContractID)
	}

	done := *tr
	t.recent = append(t.recent, done)
	if over := len(t.recent) - t.HistoryLimit; over > 0 {
		t.recent = append([]order.Trade(nil), t.recent[over:]...)
	}
	t.save(done)

	ev := t.logger.Info()
	if status == order.StatusErrored {
		ev = t.logger.Warn().Str("note", done.Note)
	}
	ev.Str("trade", done.ID).
		Str("contract", done.BrokerContractID).
		Str("status", string(status)).
		Str("pnl", pnl.StringFixed(2)).
		Str("balance", t.acct.Balance().StringFixed(2)).
		Msg("trade closed")
	t.Bus.Publish(events.EventTradeSettled, done)
	return done
}

func (t *Tracker) save(tr order.Trade) {
	if t.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.Store.SaveTrade(ctx, tr); err != nil {
		t.logger.Error().Err(err).Str("trade", tr.ID).Msg("persist trade failed")
	}
}

func (t *Tracker) sortedIDs() []string {
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.active[ids[i]], t.active[ids[j]]
		if a.OpenedAt.Equal(b.OpenedAt) {
			return a.ID < b.ID
		}
		return a.OpenedAt.Before(b.OpenedAt)
	})
	return ids
}

// Active returns copies of the pending trades, oldest first.
func (t *Tracker) Active() []order.Trade {
	out := make([]order.Trade, 0, len(t.active))
	for _, id := range t.sortedIDs() {
		out = append(out, *t.active[id])
	}
	return out
}

// Pending is the number of open trades.
func (t *Tracker) Pending() int { return len(t.active) }

// Unresolved returns the oldest ambiguous trade, if any.
func (t *Tracker) Unresolved() (order.Trade, bool) {
	for _, id := range t.sortedIDs() {
		if tr := t.active[id]; tr.Ambiguous {
			return *tr, true
		}
	}
	return order.Trade{}, false
}

// History returns up to limit terminal trades, newest first.
func (t *Tracker) History(limit int) []order.Trade {
	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]order.Trade, 0, limit)
	for i := len(t.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.recent[i])
	}
	return out
}

// Known reports whether the session has ever tracked the venue contract.
func (t *Tracker) Known(contractID string) bool {
	_, ok := t.seen[contractID]
	return ok
}
