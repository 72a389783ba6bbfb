package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/events"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/internal/position"
	"digit-trader/internal/reconciliation"
	"digit-trader/internal/risk"
	"digit-trader/internal/staking"
	"digit-trader/internal/strategy"
	"digit-trader/pkg/broker"
)

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdDeposit
	cmdWithdraw
)

type command struct {
	kind   commandKind
	amount decimal.Decimal
	reply  chan error
}

// view is the read-only picture of a session published after every event.
type view struct {
	Account      account.Snapshot
	Stats        risk.SessionMetrics
	Active       []order.Trade
	History      []order.Trade
	Ticks        []market.Tick
	LastDecision *risk.Decision
	LastError    string
	Fatal        bool
	Paused       bool

	DailyLossLimitHit bool
}

// session is one run of the trading loop. Every field below the channels is
// owned by the loop goroutine.
type session struct {
	id        string
	userID    string
	cfg       StartConfig
	settings  Settings
	startedAt time.Time
	now       func() time.Time
	bus       *events.Bus
	logger    zerolog.Logger

	feed    <-chan market.Event
	unsub   func()
	updates chan position.Update
	audits  chan reconciliation.Report
	cmds    chan command
	stopCh  chan struct{}
	stopped chan struct{} // closed when the session reaches STOPPED
	done    chan struct{} // closed when the loop has drained and exited
	onState func(from, to State, reason string)

	acct     *account.State
	gate     *risk.Gate
	metrics  *risk.SessionMetrics
	sizer    *staking.Sizer
	provider *strategy.Provider
	exec     *order.Executor
	tracker  *position.Tracker
	watcher  *position.Watcher
	recon    *reconciliation.Service
	window   *market.Window

	paused         bool
	stopping       bool
	fatal          bool
	lastTickAt     time.Time
	lastAttempt    time.Time
	lastDecision   *risk.Decision
	lastError      string
	day            string
	reconTrade     string
	reconNegatives int
	reconFailures  int
	auditing       bool
	drainTimer     *time.Timer

	viewMu sync.RWMutex
	view   view
}

func (s *session) snapshot() view {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

func (s *session) publish() {
	v := view{
		Account:      s.acct.Snapshot(),
		Stats:        s.metrics.Copy(),
		Active:       s.tracker.Active(),
		History:      s.tracker.History(s.settings.HistoryTrades),
		Ticks:        s.window.Tail(s.settings.HistoryTicks),
		LastDecision: s.lastDecision,
		LastError:    s.lastError,
		Fatal:        s.fatal,
		Paused:       s.paused,

		DailyLossLimitHit: s.gate.Breaker().Tripped(s.now()),
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

func (s *session) requestStop() {
	select {
	case s.stopCh <- struct{}{}:
	default:
	}
}

// run is the session loop. Ticks, settlements, commands and timers are all
// handled here, one at a time.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer s.unsub()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()

	check := time.NewTicker(s.cfg.CheckInterval())
	defer check.Stop()
	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()
	reconcile := time.NewTicker(s.settings.ReconcileInterval)
	defer reconcile.Stop()
	audit := time.NewTicker(s.settings.AuditInterval)
	defer audit.Stop()

	defer func() {
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
	}()

	feed := s.feed
	s.publish()

	for {
		select {
		case ev, ok := <-feed:
			if !ok {
				feed = nil
				continue
			}
			s.onFeed(ev)

		case u := <-s.updates:
			if tr, ok := s.tracker.Apply(u.Status); ok {
				s.afterTerminal(tr)
			}

		case cmd := <-s.cmds:
			cmd.reply <- s.onCommand(cmd)

		case rep := <-s.audits:
			s.auditing = false
			s.acct.ObserveBroker(rep.Balance)

		case <-check.C:
			if !s.stopping {
				s.cycle(ctx, watchCtx)
			}

		case <-reconcile.C:
			s.reconcile(ctx, watchCtx)

		case <-housekeeping.C:
			s.housekeeping()

		case <-audit.C:
			s.startAudit(ctx)

		case <-s.stopCh:
			if !s.stopping {
				s.beginStop("stop requested")
			}

		case <-s.drainDeadline():
			for _, tr := range s.tracker.Active() {
				if done, ok := s.tracker.Fail(tr.ID, "session ended before settlement"); ok {
					s.afterTerminal(done)
				}
			}

		case <-ctx.Done():
			if !s.stopping {
				s.beginStop("shutdown")
			}
			s.publish()
			return
		}

		s.publish()
		if s.stopping && s.tracker.Pending() == 0 {
			s.logger.Info().Msg("session drained")
			return
		}
	}
}

// beginStop moves the controller to STOPPED and arms the drain deadline.
// Open trades keep being tracked until they settle or the deadline passes.
func (s *session) beginStop(reason string) {
	s.stopping = true
	s.drainTimer = time.NewTimer(s.settings.DrainTimeout)
	s.onState(StateRunning, StateStopping, reason)
	s.onState(StateStopping, StateStopped, reason)
	close(s.stopped)
	s.logger.Info().Str("reason", reason).Int("open_trades", s.tracker.Pending()).Msg("session stopped")
}

func (s *session) drainDeadline() <-chan time.Time {
	if s.drainTimer == nil {
		return nil
	}
	return s.drainTimer.C
}

func (s *session) onFeed(ev market.Event) {
	s.window.Apply(ev)
	switch ev.Kind {
	case market.KindTick:
		s.lastTickAt = s.now()
	case market.KindGap:
		s.logger.Warn().Str("reason", ev.Gap.Reason).Msg("feed gap, window reset")
	}
}

func (s *session) onCommand(cmd command) error {
	switch cmd.kind {
	case cmdPause:
		if s.stopping {
			return ErrNotRunning
		}
		s.paused = true
		s.logger.Info().Msg("trading paused")
	case cmdResume:
		if s.stopping {
			return ErrNotRunning
		}
		s.paused = false
		s.logger.Info().Msg("trading resumed")
	case cmdDeposit, cmdWithdraw:
		var err error
		if cmd.kind == cmdDeposit {
			err = s.acct.Deposit(cmd.amount)
		} else {
			err = s.acct.Withdraw(cmd.amount)
		}
		if err != nil {
			return err
		}
		s.publishBalance()
	}
	return nil
}

func (s *session) decide(d risk.Decision) {
	s.lastDecision = &d
	s.metrics.RecordDecision(d)
	s.bus.Publish(events.EventDecision, d)
	if !d.Allowed {
		s.logger.Debug().Str("reason", string(d.Reason)).Str("detail", d.Detail).Msg("trade denied")
	}
}

// cycle runs one decision: signal, gate, and placement when allowed.
func (s *session) cycle(ctx, watchCtx context.Context) {
	now := s.now()
	if s.paused {
		s.decide(risk.Deny(risk.Paused, "trading paused", now))
		return
	}
	if tr, ok := s.tracker.Unresolved(); ok {
		s.decide(risk.Deny(risk.Reconciling, fmt.Sprintf("trade %s awaiting reconciliation", tr.ID), now))
		return
	}
	if s.lastTickAt.IsZero() {
		s.decide(risk.Deny(risk.FeedStale, "no ticks received yet", now))
		return
	}
	if quiet := now.Sub(s.lastTickAt); quiet > s.settings.DeadFeedThreshold {
		s.decide(risk.Deny(risk.FeedStale, fmt.Sprintf("no ticks for %s", quiet.Truncate(time.Second)), now))
		return
	}
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.TradeInterval() {
		return
	}

	sig := s.provider.Evaluate(ctx, s.window.Ticks(), strategy.EvalConfig{
		ContractType:  s.cfg.ContractType,
		Barrier:       s.cfg.Barrier,
		DurationTicks: s.durationTicks(),
		Now:           now,
	})
	req := s.buildRequest(sig)
	d := s.gate.Authorize(sig, req, s.acct.Snapshot())
	s.decide(d)
	if !d.Allowed {
		return
	}

	s.lastAttempt = now
	s.place(ctx, watchCtx, *d.Request)
}

func (s *session) durationTicks() int {
	if s.cfg.DurationUnit == broker.UnitTicks {
		return s.cfg.Duration
	}
	return int(broker.UnitDuration(s.cfg.Duration, s.cfg.DurationUnit, s.settings.TickPeriod) / s.settings.TickPeriod)
}

func (s *session) buildRequest(sig strategy.Signal) order.TradeRequest {
	ct := sig.ContractType
	if ct == "" {
		ct = s.cfg.ContractType
	}
	barrier := ""
	if ct.NeedsBarrier() {
		barrier = sig.Barrier
		if barrier == "" {
			barrier = s.cfg.Barrier
		}
	}
	return order.TradeRequest{
		ContractType: ct,
		Symbol:       s.cfg.Symbol,
		Stake:        s.sizer.Stake(sig.Confidence, sig.Stake),
		Duration:     s.cfg.Duration,
		DurationUnit: s.cfg.DurationUnit,
		Barrier:      barrier,
		Prediction:   sig.Prediction,
		StrategyID:   sig.StrategyID,
		Confidence:   sig.Confidence,
	}
}

// place submits an authorized request. The call is detached from ctx so a
// stop or shutdown never aborts a submitted order.
func (s *session) place(ctx, watchCtx context.Context, req order.TradeRequest) {
	tr, err := s.exec.Place(context.WithoutCancel(ctx), req)
	if err != nil {
		s.lastError = err.Error()
		return
	}
	s.lastError = ""
	s.tracker.Register(tr)
	s.metrics.RecordPlacement()
	if tr.Ambiguous {
		s.reconTrade, s.reconNegatives, s.reconFailures = tr.ID, 0, 0
		s.lastError = "placement unacknowledged, reconciling"
		return
	}
	s.acct.MarkTraded(tr.OpenedAt)
	s.watcher.Watch(watchCtx, tr)
}

// reconcile resolves the oldest ambiguous trade with one venue read.
func (s *session) reconcile(ctx, watchCtx context.Context) {
	if s.fatal {
		return
	}
	tr, ok := s.tracker.Unresolved()
	if !ok {
		return
	}
	if tr.ID != s.reconTrade {
		s.reconTrade, s.reconNegatives, s.reconFailures = tr.ID, 0, 0
	}

	res, err := s.recon.Resolve(ctx, tr, s.tracker.Known)
	if err != nil {
		s.reconFailures++
		s.logger.Warn().Err(err).Str("trade", tr.ID).Int("attempt", s.reconFailures).Msg("reconciliation read failed")
		s.bus.Publish(events.EventRiskAlert, events.RiskAlert{
			UserID:  s.userID, Kind: events.AlertReconcileFailed, Time: s.now(),
			Message: fmt.Sprintf("reconciliation of trade %s failed (%d/%d): %v", tr.ID, s.reconFailures, s.settings.ReconcileMaxAttempts, err),
		})
		if s.reconFailures >= s.settings.ReconcileMaxAttempts && !s.fatal {
			s.fail(fmt.Sprintf("reconciliation failed %d times for trade %s", s.reconFailures, tr.ID))
		}
		return
	}
	s.reconFailures = 0

	switch res.Verdict {
	case reconciliation.Placed:
		confirmed, ok := s.tracker.Confirm(tr.ID, res.Record)
		if !ok {
			return
		}
		s.reconNegatives = 0
		s.lastError = ""
		s.acct.MarkTraded(confirmed.OpenedAt)
		s.watcher.Watch(watchCtx, confirmed)
	case reconciliation.NotPlaced:
		s.reconNegatives++
		if s.reconNegatives < 2 {
			return
		}
		s.reconNegatives = 0
		if done, ok := s.tracker.Fail(tr.ID, "not placed: venue has no matching contract"); ok {
			s.lastError = ""
			s.afterTerminal(done)
		}
	}
}

// fail stops the session with a fatal status.
func (s *session) fail(reason string) {
	s.fatal = true
	s.lastError = reason
	s.logger.Error().Str("reason", reason).Msg("fatal, stopping session")
	s.bus.Publish(events.EventRiskAlert, events.RiskAlert{UserID: s.userID, Kind: events.AlertFatalStop, Message: reason, Time: s.now()})
	if !s.stopping {
		s.beginStop(reason)
	}
}

func (s *session) afterTerminal(tr order.Trade) {
	outcome := account.OutcomeErrored
	switch tr.Status {
	case order.StatusWon:
		outcome = account.OutcomeWon
	case order.StatusLost:
		outcome = account.OutcomeLost
	}
	pnl := tr.RealizedPnL()
	s.metrics.RecordSettlement(outcome, pnl, s.acct.Balance())
	s.sizer.Record(outcome)

	if outcome != account.OutcomeErrored {
		at := s.now()
		if tr.SettledAt != nil {
			at = *tr.SettledAt
		}
		if s.gate.RecordSettlement(pnl, at) {
			msg := fmt.Sprintf("daily loss %s reached limit %s", s.gate.Breaker().DailyLoss(at).StringFixed(2), s.gate.Policy().MaxDailyLoss.StringFixed(2))
			s.logger.Warn().Msg("circuit breaker tripped: " + msg)
			s.bus.Publish(events.EventRiskAlert, events.RiskAlert{UserID: s.userID, Kind: events.AlertCircuitBreaker, Message: msg, Time: at})
		}
	}
	if outcome == account.OutcomeLost {
		if n := s.acct.Snapshot().ConsecutiveLosses; n == s.gate.Policy().MaxConsecutiveLosses {
			s.bus.Publish(events.EventRiskAlert, events.RiskAlert{
				UserID:  s.userID, Kind: events.AlertConsecutiveLoss, Time: s.now(),
				Message: fmt.Sprintf("%d consecutive losses", n),
			})
		}
	}
	s.publishBalance()
}

func (s *session) housekeeping() {
	now := s.now()
	if day := now.UTC().Format("2006-01-02"); day != s.day {
		if s.day != "" {
			s.metrics.ResetDaily()
			s.logger.Info().Str("day", day).Msg("daily figures reset")
		}
		s.day = day
	}
	for _, tr := range s.tracker.ExpireStale(now) {
		s.afterTerminal(tr)
	}
}

// startAudit compares the venue with the session in the background and
// reports back through the audits channel.
func (s *session) startAudit(ctx context.Context) {
	if s.auditing {
		return
	}
	known := make(map[string]bool)
	for _, tr := range s.tracker.Active() {
		known[tr.BrokerContractID] = true
	}
	for _, tr := range s.tracker.History(0) {
		known[tr.BrokerContractID] = true
	}
	snap := s.acct.Snapshot()
	expected := snap.Balance.Sub(snap.OpenExposure)
	since := s.startedAt
	s.auditing = true

	go func() {
		rep, err := s.recon.Audit(ctx, since, func(id string) bool { return known[id] }, expected)
		if err != nil {
			s.logger.Debug().Err(err).Msg("audit failed")
			rep.Balance = expected
		}
		select {
		case s.audits <- rep:
		case <-ctx.Done():
		}
	}()
}

func newSessionID() string { return uuid.NewString() }

func (s *session) publishBalance() {
	snap := s.acct.Snapshot()
	s.bus.Publish(events.EventBalanceChange, events.BalanceChange{
		UserID:       s.userID,
		Mode:         string(snap.Mode),
		Currency:     snap.Currency,
		Balance:      snap.Balance,
		OpenExposure: snap.OpenExposure,
	})
}
