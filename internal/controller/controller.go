// Package controller runs one automated trading session per user.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
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

// State is the controller lifecycle state.
type State string

const (
	StateStopped  State = "STOPPED"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// BrokerSource resolves the venue connection a user trades on.
type BrokerSource func(ctx context.Context, userID string, mode account.Mode) (broker.Broker, error)

// Warmup returns recent ticks used to pre-fill a new session's window.
type Warmup func(ctx context.Context, symbol string, n int) ([]market.Tick, error)

// Deps are the collaborators shared by every controller.
type Deps struct {
	Broker     BrokerSource
	Feed       *market.Feed
	Bus        *events.Bus
	Strategies strategy.ConfigFile
	Build      strategy.BuildOptions
	Provider   *strategy.Provider // overrides Strategies when set
	Policy     risk.Policy
	Trades     position.Store
	Journal    order.Journal
	Warmup     Warmup
	Settings   Settings
	Clock      func() time.Time
}

// Status is the externally visible state of a controller.
type Status struct {
	State              State                `json:"state"`
	IsRunning          bool                 `json:"is_running"`
	Paused             bool                 `json:"paused"`
	SessionID          string               `json:"session_id,omitempty"`
	StartedAt          *time.Time           `json:"started_at,omitempty"`
	Config             *StartConfig         `json:"config,omitempty"`
	LastDecisionReason string               `json:"last_decision_reason,omitempty"`
	LastDecisionDetail string               `json:"last_decision_detail,omitempty"`
	LastError          string               `json:"last_error,omitempty"`
	Fatal              bool                 `json:"fatal"`
	OpenTradeCount     int                  `json:"open_trade_count"`
	Account            *account.Snapshot    `json:"account_snapshot,omitempty"`
	Stats              *risk.SessionMetrics `json:"stats,omitempty"`
	DailyLossLimitHit  bool                 `json:"daily_loss_limit_hit"`
}

// Controller owns the trading lifecycle of one user. Start and Stop are
// serialized; everything else reads the current session's published view.
type Controller struct {
	userID string
	deps   Deps

	startMu sync.Mutex
	mu      sync.RWMutex
	state   State
	sess    *session
	last    *session // most recent session, kept for status after stop
}

// New creates a stopped controller for userID.
func New(userID string, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Policy.MaxConcurrentTrades == 0 {
		deps.Policy = risk.DefaultPolicy()
	}
	deps.Settings = deps.Settings.withDefaults()
	return &Controller{userID: userID, deps: deps, state: StateStopped}
}

// UserID returns the owner of the controller.
func (c *Controller) UserID() string { return c.userID }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(from, to State, reason string) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	log.Info().Str("component", "controller").Str("user", c.userID).
		Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("state change")
	c.deps.Bus.Publish(events.EventSessionState, events.StateChange{UserID: c.userID, From: string(from), To: string(to), Reason: reason})
}

// Start validates cfg, builds a fresh session and starts its loop. ctx bounds
// the lifetime of the loop, not just the call.
func (c *Controller) Start(ctx context.Context, cfg StartConfig) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if st := c.State(); st != StateStopped {
		return fmt.Errorf("%w: controller is %s", ErrAlreadyRunning, st)
	}
	if !c.drained() {
		return fmt.Errorf("%w: previous session is still draining open trades", ErrAlreadyRunning)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s, err := c.newSession(ctx, cfg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.sess, c.last = s, s
	c.mu.Unlock()
	c.setState(StateStopped, StateRunning, "started")

	go s.run(ctx)
	return nil
}

func (c *Controller) newSession(ctx context.Context, cfg StartConfig) (*session, error) {
	set := c.deps.Settings
	policy := c.deps.Policy.With(cfg.Risk)
	if cfg.MinConfidence != nil {
		policy.MinConfidence = *cfg.MinConfidence
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	provider, err := c.provider(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	sizer, err := staking.NewSizer(staking.Config{
		Mode:        cfg.StakeMode,
		Base:        cfg.FixedStakeAmount,
		Min:         policy.MinStake,
		Max:         policy.MaxStakePerTrade,
		Progression: cfg.StakeProgression,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if c.deps.Broker == nil || c.deps.Feed == nil {
		return nil, errors.New("controller has no broker or feed")
	}
	b, err := c.deps.Broker(ctx, c.userID, cfg.AccountMode)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	balCtx, cancel := context.WithTimeout(ctx, set.CallTimeout)
	bal, err := b.Balance(balCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}

	id := newSessionID()
	now := c.deps.Clock
	acct := account.NewState(cfg.AccountMode, bal.Currency, bal.Amount)

	gate := risk.NewGate(policy)
	gate.Clock = now

	exec := order.NewExecutor(c.userID, b, set.PlacementTimeout)
	exec.Currency = bal.Currency
	exec.Bus = c.deps.Bus
	exec.Journal = c.deps.Journal
	exec.Clock = now

	tracker := position.NewTracker(c.userID, acct)
	tracker.HistoryLimit = set.HistoryTrades
	tracker.TickPeriod = set.TickPeriod
	tracker.Store = c.deps.Trades
	tracker.Bus = c.deps.Bus
	tracker.Clock = now

	updates := make(chan position.Update, 16)
	watcher := position.NewWatcher(b, updates, set.PollInterval)
	watcher.CallTimeout = set.CallTimeout

	window := market.NewWindow(set.WindowSize)
	if c.deps.Warmup != nil {
		ticks, err := c.deps.Warmup(ctx, cfg.Symbol, set.WindowSize)
		if err != nil {
			log.Warn().Err(err).Str("component", "controller").Str("user", c.userID).Msg("window warm-up failed")
		}
		for _, t := range ticks {
			window.Push(t)
		}
	}

	feed, unsub := c.deps.Feed.Subscribe(ctx, cfg.Symbol)

	s := &session{
		id:        id,
		userID:    c.userID,
		cfg:       cfg,
		settings:  set,
		startedAt: now(),
		now:       now,
		bus:       c.deps.Bus,
		logger:    log.With().Str("component", "session").Str("user", c.userID).Str("session", id).Logger(),
		feed:      feed,
		unsub:     unsub,
		updates:   updates,
		audits:    make(chan reconciliation.Report, 1),
		cmds:      make(chan command),
		stopCh:    make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		onState:   c.setState,
		acct:      acct,
		gate:      gate,
		metrics:   risk.NewSessionMetrics(bal.Amount),
		sizer:     sizer,
		provider:  provider,
		exec:      exec,
		tracker:   tracker,
		watcher:   watcher,
		recon:     reconciliation.NewService(b, set.CallTimeout),
		window:    window,
	}
	s.logger.Info().
		Str("contract_type", string(cfg.ContractType)).
		Str("symbol", cfg.Symbol).
		Str("mode", string(cfg.AccountMode)).
		Strs("strategies", provider.Strategies()).
		Str("balance", bal.Amount.StringFixed(2)).
		Msg("session starting")
	s.publish()
	return s, nil
}

func (c *Controller) provider(cfg StartConfig) (*strategy.Provider, error) {
	p := c.deps.Provider
	if p == nil {
		file := c.deps.Strategies
		if len(cfg.Strategies) > 0 {
			file.Strategies = cfg.Strategies
		}
		if len(file.Strategies) == 0 {
			file = strategy.DefaultConfigFile()
		}
		if cfg.Aggregation != "" {
			file.Aggregation = cfg.Aggregation
		}
		var err error
		if p, err = strategy.Build(file, c.deps.Build); err != nil {
			return nil, err
		}
	}
	return p.For(cfg.ContractType)
}

// Stop ends the running session. Open trades keep being tracked until they
// settle or expire. Stopping a stopped controller succeeds.
func (c *Controller) Stop(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return nil
	}

	s.requestStop()
	select {
	case <-s.stopped:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	c.mu.Unlock()
	return nil
}

// Wait blocks until the most recent session has drained its open trades.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.RLock()
	s := c.last
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return ErrNotRunning
	}
	cmd.reply = make(chan error, 1)
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause keeps the session running but denies every new trade.
func (c *Controller) Pause(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdPause})
}

// Resume lifts a pause.
func (c *Controller) Resume(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdResume})
}

// Deposit credits the session balance. DEMO accounts only.
func (c *Controller) Deposit(ctx context.Context, amount decimal.Decimal) error {
	if err := c.demoOnly(); err != nil {
		return err
	}
	return c.send(ctx, command{kind: cmdDeposit, amount: amount})
}

// Withdraw debits the session balance. DEMO accounts only.
func (c *Controller) Withdraw(ctx context.Context, amount decimal.Decimal) error {
	if err := c.demoOnly(); err != nil {
		return err
	}
	return c.send(ctx, command{kind: cmdWithdraw, amount: amount})
}

// ErrLiveAccount rejects balance adjustments on real-money sessions.
var ErrLiveAccount = errors.New("balance adjustments are only allowed on DEMO accounts")

func (c *Controller) demoOnly() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess != nil && c.sess.cfg.AccountMode == account.ModeLive {
		return ErrLiveAccount
	}
	return nil
}

// Status reports the lifecycle state plus the latest session view.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{State: c.state, IsRunning: c.state == StateRunning}
	s := c.last
	c.mu.RUnlock()
	if s == nil {
		return st
	}

	v := s.snapshot()
	started := s.startedAt
	cfg := s.cfg
	st.SessionID = s.id
	st.StartedAt = &started
	st.Config = &cfg
	st.Paused = v.Paused
	st.LastError = v.LastError
	st.Fatal = v.Fatal
	st.OpenTradeCount = len(v.Active)
	st.Account = &v.Account
	st.Stats = &v.Stats
	st.DailyLossLimitHit = v.DailyLossLimitHit
	if d := v.LastDecision; d != nil {
		st.LastDecisionReason = string(d.Reason)
		st.LastDecisionDetail = d.Detail
	}
	return st
}

// ActiveTrades returns the open trades of the latest session.
func (c *Controller) ActiveTrades() []order.Trade {
	if s := c.latest(); s != nil {
		return s.snapshot().Active
	}
	return nil
}

// History returns recent terminal trades, newest first.
func (c *Controller) History(limit int) []order.Trade {
	s := c.latest()
	if s == nil {
		return nil
	}
	h := s.snapshot().History
	if limit > 0 && limit < len(h) {
		h = h[:limit]
	}
	return h
}

// Ticks returns the newest ticks seen by the latest session.
func (c *Controller) Ticks() []market.Tick {
	if s := c.latest(); s != nil {
		return s.snapshot().Ticks
	}
	return nil
}

// Idle reports whether the controller is stopped with nothing left to drain.
func (c *Controller) Idle() bool {
	return c.State() == StateStopped && c.drained()
}

// drained reports whether the most recent session loop has exited.
func (c *Controller) drained() bool {
	s := c.latest()
	if s == nil {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (c *Controller) latest() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
