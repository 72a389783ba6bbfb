package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/controller"
	"digit-trader/internal/events"
	"digit-trader/internal/gateway"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/pkg/cache"
	"digit-trader/pkg/db"
)

var (
	// ErrCredentialsDisabled is returned when no encryption key is configured.
	ErrCredentialsDisabled = errors.New("credential storage is disabled")
	// ErrSessionActive rejects credential changes while a session may still use the old token.
	ErrSessionActive = errors.New("stop trading and wait for open trades to settle first")
	// ErrInvalidAmount rejects non-positive deposits and withdrawals.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidMode rejects unknown account modes.
	ErrInvalidMode = errors.New("account mode must be DEMO or LIVE")
)

// TradeQuery reads persisted trades.
type TradeQuery interface {
	Trades(ctx context.Context, userID string, f db.TradeFilter) ([]order.Trade, error)
}

// CredentialWriter stores sealed broker tokens.
type CredentialWriter interface {
	UpsertCredential(ctx context.Context, c db.Credential) error
}

// TokenSealer encrypts broker tokens. *crypto.KeyManager satisfies it.
type TokenSealer interface {
	Seal(plaintext, binding string) (string, error)
	CurrentVersion() int
}

// BrokerPool is the part of the gateway pool the engine manages.
type BrokerPool interface {
	Remove(userID string, mode account.Mode)
	Stats() gateway.PoolStats
}

// Impl implements the Service interface by composing existing modules.
type Impl struct {
	base     context.Context
	registry *controller.Registry
	trades   TradeQuery
	creds    CredentialWriter
	sealer   TokenSealer
	pool     BrokerPool
	bus      *events.Bus
	quotes   *cache.ShardedQuoteCache
	idleTTL  time.Duration
	logger   zerolog.Logger

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	// Base bounds every session started through the engine. Request
	// contexts only bound the start call itself.
	Base     context.Context
	Registry *controller.Registry
	Trades   TradeQuery
	Creds    CredentialWriter
	Sealer   TokenSealer
	Pool     BrokerPool
	Bus      *events.Bus
	Quotes   *cache.ShardedQuoteCache
	IdleTTL  time.Duration
	Meta     SystemStatus
}

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	base := cfg.Base
	if base == nil {
		base = context.Background()
	}
	quotes := cfg.Quotes
	if quotes == nil {
		quotes = cache.NewShardedQuoteCache()
	}
	return &Impl{
		base:     base,
		registry: cfg.Registry,
		trades:   cfg.Trades,
		creds:    cfg.Creds,
		sealer:   cfg.Sealer,
		pool:     cfg.Pool,
		bus:      cfg.Bus,
		quotes:   quotes,
		idleTTL:  cfg.IdleTTL,
		logger:   log.With().Str("component", "engine").Logger(),
		meta:     cfg.Meta,
	}
}

// Run keeps the latest-quote cache current and evicts idle controllers
// until ctx ends.
func (e *Impl) Run(ctx context.Context) error {
	var ticks <-chan any
	if e.bus != nil {
		ch, unsub := e.bus.Subscribe(events.EventPriceTick, 256)
		defer unsub()
		ticks = ch
	}

	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ticks:
			if t, ok := msg.(market.Tick); ok {
				e.quotes.Set(cache.Quote{Symbol: t.Symbol, Price: t.Price, Digit: t.Digit, At: t.Time})
			}
		case <-sweep.C:
			if n := e.registry.CleanupIdle(e.idleTTL); n > 0 {
				e.logger.Info().Int("removed", n).Msg("evicted idle controllers")
			}
		}
	}
}

// Shutdown stops every session and waits for open trades to drain until
// ctx ends.
func (e *Impl) Shutdown(ctx context.Context) error {
	if err := e.registry.StopAll(ctx); err != nil {
		return fmt.Errorf("stop sessions: %w", err)
	}
	if err := e.registry.WaitAll(ctx); err != nil {
		return fmt.Errorf("drain sessions: %w", err)
	}
	return nil
}

// Quotes exposes the latest-quote cache.
func (e *Impl) Quotes() *cache.ShardedQuoteCache { return e.quotes }

// --- Session commands ---

func (e *Impl) StartTrading(ctx context.Context, userID string, cfg controller.StartConfig) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c := e.registry.GetOrCreate(userID)
	if err := c.Start(e.base, cfg); err != nil {
		return err
	}
	e.logger.Info().Str("user", userID).Str("symbol", cfg.Symbol).Str("contract", string(cfg.ContractType)).Msg("trading started")
	return nil
}

func (e *Impl) StopTrading(ctx context.Context, userID string) (bool, error) {
	c := e.registry.Get(userID)
	if c == nil || c.State() == controller.StateStopped {
		return false, nil
	}
	if err := c.Stop(ctx); err != nil {
		return true, err
	}
	e.logger.Info().Str("user", userID).Msg("trading stopped")
	return true, nil
}

func (e *Impl) PauseTrading(ctx context.Context, userID string) error {
	c := e.registry.Get(userID)
	if c == nil {
		return controller.ErrNotRunning
	}
	return c.Pause(ctx)
}

func (e *Impl) ResumeTrading(ctx context.Context, userID string) error {
	c := e.registry.Get(userID)
	if c == nil {
		return controller.ErrNotRunning
	}
	return c.Resume(ctx)
}

// --- Account events ---

func (e *Impl) Deposit(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	c := e.registry.Get(userID)
	if c == nil {
		return controller.ErrNotRunning
	}
	return c.Deposit(ctx, amount)
}

func (e *Impl) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	c := e.registry.Get(userID)
	if c == nil {
		return controller.ErrNotRunning
	}
	return c.Withdraw(ctx, amount)
}

// SaveCredentials seals token for (userID, mode) and drops any pooled
// connection opened with the previous token.
func (e *Impl) SaveCredentials(ctx context.Context, userID string, mode account.Mode, token string) error {
	if userID == "" {
		return db.ErrUserIDRequired
	}
	if !mode.Valid() {
		return ErrInvalidMode
	}
	if e.sealer == nil || e.creds == nil {
		return ErrCredentialsDisabled
	}
	if c := e.registry.Get(userID); c != nil && !c.Idle() {
		return ErrSessionActive
	}

	sealed, err := e.sealer.Seal(token, gateway.Binding(userID, mode))
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	err = e.creds.UpsertCredential(ctx, db.Credential{
		UserID:         userID,
		Mode:           string(mode),
		TokenEncrypted: sealed,
		KeyVersion:     e.sealer.CurrentVersion(),
	})
	if err != nil {
		return err
	}
	if e.pool != nil {
		e.pool.Remove(userID, mode)
	}
	e.logger.Info().Str("user", userID).Str("mode", string(mode)).Msg("broker credentials updated")
	return nil
}

// --- Session queries ---

func (e *Impl) Status(ctx context.Context, userID string) controller.Status {
	if c := e.registry.Get(userID); c != nil {
		return c.Status()
	}
	return controller.Status{State: controller.StateStopped}
}

func (e *Impl) ActiveTrades(ctx context.Context, userID string) []order.Trade {
	if c := e.registry.Get(userID); c != nil {
		if trades := c.ActiveTrades(); trades != nil {
			return trades
		}
	}
	return []order.Trade{}
}

// History prefers the live session view and falls back to the store after
// the controller was evicted or the process restarted.
func (e *Impl) History(ctx context.Context, userID string) (*History, error) {
	if c := e.registry.Get(userID); c != nil && c.Status().SessionID != "" {
		return &History{
			Trades: nonNil(c.History(100)),
			Ticks:  nonNilTicks(c.Ticks()),
			Source: "session",
		}, nil
	}
	h := &History{Trades: []order.Trade{}, Ticks: []market.Tick{}, Source: "store"}
	if e.trades == nil {
		return h, nil
	}
	all, err := e.trades.Trades(ctx, userID, db.TradeFilter{Limit: 200})
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Terminal() && len(h.Trades) < 100 {
			h.Trades = append(h.Trades, t)
		}
	}
	return h, nil
}

func (e *Impl) QueryTrades(ctx context.Context, userID string, f db.TradeFilter) ([]order.Trade, error) {
	if e.trades == nil {
		return []order.Trade{}, nil
	}
	trades, err := e.trades.Trades(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	return nonNil(trades), nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	st := e.meta
	st.ServerTime = time.Now().UTC()
	st.Controllers = e.registry.UserCount()
	st.RunningUsers = len(e.registry.Running())
	st.CredentialsSet = e.sealer != nil
	if e.pool != nil {
		ps := e.pool.Stats()
		st.Gateways = &ps
	}
	if e.bus != nil {
		st.DroppedEvents = e.bus.Dropped()
	}
	st.Quotes = e.quotes.All()
	return &st
}

func nonNil(trades []order.Trade) []order.Trade {
	if trades == nil {
		return []order.Trade{}
	}
	return trades
}

func nonNilTicks(ticks []market.Tick) []market.Tick {
	if ticks == nil {
		return []market.Tick{}
	}
	return ticks
}
