// Package paper provides a simulated venue used for dry runs and tests.
//
// Contracts are priced from a fixed house edge and settled on a timer after
// their duration elapses. Outcomes come from a seeded generator so runs can
// be reproduced.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"digit-trader/pkg/broker"
)

// Config tunes the simulation.
type Config struct {
	InitialBalance decimal.Decimal
	Currency       string
	LatencyMin     time.Duration
	LatencyMax     time.Duration
	TickPeriod     time.Duration // duration of one tick for tick-denominated contracts
	Seed           int64         // zero seeds from the clock
	HouseEdge      float64       // fraction of fair payout kept by the venue
}

// Fault is a failure the next Buy call will exhibit.
type Fault int

const (
	FaultNone Fault = iota
	// FaultReject refuses the purchase.
	FaultReject
	// FaultTransient fails before the purchase reaches the book.
	FaultTransient
	// FaultHang books the contract but never answers, as a lost response would.
	FaultHang
)

type contract struct {
	record   broker.ContractRecord
	barrier  string
	payout   decimal.Decimal
	wins     bool
	settleAt time.Time
	status   broker.ContractStatus
	watchers []chan broker.ContractStatus
	timer    *time.Timer
}

// Broker is an in-memory venue implementing the broker interfaces.
type Broker struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	rng       *rand.Rand
	balance   decimal.Decimal
	nextID    int64
	contracts map[string]*contract
	byClient  map[string]string
	faults    []Fault
	closed    bool
}

// New creates a simulated venue.
func New(cfg Config) *Broker {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	if cfg.HouseEdge <= 0 || cfg.HouseEdge >= 1 {
		cfg.HouseEdge = 0.05
	}
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Broker{
		cfg:       cfg,
		logger:    log.With().Str("component", "paper").Logger(),
		rng:       rand.New(rand.NewSource(seed)),
		balance:   cfg.InitialBalance,
		nextID:    1000,
		contracts: make(map[string]*contract),
		byClient:  make(map[string]string),
	}
}

// InjectFault queues a failure for the next Buy call. Faults are consumed in order.
func (b *Broker) InjectFault(f Fault) {
	b.mu.Lock()
	b.faults = append(b.faults, f)
	b.mu.Unlock()
}

// Deposit adds funds to the simulated account.
func (b *Broker) Deposit(amount decimal.Decimal) {
	b.mu.Lock()
	b.balance = b.balance.Add(amount)
	b.mu.Unlock()
}

// WinProbability returns the chance a contract of type t finishes in the money.
func WinProbability(t broker.ContractType, barrier string) float64 {
	digit, _ := strconv.Atoi(barrier)
	switch t {
	case broker.DigitMatch:
		return 0.1
	case broker.DigitDiff:
		return 0.9
	case broker.DigitOver:
		return float64(9-digit) / 10
	case broker.DigitUnder:
		return float64(digit) / 10
	default:
		return 0.5
	}
}

// ProfitRatio returns profit per unit stake on a win after the house edge.
func (b *Broker) ProfitRatio(t broker.ContractType, barrier string) decimal.Decimal {
	p := WinProbability(t, barrier)
	if p <= 0 || p >= 1 {
		return decimal.Zero
	}
	ratio := (1 - p) / p * (1 - b.cfg.HouseEdge)
	return decimal.NewFromFloat(ratio).Round(4)
}

func validate(req broker.ContractRequest) error {
	if !req.ContractType.Valid() {
		return fmt.Errorf("%w: unknown contract type %q", broker.ErrRejected, req.ContractType)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol required", broker.ErrRejected)
	}
	if !req.Stake.IsPositive() {
		return fmt.Errorf("%w: stake must be positive", broker.ErrRejected)
	}
	if req.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive", broker.ErrRejected)
	}
	if req.ContractType.NeedsBarrier() {
		d, err := strconv.Atoi(req.Barrier)
		if err != nil || d < 0 || d > 9 {
			return fmt.Errorf("%w: barrier digit required for %s", broker.ErrRejected, req.ContractType)
		}
		if (req.ContractType == broker.DigitOver && d == 9) || (req.ContractType == broker.DigitUnder && d == 0) {
			return fmt.Errorf("%w: barrier %d cannot win", broker.ErrRejected, d)
		}
	}
	return nil
}

func (b *Broker) latency() time.Duration {
	span := b.cfg.LatencyMax - b.cfg.LatencyMin
	d := b.cfg.LatencyMin
	if span > 0 {
		d += time.Duration(b.rng.Int63n(int64(span) + 1))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Balance implements broker.Broker.
func (b *Broker) Balance(ctx context.Context) (broker.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.Balance{}, broker.ErrNotConnected
	}
	return broker.Balance{Amount: b.balance, Currency: b.cfg.Currency}, nil
}

// Buy implements broker.Broker.
func (b *Broker) Buy(ctx context.Context, req broker.ContractRequest) (broker.Receipt, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.Receipt{}, broker.ErrNotConnected
	}
	fault := FaultNone
	if len(b.faults) > 0 {
		fault = b.faults[0]
		b.faults = b.faults[1:]
	}
	delay := b.latency()
	b.mu.Unlock()

	if err := sleepCtx(ctx, delay); err != nil {
		return broker.Receipt{}, err
	}

	switch fault {
	case FaultReject:
		return broker.Receipt{}, fmt.Errorf("%w: simulated rejection", broker.ErrRejected)
	case FaultTransient:
		return broker.Receipt{}, fmt.Errorf("%w: simulated outage", broker.ErrTransient)
	}
	if err := validate(req); err != nil {
		return broker.Receipt{}, err
	}

	b.mu.Lock()
	if b.balance.LessThan(req.Stake) {
		b.mu.Unlock()
		return broker.Receipt{}, fmt.Errorf("%w: insufficient balance", broker.ErrRejected)
	}
	receipt := b.book(req)
	b.mu.Unlock()

	b.logger.Debug().
		Str("contract", receipt.ContractID).
		Str("type", string(req.ContractType)).
		Str("stake", req.Stake.String()).
		Msg("contract booked")

	if fault == FaultHang {
		<-ctx.Done()
		return broker.Receipt{}, ctx.Err()
	}
	return receipt, nil
}

// book records a purchase. Caller holds b.mu.
func (b *Broker) book(req broker.ContractRequest) broker.Receipt {
	b.nextID++
	id := strconv.FormatInt(b.nextID, 10)
	now := time.Now().UTC()
	ratio := b.ProfitRatio(req.ContractType, req.Barrier)
	payout := req.Stake.Add(req.Stake.Mul(ratio)).Round(2)

	c := &contract{
		record: broker.ContractRecord{
			ContractID:      id,
			ClientRequestID: req.ClientRequestID,
			ContractType:    req.ContractType,
			Symbol:          req.Symbol,
			BuyPrice:        req.Stake,
			PurchaseTime:    now,
		},
		barrier:  req.Barrier,
		payout:   payout,
		wins:     b.rng.Float64() < WinProbability(req.ContractType, req.Barrier),
		settleAt: now.Add(broker.UnitDuration(req.Duration, req.DurationUnit, b.cfg.TickPeriod)),
		status:   broker.ContractStatus{ContractID: id, State: broker.ContractOpen},
	}
	b.balance = b.balance.Sub(req.Stake)
	b.contracts[id] = c
	if req.ClientRequestID != "" {
		b.byClient[req.ClientRequestID] = id
	}
	c.timer = time.AfterFunc(time.Until(c.settleAt), func() { b.settle(id) })

	return broker.Receipt{
		ContractID:      id,
		ClientRequestID: req.ClientRequestID,
		BuyPrice:        req.Stake,
		Payout:          payout,
		PurchaseTime:    now,
	}
}

func (b *Broker) settle(id string) {
	b.mu.Lock()
	c, ok := b.contracts[id]
	if !ok || c.status.Settled() || b.closed {
		b.mu.Unlock()
		return
	}
	c.status.SettledAt = time.Now().UTC()
	if c.wins {
		c.status.State = broker.ContractWon
		c.status.Payout = c.payout
		c.status.Profit = c.payout.Sub(c.record.BuyPrice)
		b.balance = b.balance.Add(c.payout)
	} else {
		c.status.State = broker.ContractLost
		c.status.Profit = c.record.BuyPrice.Neg()
	}
	st := c.status
	watchers := c.watchers
	c.watchers = nil
	b.mu.Unlock()

	for _, w := range watchers {
		w <- st
		close(w)
	}
}

// ContractStatus implements broker.Broker.
func (b *Broker) ContractStatus(ctx context.Context, contractID string) (broker.ContractStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ContractStatus{}, broker.ErrNotConnected
	}
	c, ok := b.contracts[contractID]
	if !ok {
		return broker.ContractStatus{}, fmt.Errorf("%w: %s", broker.ErrNotFound, contractID)
	}
	return c.status, nil
}

// RecentContracts implements broker.Broker.
func (b *Broker) RecentContracts(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrNotConnected
	}
	var out []broker.ContractRecord
	for _, c := range b.contracts {
		if c.record.PurchaseTime.Before(since) {
			continue
		}
		out = append(out, c.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurchaseTime.Before(out[j].PurchaseTime) })
	return out, nil
}

// WatchContract implements broker.ContractWatcher.
func (b *Broker) WatchContract(ctx context.Context, contractID string) (<-chan broker.ContractStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", broker.ErrNotFound, contractID)
	}
	ch := make(chan broker.ContractStatus, 1)
	if c.status.Settled() {
		ch <- c.status
		close(ch)
		return ch, nil
	}
	c.watchers = append(c.watchers, ch)
	return ch, nil
}

// ServerTime implements broker.ServerClock.
func (b *Broker) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// ContractForClient returns the contract booked for a client request id.
func (b *Broker) ContractForClient(clientRequestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byClient[clientRequestID]
	return id, ok
}

// OpenContracts returns the number of unsettled contracts.
func (b *Broker) OpenContracts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.contracts {
		if !c.status.Settled() {
			n++
		}
	}
	return n
}

// Close stops settlement timers. Open contracts stay open.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, c := range b.contracts {
		if c.timer != nil {
			c.timer.Stop()
		}
		for _, w := range c.watchers {
			close(w)
		}
		c.watchers = nil
	}
	return nil
}

var (
	_ broker.Broker          = (*Broker)(nil)
	_ broker.ContractWatcher = (*Broker)(nil)
	_ broker.ServerClock     = (*Broker)(nil)
)
