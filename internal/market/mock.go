package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"digit-trader/pkg/broker"
)

// MockSource is a random-walk tick source for local development and tests.
type MockSource struct {
	StartPrice float64
	Step       float64
	Interval   time.Duration
	PipSize    int

	mu    sync.Mutex
	rng   *rand.Rand
	price map[string]float64
	conns []context.CancelFunc
	fail  int
}

// NewMockSource creates a source emitting one tick per interval.
func NewMockSource(interval time.Duration, seed int64) *MockSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockSource{
		StartPrice: 1000,
		Step:       0.5,
		Interval:   interval,
		PipSize:    2,
		rng:        rand.New(rand.NewSource(seed)),
		price:      make(map[string]float64),
	}
}

// Disconnect closes every open stream, as a transport drop would.
func (m *MockSource) Disconnect() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, cancel := range conns {
		cancel()
	}
}

// FailNext makes the next n StreamTicks calls fail.
func (m *MockSource) FailNext(n int) {
	m.mu.Lock()
	m.fail += n
	m.mu.Unlock()
}

// StreamTicks implements broker.TickSource.
func (m *MockSource) StreamTicks(ctx context.Context, symbol string) (<-chan broker.Quote, error) {
	m.mu.Lock()
	if m.fail > 0 {
		m.fail--
		m.mu.Unlock()
		return nil, broker.ErrNotConnected
	}
	cctx, cancel := context.WithCancel(ctx)
	m.conns = append(m.conns, cancel)
	if _, ok := m.price[symbol]; !ok {
		m.price[symbol] = m.StartPrice
	}
	m.mu.Unlock()

	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan broker.Quote, 16)
	go func() {
		defer close(out)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-cctx.Done():
				return
			case now := <-t.C:
				q := broker.Quote{Symbol: symbol, Price: m.next(symbol), PipSize: m.PipSize, Time: now.UTC()}
				select {
				case out <- q:
				case <-cctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MockSource) next(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.price[symbol] + (m.rng.Float64()*2-1)*m.Step
	if p <= 0 {
		p = m.Step
	}
	m.price[symbol] = p
	return decimal.NewFromFloat(p).Round(int32(m.PipSize))
}
