package market

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/events"
	"digit-trader/pkg/broker"
)

const defaultSubscriberBuffer = 256

// Feed streams ticks from a venue and fans them out per symbol. One upstream
// subscription is kept per symbol while it has subscribers; it reconnects
// with exponential backoff and signals each disconnection as a Gap.
type Feed struct {
	source broker.TickSource
	bus    *events.Bus
	logger zerolog.Logger

	BaseDelay time.Duration
	MaxDelay  time.Duration
	Buffer    int

	mu      sync.Mutex
	streams map[string]*stream
}

type subscriber struct {
	ch      chan Event
	lagging bool
}

type stream struct {
	symbol string
	cancel context.CancelFunc
	subs   map[uint64]*subscriber
	nextID uint64
}

// NewFeed creates a feed over source. bus may be nil.
func NewFeed(source broker.TickSource, bus *events.Bus) *Feed {
	return &Feed{
		source:    source,
		bus:       bus,
		logger:    log.With().Str("component", "feed").Logger(),
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Buffer:    defaultSubscriberBuffer,
		streams:   make(map[string]*stream),
	}
}

// Subscribe returns a restartable stream of events for symbol. The channel
// stays open across reconnects and is closed when ctx ends or the returned
// cancel function is called.
func (f *Feed) Subscribe(ctx context.Context, symbol string) (<-chan Event, func()) {
	f.mu.Lock()
	s, ok := f.streams[symbol]
	if !ok {
		sctx, cancel := context.WithCancel(context.Background())
		s = &stream{symbol: symbol, cancel: cancel, subs: make(map[uint64]*subscriber)}
		f.streams[symbol] = s
		go f.run(sctx, s)
	}
	id := s.nextID
	s.nextID++
	sub := &subscriber{ch: make(chan Event, f.Buffer)}
	s.subs[id] = sub
	f.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			f.unsubscribe(s, id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.ch, cancel
}

func (f *Feed) unsubscribe(s *stream, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return
	}
	delete(s.subs, id)
	close(sub.ch)
	if len(s.subs) == 0 {
		s.cancel()
		if f.streams[s.symbol] == s {
			delete(f.streams, s.symbol)
		}
		f.logger.Debug().Str("symbol", s.symbol).Msg("last subscriber left, stream stopped")
	}
}

// Subscribers returns the number of live subscribers for symbol.
func (f *Feed) Subscribers(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.streams[symbol]; ok {
		return len(s.subs)
	}
	return 0
}

// Close stops every upstream stream and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	streams := f.streams
	f.streams = make(map[string]*stream)
	for _, s := range streams {
		s.cancel()
		for id, sub := range s.subs {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	f.mu.Unlock()
}

func (f *Feed) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.BaseDelay
	bo.MaxInterval = f.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (f *Feed) run(ctx context.Context, s *stream) {
	logger := f.logger.With().Str("symbol", s.symbol).Logger()
	bo := f.newBackOff()
	gapSent := false

	for {
		quotes, err := f.source.StreamTicks(ctx, s.symbol)
		if err == nil {
			logger.Info().Msg("tick stream subscribed")
			for q := range quotes {
				if q.Symbol == "" {
					q.Symbol = s.symbol
				}
				bo.Reset()
				gapSent = false
				f.dispatch(s, Event{Kind: KindTick, Tick: FromQuote(q)})
			}
		}
		if ctx.Err() != nil {
			return
		}

		if !gapSent {
			gap := Gap{Symbol: s.symbol, Reason: GapDisconnected, At: time.Now().UTC()}
			f.dispatch(s, Event{Kind: KindGap, Gap: gap})
			gapSent = true
		}

		delay := bo.NextBackOff()
		ev := logger.Warn().Dur("retry_in", delay)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("tick stream lost, reconnecting")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// dispatch delivers ev to every subscriber without blocking. A subscriber
// that misses an event gets a Gap before its next delivered tick.
func (f *Feed) dispatch(s *stream, ev Event) {
	if ev.Kind == KindTick {
		f.bus.Publish(events.EventPriceTick, ev.Tick)
	} else {
		f.bus.Publish(events.EventFeedGap, ev.Gap)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range s.subs {
		if sub.lagging {
			gap := Event{Kind: KindGap, Gap: Gap{Symbol: s.symbol, Reason: GapLagging, At: time.Now().UTC()}}
			select {
			case sub.ch <- gap:
				sub.lagging = false
			default:
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			sub.lagging = true
		}
	}
}
