package position

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
)

// Update is a settlement observed for a trade.
type Update struct {
	TradeID string
	Status  broker.ContractStatus
	Source  string // "push" or "poll"
}

// Watcher observes contracts until they settle and hands each settlement to
// the session loop through a channel. Push updates are used when the venue
// offers them; polling runs alongside as the fallback path.
type Watcher struct {
	broker       broker.Broker
	out          chan<- Update
	PollInterval time.Duration
	CallTimeout  time.Duration

	logger zerolog.Logger
}

// NewWatcher creates a watcher delivering into out.
func NewWatcher(b broker.Broker, out chan<- Update, pollInterval time.Duration) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Watcher{
		broker:       b,
		out:          out,
		PollInterval: pollInterval,
		CallTimeout:  5 * time.Second,
		logger:       log.With().Str("component", "watcher").Logger(),
	}
}

// Watch follows tr's contract until it settles or ctx ends.
func (w *Watcher) Watch(ctx context.Context, tr order.Trade) {
	if tr.BrokerContractID == "" {
		return
	}
	go w.run(ctx, tr.ID, tr.BrokerContractID)
}

func (w *Watcher) run(ctx context.Context, tradeID, contractID string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var push <-chan broker.ContractStatus
	if cw, ok := w.broker.(broker.ContractWatcher); ok {
		ch, err := cw.WatchContract(ctx, contractID)
		if err != nil {
			w.logger.Debug().Err(err).Str("contract", contractID).Msg("push subscription unavailable, polling")
		} else {
			push = ch
		}
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-push:
			if !ok {
				push = nil
				continue
			}
			if st.Settled() {
				w.deliver(ctx, Update{TradeID: tradeID, Status: st, Source: "push"})
				return
			}
		case <-ticker.C:
			st, err := w.poll(ctx, contractID)
			if err != nil {
				if errors.Is(err, broker.ErrNotFound) {
					w.logger.Warn().Str("contract", contractID).Msg("venue does not know contract")
				} else {
					w.logger.Debug().Err(err).Str("contract", contractID).Msg("status poll failed")
				}
				continue
			}
			if st.Settled() {
				w.deliver(ctx, Update{TradeID: tradeID, Status: st, Source: "poll"})
				return
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context, contractID string) (broker.ContractStatus, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.CallTimeout)
	defer cancel()
	return w.broker.ContractStatus(callCtx, contractID)
}

func (w *Watcher) deliver(ctx context.Context, u Update) {
	select {
	case w.out <- u:
	case <-ctx.Done():
	}
}
