package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/events"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/internal/risk"
)

// Monitor turns bus events into metrics and alert deliveries.
type Monitor struct {
	Bus        *events.Bus
	Collectors *Collectors
	Metrics    *SystemMetrics
	Rules      *RuleEvaluator
	Sinks      []AlertSink

	logger zerolog.Logger
}

func New(bus *events.Bus, c *Collectors, m *SystemMetrics, sinks ...AlertSink) *Monitor {
	return &Monitor{
		Bus:        bus,
		Collectors: c,
		Metrics:    m,
		Rules:      NewRuleEvaluator(0),
		Sinks:      sinks,
		logger:     log.With().Str("component", "monitor").Logger(),
	}
}

var watched = []events.Event{
	events.EventPriceTick,
	events.EventFeedGap,
	events.EventTradeOpened,
	events.EventTradeSettled,
	events.EventDecision,
	events.EventSessionState,
	events.EventRiskAlert,
	events.EventBalanceChange,
}

// Run consumes events until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if m.Bus == nil {
		m.logger.Warn().Msg("monitor not fully configured; skipping")
		<-ctx.Done()
		return nil
	}
	merged := make(chan envelope, 512)
	for _, e := range watched {
		stream, unsub := m.Bus.Subscribe(e, 256)
		defer unsub()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- envelope{event: e, msg: msg}:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-merged:
			m.Handle(env.event, env.msg)
		}
	}
}

type envelope struct {
	event events.Event
	msg   any
}

// Handle applies one bus payload.
func (m *Monitor) Handle(e events.Event, msg any) {
	switch v := msg.(type) {
	case market.Tick:
		m.Metrics.incTicks()
		if m.Collectors != nil {
			m.Collectors.Ticks.WithLabelValues(v.Symbol).Inc()
		}
	case market.Gap:
		m.Metrics.incGaps()
		if m.Collectors != nil {
			m.Collectors.Gaps.WithLabelValues(v.Symbol, v.Reason).Inc()
		}
		m.logger.Warn().Str("symbol", v.Symbol).Str("reason", v.Reason).Msg("price feed gap")
	case order.Trade:
		m.trade(e, v)
	case risk.Decision:
		m.decision(v)
	case events.StateChange:
		if m.Collectors != nil {
			if v.From != "" {
				m.Collectors.SessionState.WithLabelValues(v.UserID, v.From).Set(0)
			}
			m.Collectors.SessionState.WithLabelValues(v.UserID, v.To).Set(1)
		}
	case events.RiskAlert:
		m.alert(v)
	case events.BalanceChange:
		if m.Collectors != nil {
			m.Collectors.Balance.WithLabelValues(v.UserID, v.Mode).Set(v.Balance.InexactFloat64())
		}
	}
}

func (m *Monitor) trade(e events.Event, t order.Trade) {
	contract := string(t.Request.ContractType)
	if e == events.EventTradeOpened {
		m.Metrics.incTradesOpened()
		if m.Collectors != nil {
			m.Collectors.TradesOpened.WithLabelValues(contract, strconv.FormatBool(t.Ambiguous)).Inc()
		}
		return
	}
	m.Metrics.incTradesSettled()
	if m.Collectors != nil {
		m.Collectors.TradesSettled.WithLabelValues(contract, string(t.Status)).Inc()
	}
	if t.SettledAt != nil && !t.OpenedAt.IsZero() {
		d := t.SettledAt.Sub(t.OpenedAt)
		if d >= 0 {
			m.Metrics.SettlementLatency.RecordDuration(d)
			if m.Collectors != nil {
				m.Collectors.SettleSeconds.Observe(d.Seconds())
			}
		}
	}
}

func (m *Monitor) decision(d risk.Decision) {
	m.Metrics.incDecision(d.Allowed)
	if m.Collectors != nil {
		m.Collectors.Decisions.WithLabelValues(string(d.Reason)).Inc()
	}
	if m.Rules == nil {
		return
	}
	if fire, msg := m.Rules.Check(d); fire {
		at := d.At
		if at.IsZero() {
			at = time.Now()
		}
		m.alert(events.RiskAlert{Kind: AlertKindDenialStreak, Message: msg, Time: at})
	}
}

func (m *Monitor) alert(a events.RiskAlert) {
	m.Metrics.incAlerts()
	if m.Collectors != nil {
		m.Collectors.Alerts.WithLabelValues(a.Kind).Inc()
	}
	for _, s := range m.Sinks {
		if err := s.Send(a); err != nil {
			m.logger.Error().Err(err).Str("kind", a.Kind).Msg("alert delivery failed")
		}
	}
}
