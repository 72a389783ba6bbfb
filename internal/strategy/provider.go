package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/market"
	"digit-trader/pkg/broker"
)

// ErrNoStrategy is returned when no configured strategy can score a contract type.
var ErrNoStrategy = errors.New("no strategy supports contract type")

// Member is a strategy with its aggregation weight.
type Member struct {
	Strategy Strategy
	Weight   float64
}

// Provider runs a set of strategies over the same window and aggregates
// their signals. It holds no per-session state and may be shared.
type Provider struct {
	members []Member
	agg     Aggregator
	logger  zerolog.Logger
}

// NewProvider creates a provider. A nil aggregator means MeanConfidence.
func NewProvider(agg Aggregator, members ...Member) *Provider {
	if agg == nil {
		agg = MeanConfidence{}
	}
	for i := range members {
		if members[i].Weight <= 0 {
			members[i].Weight = 1
		}
	}
	return &Provider{members: members, agg: agg, logger: log.With().Str("component", "signals").Logger()}
}

// Aggregator returns the aggregation policy in use.
func (p *Provider) Aggregator() Aggregator { return p.agg }

// For returns a provider restricted to the strategies supporting ct.
func (p *Provider) For(ct broker.ContractType) (*Provider, error) {
	var members []Member
	for _, m := range p.members {
		if m.Strategy.Supports(ct) {
			members = append(members, m)
		}
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoStrategy, ct)
	}
	return &Provider{members: members, agg: p.agg, logger: p.logger}, nil
}

// Strategies lists member strategy ids.
func (p *Provider) Strategies() []string {
	ids := make([]string, len(p.members))
	for i, m := range p.members {
		ids[i] = m.Strategy.ID()
	}
	return ids
}

// Evaluate scores window with every member and aggregates the result.
func (p *Provider) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	signals := make([]Signal, 0, len(p.members))
	weights := make([]float64, 0, len(p.members))
	for _, m := range p.members {
		s := m.Strategy.Evaluate(ctx, window, cfg)
		s.Confidence = clamp01(s.Confidence)
		if s.ContractType == "" {
			s.ContractType = cfg.ContractType
		}
		signals = append(signals, s)
		weights = append(weights, m.Weight)
	}
	if len(signals) == 1 {
		return signals[0]
	}
	out := p.agg.Aggregate(signals, weights)
	if out.GeneratedAt.IsZero() {
		out.GeneratedAt = stamp(window, cfg)
	}
	p.logger.Debug().
		Str("aggregation", p.agg.Name()).
		Float64("confidence", out.Confidence).
		Str("contract", string(out.ContractType)).
		Str("barrier", out.Barrier).
		Msg("signal aggregated")
	return out
}
