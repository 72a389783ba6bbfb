package strategy

import (
	"context"
	"fmt"
	"math"
	"sort"

	"digit-trader/internal/indicators"
	"digit-trader/internal/market"
	"digit-trader/pkg/broker"
)

// Linear is a logistic model over window features. It estimates the
// probability that the first contract of the configured family wins (EVEN,
// CALL or OVER) and bets on whichever side is more likely.
type Linear struct {
	base
	Bias    float64
	Weights map[string]float64
	Params  indicators.Params
}

// NewLinear creates a model from feature weights. Unknown feature names are
// ignored at evaluation time.
func NewLinear(id string, minHistory int, bias float64, weights map[string]float64) *Linear {
	return &Linear{
		base:    base{id: id, minHistory: minHistory},
		Bias:    bias,
		Weights: weights,
		Params:  indicators.DefaultParams,
	}
}

func (m *Linear) Kind() string { return "linear" }

func (m *Linear) Supports(ct broker.ContractType) bool {
	a, b := family(ct)
	return a != b
}

// Probability returns the model's estimate for the family's first side.
func (m *Linear) Probability(features map[string]float64) float64 {
	names := make([]string, 0, len(m.Weights))
	for name := range m.Weights {
		names = append(names, name)
	}
	// Fixed summation order keeps results bit-for-bit reproducible.
	sort.Strings(names)
	z := m.Bias
	for _, name := range names {
		z += m.Weights[name] * features[name]
	}
	return 1 / (1 + math.Exp(-z))
}

func (m *Linear) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	if !m.Supports(cfg.ContractType) {
		return abstain(m.id, window, cfg, "unsupported contract type")
	}
	if len(window) < m.MinHistory() {
		return abstain(m.id, window, cfg, "insufficient history")
	}
	prices, digits := series(window)
	features := indicators.Features(prices, digits, m.Params)
	p := m.Probability(features)

	first, second := family(cfg.ContractType)
	sig := abstain(m.id, window, cfg, "")
	if p >= 0.5 {
		sig.ContractType = first
		sig.Confidence = clamp01(p)
	} else {
		sig.ContractType = second
		sig.Confidence = clamp01(1 - p)
	}
	sig.Prediction = predictionFor(sig.ContractType)
	if sig.ContractType == broker.DigitOver || sig.ContractType == broker.DigitUnder {
		def := 4
		if cfg.ContractType == broker.DigitUnder {
			def = 5
		}
		sig.Barrier = fmt.Sprint(barrierDigit(cfg.Barrier, def))
	}
	sig.Reason = fmt.Sprintf("p=%.3f", p)
	return sig
}

func predictionFor(ct broker.ContractType) string {
	switch ct {
	case broker.DigitEven:
		return PredEven
	case broker.DigitOdd:
		return PredOdd
	case broker.Call:
		return PredUp
	case broker.Put:
		return PredDown
	case broker.DigitOver:
		return PredOver
	case broker.DigitUnder:
		return PredUnder
	}
	return ""
}
