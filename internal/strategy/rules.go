package strategy

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"digit-trader/internal/indicators"
	"digit-trader/internal/market"
	"digit-trader/pkg/broker"
)

type base struct {
	id         string
	minHistory int
}

func (b base) ID() string { return b.id }

func (b base) MinHistory() int {
	if b.minHistory <= 0 {
		return DefaultMinHistory
	}
	return b.minHistory
}

// DigitFrequency bets on digit distribution skew: DIGITDIFF against the
// rarest digit, DIGITMATCH on the most common one, and DIGITOVER/UNDER on the
// side of the barrier that is over-represented.
type DigitFrequency struct {
	base
	// Lookback limits the analysis to the newest ticks; zero uses the whole window.
	Lookback int
}

// NewDigitFrequency creates the strategy.
func NewDigitFrequency(id string, minHistory, lookback int) *DigitFrequency {
	return &DigitFrequency{base: base{id: id, minHistory: minHistory}, Lookback: lookback}
}

func (s *DigitFrequency) Kind() string { return "digit_frequency" }

func (s *DigitFrequency) Supports(ct broker.ContractType) bool {
	switch ct {
	case broker.DigitMatch, broker.DigitDiff, broker.DigitOver, broker.DigitUnder:
		return true
	}
	return false
}

func (s *DigitFrequency) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	if !s.Supports(cfg.ContractType) {
		return abstain(s.id, window, cfg, "unsupported contract type")
	}
	if len(window) < s.MinHistory() {
		return abstain(s.id, window, cfg, "insufficient history")
	}
	if s.Lookback > 0 && len(window) > s.Lookback {
		window = window[len(window)-s.Lookback:]
	}
	_, digits := series(window)
	freq := indicators.DigitFrequency(digits)

	sig := abstain(s.id, window, cfg, "")
	switch cfg.ContractType {
	case broker.DigitDiff:
		d := argMin(freq)
		sig.Barrier = strconv.Itoa(d)
		sig.Prediction = sig.Barrier
		sig.Confidence = clamp01(1 - freq[d])
		sig.Reason = fmt.Sprintf("digit %d seen %.0f%%", d, freq[d]*100)
	case broker.DigitMatch:
		d := argMax(freq)
		sig.Barrier = strconv.Itoa(d)
		sig.Prediction = sig.Barrier
		// A digit at twice its fair share scores full confidence.
		sig.Confidence = clamp01(0.5 + (freq[d]-0.1)*5)
		sig.Reason = fmt.Sprintf("digit %d seen %.0f%%", d, freq[d]*100)
	default:
		def := 4
		if cfg.ContractType == broker.DigitUnder {
			def = 5
		}
		b := barrierDigit(cfg.Barrier, def)
		over, fairOver := 0.0, float64(9-b)/10
		for d := b + 1; d <= 9; d++ {
			over += freq[d]
		}
		under, fairUnder := 0.0, float64(b)/10
		for d := 0; d < b; d++ {
			under += freq[d]
		}
		sig.Barrier = strconv.Itoa(b)
		edgeOver, edgeUnder := over-fairOver, under-fairUnder
		if edgeOver >= edgeUnder && b < 9 {
			sig.ContractType, sig.Prediction = broker.DigitOver, PredOver
			sig.Confidence = clamp01(0.5 + edgeOver*2)
		} else {
			sig.ContractType, sig.Prediction = broker.DigitUnder, PredUnder
			sig.Confidence = clamp01(0.5 + edgeUnder*2)
		}
		if b == 0 {
			sig.ContractType, sig.Prediction = broker.DigitOver, PredOver
			sig.Confidence = clamp01(0.5 + edgeOver*2)
		}
		sig.Reason = fmt.Sprintf("over %.2f under %.2f around %d", over, under, b)
	}
	return sig
}

func argMin(freq [10]float64) int {
	best := 0
	for i := 1; i < 10; i++ {
		if freq[i] < freq[best] {
			best = i
		}
	}
	return best
}

func argMax(freq [10]float64) int {
	best := 0
	for i := 1; i < 10; i++ {
		if freq[i] > freq[best] {
			best = i
		}
	}
	return best
}

// Parity bets on mean reversion of the even/odd balance.
type Parity struct {
	base
	// StreakWeight adds confidence per tick of a trailing same-parity run.
	StreakWeight float64
}

// NewParity creates the strategy.
func NewParity(id string, minHistory int, streakWeight float64) *Parity {
	return &Parity{base: base{id: id, minHistory: minHistory}, StreakWeight: streakWeight}
}

func (s *Parity) Kind() string { return "parity" }

func (s *Parity) Supports(ct broker.ContractType) bool {
	return ct == broker.DigitEven || ct == broker.DigitOdd
}

func (s *Parity) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	if !s.Supports(cfg.ContractType) {
		return abstain(s.id, window, cfg, "unsupported contract type")
	}
	if len(window) < s.MinHistory() {
		return abstain(s.id, window, cfg, "insufficient history")
	}
	_, digits := series(window)
	share := indicators.EvenShare(digits)
	streak, streakEven := indicators.Streak(digits)

	sig := abstain(s.id, window, cfg, "")
	if share > 0.5 || (share == 0.5 && streakEven) {
		sig.ContractType, sig.Prediction = broker.DigitOdd, PredOdd
	} else {
		sig.ContractType, sig.Prediction = broker.DigitEven, PredEven
	}
	conf := 0.5 + math.Abs(share-0.5)*2
	// A trailing run against the predicted side strengthens the reversion call.
	if (sig.Prediction == PredOdd) == streakEven && streak > 1 {
		conf += float64(streak-1) * s.StreakWeight
	}
	sig.Confidence = clamp01(conf)
	sig.Reason = fmt.Sprintf("even share %.2f, streak %d", share, streak)
	return sig
}

// Momentum follows the short/long moving-average spread, filtered by RSI.
type Momentum struct {
	base
	Short, Long, RSIPeriod int
	Overbought, Oversold   float64
}

// NewMomentum creates the strategy with default lookbacks when zero.
func NewMomentum(id string, minHistory, short, long, rsi int) *Momentum {
	if short <= 0 {
		short = indicators.DefaultParams.ShortMA
	}
	if long <= short {
		long = indicators.DefaultParams.LongMA
	}
	if rsi <= 0 {
		rsi = indicators.DefaultParams.RSI
	}
	if minHistory < long+1 {
		minHistory = long + 1
	}
	return &Momentum{
		base:       base{id: id, minHistory: minHistory},
		Short:      short,
		Long:       long,
		RSIPeriod:  rsi,
		Overbought: 70,
		Oversold:   30,
	}
}

func (s *Momentum) Kind() string { return "momentum" }

func (s *Momentum) Supports(ct broker.ContractType) bool {
	return ct == broker.Call || ct == broker.Put
}

func (s *Momentum) Evaluate(ctx context.Context, window []market.Tick, cfg EvalConfig) Signal {
	if !s.Supports(cfg.ContractType) {
		return abstain(s.id, window, cfg, "unsupported contract type")
	}
	if len(window) < s.MinHistory() {
		return abstain(s.id, window, cfg, "insufficient history")
	}
	prices, _ := series(window)
	short := indicators.SMA(prices, s.Short)
	long := indicators.SMA(prices, s.Long)
	rsi := indicators.RSI(prices, s.RSIPeriod)
	vol := indicators.Volatility(prices)

	sig := abstain(s.id, window, cfg, "")
	if long == 0 {
		sig.Reason = "flat series"
		return sig
	}
	spread := short/long - 1
	if spread >= 0 {
		sig.ContractType, sig.Prediction = broker.Call, PredUp
	} else {
		sig.ContractType, sig.Prediction = broker.Put, PredDown
	}
	strength := math.Abs(spread) / (vol + 1e-9)
	conf := 0.5 + 0.5*math.Tanh(strength)
	if (spread >= 0 && rsi > s.Overbought) || (spread < 0 && rsi < s.Oversold) {
		conf *= 0.6
	}
	sig.Confidence = clamp01(conf)
	sig.Reason = fmt.Sprintf("spread %.5f rsi %.1f", spread, rsi)
	return sig
}
