package strategy

import (
	"fmt"
	"sort"
	"strings"
)

// Aggregator combines per-strategy signals into one. weights align with
// signals and are non-negative.
type Aggregator interface {
	Name() string
	Aggregate(signals []Signal, weights []float64) Signal
}

// Aggregation names accepted by AggregatorByName.
const (
	AggMean     = "mean"
	AggMajority = "majority"
	AggWeighted = "weighted"
)

// AggregatorByName resolves a configured aggregation policy.
func AggregatorByName(name string) (Aggregator, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", AggMean:
		return MeanConfidence{}, nil
	case AggMajority:
		return MajorityVote{}, nil
	case AggWeighted:
		return Weighted{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation %q", name)
}

type tally struct {
	key      string
	first    int
	votes    int
	sum      float64
	wsum     float64
	agreeing []Signal
}

// tallies groups non-abstaining signals by what they bet on, in first-seen order.
func tallies(signals []Signal, weights []float64) []*tally {
	byKey := map[string]*tally{}
	var out []*tally
	for i, s := range signals {
		if s.Confidence <= 0 {
			continue
		}
		t, ok := byKey[s.Key()]
		if !ok {
			t = &tally{key: s.Key(), first: i}
			byKey[s.Key()] = t
			out = append(out, t)
		}
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		t.votes++
		t.sum += s.Confidence
		t.wsum += w * s.Confidence
		t.agreeing = append(t.agreeing, s)
	}
	return out
}

// combine builds the aggregate signal from the winning group.
func combine(signals []Signal, win *tally, conf float64, id string) Signal {
	if win == nil {
		out := Signal{StrategyID: id, Reason: "no strategy produced a signal"}
		if len(signals) > 0 {
			out.ContractType = signals[0].ContractType
			out.Barrier = signals[0].Barrier
			out.DurationTicks = signals[0].DurationTicks
			out.GeneratedAt = signals[0].GeneratedAt
			reasons := make([]string, 0, len(signals))
			for _, s := range signals {
				if s.Reason != "" {
					reasons = append(reasons, s.StrategyID+": "+s.Reason)
				}
			}
			if len(reasons) > 0 {
				out.Reason = strings.Join(reasons, "; ")
			}
		}
		return out
	}
	lead := signals[win.first]
	out := lead
	out.StrategyID = id
	out.Confidence = clamp01(conf)
	// The smallest positive stake suggestion among agreeing strategies wins.
	out.Stake = lead.Stake
	for _, s := range win.agreeing {
		if s.Stake.IsPositive() && (!out.Stake.IsPositive() || s.Stake.LessThan(out.Stake)) {
			out.Stake = s.Stake
		}
	}
	out.Reason = fmt.Sprintf("%d/%d agree on %s", win.votes, len(signals), win.key)
	return out
}

// MeanConfidence picks the bet with the largest summed confidence and
// reports the mean confidence across all strategies, counting dissenting
// and abstaining strategies as zero.
type MeanConfidence struct{}

func (MeanConfidence) Name() string { return AggMean }

func (MeanConfidence) Aggregate(signals []Signal, weights []float64) Signal {
	ts := tallies(signals, weights)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].sum > ts[j].sum })
	if len(ts) == 0 || len(signals) == 0 {
		return combine(signals, nil, 0, AggMean)
	}
	return combine(signals, ts[0], ts[0].sum/float64(len(signals)), AggMean)
}

// MajorityVote picks the bet most strategies agree on (ties go to higher
// summed confidence) and discounts its mean confidence by the vote share.
type MajorityVote struct{}

func (MajorityVote) Name() string { return AggMajority }

func (MajorityVote) Aggregate(signals []Signal, weights []float64) Signal {
	ts := tallies(signals, weights)
	sort.SliceStable(ts, func(i, j int) bool {
		if ts[i].votes != ts[j].votes {
			return ts[i].votes > ts[j].votes
		}
		return ts[i].sum > ts[j].sum
	})
	if len(ts) == 0 {
		return combine(signals, nil, 0, AggMajority)
	}
	w := ts[0]
	share := float64(w.votes) / float64(len(signals))
	return combine(signals, w, (w.sum/float64(w.votes))*share, AggMajority)
}

// Weighted is MeanConfidence with per-strategy weights.
type Weighted struct{}

func (Weighted) Name() string { return AggWeighted }

func (Weighted) Aggregate(signals []Signal, weights []float64) Signal {
	total := 0.0
	for i := range signals {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		total += w
	}
	ts := tallies(signals, weights)
	sort.SliceStable(ts, func(i, j int) bool { return ts[i].wsum > ts[j].wsum })
	if len(ts) == 0 || total <= 0 {
		return combine(signals, nil, 0, AggWeighted)
	}
	return combine(signals, ts[0], ts[0].wsum/total, AggWeighted)
}
