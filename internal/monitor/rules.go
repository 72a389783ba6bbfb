package monitor

import (
	"fmt"
	"sync"

	"digit-trader/internal/risk"
)

// RuleEvaluator inspects decisions and reports conditions worth an alert.
//
// A streak is a run of denials with the same watched reason. The rule fires
// once when a streak reaches Threshold and rearms after a different outcome.
type RuleEvaluator struct {
	Threshold int
	Watch     []risk.Reason

	mu     sync.Mutex
	reason risk.Reason
	count  int
}

// NewRuleEvaluator watches the reasons that point at an engine-wide problem
// rather than a single session's limits.
func NewRuleEvaluator(threshold int) *RuleEvaluator {
	if threshold <= 0 {
		threshold = 20
	}
	return &RuleEvaluator{
		Threshold: threshold,
		Watch:     []risk.Reason{risk.FeedStale, risk.Reconciling},
	}
}

func (r *RuleEvaluator) Check(d risk.Decision) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.Allowed || !r.watched(d.Reason) {
		r.reason, r.count = "", 0
		return false, ""
	}
	if d.Reason != r.reason {
		r.reason, r.count = d.Reason, 0
	}
	r.count++
	if r.count == r.Threshold {
		return true, fmt.Sprintf("%d consecutive %s denials", r.count, d.Reason)
	}
	return false, ""
}

func (r *RuleEvaluator) watched(reason risk.Reason) bool {
	for _, w := range r.Watch {
		if w == reason {
			return true
		}
	}
	return false
}
