package broker

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Pacer spaces outgoing venue requests so one account never exceeds the
// venue's request allowance, whichever session issues them.
type Pacer struct {
	limiter *rate.Limiter
	waited  atomic.Uint64
	total   atomic.Uint64
}

// NewPacer allows perSecond requests with the given burst. A non-positive
// perSecond disables pacing.
func NewPacer(perSecond float64, burst int) *Pacer {
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, burst)
	if perSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &Pacer{limiter: lim}
}

// Wait blocks until a request slot is available or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	total := p.total.Add(1)
	if p.limiter.Tokens() < 1 {
		waited := p.waited.Add(1)
		if waited%50 == 0 {
			log.Warn().Uint64("delayed", waited).Uint64("total", total).Msg("broker request pacing active")
		}
	}
	return p.limiter.Wait(ctx)
}

// Usage returns how many requests went through the pacer and how many had to wait.
func (p *Pacer) Usage() (total, delayed uint64) {
	if p == nil {
		return 0, 0
	}
	return p.total.Load(), p.waited.Load()
}
