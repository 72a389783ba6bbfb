// Package data seeds new sessions with archived market data.
package data

import (
	"context"
	"time"

	"digit-trader/internal/market"
	"digit-trader/pkg/db"
)

// TickSource reads archived ticks.
type TickSource interface {
	RecentTicks(ctx context.Context, symbol string, limit int) ([]db.TickRecord, error)
}

// HistoricalDataService serves recent archived ticks for window warm-up.
type HistoricalDataService struct {
	source TickSource
	maxAge time.Duration
	now    func() time.Time
}

// NewHistoricalDataService creates a service. Ticks older than maxAge, or
// separated by a silence longer than maxAge, are not returned.
func NewHistoricalDataService(source TickSource, maxAge time.Duration) *HistoricalDataService {
	return &HistoricalDataService{source: source, maxAge: maxAge, now: time.Now}
}

// RecentTicks returns up to n contiguous ticks ending at the newest archived
// tick, oldest first. The run is cut at the last gap so ticks on either side
// of a feed outage are never mixed.
func (s *HistoricalDataService) RecentTicks(ctx context.Context, symbol string, n int) ([]market.Tick, error) {
	recs, err := s.source.RecentTicks(ctx, symbol, n)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	if s.maxAge > 0 && s.now().Sub(recs[len(recs)-1].Time) > s.maxAge {
		return nil, nil
	}

	start := 0
	for i := len(recs) - 1; i > 0; i-- {
		if s.maxAge > 0 && recs[i].Time.Sub(recs[i-1].Time) > s.maxAge {
			start = i
			break
		}
	}

	out := make([]market.Tick, 0, len(recs)-start)
	for _, r := range recs[start:] {
		out = append(out, market.Tick{Symbol: r.Symbol, Price: r.Price, Digit: r.Digit, Time: r.Time})
	}
	return out, nil
}
