// Package reconciliation resolves placements whose outcome is unknown by
// reading the venue's own record of recent contracts.
package reconciliation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
)

// Verdict is the answer of a single reconciliation read.
type Verdict string

const (
	Placed    Verdict = "PLACED"
	NotPlaced Verdict = "NOT_PLACED"
)

// Match methods.
const (
	ByClientID  = "client_id"
	ByHeuristic = "heuristic"
)

// Result describes how an ambiguous trade was found, if at all.
type Result struct {
	Verdict Verdict
	Record  broker.ContractRecord
	Method  string
}

// Report lists venue contracts the session does not know about, together with
// the difference between the venue balance and the local view.
type Report struct {
	Timestamp time.Time
	Orphans   []broker.ContractRecord
	Balance   decimal.Decimal
	Drift     decimal.Decimal
	HasDiffs  bool
}

// Service performs reconciliation reads against one venue.
type Service struct {
	broker broker.Broker

	// Slack widens the purchase-time window around a submission.
	Slack time.Duration
	// Timeout bounds each venue read.
	Timeout time.Duration

	logger zerolog.Logger
}

// NewService creates a reconciliation service.
func NewService(b broker.Broker, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		broker:  b,
		Slack:   30 * time.Second,
		Timeout: timeout,
		logger:  log.With().Str("component", "reconciliation").Logger(),
	}
}

// Resolve looks for an ambiguous trade in the venue's recent contracts.
//
// A record echoing the trade's client request id is an exact match. Venues
// that do not echo ids are matched on contract type, symbol, buy price and a
// purchase time near the submission, skipping contracts the session already
// tracks. An error means the read failed and nothing can be concluded.
func (s *Service) Resolve(ctx context.Context, t order.Trade, known func(contractID string) bool) (Result, error) {
	since := t.OpenedAt.Add(-s.Slack)
	records, err := s.read(ctx, since)
	if err != nil {
		return Result{}, err
	}

	for _, r := range records {
		if r.ClientRequestID != "" && r.ClientRequestID == t.ClientRequestID {
			s.logger.Info().Str("trade", t.ID).Str("contract", r.ContractID).Msg("ambiguous placement found by client id")
			return Result{Verdict: Placed, Record: r, Method: ByClientID}, nil
		}
	}

	latest := t.OpenedAt.Add(s.Slack)
	var candidates []broker.ContractRecord
	for _, r := range records {
		if r.ClientRequestID != "" {
			continue
		}
		if known != nil && known(r.ContractID) {
			continue
		}
		if r.ContractType != t.Request.ContractType || r.Symbol != t.Request.Symbol {
			continue
		}
		if !r.BuyPrice.Equal(t.Request.Stake) {
			continue
		}
		if r.PurchaseTime.Before(since) || r.PurchaseTime.After(latest) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return Result{Verdict: NotPlaced}, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].PurchaseTime.Before(candidates[j].PurchaseTime)
	})
	if len(candidates) > 1 {
		s.logger.Warn().Str("trade", t.ID).Int("candidates", len(candidates)).Msg("several contracts match ambiguous placement, taking the earliest")
	}
	s.logger.Info().Str("trade", t.ID).Str("contract", candidates[0].ContractID).Msg("ambiguous placement found by heuristic")
	return Result{Verdict: Placed, Record: candidates[0], Method: ByHeuristic}, nil
}

// Audit compares the venue with the session's view: contracts bought since
// the session started that it does not track, and the balance difference
// against expected (local balance minus open exposure).
func (s *Service) Audit(ctx context.Context, since time.Time, known func(contractID string) bool, expected decimal.Decimal) (Report, error) {
	rep := Report{Timestamp: time.Now().UTC()}

	records, err := s.read(ctx, since)
	if err != nil {
		return rep, err
	}
	for _, r := range records {
		if known == nil || !known(r.ContractID) {
			rep.Orphans = append(rep.Orphans, r)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	bal, err := s.broker.Balance(callCtx)
	if err != nil {
		return rep, fmt.Errorf("reconciliation balance: %w", err)
	}
	rep.Balance = bal.Amount
	rep.Drift = bal.Amount.Sub(expected)
	rep.HasDiffs = len(rep.Orphans) > 0 || !rep.Drift.IsZero()

	if rep.HasDiffs {
		s.logger.Warn().
			Int("orphans", len(rep.Orphans)).
			Str("drift", rep.Drift.StringFixed(2)).
			Msg("venue and session disagree")
	}
	return rep, nil
}

func (s *Service) read(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()
	records, err := s.broker.RecentContracts(callCtx, since)
	if err != nil {
		return nil, fmt.Errorf("reconciliation read: %w", err)
	}
	return records, nil
}
