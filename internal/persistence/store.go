// Package persistence connects the trading engine to the sqlite store.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"digit-trader/internal/order"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/db"
)

// Store persists trades and placement intents. It satisfies position.Store
// and order.Journal.
type Store struct {
	db *db.Database
}

// NewStore wraps an opened database.
func NewStore(d *db.Database) *Store {
	return &Store{db: d}
}

// SaveTrade upserts the trade row.
func (s *Store) SaveTrade(ctx context.Context, t order.Trade) error {
	return s.db.SaveTrade(ctx, toRecord(t))
}

// RecordIntent writes the intent before the order is sent.
func (s *Store) RecordIntent(ctx context.Context, in order.Intent) error {
	req, err := json.Marshal(in.Request)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return s.db.RecordIntent(ctx, db.IntentRecord{
		ClientRequestID: in.ClientRequestID,
		TradeID:         in.TradeID,
		UserID:          in.UserID,
		Request:         string(req),
		SubmittedAt:     in.SubmittedAt,
	})
}

// ResolveIntent records the placement outcome.
func (s *Store) ResolveIntent(ctx context.Context, clientRequestID, outcome, contractID string) error {
	return s.db.ResolveIntent(ctx, clientRequestID, outcome, contractID)
}

// Trades returns the user's stored trades matching f, newest first.
func (s *Store) Trades(ctx context.Context, userID string, f db.TradeFilter) ([]order.Trade, error) {
	recs, err := s.db.Queries().TradesByUser(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	out := make([]order.Trade, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// UnresolvedIntents lists placements of userID that never got a definite answer.
func (s *Store) UnresolvedIntents(ctx context.Context, userID string) ([]order.Intent, error) {
	recs, err := s.db.Queries().UnresolvedIntents(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Intent, 0, len(recs))
	for _, r := range recs {
		in := order.Intent{ClientRequestID: r.ClientRequestID, TradeID: r.TradeID, UserID: r.UserID, SubmittedAt: r.SubmittedAt}
		if err := json.Unmarshal([]byte(r.Request), &in.Request); err != nil {
			return nil, fmt.Errorf("decode intent %s: %w", r.ClientRequestID, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func toRecord(t order.Trade) db.TradeRecord {
	r := db.TradeRecord{
		ID:              t.ID,
		UserID:          t.UserID,
		ClientRequestID: t.ClientRequestID,
		ContractID:      t.BrokerContractID,
		ContractType:    string(t.Request.ContractType),
		Symbol:          t.Request.Symbol,
		Stake:           t.Request.Stake,
		Duration:        t.Request.Duration,
		DurationUnit:    t.Request.DurationUnit,
		Barrier:         t.Request.Barrier,
		Barrier2:        t.Request.Barrier2,
		Prediction:      t.Request.Prediction,
		StrategyID:      t.Request.StrategyID,
		Confidence:      t.Request.Confidence,
		Status:          string(t.Status),
		Ambiguous:       t.Ambiguous,
		BuyPrice:        t.BuyPrice,
		Payout:          t.Payout,
		Note:            t.Note,
		OpenedAt:        t.OpenedAt,
	}
	if t.PnL != nil {
		r.PnL = decimal.NewNullDecimal(*t.PnL)
	}
	if t.SettledAt != nil {
		r.SettledAt = sql.NullTime{Time: t.SettledAt.UTC(), Valid: true}
	}
	return r
}

func fromRecord(r db.TradeRecord) order.Trade {
	t := order.Trade{
		ID:               r.ID,
		UserID:           r.UserID,
		ClientRequestID:  r.ClientRequestID,
		BrokerContractID: r.ContractID,
		Request: order.TradeRequest{
			ContractType: broker.ContractType(r.ContractType),
			Symbol:       r.Symbol,
			Stake:        r.Stake,
			Duration:     r.Duration,
			DurationUnit: r.DurationUnit,
			Barrier:      r.Barrier,
			Barrier2:     r.Barrier2,
			Prediction:   r.Prediction,
			StrategyID:   r.StrategyID,
			Confidence:   r.Confidence,
		},
		Status:    order.Status(r.Status),
		Ambiguous: r.Ambiguous,
		BuyPrice:  r.BuyPrice,
		Payout:    r.Payout,
		OpenedAt:  r.OpenedAt.UTC(),
		Note:      r.Note,
	}
	if r.PnL.Valid {
		pnl := r.PnL.Decimal
		t.PnL = &pnl
	}
	if r.SettledAt.Valid {
		at := r.SettledAt.Time.UTC()
		t.SettledAt = &at
	}
	return t
}
