package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// MaxTradeLimit caps a single history page.
const MaxTradeLimit = 500

// UserQueries provides user-isolated database queries.
type UserQueries struct {
	db *sql.DB
	sq sq.StatementBuilderType
}

// TradeFilter narrows a trade history query. Zero values match everything.
type TradeFilter struct {
	Status string
	Symbol string
	Since  time.Time
	Limit  int
}

// TradesByUser returns the user's trades matching f, newest first.
func (q *UserQueries) TradesByUser(ctx context.Context, userID string, f TradeFilter) ([]TradeRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxTradeLimit {
		limit = 100
	}

	where := sq.And{sq.Eq{"user_id": userID}}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": f.Status})
	}
	if f.Symbol != "" {
		where = append(where, sq.Eq{"symbol": f.Symbol})
	}
	if !f.Since.IsZero() {
		where = append(where, sq.GtOrEq{"opened_at": f.Since.UTC()})
	}

	rows, err := q.sq.Select(tradeColumns...).
		From("trades").
		Where(where).
		OrderBy("opened_at DESC").
		Limit(uint64(limit)).
		RunWith(q.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(
			&t.ID, &t.UserID, &t.ClientRequestID, &t.ContractID, &t.ContractType, &t.Symbol,
			&t.Stake, &t.Duration, &t.DurationUnit, &t.Barrier, &t.Barrier2, &t.Prediction, &t.StrategyID,
			&t.Confidence, &t.Status, &t.Ambiguous, &t.BuyPrice, &t.Payout, &t.PnL, &t.Note, &t.OpenedAt, &t.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// UnresolvedIntents returns placement attempts of the user that never got a
// definite answer: still open, or marked ambiguous.
func (q *UserQueries) UnresolvedIntents(ctx context.Context, userID string) ([]IntentRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.sq.Select("client_request_id", "trade_id", "user_id", "request", "outcome", "contract_id", "submitted_at", "resolved_at").
		From("order_intents").
		Where(sq.Eq{"user_id": userID, "outcome": []string{"", "AMBIGUOUS"}}).
		OrderBy("submitted_at ASC").
		RunWith(q.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query intents: %w", err)
	}
	defer rows.Close()

	var out []IntentRecord
	for rows.Next() {
		var in IntentRecord
		if err := rows.Scan(&in.ClientRequestID, &in.TradeID, &in.UserID, &in.Request, &in.Outcome, &in.ContractID, &in.SubmittedAt, &in.ResolvedAt); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, in)
	}
	return out, rows.Err()
}
