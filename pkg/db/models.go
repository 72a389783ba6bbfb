package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
)

// TradeRecord is a trade row. Money columns hold decimal strings.
type TradeRecord struct {
	ID              string
	UserID          string
	ClientRequestID string
	ContractID      string
	ContractType    string
	Symbol          string
	Stake           decimal.Decimal
	Duration        int
	DurationUnit    string
	Barrier         string
	Barrier2        string
	Prediction      string
	StrategyID      string
	Confidence      float64
	Status          string
	Ambiguous       bool
	BuyPrice        decimal.Decimal
	Payout          decimal.Decimal
	PnL             decimal.NullDecimal
	Note            string
	OpenedAt        time.Time
	SettledAt       sql.NullTime
}

// IntentRecord is the write-ahead row of a placement attempt.
type IntentRecord struct {
	ClientRequestID string
	TradeID         string
	UserID          string
	Request         string // JSON encoded trade request
	Outcome         string
	ContractID      string
	SubmittedAt     time.Time
	ResolvedAt      sql.NullTime
}

// Credential is an encrypted broker token for one account mode.
type Credential struct {
	UserID         string
	Mode           string
	TokenEncrypted string
	KeyVersion     int
	UpdatedAt      time.Time
}

// TickRecord is an archived tick.
type TickRecord struct {
	Symbol string
	Time   time.Time
	Price  decimal.Decimal
	Digit  int
}

var tradeColumns = []string{
	"id", "user_id", "client_request_id", "contract_id", "contract_type", "symbol",
	"stake", "duration", "duration_unit", "barrier", "barrier2", "prediction", "strategy_id",
	"confidence", "status", "ambiguous", "buy_price", "payout", "pnl", "note", "opened_at", "settled_at",
}

// SaveTrade inserts a trade or updates the mutable columns of an existing one.
func (d *Database) SaveTrade(ctx context.Context, t TradeRecord) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.sq.Insert("trades").
		Columns(tradeColumns...).
		Values(
			t.ID, t.UserID, t.ClientRequestID, t.ContractID, t.ContractType, t.Symbol,
			t.Stake, t.Duration, t.DurationUnit, t.Barrier, t.Barrier2, t.Prediction, t.StrategyID,
			t.Confidence, t.Status, t.Ambiguous, t.BuyPrice, t.Payout, t.PnL, t.Note, t.OpenedAt.UTC(), t.SettledAt,
		).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			contract_id = excluded.contract_id,
			status = excluded.status,
			ambiguous = excluded.ambiguous,
			buy_price = excluded.buy_price,
			payout = excluded.payout,
			pnl = excluded.pnl,
			note = excluded.note,
			settled_at = excluded.settled_at`).
		RunWith(d.DB).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// RecordIntent stores a placement attempt before it is sent.
func (d *Database) RecordIntent(ctx context.Context, in IntentRecord) error {
	if in.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.sq.Insert("order_intents").
		Columns("client_request_id", "trade_id", "user_id", "request", "submitted_at").
		Values(in.ClientRequestID, in.TradeID, in.UserID, in.Request, in.SubmittedAt.UTC()).
		RunWith(d.DB).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("record intent: %w", err)
	}
	return nil
}

// ResolveIntent records how a placement attempt ended.
func (d *Database) ResolveIntent(ctx context.Context, clientRequestID, outcome, contractID string) error {
	res, err := d.sq.Update("order_intents").
		Set("outcome", outcome).
		Set("contract_id", contractID).
		Set("resolved_at", time.Now().UTC()).
		Where(sq.Eq{"client_request_id": clientRequestID}).
		RunWith(d.DB).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("resolve intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertCredential stores an encrypted token for (user, mode).
func (d *Database) UpsertCredential(ctx context.Context, c Credential) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	_, err := d.sq.Insert("credentials").
		Columns("user_id", "mode", "token_encrypted", "key_version", "updated_at").
		Values(c.UserID, c.Mode, c.TokenEncrypted, c.KeyVersion, time.Now().UTC()).
		Suffix(`ON CONFLICT(user_id, mode) DO UPDATE SET
			token_encrypted = excluded.token_encrypted,
			key_version = excluded.key_version,
			updated_at = excluded.updated_at`).
		RunWith(d.DB).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential returns the stored token for (user, mode).
func (d *Database) GetCredential(ctx context.Context, userID, mode string) (*Credential, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	var c Credential
	err := d.sq.Select("user_id", "mode", "token_encrypted", "key_version", "updated_at").
		From("credentials").
		Where(sq.Eq{"user_id": userID, "mode": mode}).
		RunWith(d.DB).
		QueryRowContext(ctx).
		Scan(&c.UserID, &c.Mode, &c.TokenEncrypted, &c.KeyVersion, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &c, nil
}

// InsertTickSQL is the statement used to archive one tick; duplicates are ignored.
const InsertTickSQL = `INSERT OR IGNORE INTO ticks (symbol, epoch_ms, price, digit) VALUES (?, ?, ?, ?)`

// TickArgs returns the InsertTickSQL arguments for t.
func TickArgs(t TickRecord) []any {
	return []any{t.Symbol, t.Time.UnixMilli(), t.Price.String(), t.Digit}
}

// RecentTicks returns up to limit of the newest ticks for symbol, oldest first.
func (d *Database) RecentTicks(ctx context.Context, symbol string, limit int) ([]TickRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sq.Select("symbol", "epoch_ms", "price", "digit").
		From("ticks").
		Where(sq.Eq{"symbol": symbol}).
		OrderBy("epoch_ms DESC").
		Limit(uint64(limit)).
		RunWith(d.DB).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var (
			t  TickRecord
			ms int64
		)
		if err := rows.Scan(&t.Symbol, &ms, &t.Price, &t.Digit); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
