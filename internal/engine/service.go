// Package engine provides a unified interface for the trading engine core.
// The API layer only talks to trading sessions through Service.
package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"digit-trader/internal/account"
	"digit-trader/internal/controller"
	"digit-trader/internal/order"
	"digit-trader/pkg/db"
)

// Service defines the trading operations exposed to the control surface.
type Service interface {
	// Session commands
	StartTrading(ctx context.Context, userID string, cfg controller.StartConfig) error
	StopTrading(ctx context.Context, userID string) (wasRunning bool, err error)
	PauseTrading(ctx context.Context, userID string) error
	ResumeTrading(ctx context.Context, userID string) error

	// Account events
	Deposit(ctx context.Context, userID string, amount decimal.Decimal) error
	Withdraw(ctx context.Context, userID string, amount decimal.Decimal) error
	SaveCredentials(ctx context.Context, userID string, mode account.Mode, token string) error

	// Session queries
	Status(ctx context.Context, userID string) controller.Status
	ActiveTrades(ctx context.Context, userID string) []order.Trade
	History(ctx context.Context, userID string) (*History, error)
	QueryTrades(ctx context.Context, userID string, f db.TradeFilter) ([]order.Trade, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
