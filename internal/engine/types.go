package engine

import (
	"time"

	"digit-trader/internal/gateway"
	"digit-trader/internal/market"
	"digit-trader/internal/order"
	"digit-trader/pkg/cache"
)

// History is the bounded trade and tick history of a user.
type History struct {
	Trades []order.Trade `json:"trades"`
	Ticks  []market.Tick `json:"ticks"`
	Source string        `json:"source"` // "session" or "store"
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Venue          string                 `json:"venue"`
	Version        string                 `json:"version"`
	Symbols        []string               `json:"symbols"`
	UseMockFeed    bool                   `json:"use_mock_feed"`
	ServerTime     time.Time              `json:"server_time"`
	Controllers    int                    `json:"controllers"`
	RunningUsers   int                    `json:"running_users"`
	Gateways       *gateway.PoolStats     `json:"gateways,omitempty"`
	Quotes         map[string]cache.Quote `json:"quotes,omitempty"`
	DroppedEvents  uint64                 `json:"dropped_events"`
	CredentialsSet bool                   `json:"credentials_enabled"`
}
