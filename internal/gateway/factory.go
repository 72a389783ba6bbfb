package gateway

import (
	"context"
	"fmt"

	"digit-trader/internal/account"
	"digit-trader/pkg/broker"
	"digit-trader/pkg/broker/deriv"
	"digit-trader/pkg/broker/paper"
)

// Venue kinds accepted by FactoryConfig.Venue.
const (
	VenuePaper = "paper"
	VenueDeriv = "deriv"
)

// Factory opens a broker connection for one account. token is empty when
// the user has not stored credentials for mode.
type Factory func(ctx context.Context, userID string, mode account.Mode, token string) (broker.Broker, error)

// FactoryConfig selects and configures the venue.
type FactoryConfig struct {
	Venue string
	Deriv deriv.Config // Token is filled per account
	Paper paper.Config
}

// NewFactory returns the default venue factory. With the paper venue every
// account gets its own simulated book. With Deriv, DEMO accounts without a
// token fall back to a simulated book; LIVE accounts require a token.
func NewFactory(cfg FactoryConfig) Factory {
	return func(ctx context.Context, userID string, mode account.Mode, token string) (broker.Broker, error) {
		switch cfg.Venue {
		case VenuePaper, "":
			return paper.New(cfg.Paper), nil
		case VenueDeriv:
			if token == "" {
				if mode == account.ModeDemo {
					return paper.New(cfg.Paper), nil
				}
				return nil, fmt.Errorf("%s account for %s: %w", mode, userID, ErrCredentialsMissing)
			}
			dc := cfg.Deriv
			dc.Token = token
			return deriv.New(dc), nil
		default:
			return nil, fmt.Errorf("unsupported venue: %s", cfg.Venue)
		}
	}
}
