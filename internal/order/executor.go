package order

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/events"
	"digit-trader/pkg/broker"
)

// DefaultTimeout bounds a single placement call.
const DefaultTimeout = 10 * time.Second

// Intent is the write-ahead record of a submission attempt.
type Intent struct {
	ClientRequestID string
	TradeID         string
	UserID          string
	Request         TradeRequest
	SubmittedAt     time.Time
}

// Intent outcomes recorded by Journal.Resolve.
const (
	IntentAccepted  = "ACCEPTED"
	IntentRejected  = "REJECTED"
	IntentAmbiguous = "AMBIGUOUS"
)

// Journal persists placement intents before they are sent so an ambiguous
// submission can be matched after a restart.
type Journal interface {
	RecordIntent(ctx context.Context, in Intent) error
	ResolveIntent(ctx context.Context, clientRequestID, outcome, contractID string) error
}

// Executor converts trade requests into venue purchases for one session.
type Executor struct {
	Broker   broker.Broker
	UserID   string
	Currency string
	Timeout  time.Duration
	Bus      *events.Bus
	Journal  Journal // optional
	Clock    func() time.Time
	NewID    func() string

	logger zerolog.Logger
}

// NewExecutor creates an executor for the given session and venue.
func NewExecutor(userID string, b broker.Broker, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{
		Broker:  b,
		UserID:  userID,
		Timeout: timeout,
		Clock:   time.Now,
		NewID:   uuid.NewString,
		logger:  log.With().Str("component", "executor").Str("user", userID).Logger(),
	}
}

// Place submits req once. Every call carries a fresh client request id.
//
// A nil error returns a PENDING trade. When the call times out after the
// request may have been written, the trade is returned with Ambiguous set and
// must be reconciled before anything else is placed. Rejections, auth failures
// and transient failures return *Error and no trade.
func (e *Executor) Place(ctx context.Context, req TradeRequest) (Trade, error) {
	if err := req.Validate(); err != nil {
		return Trade{}, &Error{Kind: KindInvalid, Reason: err.Error(), Err: err}
	}

	t := Trade{
		ID:              e.NewID(),
		UserID:          e.UserID,
		ClientRequestID: e.NewID(),
		Request:         req,
		Status:          StatusPending,
		OpenedAt:        e.Clock().UTC(),
	}

	if e.Journal != nil {
		in := Intent{ClientRequestID: t.ClientRequestID, TradeID: t.ID, UserID: t.UserID, Request: req, SubmittedAt: t.OpenedAt}
		if err := e.Journal.RecordIntent(ctx, in); err != nil {
			return Trade{}, &Error{Kind: KindTransient, Reason: "record intent: " + err.Error(), Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	receipt, err := e.Broker.Buy(callCtx, req.Contract(t.ClientRequestID, e.Currency))
	switch {
	case err == nil:
		t.BrokerContractID = receipt.ContractID
		t.BuyPrice = receipt.BuyPrice
		t.Payout = receipt.Payout
		e.resolve(ctx, t.ClientRequestID, IntentAccepted, receipt.ContractID)
		e.logger.Info().
			Str("trade", t.ID).
			Str("contract", t.BrokerContractID).
			Str("type", string(req.ContractType)).
			Str("stake", req.Stake.StringFixed(2)).
			Msg("contract placed")
	case ambiguous(err):
		t.Ambiguous = true
		t.Note = "placement unacknowledged: " + err.Error()
		e.resolve(ctx, t.ClientRequestID, IntentAmbiguous, "")
		e.logger.Warn().Err(err).Str("trade", t.ID).Str("client_id", t.ClientRequestID).Msg("placement ambiguous, reconciliation required")
	default:
		oe := classify(err)
		e.resolve(ctx, t.ClientRequestID, IntentRejected, "")
		e.logger.Warn().Err(err).Str("kind", string(oe.Kind)).Msg("placement failed")
		return Trade{}, oe
	}

	e.Bus.Publish(events.EventTradeOpened, t)
	return t, nil
}

func (e *Executor) resolve(ctx context.Context, clientID, outcome, contractID string) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.ResolveIntent(context.WithoutCancel(ctx), clientID, outcome, contractID); err != nil {
		e.logger.Error().Err(err).Str("client_id", clientID).Msg("resolve intent failed")
	}
}

// ambiguous reports whether err leaves the venue-side outcome unknown.
func ambiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, broker.ErrNoAck)
}
