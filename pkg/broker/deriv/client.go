// Package deriv implements the broker interfaces over the Deriv websocket API.
package deriv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"digit-trader/pkg/broker"
)

const (
	DefaultEndpoint = "wss://ws.derivws.com/websockets/v3"
	DefaultAppID    = "1089"

	defaultCallTimeout      = 15 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultReadLimit        = 1 << 20
)

// Config configures a venue connection.
type Config struct {
	Endpoint          string // without query string
	AppID             string
	Token             string // empty for market-data-only connections
	Currency          string
	RequestsPerSecond float64
	CallTimeout       time.Duration
}

// URL returns the websocket URL including the application id.
func (c Config) URL() string {
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	appID := c.AppID
	if appID == "" {
		appID = DefaultAppID
	}
	return endpoint + "?app_id=" + appID
}

type frame struct {
	env  envelope
	data []byte
}

// Client multiplexes request/response calls and subscriptions over one
// websocket connection. It is safe for concurrent use and redials lazily
// after the connection drops.
type Client struct {
	cfg    Config
	pacer  *broker.Pacer
	dialer websocket.Dialer
	logger zerolog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	currency string
	pending  map[int64]chan frame
	subs     map[int64]chan frame
	closed   bool

	writeMu sync.Mutex
}

// New creates a client. No connection is opened until the first call.
func New(cfg Config) *Client {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	return &Client{
		cfg:   cfg,
		pacer: broker.NewPacer(cfg.RequestsPerSecond, 5),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		},
		logger:   log.With().Str("component", "deriv").Logger(),
		currency: cfg.Currency,
		pending:  make(map[int64]chan frame),
		subs:     make(map[int64]chan frame),
	}
}

// Close shuts the connection down. Subsequent calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

// ensureConn dials and authorizes when there is no live connection.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, broker.ErrNotConnected
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL(), nil)
	if err != nil {
		if resp != nil {
			c.logger.Error().Err(err).Int("status", resp.StatusCode).Msg("dial failed")
		}
		return nil, fmt.Errorf("%w: dial: %v", broker.ErrNotConnected, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	c.mu.Lock()
	if c.conn != nil || c.closed {
		// Lost the race against another dialer or a Close.
		existing := c.conn
		c.mu.Unlock()
		_ = conn.Close()
		if existing == nil {
			return nil, broker.ErrNotConnected
		}
		return existing, nil
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	c.logger.Info().Str("endpoint", c.cfg.Endpoint).Msg("venue connection established")

	if c.cfg.Token != "" {
		var auth authorizeResponse
		if err := c.call(ctx, map[string]any{"authorize": c.cfg.Token}, &auth); err != nil {
			c.drop(conn, err)
			return nil, fmt.Errorf("authorize: %w", err)
		}
		c.mu.Lock()
		if auth.Authorize.Currency != "" {
			c.currency = auth.Authorize.Currency
		}
		c.mu.Unlock()
		c.logger.Info().Str("login", auth.Authorize.LoginID).Bool("virtual", auth.Authorize.IsVirtual == 1).Msg("authorized")
	}
	return conn, nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info().Msg("venue connection closed")
			} else {
				c.logger.Warn().Err(err).Msg("venue read error")
			}
			c.drop(conn, err)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Error().Err(err).Msg("invalid frame")
			continue
		}

		c.mu.Lock()
		if ch, ok := c.subs[env.ReqID]; ok {
			select {
			case ch <- frame{env: env, data: data}:
			default:
				c.logger.Warn().Int64("req_id", env.ReqID).Msg("subscriber slow, frame dropped")
			}
			c.mu.Unlock()
			continue
		}
		ch, ok := c.pending[env.ReqID]
		if ok {
			delete(c.pending, env.ReqID)
		}
		c.mu.Unlock()

		if ok {
			ch <- frame{env: env, data: data}
		}
	}
}

// drop tears down conn and fails every waiter bound to it.
func (c *Client) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	subs := c.subs
	c.pending = make(map[int64]chan frame)
	c.subs = make(map[int64]chan frame)
	c.mu.Unlock()

	_ = conn.Close()
	for id, ch := range pending {
		ch <- frame{env: envelope{ReqID: id, Error: &apiError{Code: "Disconnected", Message: errString(cause)}}}
	}
	for _, ch := range subs {
		close(ch)
	}
}

func errString(err error) string {
	if err == nil {
		return "connection dropped"
	}
	return err.Error()
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, payload any) error {
	if err := c.pacer.Wait(ctx); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("%w: write: %v", broker.ErrNotConnected, err)
	}
	return nil
}

// call sends a request and decodes the correlated response into out.
func (c *Client) call(ctx context.Context, req map[string]any, out any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		var err error
		if conn, err = c.ensureConn(ctx); err != nil {
			return err
		}
	}

	id := c.nextID.Add(1)
	req["req_id"] = id
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, req); err != nil {
		c.forgetPending(id)
		return err
	}

	select {
	case f := <-ch:
		if f.env.Error != nil {
			if f.env.Error.Code == "Disconnected" {
				return fmt.Errorf("%w: %w: %s", broker.ErrNoAck, broker.ErrNotConnected, f.env.Error.Message)
			}
			return f.env.Error.classify()
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(f.data, out); err != nil {
			return fmt.Errorf("decode %s: %w", f.env.MsgType, err)
		}
		return nil
	case <-ctx.Done():
		c.forgetPending(id)
		return ctx.Err()
	}
}

func (c *Client) forgetPending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// subscribe registers a streaming request. Every frame carrying the request id
// is delivered on the returned channel until stop is called or the connection
// drops. stop takes the venue subscription id seen on the stream, if any.
func (c *Client) subscribe(ctx context.Context, req map[string]any, buffer int) (<-chan frame, func(subID string), error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, nil, err
	}
	id := c.nextID.Add(1)
	req["req_id"] = id
	req["subscribe"] = 1
	ch := make(chan frame, buffer)
	c.mu.Lock()
	c.subs[id] = ch
	c.mu.Unlock()

	if err := c.write(ctx, conn, req); err != nil {
		c.unsubscribe(id, "")
		return nil, nil, err
	}

	var once sync.Once
	stop := func(subID string) {
		once.Do(func() { c.unsubscribe(id, subID) })
	}
	return ch, stop, nil
}

func (c *Client) unsubscribe(id int64, subID string) {
	c.mu.Lock()
	ch, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	conn := c.conn
	c.mu.Unlock()
	if ok {
		close(ch)
	}
	if subID == "" || conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()
	if err := c.write(ctx, conn, map[string]any{"forget": subID, "req_id": c.nextID.Add(1)}); err != nil {
		c.logger.Debug().Err(err).Str("subscription", subID).Msg("forget failed")
	}
}

// Balance implements broker.Broker.
func (c *Client) Balance(ctx context.Context) (broker.Balance, error) {
	var resp balanceResponse
	if err := c.call(ctx, map[string]any{"balance": 1}, &resp); err != nil {
		return broker.Balance{}, err
	}
	return broker.Balance{Amount: resp.Balance.Balance, Currency: resp.Balance.Currency}, nil
}

// Buy implements broker.Broker. The client request id travels in passthrough
// and is echoed back by the venue.
func (c *Client) Buy(ctx context.Context, req broker.ContractRequest) (broker.Receipt, error) {
	currency := req.Currency
	if currency == "" {
		c.mu.Lock()
		currency = c.currency
		c.mu.Unlock()
	}
	if currency == "" {
		currency = "USD"
	}
	stake := req.Stake.InexactFloat64()
	payload := buyRequest{
		Buy:   1,
		Price: stake,
		Parameters: buyParameters{
			Amount:       stake,
			Basis:        "stake",
			ContractType: string(req.ContractType),
			Currency:     currency,
			Duration:     req.Duration,
			DurationUnit: req.DurationUnit,
			Symbol:       req.Symbol,
			Barrier:      req.Barrier,
			Barrier2:     req.Barrier2,
		},
		Passthrough: map[string]string{"client_request_id": req.ClientRequestID},
	}

	raw, err := toMap(payload)
	if err != nil {
		return broker.Receipt{}, err
	}
	var resp buyResponse
	if err := c.call(ctx, raw, &resp); err != nil {
		return broker.Receipt{}, err
	}
	clientID := resp.Passthrough["client_request_id"]
	if clientID == "" {
		clientID = req.ClientRequestID
	}
	return broker.Receipt{
		ContractID:      resp.Buy.ContractID.String(),
		ClientRequestID: clientID,
		BuyPrice:        resp.Buy.BuyPrice,
		Payout:          resp.Buy.Payout,
		PurchaseTime:    time.Unix(resp.Buy.PurchaseTime, 0).UTC(),
	}, nil
}

// ContractStatus implements broker.Broker.
func (c *Client) ContractStatus(ctx context.Context, contractID string) (broker.ContractStatus, error) {
	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil {
		return broker.ContractStatus{}, fmt.Errorf("%w: invalid contract id %q", broker.ErrRejected, contractID)
	}
	var resp openContractResponse
	if err := c.call(ctx, map[string]any{"proposal_open_contract": 1, "contract_id": id}, &resp); err != nil {
		return broker.ContractStatus{}, err
	}
	if resp.ProposalOpenContract.ContractID == "" {
		return broker.ContractStatus{}, fmt.Errorf("%w: %s", broker.ErrNotFound, contractID)
	}
	return resp.ProposalOpenContract.status(), nil
}

// RecentContracts implements broker.Broker from the open portfolio plus the
// profit table of contracts settled since the given time.
func (c *Client) RecentContracts(ctx context.Context, since time.Time) ([]broker.ContractRecord, error) {
	var portfolio portfolioResponse
	if err := c.call(ctx, map[string]any{"portfolio": 1}, &portfolio); err != nil {
		return nil, fmt.Errorf("portfolio: %w", err)
	}
	var table profitTableResponse
	req := map[string]any{"profit_table": 1, "description": 1, "limit": 50, "date_from": since.Unix()}
	if err := c.call(ctx, req, &table); err != nil {
		return nil, fmt.Errorf("profit table: %w", err)
	}

	seen := make(map[string]bool)
	var out []broker.ContractRecord
	for _, ct := range portfolio.Portfolio.Contracts {
		purchased := time.Unix(ct.PurchaseTime, 0).UTC()
		if purchased.Before(since) {
			continue
		}
		id := ct.ContractID.String()
		seen[id] = true
		out = append(out, broker.ContractRecord{
			ContractID:   id,
			ContractType: broker.ContractType(ct.ContractType),
			Symbol:       ct.Symbol,
			BuyPrice:     ct.BuyPrice,
			PurchaseTime: purchased,
		})
	}
	for _, tx := range table.ProfitTable.Transactions {
		id := tx.ContractID.String()
		if seen[id] {
			continue
		}
		out = append(out, broker.ContractRecord{
			ContractID:   id,
			ContractType: contractTypeFromShortCode(tx.ShortCode),
			BuyPrice:     tx.BuyPrice,
			PurchaseTime: time.Unix(tx.PurchaseTime, 0).UTC(),
		})
	}
	return out, nil
}

// WatchContract implements broker.ContractWatcher.
func (c *Client) WatchContract(ctx context.Context, contractID string) (<-chan broker.ContractStatus, error) {
	id, err := strconv.ParseInt(contractID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid contract id %q", broker.ErrRejected, contractID)
	}
	frames, stop, err := c.subscribe(ctx, map[string]any{"proposal_open_contract": 1, "contract_id": id}, 16)
	if err != nil {
		return nil, err
	}
	out := make(chan broker.ContractStatus, 1)
	go func() {
		subID := ""
		defer close(out)
		defer func() { stop(subID) }()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				if f.env.Error != nil {
					c.logger.Warn().Str("contract", contractID).Err(f.env.Error).Msg("contract stream error")
					return
				}
				if f.env.Subscription != nil {
					subID = f.env.Subscription.ID
				}
				var resp openContractResponse
				if err := json.Unmarshal(f.data, &resp); err != nil {
					continue
				}
				st := resp.ProposalOpenContract.status()
				if !st.Settled() {
					continue
				}
				select {
				case out <- st:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// StreamTicks implements broker.TickSource.
func (c *Client) StreamTicks(ctx context.Context, symbol string) (<-chan broker.Quote, error) {
	frames, stop, err := c.subscribe(ctx, map[string]any{"ticks": symbol}, 256)
	if err != nil {
		return nil, err
	}
	out := make(chan broker.Quote, 256)
	go func() {
		subID := ""
		defer close(out)
		defer func() { stop(subID) }()
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-frames:
				if !ok {
					return
				}
				if f.env.Error != nil {
					c.logger.Warn().Str("symbol", symbol).Err(f.env.Error).Msg("tick stream error")
					return
				}
				if f.env.Subscription != nil {
					subID = f.env.Subscription.ID
				}
				var tf tickFrame
				if err := json.Unmarshal(f.data, &tf); err != nil || tf.Tick.Symbol == "" {
					continue
				}
				q := broker.Quote{
					Symbol:  tf.Tick.Symbol,
					Price:   tf.Tick.Quote,
					PipSize: tf.Tick.PipSize,
					Time:    time.Unix(tf.Tick.Epoch, 0).UTC(),
				}
				select {
				case out <- q:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// ServerTime implements broker.ServerClock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp timeResponse
	if err := c.call(ctx, map[string]any{"time": 1}, &resp); err != nil {
		return time.Time{}, err
	}
	return time.Unix(resp.Time, 0).UTC(), nil
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ broker.Broker          = (*Client)(nil)
	_ broker.ContractWatcher = (*Client)(nil)
	_ broker.TickSource      = (*Client)(nil)
	_ broker.ServerClock     = (*Client)(nil)
)
