package deriv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"digit-trader/pkg/broker"
)

// fakeVenue answers a small subset of the venue protocol.
type fakeVenue struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	requests []map[string]any
	handler  func(req map[string]any) []map[string]any
}

func newFakeVenue(t *testing.T, handler func(req map[string]any) []map[string]any) (*fakeVenue, *httptest.Server) {
	fv := &fakeVenue{t: t, handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(fv.serve))
	t.Cleanup(srv.Close)
	return fv, srv
}

func (fv *fakeVenue) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := fv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		fv.mu.Lock()
		fv.requests = append(fv.requests, req)
		fv.mu.Unlock()
		for _, resp := range fv.handler(req) {
			if resp["hangup"] != nil {
				return
			}
			resp["req_id"] = req["req_id"]
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}
}

func (fv *fakeVenue) seen(key string) []map[string]any {
	fv.mu.Lock()
	defer fv.mu.Unlock()
	var out []map[string]any
	for _, r := range fv.requests {
		if _, ok := r[key]; ok {
			out = append(out, r)
		}
	}
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func defaultHandler(req map[string]any) []map[string]any {
	switch {
	case req["authorize"] != nil:
		return []map[string]any{{
			"msg_type":  "authorize",
			"authorize": map[string]any{"loginid": "VRTC1", "currency": "USD", "balance": 1000, "is_virtual": 1},
		}}
	case req["balance"] != nil:
		return []map[string]any{{
			"msg_type": "balance",
			"balance":  map[string]any{"balance": 987.65, "currency": "USD"},
		}}
	case req["time"] != nil:
		return []map[string]any{{"msg_type": "time", "time": 1700000000}}
	}
	return []map[string]any{{"msg_type": "error", "error": map[string]any{"code": "UnrecognisedRequest", "message": "unknown"}}}
}

func TestClientAuthorizesAndReadsBalance(t *testing.T) {
	fv, srv := newFakeVenue(t, defaultHandler)
	c := New(Config{Endpoint: wsURL(srv), Token: "secret"})
	defer c.Close()

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(decimal.RequireFromString("987.65")))
	assert.Equal(t, "USD", bal.Currency)

	auth := fv.seen("authorize")
	require.Len(t, auth, 1)
	assert.Equal(t, "secret", auth[0]["authorize"])
}

func TestClientBuyEchoesClientRequestID(t *testing.T) {
	fv, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["buy"] == nil {
			return defaultHandler(req)
		}
		return []map[string]any{{
			"msg_type": "buy",
			"buy": map[string]any{
				"contract_id":   123456789,
				"buy_price":     1,
				"payout":        1.95,
				"purchase_time": 1700000001,
			},
			"passthrough": req["passthrough"],
		}}
	})
	c := New(Config{Endpoint: wsURL(srv), Token: "secret"})
	defer c.Close()

	receipt, err := c.Buy(context.Background(), broker.ContractRequest{
		ClientRequestID: "cid-1",
		ContractType:    broker.DigitEven,
		Symbol:          "R_100",
		Stake:           decimal.NewFromInt(1),
		Duration:        5,
		DurationUnit:    broker.UnitTicks,
	})
	require.NoError(t, err)
	assert.Equal(t, "123456789", receipt.ContractID)
	assert.Equal(t, "cid-1", receipt.ClientRequestID)
	assert.True(t, receipt.Payout.Equal(decimal.RequireFromString("1.95")))
	assert.Equal(t, int64(1700000001), receipt.PurchaseTime.Unix())

	buys := fv.seen("buy")
	require.Len(t, buys, 1)
	params := buys[0]["parameters"].(map[string]any)
	assert.Equal(t, "DIGITEVEN", params["contract_type"])
	assert.Equal(t, "stake", params["basis"])
	assert.Equal(t, "USD", params["currency"])
}

func TestClientClassifiesVenueErrors(t *testing.T) {
	_, authSrv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["authorize"] != nil {
			return []map[string]any{{"msg_type": "authorize", "error": map[string]any{"code": "InvalidToken", "message": "bad"}}}
		}
		return defaultHandler(req)
	})
	c := New(Config{Endpoint: wsURL(authSrv), Token: "bad"})
	_, err := c.Balance(context.Background())
	require.ErrorIs(t, err, broker.ErrAuth)
	c.Close()

	_, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["buy"] != nil {
			return []map[string]any{{"msg_type": "buy", "error": map[string]any{"code": "InsufficientBalance", "message": "no funds"}}}
		}
		return defaultHandler(req)
	})
	c = New(Config{Endpoint: wsURL(srv), Token: "good"})
	defer c.Close()
	_, err = c.Buy(context.Background(), broker.ContractRequest{
		ContractType: broker.DigitOdd, Symbol: "R_100", Stake: decimal.NewFromInt(1), Duration: 1, DurationUnit: broker.UnitTicks,
	})
	require.ErrorIs(t, err, broker.ErrRejected)
	assert.False(t, broker.IsTransient(err))
}

func TestClientCallTimesOut(t *testing.T) {
	_, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["balance"] != nil {
			return nil
		}
		return defaultHandler(req)
	})
	c := New(Config{Endpoint: wsURL(srv), CallTimeout: 100 * time.Millisecond})
	defer c.Close()

	_, err := c.Balance(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, broker.IsTransient(err))
}

func TestClientStreamsTicks(t *testing.T) {
	_, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["ticks"] == nil {
			return defaultHandler(req)
		}
		var out []map[string]any
		for i, q := range []float64{1234.56, 1234.57, 1234.5} {
			out = append(out, map[string]any{
				"msg_type":     "tick",
				"subscription": map[string]any{"id": "sub-1"},
				"tick": map[string]any{
					"symbol":   req["ticks"],
					"quote":    q,
					"epoch":    1700000000 + i,
					"pip_size": 2,
				},
			})
		}
		return out
	})
	c := New(Config{Endpoint: wsURL(srv)})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quotes, err := c.StreamTicks(ctx, "R_100")
	require.NoError(t, err)

	var got []broker.Quote
	for len(got) < 3 {
		select {
		case q := <-quotes:
			got = append(got, q)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d quotes", len(got))
		}
	}
	assert.Equal(t, "R_100", got[0].Symbol)
	assert.Equal(t, 2, got[0].PipSize)
	assert.True(t, got[1].Price.Equal(decimal.RequireFromString("1234.57")))
}

func TestClientTickStreamClosesOnDisconnect(t *testing.T) {
	_, venue := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["ticks"] != nil {
			return []map[string]any{{"hangup": true}}
		}
		return defaultHandler(req)
	})
	c := New(Config{Endpoint: wsURL(venue)})
	defer c.Close()

	quotes, err := c.StreamTicks(context.Background(), "R_50")
	require.NoError(t, err)

	select {
	case _, ok := <-quotes:
		assert.False(t, ok, "expected channel close")
	case <-time.After(2 * time.Second):
		t.Fatal("tick channel not closed after disconnect")
	}
}

func TestClientWatchContractDeliversSettlement(t *testing.T) {
	_, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		if req["proposal_open_contract"] == nil {
			return defaultHandler(req)
		}
		open := map[string]any{"contract_id": 42, "is_sold": 0, "status": "open", "profit": 0.1}
		sold := map[string]any{"contract_id": 42, "is_sold": 1, "status": "won", "profit": 0.95, "payout": 1.95, "sell_time": 1700000010}
		return []map[string]any{
			{"msg_type": "proposal_open_contract", "subscription": map[string]any{"id": "poc-1"}, "proposal_open_contract": open},
			{"msg_type": "proposal_open_contract", "subscription": map[string]any{"id": "poc-1"}, "proposal_open_contract": sold},
		}
	})
	c := New(Config{Endpoint: wsURL(srv), Token: "t"})
	defer c.Close()

	updates, err := c.WatchContract(context.Background(), "42")
	require.NoError(t, err)

	select {
	case st := <-updates:
		assert.Equal(t, broker.ContractWon, st.State)
		assert.True(t, st.Profit.Equal(decimal.RequireFromString("0.95")))
		assert.Equal(t, int64(1700000010), st.SettledAt.Unix())
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement delivered")
	}
}

func TestClientRecentContractsMergesPortfolioAndProfitTable(t *testing.T) {
	_, srv := newFakeVenue(t, func(req map[string]any) []map[string]any {
		switch {
		case req["portfolio"] != nil:
			return []map[string]any{{"msg_type": "portfolio", "portfolio": map[string]any{"contracts": []map[string]any{
				{"contract_id": 1, "contract_type": "DIGITODD", "symbol": "R_100", "buy_price": 2, "purchase_time": 1700000100},
				{"contract_id": 9, "contract_type": "CALL", "symbol": "R_100", "buy_price": 2, "purchase_time": 1600000000},
			}}}}
		case req["profit_table"] != nil:
			return []map[string]any{{"msg_type": "profit_table", "profit_table": map[string]any{"transactions": []map[string]any{
				{"contract_id": 1, "buy_price": 2, "purchase_time": 1700000100, "shortcode": "DIGITODD_R_100_3.9_1700000100_1T"},
				{"contract_id": 2, "buy_price": 1, "purchase_time": 1700000200, "shortcode": "DIGITMATCH_R_100_9_1700000200_1T_7_0"},
			}}}}
		}
		return defaultHandler(req)
	})
	c := New(Config{Endpoint: wsURL(srv), Token: "t"})
	defer c.Close()

	recs, err := c.RecentContracts(context.Background(), time.Unix(1700000000, 0))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1", recs[0].ContractID)
	assert.Equal(t, "R_100", recs[0].Symbol)
	assert.Equal(t, "2", recs[1].ContractID)
	assert.Equal(t, broker.DigitMatch, recs[1].ContractType)
}

func TestClientServerTime(t *testing.T) {
	_, srv := newFakeVenue(t, defaultHandler)
	c := New(Config{Endpoint: wsURL(srv)})
	defer c.Close()

	ts := broker.NewTimeSync(c, time.Minute)
	require.NoError(t, ts.Sync(context.Background()))
	// Fake venue reports a fixed 2023 timestamp.
	assert.Less(t, ts.Offset(), time.Duration(0))
}

func TestClosedClientRefusesCalls(t *testing.T) {
	_, srv := newFakeVenue(t, defaultHandler)
	c := New(Config{Endpoint: wsURL(srv)})
	require.NoError(t, c.Close())
	_, err := c.Balance(context.Background())
	require.ErrorIs(t, err, broker.ErrNotConnected)
}

func TestConfigURL(t *testing.T) {
	assert.Equal(t, DefaultEndpoint+"?app_id="+DefaultAppID, Config{}.URL())
	assert.Equal(t, "ws://x?app_id=7", Config{Endpoint: "ws://x", AppID: "7"}.URL())
}

func TestShortCodeParsing(t *testing.T) {
	assert.Equal(t, broker.DigitEven, contractTypeFromShortCode("DIGITEVEN_R_100_1.95_1700000000_5T_S0P_0"))
	assert.Equal(t, broker.ContractType(""), contractTypeFromShortCode("garbage"))
}
