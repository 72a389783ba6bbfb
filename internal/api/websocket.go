package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"digit-trader/internal/events"
	"digit-trader/internal/market"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// tickMessage is the frame pushed to websocket clients.
type tickMessage struct {
	Type   string    `json:"type"`
	Symbol string    `json:"symbol"`
	Price  string    `json:"price"`
	Digit  int       `json:"digit"`
	Time   time.Time `json:"time"`
}

func frame(kind string, t market.Tick) tickMessage {
	return tickMessage{Type: kind, Symbol: t.Symbol, Price: t.Price.String(), Digit: t.Digit, Time: t.Time}
}

// websocket pushes ticks, optionally filtered by ?symbol=. The latest
// cached quote for the symbol is sent first as a snapshot.
func (s *Server) websocket(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade error")
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	stream, unsub := s.Bus.Subscribe(events.EventPriceTick, 100)
	defer unsub()

	if symbol != "" && s.Quotes != nil {
		if q, ok := s.Quotes.Get(symbol); ok {
			snap := market.Tick{Symbol: q.Symbol, Price: q.Price, Digit: q.Digit, Time: q.At}
			if err := s.writeFrame(conn, frame("snapshot", snap)); err != nil {
				return
			}
		}
	}

	// Reader goroutine: handles pongs and notices client disconnects.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case msg, ok := <-stream:
			if !ok {
				return
			}
			t, isTick := msg.(market.Tick)
			if !isTick || (symbol != "" && t.Symbol != symbol) {
				continue
			}
			if err := s.writeFrame(conn, frame("tick", t)); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, m tickMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(m)
}
