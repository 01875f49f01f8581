package stream

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-match/internal/matching"
	"github.com/rs/zerolog/log"
)

const (
	TypeTrade = "trade"
	TypeOrder = "order"
)

// Event is one message on the /ws stream.
type Event struct {
	Type   string      `json:"type"`
	Symbol string      `json:"symbol"`
	Data   interface{} `json:"data"`
}

// TradeEvent wraps a trade for broadcasting.
func TradeEvent(t matching.Trade) Event {
	return Event{Type: TypeTrade, Symbol: t.Symbol, Data: t}
}

// OrderEvent wraps an order state change for broadcasting.
func OrderEvent(o matching.Order) Event {
	return Event{Type: TypeOrder, Symbol: o.Symbol, Data: o}
}

// Events is the hub the processor publishes matching events on.
type Events = Hub[Event]

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// Handler streams events to a websocket client. The optional symbol query
// parameter restricts the stream to one book.
func Handler(hub *Events) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()

		symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
		sub := hub.Subscribe(64)
		defer hub.Unsubscribe(sub)

		// The read loop only exists to notice the client going away.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case ev, ok := <-sub.C():
				if !ok {
					return
				}
				if symbol != "" && ev.Symbol != symbol {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}
}
