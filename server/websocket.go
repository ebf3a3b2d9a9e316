package server

import (
	"sync"
	"time"

	"github.com/dotside-studios/davi-isodep-agent/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

// Conn serializes writes to an API websocket connection.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send writes one message envelope.
func (c *Conn) Send(id, msgType string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(protocol.WebSocketMessage{ID: id, Type: msgType, Payload: payload})
}

// SendError writes a structured error response.
func (c *Conn) SendError(id, code, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.ws.WriteJSON(protocol.WebSocketResponse{
		ID:      id,
		Type:    protocol.WSTypeError,
		Success: false,
		Error:   message,
		Payload: map[string]string{"code": code},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to send error response")
	}
}
