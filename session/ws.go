package session

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/chazu/burrow/pkg/value"
)

// wsTransport adapts a websocket connection to the Transport interface.
// Messages are binary frames; one frame is one message.
type wsTransport struct {
	conn *websocket.Conn
}

// NewWebsocketTransport wraps an upgraded websocket connection.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	return &wsTransport{conn: conn}
}

func (w *wsTransport) Recv() ([]byte, error) {
	for {
		kind, payload, err := w.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("session: websocket read: %w", value.ErrTransportClosed)
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return payload, nil
		}
	}
}

func (w *wsTransport) Send(payload []byte) error {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("session: websocket write: %w", value.ErrTransportClosed)
	}
	return nil
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}

// WSHandler upgrades HTTP requests to websocket sessions on the
// dispatcher.
func WSHandler(d *Dispatcher) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			d.log.Errorf("websocket upgrade: %s", err.Error())
			return
		}
		// The request context dies when this handler returns; the
		// hijacked connection lives on.
		if _, err := d.Attach(context.Background(), NewWebsocketTransport(conn)); err != nil {
			d.log.Errorf("websocket attach: %s", err.Error())
			conn.Close()
		}
	})
}
