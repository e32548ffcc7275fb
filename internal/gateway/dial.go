package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a client connection to a gateway.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to a gateway websocket URL such as ws://127.0.0.1:7681/ws.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

func (c *Conn) Subscribe(session string) error {
	return c.write(ClientMessage{Type: TypeSubscribe, Session: session})
}

func (c *Conn) Unsubscribe(session string) error {
	return c.write(ClientMessage{Type: TypeUnsubscribe, Session: session})
}

func (c *Conn) Input(session string, data []byte) error {
	return c.write(ClientMessage{Type: TypeInput, Session: session, Data: data})
}

func (c *Conn) Resize(session string, cols, rows int) error {
	return c.write(ClientMessage{Type: TypeResize, Session: session, Cols: cols, Rows: rows})
}

func (c *Conn) write(msg ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next server message.
func (c *Conn) Receive() (ServerMessage, error) {
	var msg ServerMessage
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decoding server message: %w", err)
	}
	return msg, nil
}

// Close sends a close frame and closes the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
