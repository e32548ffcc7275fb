package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultSendBuffer is the number of frames queued per client before
	// the client is dropped.
	DefaultSendBuffer = 256

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxMessageSize = 1 << 20
)

// Handler upgrades HTTP requests to websocket clients of a Gateway.
type Handler struct {
	gw         *Gateway
	upgrader   websocket.Upgrader
	sendBuffer int
	logger     *slog.Logger
	nextID     atomic.Uint64
}

type HandlerOption func(*Handler)

func WithSendBuffer(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

func NewHandler(gw *Gateway, opts ...HandlerOption) *Handler {
	h := &Handler{
		gw:         gw,
		sendBuffer: DefaultSendBuffer,
		logger:     slog.New(slog.DiscardHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Mux serves the handler on /ws.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	return mux
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:     fmt.Sprintf("ws-%d", h.nextID.Add(1)),
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	h.gw.Register(c)
	h.logger.Info("client connected", "subscriber", c.id, "remote", r.RemoteAddr)

	go c.writePump()
	c.readLoop(h.gw)

	h.gw.Disconnect(c.id)
	c.close()
	h.logger.Info("client disconnected", "subscriber", c.id)
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func (c *client) ID() string { return c.id }

// Send queues msg. A client whose queue is full is closed rather than
// silently losing output.
func (c *client) Send(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encoding server message", "type", msg.Type, "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client too slow, disconnecting", "subscriber", c.id)
		c.close()
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *client) readLoop(gw *Gateway) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "subscriber", c.id, "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(ServerMessage{Type: TypeError, Error: "invalid message: " + err.Error()})
			continue
		}
		if err := c.dispatch(gw, msg); err != nil {
			c.Send(ServerMessage{Type: TypeError, Session: msg.Session, Error: err.Error()})
		}
	}
}

func (c *client) dispatch(gw *Gateway, msg ClientMessage) error {
	switch msg.Type {
	case TypeSubscribe:
		return gw.Subscribe(msg.Session, c.id)
	case TypeUnsubscribe:
		gw.Unsubscribe(msg.Session, c.id)
		return nil
	case TypeInput:
		return gw.SendInput(msg.Session, msg.Data, c.id)
	case TypeResize:
		if msg.Cols <= 0 || msg.Rows <= 0 {
			return errors.New("resize needs positive cols and rows")
		}
		return gw.Resize(msg.Session, msg.Cols, msg.Rows)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}
