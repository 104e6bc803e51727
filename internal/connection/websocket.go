package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/markb/rentrt/internal/log"
)

// Conn is one live transport connection. Read is called from a single
// goroutine; Send never blocks.
type Conn interface {
	Read() ([]byte, error)
	Send(data []byte) bool
	Close() error
}

// Dialer opens the connection for a named endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint, token string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	return f(ctx, endpoint, token)
}

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = 25 * time.Second
	maxMessageSize = 512 * 1024
)

// WebSocketDialer connects to <BaseURL>/realtime/<endpoint>.
type WebSocketDialer struct {
	// BaseURL is the server root, http(s) or ws(s).
	BaseURL string
	Dialer  *websocket.Dialer

	SendBuffer int
	PingPeriod time.Duration
	PongWait   time.Duration
}

// NewWebSocketDialer creates a dialer with default timings.
func NewWebSocketDialer(baseURL string) *WebSocketDialer {
	return &WebSocketDialer{
		BaseURL:    baseURL,
		Dialer:     websocket.DefaultDialer,
		SendBuffer: sendBufferSize,
		PingPeriod: pingPeriod,
		PongWait:   pongWait,
	}
}

// EndpointURL builds the websocket URL for endpoint. The token is carried in
// the query as well as the Authorization header for servers behind proxies
// that strip headers from upgrade requests.
func (d *WebSocketDialer) EndpointURL(endpoint, token string) (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/" + url.PathEscape(endpoint)
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Dial opens the websocket and starts its write pump.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Conn, error) {
	target, err := d.EndpointURL(endpoint, token)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return newWSConn(ws, endpoint, d.SendBuffer, d.PingPeriod, d.PongWait), nil
}

// wsConn pairs a gorilla connection with a buffered write pump.
type wsConn struct {
	ws       *websocket.Conn
	endpoint string
	send     chan []byte
	done     chan struct{}
	once     sync.Once

	pingPeriod time.Duration
	pongWait   time.Duration
}

func newWSConn(ws *websocket.Conn, endpoint string, buffer int, ping, pong time.Duration) *wsConn {
	if buffer <= 0 {
		buffer = sendBufferSize
	}
	if ping <= 0 {
		ping = pingPeriod
	}
	if pong <= ping {
		pong = ping + ping/5
	}
	c := &wsConn{
		ws:         ws,
		endpoint:   endpoint,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		pingPeriod: ping,
		pongWait:   pong,
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(c.pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})
	go c.writePump()
	return c
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("connection: read error", "endpoint", c.endpoint, "error", err.Error())
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warn("connection: send buffer full, dropping message", "endpoint", c.endpoint)
		return false
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		// WriteControl may run concurrently with the write pump.
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("connection: write error", "endpoint", c.endpoint, "error", err.Error())
				c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
