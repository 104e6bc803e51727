// internal/realtime/conn.go
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/wire"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 30 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB

	maxContentLength = 4000
)

var validStatuses = map[string]bool{"online": true, "away": true, "busy": true, "offline": true}

// Conn is one authenticated websocket on one endpoint
type Conn struct {
	id       string
	endpoint string
	userID   string
	userName string

	ws        *websocket.Conn
	hub       *Hub
	send      chan []byte   // outbound message queue
	done      chan struct{} // closed when connection ends
	closeOnce sync.Once
}

// NewConn creates a new connection and registers it with the hub
func (h *Hub) NewConn(ws *websocket.Conn, endpoint, userID, userName string) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		endpoint: endpoint,
		userID:   userID,
		userName: userName,
		ws:       ws,
		hub:      h,
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// Send queues env. It returns false when the connection is closed or its
// buffer is full.
func (c *Conn) Send(env wire.Envelope) bool {
	data, err := wire.Encode(env)
	if err != nil {
		log.Warn("realtime: cannot encode envelope", "conn_id", c.id, "type", env.Type, "error", err.Error())
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		log.Warn("realtime: send buffer full, dropping message", "conn_id", c.id, "type", env.Type)
		return false
	}
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// ReadPump reads messages from the WebSocket connection
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		// Any frame proves the peer is alive.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := wire.DecodeEnvelope(data)
		if err != nil {
			n := min(len(data), 100)
			log.Debug("realtime: invalid message", "conn_id", c.id, "error", err.Error(), "raw", string(data[:n]), "len", len(data))
			c.sendError("invalid_message", err.Error())
			continue
		}

		c.handleMessage(env)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Conn) handleMessage(env wire.Envelope) {
	log.Debug("realtime: handleMessage", "conn_id", c.id, "endpoint", c.endpoint, "type", env.Type)

	switch {
	case env.Type == wire.TypePing:
		reply, _ := wire.NewEnvelope(wire.TypePong, nil)
		reply.ID = env.ID
		c.Send(reply)
	case env.Type == wire.TypeSendMessage && c.endpoint == wire.EndpointMessaging:
		c.handleSendMessage(env)
	case env.Type == wire.TypeSetStatus && c.endpoint == wire.EndpointUserStatus:
		c.handleSetStatus(env)
	default:
		c.sendError("unsupported_event", fmt.Sprintf("%s is not accepted on %s", env.Type, c.endpoint))
	}
}

// handleSendMessage stores a chat message and relays it to the recipient
func (c *Conn) handleSendMessage(env wire.Envelope) {
	var req wire.SendMessage
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.sendError("invalid_payload", err.Error())
		return
	}
	if req.To == "" || req.Content == "" {
		c.sendError("invalid_payload", "to and content are required")
		return
	}
	if len(req.Content) > maxContentLength {
		c.sendError("invalid_payload", "message too long")
		return
	}

	msg := db.Message{ID: env.ID, SenderID: c.userID, RecipientID: req.To, Content: req.Content}
	if c.hub.db != nil {
		stored, err := c.hub.db.InsertMessage(context.Background(), msg)
		if err != nil {
			log.Error("realtime: cannot store message", "conn_id", c.id, "error", err.Error())
			c.sendError("server_error", "message not stored")
			return
		}
		msg = stored
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	out, err := wire.NewEnvelope(wire.TypeNewMessage, wire.NewMessage{
		ID:          msg.ID,
		SenderID:    c.userID,
		SenderName:  c.userName,
		RecipientID: req.To,
		Content:     req.Content,
		SentAt:      wire.Time{Time: msg.CreatedAt},
	})
	if err != nil {
		return
	}
	out.ID = msg.ID
	delivered := c.hub.sendToUser(wire.EndpointMessaging, req.To, out)
	log.Debug("realtime: message relayed", "from", c.userID, "to", req.To, "connections", delivered)
}

// handleSetStatus updates the sender's status and broadcasts it
func (c *Conn) handleSetStatus(env wire.Envelope) {
	var req wire.SetStatus
	if err := json.Unmarshal(env.Data, &req); err != nil {
		c.sendError("invalid_payload", err.Error())
		return
	}
	if !validStatuses[req.Status] {
		c.sendError("invalid_payload", fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	c.hub.presence.SetStatus(c.userID, req.Status, req.CustomMessage)
	if c.hub.db != nil {
		if err := c.hub.db.SetUserStatus(context.Background(), c.userID, req.Status, req.CustomMessage); err != nil {
			log.Warn("realtime: cannot persist status", "user_id", c.userID, "error", err.Error())
		}
	}

	online := req.Status != "offline"
	out, err := wire.NewEnvelope(wire.TypeUserStatusUpdate, wire.UserStatusUpdate{
		UserID:        c.userID,
		UserName:      c.userName,
		Status:        req.Status,
		CustomMessage: req.CustomMessage,
		IsOnline:      &online,
		LastSeen:      wire.Time{Time: time.Now()},
	})
	if err != nil {
		return
	}
	c.hub.broadcast(context.Background(), wire.EndpointUserStatus, out, "")
}

// sendError sends an error event to this connection
func (c *Conn) sendError(code, message string) {
	env, err := wire.NewEnvelope(wire.TypeError, wire.Error{Code: code, Message: message})
	if err != nil {
		return
	}
	c.Send(env)
}
