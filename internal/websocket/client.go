// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/familysync/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// clientIDCounter hands out monotonically increasing client IDs so
// broadcasts visit clients in a stable order.
var clientIDCounter atomic.Uint64

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Message

	// filterMu guards filter. A nil filter means every message type.
	filterMu sync.RWMutex
	filter   map[string]struct{}
}

// NewClient creates a client with a unique ID.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:   clientIDCounter.Add(1),
		hub:  hub,
		conn: conn,
		send: make(chan Message, 256),
	}
}

// ID returns the client's identifier.
func (c *Client) ID() uint64 {
	return c.id
}

// Wants reports whether the client subscribed to a message type.
// Pong and welcome frames always pass.
func (c *Client) Wants(messageType string) bool {
	if messageType == MessageTypePong || messageType == MessageTypeWelcome {
		return true
	}
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[messageType]
	return ok
}

// Subscribe restricts the client to the given message types. An empty list
// restores delivery of everything.
func (c *Client) Subscribe(types []string) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	if len(types) == 0 {
		c.filter = nil
		return
	}
	c.filter = make(map[string]struct{}, len(types))
	for _, t := range types {
		c.filter[t] = struct{}{}
	}
}

// handle processes one inbound frame.
func (c *Client) handle(msg Message) {
	switch msg.Type {
	case MessageTypePing:
		c.trySend(Message{Type: MessageTypePong})

	case MessageTypeSubscribe:
		raw, _ := msg.Data.([]any)
		types := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok && s != "" {
				types = append(types, s)
			}
		}
		c.Subscribe(types)
		logging.Debug().Uint64("client_id", c.id).Strs("types", types).Msg("websocket client subscription updated")

	default:
		logging.Debug().Uint64("client_id", c.id).Str("type", msg.Type).Msg("ignoring websocket message")
	}
}

// Greet queues a welcome frame carrying an initial snapshot.
func (c *Client) Greet(data any) {
	c.trySend(Message{Type: MessageTypeWelcome, Data: data})
}

func (c *Client) trySend(msg Message) {
	defer func() {
		// send may already be closed by the hub
		_ = recover()
	}()
	select {
	case c.send <- msg:
	default:
	}
}

// readPump pumps messages from the websocket connection to the client handler.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		c.handle(msg)
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}

			if !ok {
				// the hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				logging.Error().Err(err).Msg("failed to write JSON message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client.
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
