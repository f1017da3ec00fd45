package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsMaxMessage = 64 * 1024
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Session cookies are same-origin; adjust if cross-origin clients appear.
		return true
	},
}

type wsInbound struct {
	Type    string    `json:"type"`
	Channel uuid.UUID `json:"channel,omitempty"`
	Content string    `json:"content,omitempty"`
}

type wsOutbound struct {
	Type    string    `json:"type"`
	Channel uuid.UUID `json:"channel,omitempty"`
	Author  string    `json:"author,omitempty"`
	Content string    `json:"content,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// wsSubscription is one live channel subscription held by a socket: the
// topic cursor plus the cancel for its forwarding goroutine.
type wsSubscription struct {
	sub    *topicSubscriber
	cancel context.CancelFunc
}

// wsClient multiplexes subscribe/send for one connected socket. Each
// subscription runs an independent forwarding goroutine; they share
// nothing but the outbound send buffer.
type wsClient struct {
	state *serverState
	conn  *websocket.Conn
	send  chan []byte
	user  user

	mu            sync.Mutex
	subscriptions map[uuid.UUID]*wsSubscription
	closeOnce     sync.Once
}

func (s *serverState) handleWS(w http.ResponseWriter, r *http.Request) {
	u, _, err := s.resolveSession(r.Context(), r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if !errors.Is(err, http.ErrHijacked) {
			log.Printf("upgrade websocket: %v", err)
		}
		return
	}

	client := &wsClient{
		state:         s,
		conn:          conn,
		send:          make(chan []byte, 64),
		user:          u,
		subscriptions: make(map[uuid.UUID]*wsSubscription),
	}

	go client.writeLoop()
	client.readLoop()
}

func (c *wsClient) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(wsMaxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var evt wsInbound
		if err := c.conn.ReadJSON(&evt); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("ws read error: %v", err)
			}
			break
		}
		c.handleEvent(evt)
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleEvent(evt wsInbound) {
	switch evt.Type {
	case "subscribe":
		c.handleSubscribe(evt.Channel)
	case "unsubscribe":
		c.handleUnsubscribe(evt.Channel)
	case "send":
		c.handleSend(evt.Channel, evt.Content)
	default:
		c.sendError("unsupported_event", "unsupported event type")
	}
}

func (c *wsClient) handleSubscribe(channelID uuid.UUID) {
	if channelID == uuid.Nil {
		c.sendError("invalid_channel", "channel id required")
		return
	}

	c.mu.Lock()
	_, already := c.subscriptions[channelID]
	c.mu.Unlock()
	if already {
		return
	}

	ch, err := c.state.channelAccess(context.Background(), c.user.ID, channelID)
	if err != nil {
		c.sendAPIError(err)
		return
	}

	t := c.state.topics.get(ch.ID)
	if t == nil {
		log.Printf("ws subscribe: no topic registered for channel %s", ch.ID)
		c.sendError("internal", "failed to subscribe")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := t.subscribe()

	c.mu.Lock()
	c.subscriptions[channelID] = &wsSubscription{sub: sub, cancel: cancel}
	c.mu.Unlock()

	go c.forward(ctx, channelID, sub)
}

// forward pumps topic messages into the socket until the subscription is
// cancelled or the topic closes. Lag is skipped silently, same policy as
// the event-stream path.
func (c *wsClient) forward(ctx context.Context, channelID uuid.UUID, sub *topicSubscriber) {
	defer sub.unsubscribe()

	for {
		msg, err := sub.next(ctx)
		switch {
		case err == nil:
			c.enqueueJSON(wsOutbound{Type: "message", Channel: channelID, Author: msg.Author, Content: msg.Content})
		case errors.Is(err, errSubscriberLagged):
			continue
		case errors.Is(err, errTopicClosed):
			c.enqueueJSON(wsOutbound{Type: "unsubscribed", Channel: channelID})
			c.dropSubscription(channelID)
			return
		default:
			return
		}
	}
}

func (c *wsClient) handleUnsubscribe(channelID uuid.UUID) {
	c.dropSubscription(channelID)
}

func (c *wsClient) dropSubscription(channelID uuid.UUID) {
	c.mu.Lock()
	entry, ok := c.subscriptions[channelID]
	if ok {
		delete(c.subscriptions, channelID)
	}
	c.mu.Unlock()

	if ok {
		entry.cancel()
		entry.sub.unsubscribe()
	}
}

func (c *wsClient) handleSend(channelID uuid.UUID, content string) {
	content = strings.TrimSpace(content)
	if channelID == uuid.Nil || content == "" {
		c.sendError("invalid_message", "channel and content required")
		return
	}

	// Authorization is per action: a ban landing mid-connection denies the
	// next send even though the socket stays up.
	ch, err := c.state.channelAccess(context.Background(), c.user.ID, channelID)
	if err != nil {
		c.sendAPIError(err)
		return
	}

	t := c.state.topics.get(ch.ID)
	if t == nil {
		log.Printf("ws send: no topic registered for channel %s", ch.ID)
		c.sendError("internal", "failed to send")
		return
	}

	if err := c.state.saveMessage(context.Background(), ch.ID, c.user.ID, content); err != nil {
		log.Printf("ws save message: %v", err)
		c.sendError("internal", "failed to save message")
		return
	}

	t.publish(topicMessage{Author: c.user.Username, Content: content})
}

func (c *wsClient) sendAPIError(err error) {
	var api *apiError
	if !errors.As(err, &api) {
		api = errInternal(err)
	}
	switch api.kind {
	case kindForbidden:
		c.sendError("forbidden", api.msg)
	case kindNotFound:
		c.sendError("not_found", api.msg)
	case kindUnauthenticated:
		c.sendError("unauthorized", api.msg)
	default:
		log.Printf("ws request failed: %v", api)
		c.sendError("internal", "internal server error")
	}
}

func (c *wsClient) sendError(code, message string) {
	c.enqueueJSON(wsOutbound{Type: "error", Code: code, Error: message})
}

// enqueue drops the oldest pending payload when the outbound buffer is
// full; a stuck socket must not block the forwarding goroutines.
func (c *wsClient) enqueue(payload []byte) {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()
	if send == nil {
		return
	}

	defer func() {
		// The send channel can close concurrently with a late enqueue from
		// a forwarding goroutine that has not observed the cancel yet.
		_ = recover()
	}()

	select {
	case send <- payload:
	default:
		select {
		case <-send:
		default:
		}
		select {
		case send <- payload:
		default:
		}
	}
}

func (c *wsClient) enqueueJSON(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("ws marshal outbound: %v", err)
		return
	}
	c.enqueue(payload)
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		subs := c.subscriptions
		c.subscriptions = make(map[uuid.UUID]*wsSubscription)
		conn := c.conn
		send := c.send
		c.send = nil
		c.mu.Unlock()

		// Cancel before releasing the cursors so no forwarding goroutine
		// keeps a handle for a client that is gone.
		for _, entry := range subs {
			entry.cancel()
			entry.sub.unsubscribe()
		}

		if send != nil {
			close(send)
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
}
