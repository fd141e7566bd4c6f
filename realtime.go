package shipchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

type wsConn = *websocket.Conn

// EventHandler handles a server event.
type EventHandler func(ev Event)

// Subscription identifies a registered event handler so it can be removed.
type Subscription struct {
	eventType string
	id        int
}

// ============================================================================
// Event dispatcher
// ============================================================================

type eventSub struct {
	id      int
	handler EventHandler
}

// eventDispatcher routes events to handlers by type, then to the dedicated
// "any" list unconditionally. Handlers run in registration order; a handler
// panicking is recovered and logged so the remaining handlers still run.
type eventDispatcher struct {
	log zerolog.Logger

	mu     sync.RWMutex
	nextID int
	typed  map[string][]eventSub
	any    []eventSub

	onConnect    []func()
	onDisconnect []func(err error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{typed: make(map[string][]eventSub)}
}

func (d *eventDispatcher) subscribe(eventType string, h EventHandler) Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := eventSub{id: d.nextID, handler: h}
	if eventType == EventAny {
		d.any = append(d.any, sub)
	} else {
		d.typed[eventType] = append(d.typed[eventType], sub)
	}
	return Subscription{eventType: eventType, id: d.nextID}
}

func (d *eventDispatcher) unsubscribe(sub Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sub.eventType == EventAny {
		d.any = removeSub(d.any, sub.id)
		return
	}
	d.typed[sub.eventType] = removeSub(d.typed[sub.eventType], sub.id)
}

func removeSub(subs []eventSub, id int) []eventSub {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	typed := append([]eventSub(nil), d.typed[ev.Event]...)
	wildcard := append([]eventSub(nil), d.any...)
	d.mu.RUnlock()

	for _, s := range typed {
		d.invoke(s.handler, ev)
	}
	for _, s := range wildcard {
		d.invoke(s.handler, ev)
	}
}

func (d *eventDispatcher) invoke(h EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", ev.Event).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	h(ev)
}

func (d *eventDispatcher) emitConnect() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnect...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnect(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnect...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

// ============================================================================
// Client event API
// ============================================================================

// OnEvent registers a handler for an event type. EventAny subscribes to all
// events. Handlers for a type run in registration order.
func (c *Client) OnEvent(eventType string, h EventHandler) Subscription {
	return c.dispatcher.subscribe(eventType, h)
}

// OffEvent removes a previously registered handler.
func (c *Client) OffEvent(sub Subscription) {
	c.dispatcher.unsubscribe(sub)
}

// OnConnect registers a callback for WebSocket connection establishment.
func (c *Client) OnConnect(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnect = append(c.dispatcher.onConnect, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnect registers a callback for WebSocket loss. err is nil for a
// clean client-side disconnect.
func (c *Client) OnDisconnect(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnect = append(c.dispatcher.onDisconnect, h)
	c.dispatcher.mu.Unlock()
}

// ============================================================================
// WebSocket lifecycle
// ============================================================================

// IsConnected reports whether the WebSocket is open.
func (c *Client) IsConnected() bool {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.wsConn != nil
}

func (c *Client) wsURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	u := base + apiPrefix + "/websocket"
	if tok := c.token(); tok != "" && tok != CookieSessionToken {
		u += "?token=" + tok
	}
	return u
}

// ConnectWebSocket opens the realtime connection, authenticated via query
// token (or the session cookie for cookie sessions). It returns once the
// socket is open; read dispatch runs in the background.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	if !c.IsAuthenticated() {
		return &AuthError{APIError{Message: "not logged in"}}
	}

	c.wsMu.Lock()
	if c.wsConn != nil || c.wsDialing {
		c.wsMu.Unlock()
		return nil
	}
	c.wsDialing = true
	c.wsClosing = false
	c.wsMu.Unlock()

	conn, _, err := websocket.Dial(ctx, c.wsURL(), &websocket.DialOptions{HTTPClient: c.httpClient})
	c.wsMu.Lock()
	c.wsDialing = false
	if err != nil {
		c.wsMu.Unlock()
		return &NetworkError{Op: "websocket dial", Err: err}
	}
	if c.wsClosing || c.wsConn != nil {
		// Disconnect or another connect raced the dial; drop the fresh
		// socket.
		c.wsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.wsConn = conn
	c.wsCancel = cancel
	c.wsMu.Unlock()

	c.log.Info().Msg("websocket connected")
	c.dispatcher.emitConnect()
	go c.readLoop(readCtx, conn)
	return nil
}

// DisconnectWebSocket closes the socket with the normal-closure code and
// suppresses any pending auto-reconnect.
func (c *Client) DisconnectWebSocket() {
	c.wsMu.Lock()
	c.wsClosing = true
	if c.wsReconnect != nil {
		c.wsReconnect.Stop()
		c.wsReconnect = nil
	}
	if c.wsCancel != nil {
		c.wsCancel()
		c.wsCancel = nil
	}
	conn := c.wsConn
	c.wsConn = nil
	c.wsMu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		c.dispatcher.emitDisconnect(nil)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.wsMu.Lock()
			intentional := c.wsClosing
			if c.wsConn == conn {
				c.wsConn = nil
			}
			c.wsMu.Unlock()
			if intentional {
				return
			}

			c.log.Warn().Err(err).Msg("websocket closed unexpectedly")
			c.dispatcher.emitDisconnect(err)

			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.IsAuthenticated() {
				c.scheduleReconnect()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Debug().Err(err).Msg("dropping malformed websocket frame")
			continue
		}
		if ev.Event == "" {
			continue // seq acks and other non-event frames
		}
		c.dispatcher.dispatch(ev)
	}
}

// scheduleReconnect arms exactly one reconnect attempt after a fixed delay.
// A later DisconnectWebSocket cancels it; a second unexpected close while
// the attempt is pending does not arm another.
func (c *Client) scheduleReconnect() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.wsReconnect != nil || c.wsClosing {
		return
	}
	c.wsReconnect = time.AfterFunc(c.wsReconnectDelay, func() {
		c.wsMu.Lock()
		c.wsReconnect = nil
		closing := c.wsClosing
		c.wsMu.Unlock()
		if closing || !c.IsAuthenticated() {
			return
		}
		if err := c.ConnectWebSocket(context.Background()); err != nil {
			c.log.Warn().Err(err).Msg("websocket reconnect failed")
		}
	})
}
