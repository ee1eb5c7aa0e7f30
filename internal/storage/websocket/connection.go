package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"

	"github.com/OCAP2/worldmap/internal/storage"
	"github.com/OCAP2/worldmap/pkg/streaming"
)

const (
	sendChSize   = 256
	maxReconnect = 10
	maxBackoff   = 30 * time.Second
	writeWait    = 10 * time.Second
)

var errConnectionLost = errors.New("websocket connection lost")

// subscription is an active document watch, replayed after reconnect.
type subscription struct {
	path       string
	onSnapshot func(streaming.Envelope)
	onError    func(error)
}

// connection manages a WebSocket connection with a single write goroutine.
type connection struct {
	mu      sync.Mutex
	conn    *ws.Conn
	sendCh  chan []byte
	done    chan struct{} // closed on shutdown
	closed  bool
	pending map[string]chan streaming.Envelope
	subs    map[string]*subscription
	nextID  atomic.Uint64

	wsURL   string
	token   string
	backoff time.Duration

	logger *slog.Logger
}

func newConnection(rawURL, token string, backoff time.Duration, logger *slog.Logger) *connection {
	if backoff <= 0 {
		backoff = time.Second
	}
	return &connection{
		sendCh:  make(chan []byte, sendChSize),
		done:    make(chan struct{}),
		pending: make(map[string]chan streaming.Envelope),
		subs:    make(map[string]*subscription),
		wsURL:   rawURL,
		token:   token,
		backoff: backoff,
		logger:  logger,
	}
}

// dial connects to the WebSocket server and starts read/write loops.
func (c *connection) dial(ctx context.Context) error {
	conn, err := c.dialOnce(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return storage.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)

	return nil
}

// dialOnce performs a single WebSocket dial with the token query param.
// Handshake rejections map onto storage errors.
func (c *connection) dialOnce(ctx context.Context) (*ws.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid websocket URL %q", storage.ErrMisconfigured, c.wsURL)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := ws.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("%w: server rejected token", storage.ErrMisconfigured)
			case http.StatusForbidden:
				return nil, fmt.Errorf("%w: server refused connection", storage.ErrPermissionDenied)
			}
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	return conn, nil
}

// writeLoop drains sendCh and writes messages to conn.
// Only one writeLoop runs at a time; it returns on error or shutdown.
func (c *connection) writeLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			c.mu.Lock()
			current := c.conn == conn
			c.mu.Unlock()
			if !current {
				// Superseded by a reconnect; hand the message to the new loop.
				c.send(data)
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("WebSocket SetWriteDeadline error", "error", err)
				go c.reconnect(conn)
				return
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				c.logger.Warn("WebSocket write error", "error", err)
				go c.reconnect(conn)
				return
			}
		}
	}
}

// readLoop routes replies to waiting requests and snapshots to subscriptions.
func (c *connection) readLoop(conn *ws.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Warn("WebSocket read error", "error", err)
			go c.reconnect(conn)
			return
		}

		var env streaming.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Debug("Malformed message received", "raw", string(message))
			continue
		}
		c.route(env)
	}
}

func (c *connection) route(env streaming.Envelope) {
	c.mu.Lock()
	reply, waiting := c.pending[env.ID]
	if waiting {
		delete(c.pending, env.ID)
	}
	sub := c.subs[env.ID]
	c.mu.Unlock()

	switch {
	case waiting && (env.Type == streaming.TypeAck || env.Type == streaming.TypeError):
		reply <- env
	case sub != nil && env.Type == streaming.TypeSnapshot:
		sub.onSnapshot(env)
	case sub != nil && env.Type == streaming.TypeError:
		c.mu.Lock()
		delete(c.subs, env.ID)
		c.mu.Unlock()
		sub.onError(errorFromEnvelope(env))
	default:
		c.logger.Debug("Unroutable message", "type", env.Type, "id", env.ID)
	}
}

// reconnect re-establishes the connection with exponential backoff and
// replays active subscriptions. Requests in flight fail with errConnectionLost.
func (c *connection) reconnect(dead *ws.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != dead {
		c.mu.Unlock()
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	for id, reply := range c.pending {
		delete(c.pending, id)
		reply <- streaming.Envelope{Type: streaming.TypeError, ID: id, Payload: lostPayload}
	}
	c.mu.Unlock()

	backoff := c.backoff
	for attempt := 1; attempt <= maxReconnect; attempt++ {
		c.logger.Info("Reconnecting to WebSocket", "attempt", attempt, "backoff", backoff)
		select {
		case <-c.done:
			return
		case <-time.After(backoff):
		}

		conn, err := c.dialOnce(context.Background())
		if err != nil {
			c.logger.Warn("Reconnect dial failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		replay := make([][]byte, 0, len(c.subs))
		for id, sub := range c.subs {
			data, err := marshalEnvelope(streaming.TypeSubscribe, id, sub.path, nil)
			if err == nil {
				replay = append(replay, data)
			}
		}
		c.mu.Unlock()

		// Replay subscriptions so the server resumes pushing snapshots.
		ok := true
		for _, data := range replay {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				ok = false
				break
			}
			if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			c.logger.Warn("Failed to replay subscriptions after reconnect")
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			_ = conn.Close()
			continue
		}

		c.logger.Info("WebSocket reconnected", "attempt", attempt, "subscriptions", len(replay))
		go c.writeLoop(conn)
		go c.readLoop(conn)
		return
	}

	c.logger.Error("WebSocket reconnect failed after max attempts", "maxAttempts", maxReconnect)
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.onError(errConnectionLost)
	}
}

var lostPayload, _ = json.Marshal(streaming.ErrorPayload{Code: streaming.CodeUnavailable, Message: errConnectionLost.Error()})

func (c *connection) newID() string {
	return strconv.FormatUint(c.nextID.Add(1), 10)
}

// send pushes data to the write loop. Non-blocking; drops if channel full.
func (c *connection) send(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		c.logger.Warn("WebSocket send channel full, dropping message")
	}
}

// request sends an envelope and blocks until the server answers with an ack
// or error carrying the same id.
func (c *connection) request(ctx context.Context, typ, path string, payload any, timeout time.Duration) (streaming.Envelope, error) {
	id := c.newID()
	data, err := marshalEnvelope(typ, id, path, payload)
	if err != nil {
		return streaming.Envelope{}, err
	}
	return c.requestRaw(ctx, id, typ, data, timeout)
}

func (c *connection) requestRaw(ctx context.Context, id, typ string, data []byte, timeout time.Duration) (streaming.Envelope, error) {
	reply := make(chan streaming.Envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return streaming.Envelope{}, storage.ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	c.send(data)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-reply:
		if env.Type == streaming.TypeError {
			return env, errorFromEnvelope(env)
		}
		return env, nil
	case <-ctx.Done():
		forget()
		return streaming.Envelope{}, ctx.Err()
	case <-timer.C:
		forget()
		return streaming.Envelope{}, fmt.Errorf("timeout waiting for ack of %s %s", typ, id)
	case <-c.done:
		return streaming.Envelope{}, fmt.Errorf("connection closed while waiting for ack of %s %s", typ, id)
	}
}

func (c *connection) addSubscription(id string, sub *subscription) {
	c.mu.Lock()
	c.subs[id] = sub
	c.mu.Unlock()
}

// removeSubscription reports whether id was still active.
func (c *connection) removeSubscription(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

// close sends a WebSocket close frame and shuts down all goroutines.
func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(
			ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		return conn.Close()
	}
	return nil
}

// marshalEnvelope builds a JSON-encoded Envelope.
func marshalEnvelope(typ, id, path string, payload any) ([]byte, error) {
	env, err := streaming.New(typ, id, path, payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", typ, err)
	}
	return data, nil
}

// errorFromEnvelope maps a server error code onto storage errors.
func errorFromEnvelope(env streaming.Envelope) error {
	var p streaming.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	switch p.Code {
	case streaming.CodePermissionDenied:
		return fmt.Errorf("%w: %s", storage.ErrPermissionDenied, p.Message)
	case streaming.CodeInvalidArgument, streaming.CodeUnauthenticated:
		return fmt.Errorf("%w: %s", storage.ErrMisconfigured, p.Message)
	case streaming.CodeUnavailable:
		return fmt.Errorf("%w: %s", errConnectionLost, p.Message)
	}
	return fmt.Errorf("document store error %s: %s", p.Code, p.Message)
}
