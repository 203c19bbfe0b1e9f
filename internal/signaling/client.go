package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrClosed = errors.New("signaling client closed")

const (
	wsWriteWait         = 5 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultIdleTimeout  = 60 * time.Second
	defaultMaxMessage   = int64(64 * 1024)
	sendQueueSize       = 64
)

// Signaler is the narrow surface the call layer needs from a relay
// connection.
type Signaler interface {
	Send(ctx context.Context, msg Message) error
	// OnMessage registers handler for every inbound message and returns a
	// function that removes it. Handlers run on the reader goroutine in
	// delivery order and must not block.
	OnMessage(handler func(Message)) (unsubscribe func())
}

type ClientOptions struct {
	// Credential is sent as a bearer token (API key or JWT).
	Credential string
	// ParticipantID identifies the client to relays running without auth.
	ParticipantID string

	PingInterval    time.Duration
	IdleTimeout     time.Duration
	MaxMessageBytes int64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is a WebSocket connection to the signaling relay.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger

	pingInterval time.Duration
	idleTimeout  time.Duration

	out chan []byte

	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

var _ Signaler = (*Client)(nil)

func Dial(ctx context.Context, rawURL string, opts ClientOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signaling url: %w", err)
	}
	if opts.ParticipantID != "" {
		q := u.Query()
		q.Set("participant", opts.ParticipantID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if opts.Credential != "" {
		header.Set("Authorization", "Bearer "+opts.Credential)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}
	return newClient(conn, opts), nil
}

func newClient(conn *websocket.Conn, opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:         conn,
		log:          logger,
		pingInterval: opts.PingInterval,
		idleTimeout:  opts.IdleTimeout,
		out:          make(chan []byte, sendQueueSize),
		handlers:     make(map[int]func(Message)),
		done:         make(chan struct{}),
	}
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.idleTimeout <= 0 {
		c.idleTimeout = defaultIdleTimeout
	}
	maxMessage := opts.MaxMessageBytes
	if maxMessage <= 0 {
		maxMessage = defaultMaxMessage
	}
	conn.SetReadLimit(maxMessage)

	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Client) Send(ctx context.Context, msg Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) OnMessage(handler func(Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = handler
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers, id)
			c.mu.Unlock()
		})
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, or nil if it is still open or was
// closed locally.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		_ = c.conn.Close()
	})
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	handlers := make([]func(Message), 0, len(c.handlers))
	for id := 0; id < c.nextID; id++ {
		if h, ok := c.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

func (c *Client) readLoop() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				c.shutdown(nil)
			default:
				c.shutdown(fmt.Errorf("signaling read: %w", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		if msgType != websocket.TextMessage {
			c.log.Warn("dropping non-text signaling frame", "message_type", msgType)
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed signaling message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.shutdown(fmt.Errorf("signaling write: %w", err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.shutdown(fmt.Errorf("signaling ping: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}
