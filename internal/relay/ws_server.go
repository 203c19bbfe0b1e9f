package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	wsWriteWait     = 1 * time.Second
	peerSendQueue   = 256
	closeReasonSlow = "send queue full"
)

// WebSocketServer is the /signal endpoint. Each connection is authenticated
// before the upgrade and then bound to one participant id for its lifetime.
type WebSocketServer struct {
	hub     *Hub
	authn   auth.Authenticator
	metrics *metrics.Metrics
	log     *slog.Logger
	clock   ratelimit.Clock

	idleTimeout       time.Duration
	pingInterval      time.Duration
	maxMessageBytes   int64
	messagesPerSecond int

	upgrader websocket.Upgrader
}

type WebSocketServerOptions struct {
	Hub           *Hub
	Authenticator auth.Authenticator
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Clock         ratelimit.Clock
}

func NewWebSocketServer(cfg config.Config, opts WebSocketServerOptions) (*WebSocketServer, error) {
	if opts.Hub == nil {
		return nil, errors.New("relay: hub is required")
	}
	authn := opts.Authenticator
	if authn == nil {
		var err error
		authn, err = auth.NewAuthenticator(cfg)
		if err != nil {
			return nil, err
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	s := &WebSocketServer{
		hub:               opts.Hub,
		authn:             authn,
		metrics:           opts.Metrics,
		log:               logger,
		clock:             clock,
		idleTimeout:       cfg.SignalingWSIdleTimeout,
		pingInterval:      cfg.SignalingWSPingInterval,
		maxMessageBytes:   cfg.MaxSignalingMessageBytes,
		messagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.idleTimeout <= 0 {
		s.idleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if s.pingInterval <= 0 || s.pingInterval >= s.idleTimeout {
		s.pingInterval = s.idleTimeout / 3
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	return s, nil
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	participantID, err := s.authn.Authenticate(r)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailed)
		if auth.IsUnauthorized(err) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	p := &wsPeer{
		conn:   conn,
		connID: uuid.NewString(),
		out:    make(chan signaling.Message, peerSendQueue),
		done:   make(chan struct{}),
	}
	log := s.log.With("participant_id", participantID, "conn_id", p.connID)
	log.Info("signaling connection opened", "remote_addr", r.RemoteAddr)

	// The request context is not cancelled when the handler's connection is
	// hijacked, so roster operations use their own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.hub.Connect(ctx, participantID, p)
	defer s.hub.Disconnect(ctx, participantID, p)

	go s.writeLoop(p, log)
	s.readLoop(ctx, participantID, p, log)

	p.Close("")
	log.Info("signaling connection closed")
}

func (s *WebSocketServer) readLoop(ctx context.Context, participantID string, p *wsPeer, log *slog.Logger) {
	conn := p.conn
	conn.SetReadLimit(s.maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	limiter := ratelimit.NewMessageLimiter(s.clock, s.messagesPerSecond)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				writeClose(conn, websocket.CloseMessageTooBig, "message too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("signaling read failed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}
		if !limiter.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			writeClose(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		msg, err := signaling.Parse(data)
		if err != nil {
			s.metrics.Inc(metrics.MessageMalformed)
			log.Warn("dropping malformed signaling message", "err", err)
			_ = p.Deliver(signaling.Error(signaling.CodeBadRequest, "malformed message"))
			continue
		}
		s.hub.Handle(ctx, participantID, msg)
	}
}

func (s *WebSocketServer) writeLoop(p *wsPeer, log *slog.Logger) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.out:
			b, err := signaling.Marshal(msg)
			if err != nil {
				log.Error("dropping unencodable outbound message", "kind", msg.Kind, "err", err)
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

// wsPeer is the hub's view of one WebSocket connection.
type wsPeer struct {
	conn   *websocket.Conn
	connID string
	out    chan signaling.Message

	closeOnce sync.Once
	done      chan struct{}
}

func (p *wsPeer) Deliver(msg signaling.Message) error {
	select {
	case <-p.done:
		return ErrNotConnected
	default:
	}
	select {
	case p.out <- msg:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close ends the connection. A non-empty reason is sent to the client as a
// policy-violation close frame.
func (p *wsPeer) Close(reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		code := websocket.CloseNormalClosure
		if reason != "" {
			code = websocket.ClosePolicyViolation
		}
		writeClose(p.conn, code, reason)
		_ = p.conn.Close()
	})
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
