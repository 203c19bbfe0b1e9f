package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	ErrNegotiation   = errors.New("negotiation failed")
	ErrConnectivity  = errors.New("connectivity failure")
	ErrLinkClosed    = errors.New("peer link closed")
	ErrUnexpectedSDP = errors.New("unexpected session description")
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SendFunc delivers a message through the signaling relay.
type SendFunc func(ctx context.Context, msg signaling.Message) error

type LinkConfig struct {
	SessionID string
	RemoteID  string
	Role      Role
	Conn      Connection
	Send      SendFunc
	Logger    *slog.Logger

	// Callbacks run on pion's goroutines.
	OnTrack     func(track RemoteTrack)
	OnConnected func()
	OnFailure   func(err error)
}

// Link is the negotiation state for one remote participant. Its methods are
// safe for concurrent use.
type Link struct {
	sessionID string
	remoteID  string
	role      Role
	conn      Connection
	send      SendFunc
	log       *slog.Logger

	onConnected func()
	onFailure   func(error)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	failedOnce bool

	closeOnce sync.Once
}

func NewLink(cfg LinkConfig) *Link {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		sessionID:   cfg.SessionID,
		remoteID:    cfg.RemoteID,
		role:        cfg.Role,
		conn:        cfg.Conn,
		send:        cfg.Send,
		log:         logger.With("session_id", cfg.SessionID, "remote_id", cfg.RemoteID, "role", cfg.Role.String()),
		onConnected: cfg.OnConnected,
		onFailure:   cfg.OnFailure,
		ctx:         ctx,
		cancel:      cancel,
	}

	l.conn.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		if err := l.send(l.ctx, signaling.ICECandidate(l.sessionID, l.remoteID, candidate)); err != nil && l.ctx.Err() == nil {
			l.log.Warn("failed to send ice candidate", "err", err)
		}
	})
	if cfg.OnTrack != nil {
		l.conn.OnTrack(cfg.OnTrack)
	}
	l.conn.OnConnectionStateChange(l.handleConnectionState)
	return l
}

func (l *Link) RemoteID() string { return l.remoteID }
func (l *Link) Role() Role       { return l.role }

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AddTracks attaches local tracks. It must run before the first offer or
// answer is created.
func (l *Link) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := l.conn.AddTrack(track); err != nil {
			return fmt.Errorf("%w: add %s track: %v", ErrNegotiation, track.Kind(), err)
		}
	}
	return nil
}

// Senders returns the outgoing senders of the underlying connection.
func (l *Link) Senders() []Sender {
	return l.conn.Senders()
}

// Offer creates the local offer and sends it to the remote participant.
func (l *Link) Offer(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateNew {
		state := l.state
		l.mu.Unlock()
		if state == StateClosed {
			return ErrLinkClosed
		}
		return fmt.Errorf("%w: offer in state %s", ErrNegotiation, state)
	}
	l.mu.Unlock()

	offer, err := l.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	l.state = StateOfferSent
	l.mu.Unlock()

	if err := l.send(ctx, signaling.Offer(l.sessionID, l.remoteID, offer)); err != nil {
		return fmt.Errorf("%w: send offer: %v", ErrNegotiation, err)
	}
	l.log.Debug("offer sent")
	return nil
}

// HandleOffer applies a remote offer and answers it. An initiator that has
// already sent its own offer ignores competing offers and returns
// ErrUnexpectedSDP.
func (l *Link) HandleOffer(ctx context.Context, desc webrtc.SessionDescription) error {
	l.mu.Lock()
	switch {
	case l.state == StateClosed:
		l.mu.Unlock()
		return ErrLinkClosed
	case l.state == StateOfferSent:
		l.mu.Unlock()
		return fmt.Errorf("%w: offer while own offer is outstanding", ErrUnexpectedSDP)
	}
	l.mu.Unlock()

	if err := l.applyRemote(desc); err != nil {
		return err
	}

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if l.state != StateConnected {
		l.state = StateOfferReceived
	}
	l.mu.Unlock()

	if err := l.send(ctx, signaling.Answer(l.sessionID, l.remoteID, answer)); err != nil {
		return fmt.Errorf("%w: send answer: %v", ErrNegotiation, err)
	}
	l.log.Debug("answer sent")
	return nil
}

// HandleAnswer applies the remote answer to an outstanding offer.
func (l *Link) HandleAnswer(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	switch state {
	case StateClosed:
		return ErrLinkClosed
	case StateOfferSent:
	default:
		return fmt.Errorf("%w: answer in state %s", ErrUnexpectedSDP, state)
	}
	return l.applyRemote(desc)
}

// AddCandidate applies a remote ICE candidate, or queues it until the remote
// description is set. Queued candidates are applied in arrival order.
func (l *Link) AddCandidate(candidate webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return ErrLinkClosed
	}
	if !l.remoteSet {
		l.pending = append(l.pending, candidate)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	if err := l.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// applyRemote sets the remote description and flushes queued candidates.
// The lock is held throughout so a concurrent AddCandidate cannot overtake
// the queue.
func (l *Link) applyRemote(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, desc.Type, err)
	}
	l.remoteSet = true

	pending := l.pending
	l.pending = nil
	for _, candidate := range pending {
		if err := l.conn.AddICECandidate(candidate); err != nil {
			l.log.Warn("dropping queued ice candidate", "err", err)
		}
	}
	return nil
}

// PendingCandidates reports how many remote candidates are waiting for the
// remote description.
func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// RequestKeyframe asks the remote sender of ssrc for a new keyframe.
func (l *Link) RequestKeyframe(ssrc webrtc.SSRC) error {
	return l.conn.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
}

func (l *Link) handleConnectionState(state webrtc.PeerConnectionState) {
	l.log.Debug("connection state changed", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.state == StateClosed || l.state == StateConnected {
			l.mu.Unlock()
			return
		}
		l.state = StateConnected
		l.mu.Unlock()
		if l.onConnected != nil {
			l.onConnected()
		}
	case webrtc.PeerConnectionStateFailed:
		l.mu.Lock()
		if l.state == StateClosed || l.failedOnce {
			l.mu.Unlock()
			return
		}
		l.failedOnce = true
		l.mu.Unlock()
		if l.onFailure != nil {
			l.onFailure(fmt.Errorf("%w: peer connection to %s failed", ErrConnectivity, l.remoteID))
		}
	}
}

// Close tears down the connection. It is idempotent and safe to call from any
// goroutine, including pion callbacks.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.state = StateClosed
		l.pending = nil
		l.mu.Unlock()
		l.cancel()
		err = l.conn.Close()
	})
	return err
}
