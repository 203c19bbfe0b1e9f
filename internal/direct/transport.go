// Package direct implements identity-addressed 1:1 calls over the signaling
// relay. Both parties join a two-member relay session named after the pair,
// so a hangup on either side reaches the other as participant_left.
//
// Caller: join, ring{to}, offer. Callee: join on ring, surface the call
// object when the offer arrives, answer on Accept, leave on decline.
package direct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

var (
	ErrUnreachable     = errors.New("participant unreachable")
	ErrAlreadyAccepted = errors.New("call already accepted")
	ErrNotIncoming     = errors.New("call is not incoming")
	ErrClosed          = errors.New("call closed")
	ErrBusy            = errors.New("a call with this participant is already in progress")
)

const (
	leaveTimeout = 2 * time.Second

	// maxEarlyCandidates bounds the caller candidates held while a ring
	// waits for its offer.
	maxEarlyCandidates = 32
)

// SessionID names the relay session shared by two participants.
func SessionID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// Ring announces an incoming call before its connection exists.
type Ring struct {
	SessionID string
	From      string
	Video     bool
}

// Call is one side of a 1:1 call.
type Call interface {
	SessionID() string
	RemoteID() string
	Video() bool

	// Observers must be registered before Accept.
	OnRemoteStream(f func(track peer.RemoteTrack))
	OnClose(f func())
	OnError(f func(err error))

	// Accept answers an incoming call with the local tracks. It is valid
	// exactly once.
	Accept(ctx context.Context, tracks []webrtc.TrackLocal) error
	Senders() []peer.Sender
	RequestKeyframe(ssrc webrtc.SSRC) error
	Close()
}

type Options struct {
	LocalID       string
	Signaler      signaling.Signaler
	NewConnection func() (peer.Connection, error)
	Logger        *slog.Logger
}

type Transport struct {
	localID string
	sig     signaling.Signaler
	newConn func() (peer.Connection, error)
	log     *slog.Logger

	mu           sync.Mutex
	calls        map[string]*Handle
	ringing      map[string]Ring
	early        map[string][]webrtc.ICECandidateInit
	onRing       func(Ring)
	onConnection func(Call)
	onRingCancel func(sessionID string)
	unsubscribe  func()
}

func New(opts Options) *Transport {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		localID: opts.LocalID,
		sig:     opts.Signaler,
		newConn: opts.NewConnection,
		log:     logger,
		calls:   make(map[string]*Handle),
		ringing: make(map[string]Ring),
		early:   make(map[string][]webrtc.ICECandidateInit),
	}
	t.unsubscribe = t.sig.OnMessage(t.handle)
	return t
}

// OnRing registers the incoming-call callback.
func (t *Transport) OnRing(f func(Ring)) {
	t.mu.Lock()
	t.onRing = f
	t.mu.Unlock()
}

// OnConnection registers the callback for an incoming call's connection
// object, delivered once the caller's offer arrives.
func (t *Transport) OnConnection(f func(Call)) {
	t.mu.Lock()
	t.onConnection = f
	t.mu.Unlock()
}

// OnRingCancelled registers the callback for a caller that gave up before
// the call was answered.
func (t *Transport) OnRingCancelled(f func(sessionID string)) {
	t.mu.Lock()
	t.onRingCancel = f
	t.mu.Unlock()
}

// Dial calls target and sends the offer. Reachability is reported
// asynchronously through the call's OnError. If the call failed while Dial
// was still sending, Dial returns that failure.
func (t *Transport) Dial(ctx context.Context, target string, video bool, tracks []webrtc.TrackLocal) (Call, error) {
	sid := SessionID(t.localID, target)

	t.mu.Lock()
	if _, ok := t.calls[sid]; ok {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	t.mu.Unlock()

	h, err := t.newHandle(sid, target, video, peer.Initiator)
	if err != nil {
		return nil, err
	}
	abort := func(err error) (Call, error) {
		h.Close()
		if cause := h.failure(); cause != nil {
			return nil, cause
		}
		return nil, err
	}
	if err := h.link.AddTracks(tracks); err != nil {
		return abort(err)
	}

	if err := t.sig.Send(ctx, signaling.Join(sid)); err != nil {
		return abort(fmt.Errorf("join call session: %w", err))
	}
	if err := t.sig.Send(ctx, signaling.Ring(sid, target, video)); err != nil {
		return abort(fmt.Errorf("ring %s: %w", target, err))
	}
	if err := h.link.Offer(ctx); err != nil {
		return abort(err)
	}
	return h, nil
}

// Decline refuses a ring that has no connection object yet.
func (t *Transport) Decline(sessionID string) {
	t.mu.Lock()
	_, ok := t.ringing[sessionID]
	delete(t.ringing, sessionID)
	delete(t.early, sessionID)
	h := t.calls[sessionID]
	t.mu.Unlock()

	if h != nil {
		h.Close()
		return
	}
	if ok {
		t.leave(sessionID)
	}
}

// Close stops handling signaling and closes every call.
func (t *Transport) Close() {
	t.unsubscribe()

	t.mu.Lock()
	calls := make([]*Handle, 0, len(t.calls))
	for _, h := range t.calls {
		calls = append(calls, h)
	}
	ringing := make([]string, 0, len(t.ringing))
	for sid := range t.ringing {
		ringing = append(ringing, sid)
	}
	t.ringing = make(map[string]Ring)
	t.early = make(map[string][]webrtc.ICECandidateInit)
	t.mu.Unlock()

	for _, h := range calls {
		h.Close()
	}
	for _, sid := range ringing {
		t.leave(sid)
	}
}

func (t *Transport) newHandle(sid, remoteID string, video bool, role peer.Role) (*Handle, error) {
	conn, err := t.newConn()
	if err != nil {
		return nil, fmt.Errorf("%w: new connection: %v", peer.ErrNegotiation, err)
	}

	h := &Handle{
		t:         t,
		sessionID: sid,
		remoteID:  remoteID,
		video:     video,
		incoming:  role == peer.Responder,
	}
	h.link = peer.NewLink(peer.LinkConfig{
		SessionID: sid,
		RemoteID:  remoteID,
		Role:      role,
		Conn:      conn,
		Send:      t.sig.Send,
		Logger:    t.log,
		OnTrack:   h.deliverTrack,
		OnFailure: h.fail,
	})

	t.mu.Lock()
	t.calls[sid] = h
	t.mu.Unlock()
	return h, nil
}

func (t *Transport) forget(h *Handle) {
	t.mu.Lock()
	if t.calls[h.sessionID] == h {
		delete(t.calls, h.sessionID)
	}
	t.mu.Unlock()
}

func (t *Transport) leave(sid string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := t.sig.Send(ctx, signaling.Leave(sid)); err != nil {
		t.log.Debug("leave call session failed", "session_id", sid, "err", err)
	}
}

func (t *Transport) lookup(sid string) *Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[sid]
}

func (t *Transport) handle(msg signaling.Message) {
	switch msg.Kind {
	case signaling.KindRing:
		if msg.To == t.localID && msg.From != "" && msg.SessionID == SessionID(t.localID, msg.From) {
			t.handleRing(msg)
		}
	case signaling.KindOffer:
		t.handleOffer(msg)
	case signaling.KindAnswer:
		h := t.lookup(msg.SessionID)
		if h == nil || h.remoteID != msg.From {
			return
		}
		desc, err := msg.SDP.ToPion()
		if err == nil {
			err = h.link.HandleAnswer(desc)
		}
		if err != nil {
			h.fail(err)
		}
	case signaling.KindICECandidate:
		h := t.lookup(msg.SessionID)
		if h == nil {
			t.holdCandidate(msg)
			return
		}
		if h.remoteID != msg.From {
			return
		}
		if err := h.link.AddCandidate(msg.Candidate.ToPion()); err != nil {
			t.log.Warn("dropping ice candidate", "session_id", msg.SessionID, "err", err)
		}
	case signaling.KindRosterSnapshot:
		t.handleSnapshot(msg)
	case signaling.KindParticipantLeft:
		t.handleLeft(msg.SessionID, msg.Participant)
	case signaling.KindError:
		if msg.Code != signaling.CodeUnreachable {
			return
		}
		if h := t.lookup(msg.SessionID); h != nil && h.remoteID == msg.Participant {
			h.fail(fmt.Errorf("%w: %s", ErrUnreachable, msg.Participant))
		}
	}
}

func (t *Transport) handleRing(msg signaling.Message) {
	ring := Ring{SessionID: msg.SessionID, From: msg.From, Video: msg.Video}

	t.mu.Lock()
	_, active := t.calls[ring.SessionID]
	_, dup := t.ringing[ring.SessionID]
	if !active && !dup {
		t.ringing[ring.SessionID] = ring
	}
	onRing := t.onRing
	t.mu.Unlock()
	if active || dup {
		return
	}

	// Joining lets a caller hangup reach us before we answer.
	if err := t.sig.Send(context.Background(), signaling.Join(ring.SessionID)); err != nil {
		t.log.Warn("join call session failed", "session_id", ring.SessionID, "err", err)
	}
	if onRing != nil {
		onRing(ring)
	}
}

func (t *Transport) handleOffer(msg signaling.Message) {
	t.mu.Lock()
	ring, ok := t.ringing[msg.SessionID]
	if !ok || ring.From != msg.From {
		t.mu.Unlock()
		return
	}
	delete(t.ringing, msg.SessionID)
	held := t.early[msg.SessionID]
	delete(t.early, msg.SessionID)
	onConnection := t.onConnection
	t.mu.Unlock()

	desc, err := msg.SDP.ToPion()
	if err != nil {
		t.log.Warn("dropping offer", "session_id", msg.SessionID, "err", err)
		return
	}

	h, err := t.newHandle(ring.SessionID, ring.From, ring.Video, peer.Responder)
	if err != nil {
		t.log.Error("creating call connection failed", "session_id", ring.SessionID, "err", err)
		t.leave(ring.SessionID)
		return
	}
	h.offer = &desc
	for _, candidate := range held {
		if err := h.link.AddCandidate(candidate); err != nil {
			t.log.Warn("dropping held ice candidate", "session_id", ring.SessionID, "err", err)
		}
	}

	if onConnection == nil {
		h.Close()
		return
	}
	onConnection(h)
}

// holdCandidate keeps a caller candidate that overtook the offer.
func (t *Transport) holdCandidate(msg signaling.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ring, ok := t.ringing[msg.SessionID]
	if !ok || ring.From != msg.From {
		return
	}
	if len(t.early[msg.SessionID]) >= maxEarlyCandidates {
		t.log.Debug("dropping ice candidate ahead of offer", "session_id", msg.SessionID)
		return
	}
	t.early[msg.SessionID] = append(t.early[msg.SessionID], msg.Candidate.ToPion())
}

func (t *Transport) handleSnapshot(msg signaling.Message) {
	t.mu.Lock()
	ring, ok := t.ringing[msg.SessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	for _, id := range msg.Participants {
		if id == ring.From {
			return
		}
	}
	// The caller left before we joined.
	t.handleLeft(msg.SessionID, ring.From)
}

func (t *Transport) handleLeft(sid, participant string) {
	t.mu.Lock()
	ring, ringing := t.ringing[sid]
	if ringing && ring.From == participant {
		delete(t.ringing, sid)
		delete(t.early, sid)
	} else {
		ringing = false
	}
	h := t.calls[sid]
	onCancel := t.onRingCancel
	t.mu.Unlock()

	if ringing {
		t.leave(sid)
		if onCancel != nil {
			onCancel(sid)
		}
		return
	}
	if h != nil && h.remoteID == participant {
		h.remoteClose()
	}
}
