package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// Peer is a connected participant endpoint.
type Peer interface {
	// Deliver queues msg for the participant without blocking.
	Deliver(msg signaling.Message) error
	Close(reason string)
}

type HubOptions struct {
	Roster  RosterStore
	Bus     Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Hub routes signaling messages between connected participants.
type Hub struct {
	roster  RosterStore
	bus     Bus
	metrics *metrics.Metrics
	log     *slog.Logger

	// membershipMu serializes joins and leaves so two joiners of the same
	// session always observe each other in one order.
	membershipMu sync.Mutex

	mu    sync.Mutex
	peers map[string]*member
}

type member struct {
	peer     Peer
	sessions map[string]struct{}
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		roster:  opts.Roster,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		log:     opts.Logger,
		peers:   make(map[string]*member),
	}
	if h.roster == nil {
		h.roster = NewMemoryRoster()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.bus != nil {
		h.bus.Listen(h.deliverFromBus)
	}
	return h
}

// Connect registers p as participant id. An existing connection for the same
// id is closed and leaves its sessions first.
func (h *Hub) Connect(ctx context.Context, id string, p Peer) {
	h.mu.Lock()
	old := h.peers[id]
	h.mu.Unlock()

	if old != nil {
		h.metrics.Inc(metrics.ParticipantReplaced)
		h.log.Info("replacing existing connection", "participant_id", id)
		h.Disconnect(ctx, id, old.peer)
		old.peer.Close("replaced by a newer connection")
	}

	h.mu.Lock()
	h.peers[id] = &member{peer: p, sessions: make(map[string]struct{})}
	h.mu.Unlock()

	if h.bus != nil {
		if err := h.bus.Subscribe(ctx, id); err != nil {
			h.log.Warn("bus subscribe failed", "participant_id", id, "err", err)
		}
	}
	h.metrics.Inc(metrics.ParticipantConnected)
}

// Disconnect removes p and leaves every session it joined. It is a no-op when
// p is no longer the current connection for id.
func (h *Hub) Disconnect(ctx context.Context, id string, p Peer) {
	h.mu.Lock()
	m, ok := h.peers[id]
	if !ok || m.peer != p {
		h.mu.Unlock()
		return
	}
	sessions := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		sessions = append(sessions, sid)
	}
	h.mu.Unlock()

	for _, sid := range sessions {
		h.leave(ctx, id, sid)
	}

	h.mu.Lock()
	if cur, ok := h.peers[id]; ok && cur.peer == p {
		delete(h.peers, id)
	}
	h.mu.Unlock()

	if h.bus != nil {
		if err := h.bus.Unsubscribe(ctx, id); err != nil {
			h.log.Warn("bus unsubscribe failed", "participant_id", id, "err", err)
		}
	}
}

// Online reports whether id is connected to this hub.
func (h *Hub) Online(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.peers[id]
	return ok
}

// Connected reports how many participants are connected to this hub.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Handle routes one validated message sent by participant from.
func (h *Hub) Handle(ctx context.Context, from string, msg signaling.Message) {
	msg.From = from

	if msg.Kind.RelayOnly() {
		h.metrics.Inc(metrics.MessageRejected)
		h.reply(from, signaling.Error(signaling.CodeBadRequest, "message kind "+string(msg.Kind)+" is relay-only"))
		return
	}

	switch msg.Kind {
	case signaling.KindJoin:
		h.join(ctx, from, msg.SessionID)
	case signaling.KindLeave:
		h.leave(ctx, from, msg.SessionID)
	case signaling.KindRing:
		if msg.To == "" {
			h.broadcast(ctx, from, msg)
			return
		}
		h.route(ctx, msg)
	case signaling.KindOffer, signaling.KindAnswer, signaling.KindICECandidate:
		h.route(ctx, msg)
	default:
		h.metrics.Inc(metrics.MessageRejected)
	}
}

func (h *Hub) join(ctx context.Context, from, sessionID string) {
	h.membershipMu.Lock()
	members, err := h.roster.Members(ctx, sessionID)
	if err == nil {
		err = h.roster.Add(ctx, sessionID, from)
	}
	if err != nil {
		h.membershipMu.Unlock()
		h.log.Error("roster update failed", "session_id", sessionID, "participant_id", from, "err", err)
		h.reply(from, signaling.Error(signaling.CodeUnavailable, "session roster unavailable"))
		return
	}

	existing := make([]string, 0, len(members))
	for _, id := range members {
		if id == from {
			continue
		}
		if h.bus == nil && !h.Online(id) {
			// Without a bus every live member is local, so this one is a
			// leftover from a previous relay process.
			_ = h.roster.Remove(ctx, sessionID, id)
			continue
		}
		existing = append(existing, id)
	}

	h.mu.Lock()
	if m, ok := h.peers[from]; ok {
		m.sessions[sessionID] = struct{}{}
	}
	h.mu.Unlock()
	h.membershipMu.Unlock()

	h.metrics.Inc(metrics.SessionJoined)
	h.log.Debug("participant joined session", "session_id", sessionID, "participant_id", from, "existing", len(existing))

	h.reply(from, signaling.Message{
		Kind:         signaling.KindRosterSnapshot,
		To:           from,
		SessionID:    sessionID,
		Participants: existing,
	})
	for _, id := range existing {
		h.deliver(ctx, id, signaling.Message{
			Kind:        signaling.KindParticipantJoined,
			To:          id,
			SessionID:   sessionID,
			Participant: from,
		})
	}
}

func (h *Hub) leave(ctx context.Context, from, sessionID string) {
	h.membershipMu.Lock()
	h.mu.Lock()
	joined := false
	if m, ok := h.peers[from]; ok {
		_, joined = m.sessions[sessionID]
		delete(m.sessions, sessionID)
	}
	h.mu.Unlock()
	if !joined {
		h.membershipMu.Unlock()
		return
	}

	if err := h.roster.Remove(ctx, sessionID, from); err != nil {
		h.log.Error("roster remove failed", "session_id", sessionID, "participant_id", from, "err", err)
	}
	members, err := h.roster.Members(ctx, sessionID)
	h.membershipMu.Unlock()
	if err != nil {
		h.log.Error("roster read failed", "session_id", sessionID, "err", err)
		return
	}

	h.metrics.Inc(metrics.SessionLeft)
	for _, id := range members {
		h.deliver(ctx, id, signaling.Message{
			Kind:        signaling.KindParticipantLeft,
			To:          id,
			SessionID:   sessionID,
			Participant: from,
		})
	}
}

// route delivers a directed message, reporting an unreachable recipient back
// to the sender.
func (h *Hub) route(ctx context.Context, msg signaling.Message) {
	if h.deliver(ctx, msg.To, msg) {
		h.metrics.Inc(metrics.MessageRelayed)
		return
	}
	h.metrics.Inc(metrics.TargetUnreachable)
	h.log.Debug("recipient unreachable", "kind", msg.Kind, "session_id", msg.SessionID, "from", msg.From, "to", msg.To)
	h.reply(msg.From, signaling.Unreachable(msg.SessionID, msg.To))
}

func (h *Hub) broadcast(ctx context.Context, from string, msg signaling.Message) {
	h.metrics.Inc(metrics.MessageBroadcast)
	if h.bus != nil {
		// Every instance, this one included, receives the broadcast channel.
		if _, err := h.bus.Publish(ctx, "", msg); err != nil {
			h.log.Warn("bus broadcast failed", "session_id", msg.SessionID, "err", err)
		}
		return
	}
	h.deliverLocalBroadcast(from, msg)
}

func (h *Hub) deliverLocalBroadcast(from string, msg signaling.Message) {
	h.mu.Lock()
	targets := make(map[string]Peer, len(h.peers))
	for id, m := range h.peers {
		if id != from {
			targets[id] = m.peer
		}
	}
	h.mu.Unlock()

	for id, p := range targets {
		h.send(id, p, msg)
	}
}

// deliver hands msg to participant to, locally or through the bus.
func (h *Hub) deliver(ctx context.Context, to string, msg signaling.Message) bool {
	if p, ok := h.localPeer(to); ok {
		return h.send(to, p, msg)
	}
	if h.bus == nil {
		return false
	}
	ok, err := h.bus.Publish(ctx, to, msg)
	if err != nil {
		h.log.Warn("bus publish failed", "to", to, "err", err)
		return false
	}
	return ok
}

func (h *Hub) deliverFromBus(to string, msg signaling.Message) {
	if to == "" {
		h.deliverLocalBroadcast(msg.From, msg)
		return
	}
	if p, ok := h.localPeer(to); ok {
		h.send(to, p, msg)
	}
}

func (h *Hub) reply(to string, msg signaling.Message) {
	if p, ok := h.localPeer(to); ok {
		h.send(to, p, msg)
	}
}

func (h *Hub) localPeer(id string) (Peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.peers[id]
	if !ok {
		return nil, false
	}
	return m.peer, true
}

func (h *Hub) send(id string, p Peer, msg signaling.Message) bool {
	err := p.Deliver(msg)
	if err == nil {
		return true
	}
	h.metrics.Inc(metrics.DeliveryFailed)
	if errors.Is(err, ErrSendQueueFull) {
		h.log.Warn("dropping slow participant", "participant_id", id, "err", err)
		p.Close(closeReasonSlow)
	}
	return false
}
