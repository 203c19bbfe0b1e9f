package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/direct"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

// JoinGroup joins the mesh session sessionID. The relay answers with the
// roster; this side offers to every member already present, and members
// that join later offer to it. Joining an empty session rings everyone.
func (m *Manager) JoinGroup(ctx context.Context, sessionID string, video bool) (Session, error) {
	var gen uint64
	err := m.do(ctx, func() error {
		if m.session.State.Live() {
			return ErrSessionActive
		}
		if sessionID == "" {
			return fmt.Errorf("%w: empty session id", ErrInvalidTarget)
		}
		gen = m.begin(Session{
			ID:    sessionID,
			Mode:  ModeMesh,
			State: StateOutgoing,
			Video: video,
		})
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	stream, acqErr := m.media.Acquire(ctx, video)

	var out Session
	err = m.resume(gen, stream, func() error {
		if acqErr != nil {
			return m.acquireFailed(ctx, acqErr)
		}
		m.media.SetStream(stream)

		if err := m.sig.Send(ctx, signaling.Join(sessionID)); err != nil {
			m.end(ReasonNegotiationFailed)
			return fmt.Errorf("join %s: %w", sessionID, err)
		}
		m.joined = true
		m.setState(StateConnecting)
		out = m.session.clone()
		return nil
	})
	return out, err
}

func (m *Manager) handleSignal(msg signaling.Message) {
	if !m.joined || msg.SessionID != m.session.ID {
		if msg.Kind == signaling.KindRing && msg.To == "" && msg.From != m.localID && m.hooks.OnGroupRing != nil {
			m.hooks.OnGroupRing(msg.SessionID, msg.From, msg.Video)
		}
		return
	}

	switch msg.Kind {
	case signaling.KindRosterSnapshot:
		m.handleRoster(msg.Participants)
	case signaling.KindParticipantJoined:
		// The newcomer offers.
		m.log.Debug("participant joined", "session_id", msg.SessionID, "remote_id", msg.Participant)
	case signaling.KindParticipantLeft:
		delete(m.early, msg.Participant)
		if m.links.Remove(msg.Participant) {
			m.log.Info("participant left", "session_id", msg.SessionID, "remote_id", msg.Participant)
			if m.hooks.OnPeerLeft != nil {
				m.hooks.OnPeerLeft(msg.Participant)
			}
			m.updateParticipants()
		}
	case signaling.KindOffer:
		m.handleMeshOffer(msg)
	case signaling.KindAnswer:
		m.handleMeshAnswer(msg)
	case signaling.KindICECandidate:
		link, ok := m.links.Get(msg.From)
		if !ok {
			m.holdCandidate(msg.From, msg.Candidate.ToPion())
			return
		}
		if err := link.AddCandidate(msg.Candidate.ToPion()); err != nil {
			m.log.Warn("dropping ice candidate", "remote_id", msg.From, "err", err)
		}
	case signaling.KindError:
		if msg.Code == signaling.CodeUnreachable && msg.Participant != "" {
			if link, ok := m.links.Get(msg.Participant); ok {
				m.failLink(link, fmt.Errorf("%w: %s", direct.ErrUnreachable, msg.Participant))
			}
			return
		}
		m.log.Warn("relay error", "session_id", msg.SessionID, "code", msg.Code, "message", msg.Message)
	}
}

func (m *Manager) handleRoster(participants []string) {
	others := 0
	for _, id := range participants {
		if id == m.localID {
			continue
		}
		others++
		m.connectTo(id)
	}
	if others > 0 {
		return
	}
	m.log.Info("empty session, ringing", "session_id", m.session.ID)
	if err := m.sig.Send(m.ctx, signaling.Ring(m.session.ID, "", m.session.Video)); err != nil {
		m.log.Warn("group ring failed", "session_id", m.session.ID, "err", err)
	}
}

// connectTo offers to a participant found in the roster. An existing link
// to the same participant wins.
func (m *Manager) connectTo(id string) {
	link, created, err := m.links.GetOrCreate(id, func() (*peer.Link, error) {
		return m.newLink(id, peer.Initiator)
	})
	if err != nil {
		m.peerFailed(id, err)
		return
	}
	if !created {
		return
	}
	m.flushEarly(link)
	m.updateParticipants()

	if err := link.AddTracks(m.localTracks()); err != nil {
		m.failLink(link, err)
		return
	}
	if err := link.Offer(m.ctx); err != nil {
		m.failLink(link, err)
	}
}

func (m *Manager) handleMeshOffer(msg signaling.Message) {
	desc, err := msg.SDP.ToPion()
	if err != nil {
		m.log.Warn("dropping malformed offer", "remote_id", msg.From, "err", err)
		return
	}

	link, created, err := m.links.GetOrCreate(msg.From, func() (*peer.Link, error) {
		return m.newLink(msg.From, peer.Responder)
	})
	if err != nil {
		m.peerFailed(msg.From, err)
		return
	}
	if created {
		m.flushEarly(link)
		m.updateParticipants()
		if err := link.AddTracks(m.localTracks()); err != nil {
			m.failLink(link, err)
			return
		}
	}

	if err := link.HandleOffer(m.ctx, desc); err != nil {
		if errors.Is(err, peer.ErrUnexpectedSDP) {
			m.log.Warn("ignoring competing offer", "remote_id", msg.From, "err", err)
			return
		}
		m.failLink(link, err)
	}
}

func (m *Manager) handleMeshAnswer(msg signaling.Message) {
	link, ok := m.links.Get(msg.From)
	if !ok {
		m.log.Warn("dropping answer for unknown link", "remote_id", msg.From)
		return
	}
	desc, err := msg.SDP.ToPion()
	if err != nil {
		m.log.Warn("dropping malformed answer", "remote_id", msg.From, "err", err)
		return
	}
	if err := link.HandleAnswer(desc); err != nil {
		if errors.Is(err, peer.ErrNegotiation) {
			m.failLink(link, err)
			return
		}
		m.log.Warn("dropping answer", "remote_id", msg.From, "err", err)
	}
}

// holdCandidate keeps a candidate that overtook its sender's offer.
func (m *Manager) holdCandidate(from string, candidate webrtc.ICECandidateInit) {
	if from == "" || from == m.localID {
		return
	}
	if len(m.early[from]) >= maxEarlyCandidates {
		m.log.Debug("dropping ice candidate for unknown link", "session_id", m.session.ID, "remote_id", from)
		return
	}
	if m.early == nil {
		m.early = make(map[string][]webrtc.ICECandidateInit)
	}
	m.early[from] = append(m.early[from], candidate)
}

// flushEarly hands held candidates to a new link, which queues them until
// its remote description is set.
func (m *Manager) flushEarly(link *peer.Link) {
	held := m.early[link.RemoteID()]
	delete(m.early, link.RemoteID())
	for _, candidate := range held {
		if err := link.AddCandidate(candidate); err != nil {
			m.log.Warn("dropping held ice candidate", "remote_id", link.RemoteID(), "err", err)
		}
	}
}

func (m *Manager) newLink(id string, role peer.Role) (*peer.Link, error) {
	conn, err := m.newConn()
	if err != nil {
		return nil, fmt.Errorf("%w: new connection: %v", peer.ErrNegotiation, err)
	}

	var link *peer.Link
	link = peer.NewLink(peer.LinkConfig{
		SessionID: m.session.ID,
		RemoteID:  id,
		Role:      role,
		Conn:      conn,
		Send:      m.sig.Send,
		Logger:    m.log,
		OnTrack: func(track peer.RemoteTrack) {
			m.loop.post(func() { m.handleMeshTrack(link, track) })
		},
		OnFailure: func(err error) {
			m.loop.post(func() { m.failLink(link, err) })
		},
	})
	return link, nil
}

func (m *Manager) handleMeshTrack(link *peer.Link, track peer.RemoteTrack) {
	if cur, ok := m.links.Get(link.RemoteID()); !ok || cur != link {
		return
	}
	if m.session.State == StateConnecting {
		m.setState(StateActive)
	}
	m.bind(link.RemoteID(), track, link.RequestKeyframe)
}

// failLink drops one mesh link. The session and the other links carry on.
func (m *Manager) failLink(link *peer.Link, err error) {
	if !m.links.RemoveLink(link) {
		return
	}
	m.peerFailed(link.RemoteID(), err)
	m.updateParticipants()
}

func (m *Manager) peerFailed(id string, err error) {
	m.log.Warn("peer link failed", "session_id", m.session.ID, "remote_id", id, "err", err)
	if m.hooks.OnPeerFailed != nil {
		m.hooks.OnPeerFailed(id, err)
	}
}

func (m *Manager) updateParticipants() {
	m.session.Participants = m.links.IDs()
	m.publish(false)
}
