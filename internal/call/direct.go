package call

import (
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/direct"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

// attach makes c the session's call and registers its observers.
func (m *Manager) attach(c direct.Call) {
	m.call = c
	c.OnRemoteStream(func(track peer.RemoteTrack) {
		m.loop.post(func() { m.handleCallTrack(c, track) })
	})
	c.OnClose(func() {
		m.loop.post(func() { m.handleCallClosed(c) })
	})
	c.OnError(func(err error) {
		m.loop.post(func() { m.handleCallError(c, err) })
	})
}

func (m *Manager) accept() error {
	m.pendingAnswer = false
	if err := m.call.Accept(m.ctx, m.localTracks()); err != nil {
		m.log.Warn("accepting call failed", "session_id", m.session.ID, "err", err)
		m.end(ReasonNegotiationFailed)
		return err
	}
	m.setState(StateConnecting)
	return nil
}

// decline refuses the incoming call whether or not its connection arrived.
func (m *Manager) decline() {
	if m.call != nil {
		m.call.Close()
		m.call = nil
		return
	}
	m.transport.Decline(m.session.ID)
}

func (m *Manager) handleRing(r direct.Ring) {
	if m.session.State.Live() {
		m.log.Info("declining ring while busy", "session_id", r.SessionID, "from", r.From)
		m.transport.Decline(r.SessionID)
		return
	}
	m.begin(Session{
		ID:    r.SessionID,
		Mode:  ModeOneToOne,
		State: StateIncoming,
		Video: r.Video,
		Peer:  r.From,
	})
	if m.hooks.OnIncoming != nil {
		m.hooks.OnIncoming(r.From, r.Video)
	}
}

func (m *Manager) handleConnection(c direct.Call) {
	if m.session.State != StateIncoming || m.session.ID != c.SessionID() || m.call != nil {
		m.log.Debug("closing unexpected call connection", "session_id", c.SessionID(), "remote_id", c.RemoteID())
		c.Close()
		return
	}
	m.attach(c)
	if m.pendingAnswer {
		_ = m.accept()
	}
}

func (m *Manager) handleRingCancelled(sid string) {
	if m.session.State == StateIncoming && m.session.ID == sid {
		m.end(ReasonMissed)
	}
}

func (m *Manager) handleCallTrack(c direct.Call, track peer.RemoteTrack) {
	if m.call != c {
		return
	}
	if m.session.State == StateConnecting {
		m.setState(StateActive)
	}
	m.bind(c.RemoteID(), track, c.RequestKeyframe)
}

func (m *Manager) handleCallClosed(c direct.Call) {
	if m.call != c {
		return
	}
	m.call = nil

	reason := ReasonRemoteHangup
	switch {
	case m.session.State == StateIncoming:
		reason = ReasonMissed
	case m.outgoing && m.session.State != StateActive:
		reason = ReasonRejected
	}
	m.end(reason)
}

func (m *Manager) handleCallError(c direct.Call, err error) {
	if m.call != c {
		return
	}
	m.call = nil
	m.end(failureReason(err))
}
