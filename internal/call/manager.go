// Package call orchestrates call sessions: the 1:1 and mesh state machine,
// local media ownership and remote stream delivery.
//
// Every event (API call, signaling message, transport or connection callback,
// completed media acquisition) runs to completion on one event-loop
// goroutine. Media acquisition runs off the loop and re-enters through a
// posted event that carries the session generation it started under; a
// completion for an older generation stops its stream and is discarded.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/binder"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/direct"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const (
	leaveTimeout = 2 * time.Second

	// maxEarlyCandidates bounds the candidates held per participant while
	// their link does not exist yet.
	maxEarlyCandidates = 32
)

// Transport is the 1:1 call protocol. *direct.Transport implements it.
type Transport interface {
	Dial(ctx context.Context, target string, video bool, tracks []webrtc.TrackLocal) (direct.Call, error)
	Decline(sessionID string)
	OnRing(f func(direct.Ring))
	OnConnection(f func(direct.Call))
	OnRingCancelled(f func(sessionID string))
}

// Hooks are called on the event loop. They must not call back into the
// Manager synchronously.
type Hooks struct {
	OnStateChange  func(s Session)
	OnIncoming     func(from string, video bool)
	OnGroupRing    func(sessionID, from string, video bool)
	OnRemoteStream func(remoteID string, track peer.RemoteTrack)
	OnPeerLeft     func(remoteID string)
	OnPeerFailed   func(remoteID string, err error)
}

// RenderTargetFunc returns where a remote track is rendered, or nil to leave
// it to the OnRemoteStream hook.
type RenderTargetFunc func(remoteID string, track peer.RemoteTrack, requestKeyframe func(webrtc.SSRC) error) binder.Target

type Options struct {
	LocalID       string
	Signaler      signaling.Signaler
	Transport     Transport
	Media         *media.Controller
	NewConnection func() (peer.Connection, error)

	Binder       *binder.Binder
	RenderTarget RenderTargetFunc

	Hooks  Hooks
	Logger *slog.Logger
}

type Manager struct {
	localID      string
	sig          signaling.Signaler
	transport    Transport
	media        *media.Controller
	newConn      func() (peer.Connection, error)
	binder       *binder.Binder
	renderTarget RenderTargetFunc
	hooks        Hooks
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	loop   *eventLoop

	unsubscribe func()
	closeOnce   sync.Once

	snapMu   sync.Mutex
	snapshot Session

	// Owned by the event loop.
	session       Session
	gen           uint64
	outgoing      bool
	call          direct.Call
	answered      bool
	pendingAnswer bool
	joined        bool
	links         *peer.Registry
	early         map[string][]webrtc.ICECandidateInit
}

func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := opts.Binder
	if b == nil {
		b = binder.New(binder.Options{Logger: logger})
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		localID:      opts.LocalID,
		sig:          opts.Signaler,
		transport:    opts.Transport,
		media:        opts.Media,
		newConn:      opts.NewConnection,
		binder:       b,
		renderTarget: opts.RenderTarget,
		hooks:        opts.Hooks,
		log:          logger.With("local_id", opts.LocalID),
		ctx:          ctx,
		cancel:       cancel,
		loop:         newEventLoop(),
		links:        peer.NewRegistry(),
	}

	m.transport.OnRing(func(r direct.Ring) {
		m.loop.post(func() { m.handleRing(r) })
	})
	m.transport.OnConnection(func(c direct.Call) {
		m.loop.post(func() { m.handleConnection(c) })
	})
	m.transport.OnRingCancelled(func(sid string) {
		m.loop.post(func() { m.handleRingCancelled(sid) })
	})
	m.unsubscribe = m.sig.OnMessage(func(msg signaling.Message) {
		m.loop.post(func() { m.handleSignal(msg) })
	})
	return m
}

// do runs f on the event loop and waits for its result. f is skipped if ctx
// is done by the time the loop reaches it; once posted, do always waits.
func (m *Manager) do(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	posted := m.loop.post(func() {
		if err := ctx.Err(); err != nil {
			errc <- err
			return
		}
		errc <- f()
	})
	if !posted {
		return ErrClosed
	}
	return <-errc
}

// resume re-enters the loop after a media acquisition. The stream is stopped
// if the loop is gone or the session moved on.
func (m *Manager) resume(gen uint64, stream *media.Stream, f func() error) error {
	err := m.do(context.Background(), func() error {
		if gen != m.gen {
			if stream != nil {
				stream.Stop()
			}
			return ErrCancelled
		}
		return f()
	})
	if errors.Is(err, ErrClosed) && stream != nil {
		stream.Stop()
	}
	return err
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	return m.snapshot.clone()
}

// LocalMedia reports the local stream with its mic, camera and facing-mode
// flags.
func (m *Manager) LocalMedia() media.LocalState {
	return m.media.State()
}

// Dial starts a 1:1 call to target.
func (m *Manager) Dial(ctx context.Context, target string, video bool) (Session, error) {
	var gen uint64
	err := m.do(ctx, func() error {
		if m.session.State.Live() {
			return ErrSessionActive
		}
		if target == "" || target == m.localID {
			return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		gen = m.begin(Session{
			ID:    direct.SessionID(m.localID, target),
			Mode:  ModeOneToOne,
			State: StateOutgoing,
			Video: video,
			Peer:  target,
		})
		m.outgoing = true
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

		c, err := m.transport.Dial(ctx, target, video, stream.TrackLocals())
		if err != nil {
			m.log.Warn("dial failed", "remote_id", target, "err", err)
			m.end(failureReason(err))
			return err
		}
		m.attach(c)
		m.setState(StateConnecting)
		out = m.session.clone()
		return nil
	})
	return out, err
}

// Answer accepts the incoming call. If the call's connection has not arrived
// yet the answer is latched and replayed once it does. Answering twice is a
// no-op.
func (m *Manager) Answer(ctx context.Context) error {
	var (
		gen   uint64
		video bool
		first bool
	)
	err := m.do(ctx, func() error {
		switch {
		case !m.session.State.Live():
			return ErrNoSession
		case m.answered:
			return nil
		case m.session.State != StateIncoming:
			return ErrInvalidState
		}
		m.answered = true
		first = true
		gen, video = m.gen, m.session.Video
		return nil
	})
	if err != nil || !first {
		return err
	}

	stream, acqErr := m.media.Acquire(ctx, video)

	return m.resume(gen, stream, func() error {
		if acqErr != nil {
			if err := ctx.Err(); err != nil {
				// Still ringing; the answer can be retried.
				m.answered = false
				return err
			}
			m.end(ReasonMediaFailed)
			return acqErr
		}
		m.media.SetStream(stream)
		if m.call == nil {
			m.pendingAnswer = true
			m.log.Debug("answer latched until the call connection arrives", "session_id", m.session.ID)
			return nil
		}
		return m.accept()
	})
}

// Reject declines the incoming call.
func (m *Manager) Reject(ctx context.Context) error {
	return m.do(ctx, func() error {
		switch m.session.State {
		case StateIdle, StateEnded:
			return nil
		case StateIncoming:
			m.decline()
			m.end(ReasonRejected)
			return nil
		default:
			return ErrInvalidState
		}
	})
}

// HangUp ends the current session. It is a no-op without one.
func (m *Manager) HangUp(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.hangUp()
		return nil
	})
}

func (m *Manager) hangUp() {
	switch m.session.State {
	case StateIdle, StateEnded:
	case StateIncoming:
		m.decline()
		m.end(ReasonRejected)
	default:
		m.end(ReasonHangup)
	}
}

func (m *Manager) ToggleMic() (bool, error) {
	var on bool
	err := m.do(context.Background(), func() error {
		if !m.inCall() {
			return ErrInvalidState
		}
		on = m.media.ToggleMic()
		return nil
	})
	return on, err
}

func (m *Manager) ToggleCamera() (bool, error) {
	var on bool
	err := m.do(context.Background(), func() error {
		if !m.inCall() {
			return ErrInvalidState
		}
		on = m.media.ToggleCamera()
		return nil
	})
	return on, err
}

// SwitchCamera flips the camera facing mode and replaces the outgoing video
// track on every connection. A failure leaves the call unchanged.
func (m *Manager) SwitchCamera(ctx context.Context) (media.FacingMode, error) {
	var senders []peer.Sender
	err := m.do(ctx, func() error {
		if !m.inCall() {
			return ErrInvalidState
		}
		senders = m.senders()
		return nil
	})
	if err != nil {
		return "", err
	}
	return m.media.SwitchCamera(ctx, senders)
}

// Close hangs up and stops the manager.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.unsubscribe()
		_ = m.do(context.Background(), func() error {
			m.hangUp()
			return nil
		})
		m.cancel()
		m.loop.stop()
	})
}

func (m *Manager) inCall() bool {
	return m.session.State == StateConnecting || m.session.State == StateActive
}

func (m *Manager) senders() []peer.Sender {
	if m.call != nil {
		return m.call.Senders()
	}
	var out []peer.Sender
	m.links.Each(func(l *peer.Link) {
		out = append(out, l.Senders()...)
	})
	return out
}

func (m *Manager) localTracks() []webrtc.TrackLocal {
	if s := m.media.Stream(); s != nil {
		return s.TrackLocals()
	}
	return nil
}

// begin starts a new session generation.
func (m *Manager) begin(s Session) uint64 {
	m.gen++
	m.session = s
	m.outgoing = false
	m.call = nil
	m.answered = false
	m.pendingAnswer = false
	m.joined = false
	m.early = nil
	m.publish(true)
	return m.gen
}

// acquireFailed ends a session whose media acquisition failed. A caller that
// gave up counts as a hangup.
func (m *Manager) acquireFailed(ctx context.Context, acqErr error) error {
	if err := ctx.Err(); err != nil {
		m.end(ReasonHangup)
		return err
	}
	m.end(ReasonMediaFailed)
	return acqErr
}

func failureReason(err error) EndReason {
	switch {
	case errors.Is(err, direct.ErrUnreachable):
		return ReasonUnreachable
	case errors.Is(err, peer.ErrConnectivity):
		return ReasonConnectionLost
	default:
		return ReasonNegotiationFailed
	}
}

func (m *Manager) setState(s State) {
	if m.session.State == s {
		return
	}
	m.session.State = s
	m.publish(true)
}

func (m *Manager) publish(stateChanged bool) {
	snap := m.session.clone()
	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()

	if stateChanged {
		m.log.Info("call state", "session_id", snap.ID, "mode", snap.Mode.String(), "state", snap.State.String(), "end_reason", string(snap.EndReason))
		if m.hooks.OnStateChange != nil {
			m.hooks.OnStateChange(snap)
		}
	}
}

// end tears the session down and releases local media. Later completions
// from the ended generation are discarded.
func (m *Manager) end(reason EndReason) {
	if !m.session.State.Live() {
		return
	}
	if m.call != nil {
		m.call.Close()
		m.call = nil
	}
	if m.joined {
		ctx, cancel := context.WithTimeout(m.ctx, leaveTimeout)
		if err := m.sig.Send(ctx, signaling.Leave(m.session.ID)); err != nil {
			m.log.Debug("leave failed", "session_id", m.session.ID, "err", err)
		}
		cancel()
		m.joined = false
	}
	if n := m.links.CloseAll(); n > 0 {
		m.log.Debug("closed peer links", "session_id", m.session.ID, "count", n)
	}
	m.media.Release()

	m.gen++
	m.answered = false
	m.pendingAnswer = false
	m.outgoing = false
	m.early = nil
	m.session.Participants = nil
	m.session.EndReason = reason
	m.setState(StateEnded)
}

func (m *Manager) bind(remoteID string, track peer.RemoteTrack, requestKeyframe func(webrtc.SSRC) error) {
	if m.hooks.OnRemoteStream != nil {
		m.hooks.OnRemoteStream(remoteID, track)
	}
	if m.renderTarget == nil {
		return
	}
	target := m.renderTarget(remoteID, track, requestKeyframe)
	if target == nil {
		return
	}
	if err := m.binder.Bind(m.ctx, target, track); err != nil {
		m.log.Warn("binding remote track failed", "remote_id", remoteID, "track_id", track.ID(), "err", err)
	}
}
