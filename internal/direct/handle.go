package direct

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

// Handle is a 1:1 call. Tracks, a remote close or a failure that arrive
// before the matching observer is registered are held and delivered on
// registration.
type Handle struct {
	t         *Transport
	sessionID string
	remoteID  string
	video     bool
	incoming  bool
	link      *peer.Link

	mu       sync.Mutex
	offer    *webrtc.SessionDescription
	accepted bool
	closed   bool
	cause    error
	tracks   []peer.RemoteTrack

	heldClose bool
	heldErr   error

	onStream func(peer.RemoteTrack)
	onClose  func()
	onError  func(error)
}

var _ Call = (*Handle)(nil)

func (h *Handle) SessionID() string { return h.sessionID }
func (h *Handle) RemoteID() string  { return h.remoteID }
func (h *Handle) Video() bool       { return h.video }

func (h *Handle) OnRemoteStream(f func(track peer.RemoteTrack)) {
	h.mu.Lock()
	h.onStream = f
	held := h.tracks
	h.tracks = nil
	h.mu.Unlock()

	for _, track := range held {
		f(track)
	}
}

func (h *Handle) OnClose(f func()) {
	h.mu.Lock()
	h.onClose = f
	held := h.heldClose
	h.heldClose = false
	h.mu.Unlock()

	if held {
		f()
	}
}

func (h *Handle) OnError(f func(err error)) {
	h.mu.Lock()
	h.onError = f
	held := h.heldErr
	h.heldErr = nil
	h.mu.Unlock()

	if held != nil {
		f(held)
	}
}

// failure returns the error the call failed with, if any.
func (h *Handle) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cause
}

// Accept adds the local tracks and answers the caller's offer.
func (h *Handle) Accept(ctx context.Context, tracks []webrtc.TrackLocal) error {
	h.mu.Lock()
	switch {
	case !h.incoming:
		h.mu.Unlock()
		return ErrNotIncoming
	case h.closed:
		h.mu.Unlock()
		return ErrClosed
	case h.accepted:
		h.mu.Unlock()
		return ErrAlreadyAccepted
	}
	h.accepted = true
	offer := h.offer
	h.offer = nil
	h.mu.Unlock()

	if err := h.link.AddTracks(tracks); err != nil {
		return err
	}
	return h.link.HandleOffer(ctx, *offer)
}

func (h *Handle) Senders() []peer.Sender {
	return h.link.Senders()
}

func (h *Handle) RequestKeyframe(ssrc webrtc.SSRC) error {
	return h.link.RequestKeyframe(ssrc)
}

// Close hangs up. Local closes do not invoke OnClose.
func (h *Handle) Close() {
	if !h.markClosed() {
		return
	}
	h.teardown()
}

func (h *Handle) markClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.closed = true
	return true
}

func (h *Handle) teardown() {
	h.t.forget(h)
	if err := h.link.Close(); err != nil {
		h.t.log.Debug("closing call connection", "session_id", h.sessionID, "err", err)
	}
	h.t.leave(h.sessionID)
}

func (h *Handle) remoteClose() {
	if !h.markClosed() {
		return
	}
	h.teardown()

	h.mu.Lock()
	f := h.onClose
	if f == nil {
		h.heldClose = true
	}
	h.mu.Unlock()
	if f != nil {
		f()
	}
}

// fail reports err once and closes the call.
func (h *Handle) fail(err error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.cause = err
	h.mu.Unlock()

	h.t.log.Warn("call failed", "session_id", h.sessionID, "remote_id", h.remoteID, "err", err)
	h.teardown()

	h.mu.Lock()
	f := h.onError
	if f == nil {
		h.heldErr = err
	}
	h.mu.Unlock()
	if f != nil {
		f(err)
	}
}

func (h *Handle) deliverTrack(track peer.RemoteTrack) {
	h.mu.Lock()
	f := h.onStream
	if f == nil {
		h.tracks = append(h.tracks, track)
	}
	h.mu.Unlock()
	if f != nil {
		f(track)
	}
}
