package peer

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// fakeConnection records the operations a Link performs.
type fakeConnection struct {
	mu sync.Mutex

	ops        []string
	senders    []*fakeSender
	candidates []webrtc.ICECandidateInit
	rtcp       []rtcp.Packet
	closed     int

	setRemoteErr error

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

var _ Connection = (*fakeConnection)(nil)

func (c *fakeConnection) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *fakeConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	c.record("add_track")
	s := &fakeSender{track: track}
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConnection) Senders() []Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *fakeConnection) CreateOffer() (webrtc.SessionDescription, error) {
	c.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *fakeConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *fakeConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.record("set_local_" + desc.Type.String())
	return nil
}

func (c *fakeConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.record("set_remote_" + desc.Type.String())
	return c.setRemoteErr
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.record("add_candidate")
	c.mu.Lock()
	c.candidates = append(c.candidates, candidate)
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) OnICECandidate(f func(webrtc.ICECandidateInit)) { c.onCandidate = f }
func (c *fakeConnection) OnTrack(f func(RemoteTrack))                    { c.onTrack = f }
func (c *fakeConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.onState = f
}

func (c *fakeConnection) WriteRTCP(pkts []rtcp.Packet) error {
	c.mu.Lock()
	c.rtcp = append(c.rtcp, pkts...)
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeConnection) snapshot() (ops []string, candidates []webrtc.ICECandidateInit, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...), append([]webrtc.ICECandidateInit(nil), c.candidates...), c.closed
}

// outbox collects messages a Link sends.
type outbox struct {
	mu   sync.Mutex
	msgs []signaling.Message
}

func (o *outbox) send(_ context.Context, msg signaling.Message) error {
	o.mu.Lock()
	o.msgs = append(o.msgs, msg)
	o.mu.Unlock()
	return nil
}

func (o *outbox) all() []signaling.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]signaling.Message(nil), o.msgs...)
}
