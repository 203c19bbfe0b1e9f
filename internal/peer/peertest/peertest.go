// Package peertest provides in-memory fakes of the peer package interfaces.
package peertest

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

type Sender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func NewSender(track webrtc.TrackLocal) *Sender {
	return &Sender{track: track}
}

func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

// Track is a remote track that reports EOF on read.
type Track struct {
	TrackID string
	Type    webrtc.RTPCodecType
}

var _ peer.RemoteTrack = Track{}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return "stream" }
func (t Track) Kind() webrtc.RTPCodecType { return t.Type }
func (t Track) SSRC() webrtc.SSRC         { return 1 }
func (t Track) Codec() webrtc.RTPCodecParameters {
	mime := webrtc.MimeTypeOpus
	if t.Type == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime}}
}

func (t Track) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}

var ErrInjected = errors.New("injected failure")

// Connection records negotiation calls and lets tests fire the callbacks a
// real peer connection would.
type Connection struct {
	mu sync.Mutex

	ops     []string
	senders []*Sender
	tracks  []webrtc.TrackLocal
	closed  int

	FailSetRemote bool

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(peer.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

var _ peer.Connection = (*Connection)(nil)

func (c *Connection) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	c.record("add_track")
	s := NewSender(track)
	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.tracks = append(c.tracks, track)
	c.mu.Unlock()
	return s, nil
}

func (c *Connection) Senders() []peer.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]peer.Sender, 0, len(c.senders))
	for _, s := range c.senders {
		out = append(out, s)
	}
	return out
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	c.record("create_offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	c.record("create_answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (c *Connection) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.record("set_local_" + desc.Type.String())
	return nil
}

func (c *Connection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.record("set_remote_" + desc.Type.String())
	c.mu.Lock()
	fail := c.FailSetRemote
	c.mu.Unlock()
	if fail {
		return ErrInjected
	}
	return nil
}

func (c *Connection) AddICECandidate(webrtc.ICECandidateInit) error {
	c.record("add_candidate")
	return nil
}

func (c *Connection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onCandidate = f
	c.mu.Unlock()
}

func (c *Connection) OnTrack(f func(peer.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = f
	c.mu.Unlock()
}

func (c *Connection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = f
	c.mu.Unlock()
}

func (c *Connection) WriteRTCP([]rtcp.Packet) error {
	c.record("write_rtcp")
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// Ops lists the recorded operations in call order.
func (c *Connection) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

// Tracks lists the local tracks added to the connection.
func (c *Connection) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), c.tracks...)
}

func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed > 0
}

// EmitTrack fires the remote-track callback.
func (c *Connection) EmitTrack(track peer.RemoteTrack) {
	c.mu.Lock()
	f := c.onTrack
	c.mu.Unlock()
	if f != nil {
		f(track)
	}
}

// EmitState fires the connection-state callback.
func (c *Connection) EmitState(state webrtc.PeerConnectionState) {
	c.mu.Lock()
	f := c.onState
	c.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// EmitCandidate fires the local-candidate callback.
func (c *Connection) EmitCandidate(candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	f := c.onCandidate
	c.mu.Unlock()
	if f != nil {
		f(candidate)
	}
}

// Factory hands out Connections and remembers them in creation order.
type Factory struct {
	mu    sync.Mutex
	conns []*Connection
	Err   error
}

func (f *Factory) New() (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Connection{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *Factory) Connections() []*Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Connection(nil), f.conns...)
}

// Last returns the most recently created connection, or nil.
func (f *Factory) Last() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
