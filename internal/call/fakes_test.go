package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/direct"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer/peertest"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling/signalingtest"
)

const localID = "alice"

type fakeTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Int32
}

func newFakeTrack(t *testing.T, kind webrtc.RTPCodecType) *fakeTrack {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	sample, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), localID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	f := &fakeTrack{TrackLocalStaticSample: sample}
	f.enabled.Store(true)
	return f
}

func (f *fakeTrack) Enabled() bool           { return f.enabled.Load() }
func (f *fakeTrack) SetEnabled(enabled bool) { f.enabled.Store(enabled) }
func (f *fakeTrack) Stop()                   { f.stopped.Add(1) }

// fakeDevices hands out fake streams. With gate set, requests block until it
// is closed.
type fakeDevices struct {
	t *testing.T

	mu       sync.Mutex
	requests []media.Constraints
	streams  []*media.Stream
	err      error
	failNext int
	gate     chan struct{}
}

func (d *fakeDevices) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	d.mu.Lock()
	d.requests = append(d.requests, c)
	gate, err := d.gate, d.err
	if d.failNext > 0 {
		d.failNext--
		err = errors.New("device busy")
	}
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	var tracks []media.Track
	if c.Audio != nil {
		tracks = append(tracks, newFakeTrack(d.t, webrtc.RTPCodecTypeAudio))
	}
	if c.Video != nil {
		tracks = append(tracks, newFakeTrack(d.t, webrtc.RTPCodecTypeVideo))
	}
	s := media.NewStream(tracks...)

	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDevices) requestCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *fakeDevices) stream(i int) *media.Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[i]
}

func stoppedTracks(s *media.Stream) int {
	n := 0
	for _, tr := range s.Tracks() {
		if tr.(*fakeTrack).stopped.Load() > 0 {
			n++
		}
	}
	return n
}

type fakeCall struct {
	sid    string
	remote string
	video  bool

	mu        sync.Mutex
	accepts   int
	acceptErr error
	senders   []peer.Sender
	closed    int
	keyframes []webrtc.SSRC
	onStream  func(peer.RemoteTrack)
	onClose   func()
	onError   func(error)
}

var _ direct.Call = (*fakeCall)(nil)

func newFakeCall(remote string, video bool) *fakeCall {
	return &fakeCall{sid: direct.SessionID(localID, remote), remote: remote, video: video}
}

func (c *fakeCall) SessionID() string { return c.sid }
func (c *fakeCall) RemoteID() string  { return c.remote }
func (c *fakeCall) Video() bool       { return c.video }

func (c *fakeCall) OnRemoteStream(f func(peer.RemoteTrack)) { c.mu.Lock(); c.onStream = f; c.mu.Unlock() }
func (c *fakeCall) OnClose(f func())                        { c.mu.Lock(); c.onClose = f; c.mu.Unlock() }
func (c *fakeCall) OnError(f func(error))                   { c.mu.Lock(); c.onError = f; c.mu.Unlock() }

func (c *fakeCall) Accept(_ context.Context, tracks []webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepts++
	if c.acceptErr != nil {
		return c.acceptErr
	}
	c.addSenders(tracks)
	return nil
}

func (c *fakeCall) addSenders(tracks []webrtc.TrackLocal) {
	for _, track := range tracks {
		c.senders = append(c.senders, peertest.NewSender(track))
	}
}

func (c *fakeCall) Senders() []peer.Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]peer.Sender(nil), c.senders...)
}

func (c *fakeCall) RequestKeyframe(ssrc webrtc.SSRC) error {
	c.mu.Lock()
	c.keyframes = append(c.keyframes, ssrc)
	c.mu.Unlock()
	return nil
}

func (c *fakeCall) Close() {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
}

func (c *fakeCall) acceptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepts
}

func (c *fakeCall) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeCall) emitTrack(track peer.RemoteTrack) {
	c.mu.Lock()
	f := c.onStream
	c.mu.Unlock()
	f(track)
}

func (c *fakeCall) emitClose() {
	c.mu.Lock()
	f := c.onClose
	c.mu.Unlock()
	f()
}

func (c *fakeCall) emitError(err error) {
	c.mu.Lock()
	f := c.onError
	c.mu.Unlock()
	f(err)
}

type fakeTransport struct {
	mu       sync.Mutex
	onRing   func(direct.Ring)
	onConn   func(direct.Call)
	onCancel func(string)
	dials    []*fakeCall
	declined []string
	dialErr  error
}

var _ Transport = (*fakeTransport)(nil)

func (tr *fakeTransport) Dial(_ context.Context, target string, video bool, tracks []webrtc.TrackLocal) (direct.Call, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.dialErr != nil {
		return nil, tr.dialErr
	}
	c := newFakeCall(target, video)
	c.addSenders(tracks)
	tr.dials = append(tr.dials, c)
	return c, nil
}

func (tr *fakeTransport) Decline(sid string) {
	tr.mu.Lock()
	tr.declined = append(tr.declined, sid)
	tr.mu.Unlock()
}

func (tr *fakeTransport) OnRing(f func(direct.Ring))       { tr.mu.Lock(); tr.onRing = f; tr.mu.Unlock() }
func (tr *fakeTransport) OnConnection(f func(direct.Call)) { tr.mu.Lock(); tr.onConn = f; tr.mu.Unlock() }
func (tr *fakeTransport) OnRingCancelled(f func(string))   { tr.mu.Lock(); tr.onCancel = f; tr.mu.Unlock() }

func (tr *fakeTransport) ring(from string, video bool) {
	tr.mu.Lock()
	f := tr.onRing
	tr.mu.Unlock()
	f(direct.Ring{SessionID: direct.SessionID(localID, from), From: from, Video: video})
}

func (tr *fakeTransport) connect(c *fakeCall) {
	tr.mu.Lock()
	f := tr.onConn
	tr.mu.Unlock()
	f(c)
}

func (tr *fakeTransport) cancelRing(sid string) {
	tr.mu.Lock()
	f := tr.onCancel
	tr.mu.Unlock()
	f(sid)
}

func (tr *fakeTransport) lastDial() *fakeCall {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.dials) == 0 {
		return nil
	}
	return tr.dials[len(tr.dials)-1]
}

func (tr *fakeTransport) declines() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.declined...)
}

// hookLog records hook invocations.
type hookLog struct {
	mu         sync.Mutex
	states     []State
	incoming   []string
	groupRings []string
	streams    []string
	left       []string
	failed     []string
}

func (h *hookLog) hooks() Hooks {
	record := func(dst *[]string, v string) {
		h.mu.Lock()
		*dst = append(*dst, v)
		h.mu.Unlock()
	}
	return Hooks{
		OnStateChange: func(s Session) {
			h.mu.Lock()
			h.states = append(h.states, s.State)
			h.mu.Unlock()
		},
		OnIncoming:     func(from string, _ bool) { record(&h.incoming, from) },
		OnGroupRing:    func(sid, from string, _ bool) { record(&h.groupRings, sid+"/"+from) },
		OnRemoteStream: func(id string, track peer.RemoteTrack) { record(&h.streams, id+"/"+track.ID()) },
		OnPeerLeft:     func(id string) { record(&h.left, id) },
		OnPeerFailed:   func(id string, _ error) { record(&h.failed, id) },
	}
}

func (h *hookLog) get(src *[]string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), (*src)...)
}

func (h *hookLog) stateLog() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

type harness struct {
	m       *Manager
	sig     *signalingtest.Signaler
	tr      *fakeTransport
	conns   *peertest.Factory
	devices *fakeDevices
	hooks   *hookLog
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sig:     signalingtest.New(),
		tr:      &fakeTransport{},
		conns:   &peertest.Factory{},
		devices: &fakeDevices{t: t},
		hooks:   &hookLog{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := Options{
		LocalID:       localID,
		Signaler:      h.sig,
		Transport:     h.tr,
		Media:         media.NewController(h.devices, logger),
		NewConnection: h.conns.New,
		Hooks:         h.hooks.hooks(),
		Logger:        logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.m = New(o)
	t.Cleanup(h.m.Close)
	return h
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	if err := h.m.do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func (h *harness) state() State {
	return h.m.Session().State
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
