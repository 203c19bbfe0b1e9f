package peer_test

import (
	"context"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func newVNetPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()

	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	apiA, err := peer.NewAPI(config.Config{}, peer.APIOptions{Net: netA})
	if err != nil {
		t.Fatalf("new api A: %v", err)
	}
	apiB, err := peer.NewAPI(config.Config{}, peer.APIOptions{Net: netB})
	if err != nil {
		t.Fatalf("new api B: %v", err)
	}
	return apiA, apiB
}

// deliverTo applies a relayed message to the receiving link.
func deliverTo(t *testing.T, target func() *peer.Link) peer.SendFunc {
	return func(ctx context.Context, msg signaling.Message) error {
		l := target()
		switch msg.Kind {
		case signaling.KindOffer:
			desc, err := msg.SDP.ToPion()
			if err != nil {
				return err
			}
			go func() {
				if err := l.HandleOffer(context.Background(), desc); err != nil {
					t.Errorf("HandleOffer: %v", err)
				}
			}()
		case signaling.KindAnswer:
			desc, err := msg.SDP.ToPion()
			if err != nil {
				return err
			}
			go func() {
				if err := l.HandleAnswer(desc); err != nil {
					t.Errorf("HandleAnswer: %v", err)
				}
			}()
		case signaling.KindICECandidate:
			// Candidates may overtake the offer; the link queues them.
			if err := l.AddCandidate(msg.Candidate.ToPion()); err != nil {
				t.Errorf("AddCandidate: %v", err)
			}
		}
		return nil
	}
}

func TestLink_NegotiatesMediaOverVNet(t *testing.T) {
	apiA, apiB := newVNetPair(t)

	connA, err := peer.NewConnection(apiA, nil)
	if err != nil {
		t.Fatalf("new connection A: %v", err)
	}
	connB, err := peer.NewConnection(apiB, nil)
	if err != nil {
		t.Fatalf("new connection B: %v", err)
	}

	var linkA, linkB *peer.Link
	connectedA := make(chan struct{})
	connectedB := make(chan struct{})
	tracks := make(chan peer.RemoteTrack, 1)

	linkA = peer.NewLink(peer.LinkConfig{
		SessionID:   "g1",
		RemoteID:    "b",
		Role:        peer.Initiator,
		Conn:        connA,
		Send:        deliverTo(t, func() *peer.Link { return linkB }),
		OnConnected: func() { close(connectedA) },
	})
	t.Cleanup(func() { _ = linkA.Close() })
	linkB = peer.NewLink(peer.LinkConfig{
		SessionID:   "g1",
		RemoteID:    "a",
		Role:        peer.Responder,
		Conn:        connB,
		Send:        deliverTo(t, func() *peer.Link { return linkA }),
		OnConnected: func() { close(connectedB) },
		OnTrack:     func(track peer.RemoteTrack) { tracks <- track },
	})
	t.Cleanup(func() { _ = linkB.Close() })

	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "a")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if err := linkA.AddTracks([]webrtc.TrackLocal{video}); err != nil {
		t.Fatalf("AddTracks: %v", err)
	}

	if err := linkA.Offer(context.Background()); err != nil {
		t.Fatalf("Offer: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"A": connectedA, "B": connectedB} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("timed out waiting for %s to connect", name)
		}
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = video.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	select {
	case track := <-tracks:
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			t.Fatalf("remote track kind=%s, want video", track.Kind())
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for remote track")
	}

	if linkA.State() != peer.StateConnected || linkB.State() != peer.StateConnected {
		t.Fatalf("states A=%s B=%s, want connected", linkA.State(), linkB.State())
	}
	if len(linkA.Senders()) != 1 {
		t.Fatalf("senders=%d, want 1", len(linkA.Senders()))
	}
}
