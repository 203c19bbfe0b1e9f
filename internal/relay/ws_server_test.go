package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func startRelay(t *testing.T, cfg config.Config) (wsURL string, m *metrics.Metrics) {
	t.Helper()

	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeNone
	}
	m = metrics.New()
	hub := NewHub(HubOptions{Metrics: m})
	srv, err := NewWebSocketServer(cfg, WebSocketServerOptions{Hub: hub, Metrics: m})
	if err != nil {
		t.Fatalf("NewWebSocketServer: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /signal", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/signal", m
}

func dialRelay(t *testing.T, wsURL string, participant string) *signaling.Client {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := signaling.Dial(ctx, wsURL, signaling.ClientOptions{ParticipantID: participant})
	if err != nil {
		t.Fatalf("dial %s: %v", participant, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func collect(c *signaling.Client) <-chan signaling.Message {
	ch := make(chan signaling.Message, 32)
	c.OnMessage(func(m signaling.Message) { ch <- m })
	return ch
}

func next(t *testing.T, ch <-chan signaling.Message) signaling.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for message")
		return signaling.Message{}
	}
}

func TestWebSocketServer_MeshJoinAndRelay(t *testing.T) {
	wsURL, _ := startRelay(t, config.Config{})
	ctx := context.Background()

	alice := dialRelay(t, wsURL, "alice")
	aliceIn := collect(alice)
	bob := dialRelay(t, wsURL, "bob")
	bobIn := collect(bob)

	if err := alice.Send(ctx, signaling.Join("g1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := next(t, aliceIn); m.Kind != signaling.KindRosterSnapshot || len(m.Participants) != 0 {
		t.Fatalf("alice got %#v, want empty snapshot", m)
	}

	if err := bob.Send(ctx, signaling.Join("g1")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := next(t, bobIn); m.Kind != signaling.KindRosterSnapshot || len(m.Participants) != 1 || m.Participants[0] != "alice" {
		t.Fatalf("bob got %#v, want snapshot [alice]", m)
	}
	if m := next(t, aliceIn); m.Kind != signaling.KindParticipantJoined || m.Participant != "bob" {
		t.Fatalf("alice got %#v, want participant_joined(bob)", m)
	}

	offer := signaling.Message{
		Kind:      signaling.KindOffer,
		To:        "alice",
		SessionID: "g1",
		SDP:       &signaling.SDP{Type: "offer", SDP: "v=0"},
	}
	if err := bob.Send(ctx, offer); err != nil {
		t.Fatalf("send: %v", err)
	}
	if m := next(t, aliceIn); m.Kind != signaling.KindOffer || m.From != "bob" {
		t.Fatalf("alice got %#v, want offer from bob", m)
	}

	_ = bob.Close()
	if m := next(t, aliceIn); m.Kind != signaling.KindParticipantLeft || m.Participant != "bob" {
		t.Fatalf("alice got %#v, want participant_left(bob)", m)
	}
}

func TestWebSocketServer_UnreachableTarget(t *testing.T) {
	wsURL, m := startRelay(t, config.Config{})

	alice := dialRelay(t, wsURL, "alice")
	aliceIn := collect(alice)

	if err := alice.Send(context.Background(), signaling.Ring("alice:bob", "bob", true)); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := next(t, aliceIn)
	if got.Kind != signaling.KindError || got.Code != signaling.CodeUnreachable || got.Participant != "bob" {
		t.Fatalf("alice got %#v, want unreachable(bob)", got)
	}
	if m.Get(metrics.TargetUnreachable) != 1 {
		t.Fatalf("%s=%d, want 1", metrics.TargetUnreachable, m.Get(metrics.TargetUnreachable))
	}
}

func TestWebSocketServer_RejectsMissingParticipant(t *testing.T) {
	wsURL, m := startRelay(t, config.Config{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}
	if m.Get(metrics.AuthFailed) != 1 {
		t.Fatalf("%s=%d, want 1", metrics.AuthFailed, m.Get(metrics.AuthFailed))
	}
}

func TestWebSocketServer_JWTIdentityOverridesQuery(t *testing.T) {
	wsURL, _ := startRelay(t, config.Config{AuthMode: config.AuthModeJWT, JWTSecret: "s3cret"})

	token, err := auth.IssueToken("s3cret", "alice", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	alice, err := signaling.Dial(ctx, wsURL, signaling.ClientOptions{Credential: token, ParticipantID: "mallory"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer alice.Close()
	aliceIn := collect(alice)

	if err := alice.Send(ctx, signaling.Ring("x", "alice", false)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := next(t, aliceIn); got.Kind != signaling.KindRing || got.From != "alice" {
		t.Fatalf("got %#v, want ring from alice", got)
	}

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL+"?participant=alice", nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, err=%v", err)
	}
}

func TestWebSocketServer_RateLimit(t *testing.T) {
	wsURL, m := startRelay(t, config.Config{MaxSignalingMessagesPerSecond: 2})

	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?participant=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	for i := 0; i < 10; i++ {
		if err := c.WriteMessage(websocket.TextMessage, []byte(`{"kind":"leave","sessionId":"g1"}`)); err != nil {
			break
		}
	}

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Fatalf("err=%v, want policy violation close", err)
		}
		break
	}
	if m.Get(metrics.RateLimited) == 0 {
		t.Fatalf("expected %s to be counted", metrics.RateLimited)
	}
}

func TestWebSocketServer_MessageTooLarge(t *testing.T) {
	wsURL, _ := startRelay(t, config.Config{MaxSignalingMessageBytes: 64})

	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?participant=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	big := `{"kind":"join","sessionId":"` + strings.Repeat("x", 128) + `"}`
	if err := c.WriteMessage(websocket.TextMessage, []byte(big)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseMessageTooBig) {
		t.Fatalf("err=%v, want message-too-big close", err)
	}
}

func TestWebSocketServer_MalformedMessageIsReported(t *testing.T) {
	wsURL, m := startRelay(t, config.Config{})

	c, _, err := websocket.DefaultDialer.Dial(wsURL+"?participant=alice", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"kind":"offer"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got, err := signaling.Parse(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Kind != signaling.KindError || got.Code != signaling.CodeBadRequest {
		t.Fatalf("got %#v, want bad_request", got)
	}
	if m.Get(metrics.MessageMalformed) != 1 {
		t.Fatalf("%s=%d, want 1", metrics.MessageMalformed, m.Get(metrics.MessageMalformed))
	}
}
