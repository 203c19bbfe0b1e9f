package call

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer/peertest"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/signaling"
)

const room = "room-1"

func msgFrom(id string, msg signaling.Message) signaling.Message {
	msg.From = id
	return msg
}

var (
	meshOffer  = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 remote offer"}
	meshAnswer = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 remote answer"}
)

// joined returns a harness that has joined room and received a roster
// listing members besides itself.
func joined(t *testing.T, members ...string) *harness {
	t.Helper()
	h := newHarness(t)
	sess, err := h.m.JoinGroup(ctx, room, true)
	if err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	if sess.Mode != ModeMesh || sess.State != StateConnecting {
		t.Fatalf("session = %+v", sess)
	}
	if sent := h.sig.Sent(); len(sent) != 1 || sent[0].Kind != signaling.KindJoin || sent[0].SessionID != room {
		t.Fatalf("sent %v, want join", h.sig.SentKinds())
	}
	h.sig.Reset()

	h.sig.Deliver(signaling.Message{Kind: signaling.KindRosterSnapshot, SessionID: room, Participants: append([]string{localID}, members...)})
	h.sync(t)
	return h
}

func sentTo(h *harness, kind signaling.Kind) []string {
	var out []string
	for _, m := range h.sig.Sent() {
		if m.Kind == kind {
			out = append(out, m.To)
		}
	}
	return out
}

func TestJoinGroup_OffersToEveryRosterMember(t *testing.T) {
	h := joined(t, "bob", "carol")

	if got := sentTo(h, signaling.KindOffer); len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("offers sent to %v, want [bob carol]", got)
	}
	conns := h.conns.Connections()
	if len(conns) != 2 {
		t.Fatalf("connections=%d, want 2", len(conns))
	}
	for _, c := range conns {
		if len(c.Tracks()) != 2 {
			t.Fatalf("link carries %d local tracks, want 2", len(c.Tracks()))
		}
	}
	if s := h.m.Session(); len(s.Participants) != 2 {
		t.Fatalf("participants = %v", s.Participants)
	}
}

func TestJoinGroup_EmptyRosterRingsEveryone(t *testing.T) {
	h := joined(t)

	sent := h.sig.Sent()
	if len(sent) != 1 || sent[0].Kind != signaling.KindRing || sent[0].To != "" || sent[0].SessionID != room || !sent[0].Video {
		t.Fatalf("sent %+v, want a broadcast video ring", sent)
	}
	if len(h.conns.Connections()) != 0 {
		t.Fatalf("links created for an empty roster")
	}
}

func TestMesh_AnswerAndQueuedCandidates(t *testing.T) {
	h := joined(t, "bob")
	conn := h.conns.Last()

	h.sig.Deliver(msgFrom("bob", signaling.ICECandidate(room, localID, webrtc.ICECandidateInit{Candidate: "candidate:1"})))
	h.sync(t)
	for _, op := range conn.Ops() {
		if op == "add_candidate" {
			t.Fatalf("candidate applied before the answer: %v", conn.Ops())
		}
	}

	h.sig.Deliver(msgFrom("bob", signaling.Answer(room, localID, meshAnswer)))
	h.sync(t)
	ops := conn.Ops()
	if len(ops) < 2 || ops[len(ops)-2] != "set_remote_answer" || ops[len(ops)-1] != "add_candidate" {
		t.Fatalf("ops = %v, want answer then flushed candidate", ops)
	}
}

func TestMesh_LateJoinerOfferIsAnswered(t *testing.T) {
	h := joined(t, "bob")
	h.sig.Reset()

	h.sig.Deliver(signaling.Message{Kind: signaling.KindParticipantJoined, SessionID: room, Participant: "dave"})
	h.sync(t)
	if len(h.sig.Sent()) != 0 {
		t.Fatalf("sent %v on participant_joined, the newcomer offers", h.sig.SentKinds())
	}

	h.sig.Deliver(msgFrom("dave", signaling.Offer(room, localID, meshOffer)))
	h.sync(t)
	if got := sentTo(h, signaling.KindAnswer); len(got) != 1 || got[0] != "dave" {
		t.Fatalf("answers sent to %v", got)
	}
	want := []string{"add_track", "add_track", "set_remote_offer", "create_answer", "set_local_answer"}
	ops := h.conns.Last().Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
	if s := h.m.Session(); len(s.Participants) != 2 {
		t.Fatalf("participants = %v", s.Participants)
	}
}

func TestMesh_StaleOfferBeforeRosterReusesLink(t *testing.T) {
	h := newHarness(t)
	if _, err := h.m.JoinGroup(ctx, room, false); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	h.sig.Deliver(msgFrom("bob", signaling.Offer(room, localID, meshOffer)))
	h.sig.Deliver(signaling.Message{Kind: signaling.KindRosterSnapshot, SessionID: room, Participants: []string{localID, "bob"}})
	h.sync(t)

	if n := len(h.conns.Connections()); n != 1 {
		t.Fatalf("connections=%d, want the existing link reused", n)
	}
	if got := sentTo(h, signaling.KindOffer); len(got) != 0 {
		t.Fatalf("offered to %v despite an existing link", got)
	}
}

func TestMesh_RemoteStreamActivatesSession(t *testing.T) {
	h := joined(t, "bob", "carol")
	bob := h.conns.Connections()[0]

	bob.EmitTrack(peertest.Track{TrackID: "bob-video", Type: webrtc.RTPCodecTypeVideo})
	h.sync(t)
	if h.state() != StateActive {
		t.Fatalf("state=%s", h.state())
	}
	if got := h.hooks.get(&h.hooks.streams); len(got) != 1 || got[0] != "bob/bob-video" {
		t.Fatalf("streams = %v", got)
	}
}

func TestMesh_ParticipantLeftRemovesOnlyThatLink(t *testing.T) {
	h := joined(t, "bob", "carol")
	conns := h.conns.Connections()

	h.sig.Deliver(signaling.Message{Kind: signaling.KindParticipantLeft, SessionID: room, Participant: "carol"})
	h.sync(t)

	if got := h.hooks.get(&h.hooks.left); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("left = %v", got)
	}
	if !conns[1].Closed() || conns[0].Closed() {
		t.Fatalf("closed bob=%v carol=%v", conns[0].Closed(), conns[1].Closed())
	}
	if s := h.m.Session(); len(s.Participants) != 1 || s.Participants[0] != "bob" || s.State != StateConnecting {
		t.Fatalf("session = %+v", s)
	}
}

func TestMesh_LinkFailureIsIsolated(t *testing.T) {
	h := joined(t, "bob", "carol")
	conns := h.conns.Connections()
	conns[1].EmitTrack(peertest.Track{TrackID: "carol-audio", Type: webrtc.RTPCodecTypeAudio})

	conns[0].EmitState(webrtc.PeerConnectionStateFailed)
	h.sync(t)

	if got := h.hooks.get(&h.hooks.failed); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("failed = %v", got)
	}
	if !conns[0].Closed() || conns[1].Closed() {
		t.Fatalf("closed bob=%v carol=%v", conns[0].Closed(), conns[1].Closed())
	}
	s := h.m.Session()
	if s.State != StateActive || len(s.Participants) != 1 || s.Participants[0] != "carol" {
		t.Fatalf("session = %+v", s)
	}

	// A late track from the failed link is ignored.
	conns[0].EmitTrack(peertest.Track{TrackID: "bob-video", Type: webrtc.RTPCodecTypeVideo})
	h.sync(t)
	if got := h.hooks.get(&h.hooks.streams); len(got) != 1 {
		t.Fatalf("streams = %v", got)
	}
}

func TestMesh_UnreachableMemberFails(t *testing.T) {
	h := joined(t, "bob", "carol")
	h.sig.Deliver(signaling.Unreachable(room, "carol"))
	h.sync(t)

	if got := h.hooks.get(&h.hooks.failed); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("failed = %v", got)
	}
	if h.state() != StateConnecting {
		t.Fatalf("state=%s", h.state())
	}
}

func TestMesh_ConnectionFactoryFailure(t *testing.T) {
	h := newHarness(t)
	h.conns.Err = errors.New("no api")
	if _, err := h.m.JoinGroup(ctx, room, false); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	h.sig.Deliver(signaling.Message{Kind: signaling.KindRosterSnapshot, SessionID: room, Participants: []string{localID, "bob"}})
	h.sync(t)

	if got := h.hooks.get(&h.hooks.failed); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("failed = %v", got)
	}
	if h.state() != StateConnecting {
		t.Fatalf("state=%s", h.state())
	}
}

func TestMesh_HangUpLeavesAndClosesEveryLink(t *testing.T) {
	h := joined(t, "bob", "carol")
	if err := h.m.HangUp(ctx); err != nil {
		t.Fatalf("HangUp: %v", err)
	}

	if h.sig.Count(signaling.KindLeave) != 1 {
		t.Fatalf("sent %v, want one leave", h.sig.SentKinds())
	}
	for i, c := range h.conns.Connections() {
		if !c.Closed() {
			t.Fatalf("connection %d left open", i)
		}
	}
	s := h.m.Session()
	if s.State != StateEnded || s.EndReason != ReasonHangup || len(s.Participants) != 0 {
		t.Fatalf("session = %+v", s)
	}

	// Messages for the old session are ignored.
	h.sig.Deliver(msgFrom("bob", signaling.Offer(room, localID, meshOffer)))
	h.sync(t)
	if len(h.conns.Connections()) != 2 {
		t.Fatalf("link created after hangup")
	}
}

func TestMesh_GroupRingIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.sig.Deliver(msgFrom("bob", signaling.Ring("standup", "", true)))
	h.sig.Deliver(msgFrom("bob", signaling.Ring("alice:bob", localID, false)))
	h.sync(t)

	if got := h.hooks.get(&h.hooks.groupRings); len(got) != 1 || got[0] != "standup/bob" {
		t.Fatalf("group rings = %v", got)
	}
}

func TestMesh_IgnoresOtherSessions(t *testing.T) {
	h := joined(t, "bob")
	h.sig.Deliver(msgFrom("eve", signaling.Offer("other", localID, meshOffer)))
	h.sig.Deliver(signaling.Message{Kind: signaling.KindParticipantLeft, SessionID: "other", Participant: "bob"})
	h.sync(t)

	if len(h.conns.Connections()) != 1 || h.conns.Last().Closed() {
		t.Fatalf("foreign session messages changed links")
	}
}

func TestMesh_CandidateBeforeOfferIsKept(t *testing.T) {
	h := joined(t, "bob")
	h.sig.Deliver(msgFrom("dave", signaling.ICECandidate(room, localID, webrtc.ICECandidateInit{Candidate: "candidate:1"})))
	h.sig.Deliver(msgFrom("dave", signaling.Offer(room, localID, meshOffer)))
	h.sync(t)

	want := []string{"add_track", "add_track", "set_remote_offer", "add_candidate", "create_answer", "set_local_answer"}
	ops := h.conns.Last().Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestMesh_EarlyCandidatesAreBounded(t *testing.T) {
	h := joined(t, "bob")
	for i := 0; i < maxEarlyCandidates+5; i++ {
		h.sig.Deliver(msgFrom("dave", signaling.ICECandidate(room, localID, webrtc.ICECandidateInit{Candidate: "candidate:1"})))
	}

	held := 0
	if err := h.m.do(ctx, func() error { held = len(h.m.early["dave"]); return nil }); err != nil {
		t.Fatalf("do: %v", err)
	}
	if held != maxEarlyCandidates {
		t.Fatalf("held %d candidates, want %d", held, maxEarlyCandidates)
	}
}
