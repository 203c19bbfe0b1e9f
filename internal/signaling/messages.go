package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// ErrMalformed wraps every decode or validation failure.
var ErrMalformed = errors.New("malformed signaling message")

type Kind string

const (
	KindJoin              Kind = "join"
	KindLeave             Kind = "leave"
	KindRing              Kind = "ring"
	KindRosterSnapshot    Kind = "roster_snapshot"
	KindParticipantJoined Kind = "participant_joined"
	KindParticipantLeft   Kind = "participant_left"
	KindOffer             Kind = "offer"
	KindAnswer            Kind = "answer"
	KindICECandidate      Kind = "ice_candidate"
	KindError             Kind = "error"
)

// Error codes carried by KindError messages.
const (
	CodeUnreachable = "unreachable"
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
)

// RelayOnly reports whether k may only be produced by the relay.
func (k Kind) RelayOnly() bool {
	switch k {
	case KindRosterSnapshot, KindParticipantJoined, KindParticipantLeft, KindError:
		return true
	default:
		return false
	}
}

// Directed reports whether k must carry a recipient.
func (k Kind) Directed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	default:
		return false
	}
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) *SDP {
	return &SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) *Candidate {
	return &Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the envelope exchanged with the relay. From is filled in by the
// relay from the sender's authenticated identity; To is empty for kinds
// scoped to a session rather than a participant.
type Message struct {
	Kind      Kind   `json:"kind"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	Participants []string `json:"participants,omitempty"`
	Participant  string   `json:"participant,omitempty"`

	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Video     bool       `json:"video,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func Marshal(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func (m Message) Validate() error {
	if err := m.validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, m.Kind, err)
	}
	return nil
}

func (m Message) validate() error {
	hasNegotiation := m.SDP != nil || m.Candidate != nil
	hasRoster := len(m.Participants) > 0 || m.Participant != ""
	hasError := m.Code != "" || m.Message != ""

	switch m.Kind {
	case KindJoin, KindLeave:
		if m.SessionID == "" {
			return errors.New("missing sessionId")
		}
		if hasNegotiation || hasRoster || hasError || m.Video {
			return errors.New("unexpected fields")
		}
	case KindRing:
		if m.SessionID == "" {
			return errors.New("missing sessionId")
		}
		if hasNegotiation || hasRoster || hasError {
			return errors.New("unexpected fields")
		}
	case KindRosterSnapshot:
		if m.SessionID == "" {
			return errors.New("missing sessionId")
		}
		if m.Participant != "" || hasNegotiation || hasError {
			return errors.New("unexpected fields")
		}
	case KindParticipantJoined, KindParticipantLeft:
		if m.SessionID == "" || m.Participant == "" {
			return errors.New("missing sessionId/participant")
		}
		if len(m.Participants) > 0 || hasNegotiation || hasError {
			return errors.New("unexpected fields")
		}
	case KindOffer, KindAnswer:
		if m.SessionID == "" || m.To == "" {
			return errors.New("missing sessionId/to")
		}
		if m.SDP == nil {
			return errors.New("missing sdp")
		}
		if m.SDP.Type != string(m.Kind) {
			return fmt.Errorf("sdp.type=%q", m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return errors.New("empty sdp")
		}
		if m.Candidate != nil || hasRoster || hasError {
			return errors.New("unexpected fields")
		}
	case KindICECandidate:
		if m.SessionID == "" || m.To == "" {
			return errors.New("missing sessionId/to")
		}
		if m.Candidate == nil {
			return errors.New("missing candidate")
		}
		if m.SDP != nil || hasRoster || hasError {
			return errors.New("unexpected fields")
		}
	case KindError:
		if m.Code == "" || m.Message == "" {
			return errors.New("missing code/message")
		}
		if hasNegotiation || len(m.Participants) > 0 {
			return errors.New("unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported kind %q", m.Kind)
	}
	return nil
}

func Join(sessionID string) Message {
	return Message{Kind: KindJoin, SessionID: sessionID}
}

func Leave(sessionID string) Message {
	return Message{Kind: KindLeave, SessionID: sessionID}
}

// Ring notifies participants of a call. to may be empty for a session-wide
// broadcast.
func Ring(sessionID, to string, video bool) Message {
	return Message{Kind: KindRing, SessionID: sessionID, To: to, Video: video}
}

func Offer(sessionID, to string, desc webrtc.SessionDescription) Message {
	return Message{Kind: KindOffer, SessionID: sessionID, To: to, SDP: SDPFromPion(desc)}
}

func Answer(sessionID, to string, desc webrtc.SessionDescription) Message {
	return Message{Kind: KindAnswer, SessionID: sessionID, To: to, SDP: SDPFromPion(desc)}
}

func ICECandidate(sessionID, to string, init webrtc.ICECandidateInit) Message {
	return Message{Kind: KindICECandidate, SessionID: sessionID, To: to, Candidate: CandidateFromPion(init)}
}

func Error(code, message string) Message {
	return Message{Kind: KindError, Code: code, Message: message}
}

// Unreachable is sent by the relay to the sender of a message whose recipient
// is not connected.
func Unreachable(sessionID, target string) Message {
	return Message{
		Kind:        KindError,
		SessionID:   sessionID,
		Participant: target,
		Code:        CodeUnreachable,
		Message:     "participant is not connected",
	}
}
