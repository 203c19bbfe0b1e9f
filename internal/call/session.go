package call

import (
	"errors"
	"fmt"
)

var (
	ErrSessionActive = errors.New("a call session is already active")
	ErrInvalidState  = errors.New("operation not valid in the current call state")
	ErrNoSession     = errors.New("no call session")
	ErrInvalidTarget = errors.New("invalid call target")
	// ErrCancelled is returned by an operation whose session ended while it
	// was waiting for local media.
	ErrCancelled = errors.New("call session ended before media was ready")
	ErrClosed    = errors.New("call manager closed")
)

type Mode int

const (
	ModeOneToOne Mode = iota
	ModeMesh
)

func (m Mode) String() string {
	switch m {
	case ModeOneToOne:
		return "one_to_one"
	case ModeMesh:
		return "mesh"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoing:
		return "outgoing"
	case StateIncoming:
		return "incoming"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Live reports whether a session in state s holds resources.
func (s State) Live() bool {
	return s != StateIdle && s != StateEnded
}

type EndReason string

const (
	ReasonHangup            EndReason = "hangup"
	ReasonRejected          EndReason = "rejected"
	ReasonRemoteHangup      EndReason = "remote_hangup"
	ReasonMissed            EndReason = "missed"
	ReasonUnreachable       EndReason = "unreachable"
	ReasonMediaFailed       EndReason = "media_failed"
	ReasonNegotiationFailed EndReason = "negotiation_failed"
	ReasonConnectionLost    EndReason = "connection_lost"
)

// Session is a snapshot of the current call.
type Session struct {
	ID    string
	Mode  Mode
	State State
	Video bool
	// Peer is the remote participant of a 1:1 call.
	Peer string
	// Participants are the remote ids with a live link in a mesh call.
	Participants []string
	EndReason    EndReason
}

func (s Session) clone() Session {
	s.Participants = append([]string(nil), s.Participants...)
	return s
}
