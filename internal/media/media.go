// Package media owns local capture: acquiring camera and microphone streams,
// the audio-only fallback, in-place mute and front/back camera switching.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

func ParseFacingMode(s string) (FacingMode, error) {
	switch FacingMode(s) {
	case FacingUser, FacingEnvironment:
		return FacingMode(s), nil
	default:
		return "", fmt.Errorf("invalid facing mode %q (expected %q or %q)", s, FacingUser, FacingEnvironment)
	}
}

func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
}

// VideoConstraints select a camera by facing mode only. Resolution is left to
// the device so the native aspect ratio is kept.
type VideoConstraints struct {
	FacingMode FacingMode
	// Exact fails acquisition when no camera has FacingMode instead of
	// falling back to any camera.
	Exact bool
}

// Constraints describe a capture request. A nil member is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Track is a local capture track that can be attached to a peer connection.
type Track interface {
	webrtc.TrackLocal

	Enabled() bool
	// SetEnabled mutes or unmutes the track in place. A disabled video track
	// sends black frames and a disabled audio track sends silence.
	SetEnabled(enabled bool)
	// Stop releases the capture device. It is idempotent.
	Stop()
}

// Devices acquires capture streams.
type Devices interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Stream is an owned set of capture tracks. The holder must Stop it exactly
// once on every exit path.
type Stream struct {
	mu     sync.Mutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: append([]Track(nil), tracks...)}
}

func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Track(nil), s.tracks...)
}

func (s *Stream) tracksOfKind(kind webrtc.RTPCodecType) []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.tracksOfKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []Track { return s.tracksOfKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) HasVideo() bool {
	return len(s.VideoTracks()) > 0
}

// TrackLocals returns the tracks in the form peer connections accept.
func (s *Stream) TrackLocals() []webrtc.TrackLocal {
	tracks := s.Tracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

// replace swaps old for replacement, keeping its position.
func (s *Stream) replace(old, replacement Track) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t == old {
			s.tracks[i] = replacement
			return true
		}
	}
	return false
}
