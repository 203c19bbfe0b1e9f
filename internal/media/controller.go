package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

// LocalState is a snapshot of the local media owned by a Controller.
type LocalState struct {
	Stream     *Stream
	MicEnabled bool
	CamEnabled bool
	FacingMode FacingMode
}

// Controller holds the local stream for the current call.
type Controller struct {
	devices Devices
	log     *slog.Logger

	mu         sync.Mutex
	stream     *Stream
	micEnabled bool
	camEnabled bool
	facing     FacingMode
}

func NewController(devices Devices, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		devices:    devices,
		log:        logger,
		micEnabled: true,
		camEnabled: true,
		facing:     FacingUser,
	}
}

func audioConstraints() *AudioConstraints {
	return &AudioConstraints{EchoCancellation: true, NoiseSuppression: true}
}

// Acquire opens a new capture stream. When video was requested and the
// audio+video request fails, it retries once with audio only. The returned
// stream is owned by the caller; it is not installed until SetStream.
// Failures are *AcquisitionError.
func (c *Controller) Acquire(ctx context.Context, video bool) (*Stream, error) {
	c.mu.Lock()
	facing := c.facing
	c.mu.Unlock()

	constraints := Constraints{Audio: audioConstraints()}
	if video {
		constraints.Video = &VideoConstraints{FacingMode: facing}
	}

	stream, err := c.devices.GetUserMedia(ctx, constraints)
	if err == nil {
		return stream, nil
	}
	if !video || ctx.Err() != nil {
		return nil, AsAcquisitionError(err)
	}

	c.log.Warn("audio+video acquisition failed, retrying audio only", "reason", AsAcquisitionError(err).Reason, "err", err)
	stream, err = c.devices.GetUserMedia(ctx, Constraints{Audio: audioConstraints()})
	if err != nil {
		return nil, AsAcquisitionError(err)
	}
	return stream, nil
}

// SetStream installs s as the local stream, applying the current mute flags
// to its tracks. A previously installed stream is stopped.
func (c *Controller) SetStream(s *Stream) {
	c.mu.Lock()
	old := c.stream
	c.stream = s
	mic, cam := c.micEnabled, c.camEnabled
	c.mu.Unlock()

	if old != nil && old != s {
		old.Stop()
	}
	if s == nil {
		return
	}
	for _, t := range s.AudioTracks() {
		t.SetEnabled(mic)
	}
	for _, t := range s.VideoTracks() {
		t.SetEnabled(cam)
	}
}

func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Release stops the local stream and resets mute and facing state. It is
// idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.micEnabled = true
	c.camEnabled = true
	c.facing = FacingUser
	c.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}

func (c *Controller) State() LocalState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LocalState{
		Stream:     c.stream,
		MicEnabled: c.micEnabled,
		CamEnabled: c.camEnabled,
		FacingMode: c.facing,
	}
}

// ToggleMic flips the microphone flag and applies it to the audio tracks in
// place. It returns the new flag.
func (c *Controller) ToggleMic() bool {
	c.mu.Lock()
	c.micEnabled = !c.micEnabled
	enabled, s := c.micEnabled, c.stream
	c.mu.Unlock()

	if s != nil {
		for _, t := range s.AudioTracks() {
			t.SetEnabled(enabled)
		}
	}
	return enabled
}

// ToggleCamera flips the camera flag and applies it to the video tracks in
// place. It returns the new flag.
func (c *Controller) ToggleCamera() bool {
	c.mu.Lock()
	c.camEnabled = !c.camEnabled
	enabled, s := c.camEnabled, c.stream
	c.mu.Unlock()

	if s != nil {
		for _, t := range s.VideoTracks() {
			t.SetEnabled(enabled)
		}
	}
	return enabled
}

// SwitchCamera opens the camera with the opposite facing mode and swaps it
// into the local stream and into every sender currently carrying the old
// video track. When the opposite camera cannot be opened nothing changes and
// the error wraps ErrFacingModeUnsupported or the acquisition failure.
func (c *Controller) SwitchCamera(ctx context.Context, senders []peer.Sender) (FacingMode, error) {
	c.mu.Lock()
	s := c.stream
	current := c.facing
	camEnabled := c.camEnabled
	c.mu.Unlock()

	if s == nil {
		return current, ErrNoStream
	}
	videos := s.VideoTracks()
	if len(videos) == 0 {
		return current, ErrNoVideoTrack
	}
	old := videos[0]
	target := current.Opposite()

	fresh, err := c.devices.GetUserMedia(ctx, Constraints{
		Video: &VideoConstraints{FacingMode: target, Exact: true},
	})
	if err != nil {
		return current, fmt.Errorf("switch camera to %s: %w", target, AsAcquisitionError(err))
	}
	freshVideos := fresh.VideoTracks()
	if len(freshVideos) == 0 {
		fresh.Stop()
		return current, fmt.Errorf("switch camera to %s: %w", target, ErrFacingModeUnsupported)
	}
	replacement := freshVideos[0]
	for _, t := range fresh.Tracks() {
		if t != replacement {
			t.Stop()
		}
	}
	replacement.SetEnabled(camEnabled)

	c.mu.Lock()
	if c.stream != s {
		c.mu.Unlock()
		replacement.Stop()
		return current, ErrStreamChanged
	}
	s.replace(old, replacement)
	c.facing = target
	c.mu.Unlock()

	var replaceErrs []error
	for _, sender := range senders {
		if sender.Track() != old {
			continue
		}
		if err := sender.ReplaceTrack(replacement); err != nil {
			replaceErrs = append(replaceErrs, err)
		}
	}
	old.Stop()

	if len(replaceErrs) > 0 {
		c.log.Warn("camera switched but some senders kept the old track", "facing_mode", target, "err", errors.Join(replaceErrs...))
	}
	c.log.Info("camera switched", "facing_mode", target)
	return target, nil
}
