//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitRate = 1_500_000

// SystemDevices captures from V4L2 cameras and the default microphone,
// encoding VP8 and Opus.
type SystemDevices struct {
	selector *mediadevices.CodecSelector
	cameras  map[FacingMode]string
	log      *slog.Logger

	warnAudioOnce sync.Once
}

var _ Devices = (*SystemDevices)(nil)

// NewSystemDevices maps facing modes to camera device ids or labels. A facing
// mode without an entry cannot be requested exactly.
func NewSystemDevices(cameras map[string]string, logger *slog.Logger) (*SystemDevices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cams, err := cameraMap(cameras)
	if err != nil {
		return nil, err
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &SystemDevices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		cameras: cams,
		log:     logger,
	}, nil
}

// PopulateMediaEngine registers the encoders' codecs with a pion MediaEngine.
func (d *SystemDevices) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// LogDevices logs the capture devices visible to the drivers.
func (d *SystemDevices) LogDevices() {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		d.log.Warn("no capture devices found")
		return
	}
	for _, info := range devices {
		d.log.Info("capture device", "kind", info.Kind, "label", info.Label, "device_id", info.DeviceID)
	}
}

func (d *SystemDevices) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AcquisitionError{Reason: ReasonOther, Err: err}
	}
	if c.Audio == nil && c.Video == nil {
		return nil, &AcquisitionError{Reason: ReasonOther, Err: errors.New("no tracks requested")}
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video != nil {
		deviceID, err := d.cameraFor(*c.Video)
		if err != nil {
			return nil, err
		}
		constraints.Video = func(mtc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			mtc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if deviceID != "" {
				mtc.DeviceID = prop.StringExact(deviceID)
			}
		}
	}
	if c.Audio != nil {
		if c.Audio.EchoCancellation || c.Audio.NoiseSuppression {
			d.warnAudioOnce.Do(func() {
				d.log.Debug("microphone driver has no echo cancellation or noise suppression; capturing raw audio")
			})
		}
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, AsAcquisitionError(err)
	}

	tracks := make([]Track, 0, len(ms.GetTracks()))
	for _, t := range ms.GetTracks() {
		ct := newCaptureTrack(t)
		t.OnEnded(func(err error) {
			if err != nil {
				d.log.Warn("local track ended", "kind", t.Kind().String(), "err", err)
			}
		})
		tracks = append(tracks, ct)
	}
	return NewStream(tracks...), nil
}

func (d *SystemDevices) cameraFor(v VideoConstraints) (string, error) {
	want, ok := d.cameras[v.FacingMode]
	if !ok {
		if v.Exact {
			return "", &AcquisitionError{
				Reason: ReasonNotFound,
				Err:    fmt.Errorf("%w: no camera configured for %s", ErrFacingModeUnsupported, v.FacingMode),
			}
		}
		return "", nil
	}

	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.VideoInput {
			continue
		}
		if info.DeviceID == want || info.Label == want {
			return info.DeviceID, nil
		}
	}
	if v.Exact {
		return "", &AcquisitionError{
			Reason: ReasonNotFound,
			Err:    fmt.Errorf("%w: camera %q for %s is not present", ErrFacingModeUnsupported, want, v.FacingMode),
		}
	}
	d.log.Warn("configured camera not present, using any camera", "facing_mode", v.FacingMode, "camera", want)
	return "", nil
}

// captureTrack adds in-place mute to a mediadevices track.
type captureTrack struct {
	mediadevices.Track

	enabled  atomic.Bool
	stopOnce sync.Once
}

func newCaptureTrack(t mediadevices.Track) *captureTrack {
	ct := &captureTrack{Track: t}
	ct.enabled.Store(true)
	switch src := t.(type) {
	case *mediadevices.VideoTrack:
		src.Transform(blackWhenDisabled(&ct.enabled))
	case *mediadevices.AudioTrack:
		src.Transform(silentWhenDisabled(&ct.enabled))
	}
	return ct
}

func (t *captureTrack) Enabled() bool           { return t.enabled.Load() }
func (t *captureTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *captureTrack) Stop() {
	t.stopOnce.Do(func() {
		_ = t.Track.Close()
	})
}
