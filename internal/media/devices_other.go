//go:build !linux

package media

import (
	"context"
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

var errCaptureUnsupported = errors.New("local capture is only supported on linux")

// SystemDevices has no capture drivers on this platform. Every acquisition
// fails with ReasonNotFound, so calls end with media_failed.
type SystemDevices struct {
	log *slog.Logger
}

var _ Devices = (*SystemDevices)(nil)

func NewSystemDevices(cameras map[string]string, logger *slog.Logger) (*SystemDevices, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := cameraMap(cameras); err != nil {
		return nil, err
	}
	return &SystemDevices{log: logger}, nil
}

func (d *SystemDevices) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *SystemDevices) LogDevices() {
	d.log.Warn("no capture drivers on this platform")
}

func (d *SystemDevices) GetUserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, &AcquisitionError{Reason: ReasonNotFound, Err: errCaptureUnsupported}
}
