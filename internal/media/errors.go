package media

import (
	"errors"
	"io/fs"
	"strings"
)

var (
	ErrFacingModeUnsupported = errors.New("facing mode unsupported")
	ErrNoStream              = errors.New("no local stream")
	ErrNoVideoTrack          = errors.New("local stream has no video track")
	// ErrStreamChanged is returned by SwitchCamera when the local stream was
	// replaced or released while the new camera was being opened.
	ErrStreamChanged = errors.New("local stream changed during camera switch")
)

type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonDeviceBusy       Reason = "device_busy"
	ReasonNotFound         Reason = "not_found"
	ReasonOther            Reason = "other"
)

// AcquisitionError reports why a capture request failed.
type AcquisitionError struct {
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return "media acquisition failed: " + string(e.Reason)
	}
	return "media acquisition failed (" + string(e.Reason) + "): " + e.Err.Error()
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// AsAcquisitionError returns err as an *AcquisitionError, classifying it when
// it is not one already.
func AsAcquisitionError(err error) *AcquisitionError {
	var acqErr *AcquisitionError
	if errors.As(err, &acqErr) {
		return acqErr
	}
	return &AcquisitionError{Reason: classify(err), Err: err}
}

func classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonOther
	case errors.Is(err, fs.ErrPermission):
		return ReasonPermissionDenied
	case errors.Is(err, ErrFacingModeUnsupported), errors.Is(err, fs.ErrNotExist):
		return ReasonNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "busy"):
		return ReasonDeviceBusy
	case strings.Contains(msg, "not found"), strings.Contains(msg, "failed to find"), strings.Contains(msg, "no such device"):
		return ReasonNotFound
	default:
		return ReasonOther
	}
}
