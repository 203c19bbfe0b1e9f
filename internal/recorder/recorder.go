// Package recorder is a render target that writes remote tracks to disk: VP8
// video as IVF and Opus audio as Ogg.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/binder"
	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
	ErrNotAttached      = errors.New("no track attached")
)

const (
	opusSampleRate   = 48000
	opusChannelCount = 2
)

type mediaWriter interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// KeyframeRequester asks the sender of ssrc for a keyframe.
type KeyframeRequester func(ssrc webrtc.SSRC) error

type Recorder struct {
	dir string
	log *slog.Logger
}

func New(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &Recorder{dir: dir, log: logger}, nil
}

// Target returns a render target for one track from remoteID.
func (r *Recorder) Target(remoteID string, requestKeyframe KeyframeRequester) *Target {
	return &Target{
		rec:      r,
		remoteID: remoteID,
		keyframe: requestKeyframe,
		done:     make(chan struct{}),
	}
}

// Target writes one remote track to a file once playing.
type Target struct {
	rec      *Recorder
	remoteID string
	keyframe KeyframeRequester

	mu      sync.Mutex
	track   peer.RemoteTrack
	path    string
	playing bool
	done    chan struct{}
}

var _ binder.Target = (*Target)(nil)

func (t *Target) Attach(track peer.RemoteTrack) error {
	ext, err := extensionFor(track.Codec().MimeType)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.track = track
	t.path = filepath.Join(t.rec.dir, sanitize(t.remoteID)+"-"+sanitize(track.ID())+ext)
	return nil
}

func extensionFor(mimeType string) (string, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return ".ivf", nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return ".ogg", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// Play opens the output file and starts copying packets. Calling it again
// while playing is a no-op.
func (t *Target) Play(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.track == nil {
		return ErrNotAttached
	}
	if t.playing {
		return nil
	}

	var (
		w   mediaWriter
		err error
	)
	if t.track.Kind() == webrtc.RTPCodecTypeVideo {
		w, err = ivfwriter.New(t.path)
	} else {
		w, err = oggwriter.New(t.path, opusSampleRate, opusChannelCount)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	t.playing = true

	log := t.rec.log.With("remote_id", t.remoteID, "track_id", t.track.ID(), "path", t.path)
	if t.track.Kind() == webrtc.RTPCodecTypeVideo && t.keyframe != nil {
		if err := t.keyframe(t.track.SSRC()); err != nil {
			log.Debug("keyframe request failed", "err", err)
		}
	}

	go t.copy(ctx, t.track, w, log)
	return nil
}

func (t *Target) copy(ctx context.Context, track peer.RemoteTrack, w mediaWriter, log *slog.Logger) {
	defer close(t.done)
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("closing recording failed", "err", err)
		}
	}()

	log.Info("recording started")
	packets := 0
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		if err := w.WriteRTP(pkt); err != nil {
			log.Warn("writing packet failed", "err", err)
			break
		}
		packets++
	}
	log.Info("recording stopped", "packets", packets)
}

// Path is the output file, empty until a track is attached.
func (t *Target) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Done is closed once the recording file has been finalized.
func (t *Target) Done() <-chan struct{} {
	return t.done
}

func sanitize(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	if out == "" || out == "." || out == ".." {
		return "_"
	}
	return out
}
