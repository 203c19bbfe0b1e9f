// Package binder attaches inbound remote tracks to render targets.
package binder

import (
	"context"
	"log/slog"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-call/internal/peer"
)

const DefaultRetryDelay = time.Second

// Target renders one remote track.
type Target interface {
	Attach(track peer.RemoteTrack) error
	// Play starts rendering. It may fail transiently; the binder retries once.
	Play(ctx context.Context) error
}

type Options struct {
	RetryDelay time.Duration
	Logger     *slog.Logger
	// After schedules f after d. Tests replace it to run retries inline.
	After func(d time.Duration, f func())
}

type Binder struct {
	retryDelay time.Duration
	log        *slog.Logger
	after      func(time.Duration, func())
}

func New(opts Options) *Binder {
	b := &Binder{
		retryDelay: opts.RetryDelay,
		log:        opts.Logger,
		after:      opts.After,
	}
	if b.retryDelay <= 0 {
		b.retryDelay = DefaultRetryDelay
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.after == nil {
		b.after = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return b
}

// Bind attaches track to target and starts playback. A failed first play is
// retried exactly once after the retry delay; a second failure is logged and
// dropped. Bind never blocks on the retry and never reports playback errors,
// only attach errors.
func (b *Binder) Bind(ctx context.Context, target Target, track peer.RemoteTrack) error {
	if err := target.Attach(track); err != nil {
		return err
	}

	log := b.log.With("track_id", track.ID(), "kind", track.Kind().String())
	err := target.Play(ctx)
	if err == nil {
		return nil
	}
	log.Debug("playback rejected, retrying once", "delay", b.retryDelay, "err", err)

	b.after(b.retryDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := target.Play(ctx); err != nil {
			log.Debug("playback retry failed, giving up", "err", err)
		}
	})
	return nil
}
