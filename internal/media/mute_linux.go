//go:build linux

package media

import (
	"image"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
)

// blackWhenDisabled replaces frames with black while enabled is false.
func blackWhenDisabled(enabled *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		var black *image.YCbCr
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled.Load() {
				return img, release, err
			}
			bounds := img.Bounds()
			if release != nil {
				release()
			}
			if black == nil || black.Rect != bounds {
				black = blackFrame(bounds)
			}
			return black, func() {}, nil
		})
	}
}

func blackFrame(bounds image.Rectangle) *image.YCbCr {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}
	return img
}

// silentWhenDisabled replaces audio chunks with silence of the same shape
// while enabled is false.
func silentWhenDisabled(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			info := chunk.ChunkInfo()
			if release != nil {
				release()
			}
			return wave.NewInt16Interleaved(info), func() {}, nil
		})
	}
}
