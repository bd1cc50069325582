// Package encode compresses RGBA bitmaps for storage.
package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync/atomic"
)

// Encoder encodes an image into bytes.
type Encoder interface {
	Encode(img *image.RGBA) ([]byte, error)
}

// JPEGEncoder encodes bitmaps as baseline JPEG. Safe for concurrent use.
type JPEGEncoder struct {
	quality atomic.Int32
}

// NewJPEGEncoder creates a JPEG encoder with the given quality (1-100).
func NewJPEGEncoder(quality int) *JPEGEncoder {
	e := &JPEGEncoder{}
	e.SetQuality(quality)
	return e
}

// SetQuality clamps quality to 1-100.
func (e *JPEGEncoder) SetQuality(quality int) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	e.quality.Store(int32(quality))
}

// Quality returns the current quality setting.
func (e *JPEGEncoder) Quality() int {
	return int(e.quality.Load())
}

func (e *JPEGEncoder) Encode(img *image.RGBA) ([]byte, error) {
	if img == nil {
		return nil, errors.New("encode: nil image")
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("encode: empty image %v", b)
	}
	var buf bytes.Buffer
	buf.Grow(b.Dx() * b.Dy() / 4) // rough compressed size
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality()}); err != nil {
		return nil, fmt.Errorf("encode: jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
