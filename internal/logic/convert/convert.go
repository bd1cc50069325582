// Package convert turns native camera pixel buffers into RGBA bitmaps.
package convert

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"golang.org/x/image/draw"

	"github.com/cjeanneret/SnapGo/internal/hw/camera"
)

// ErrUnsupportedFormat is returned for pixel encodings with no conversion.
var ErrUnsupportedFormat = errors.New("unsupported pixel format")

// Converter converts frames and recycles the resulting bitmaps.
// It is safe for concurrent use.
type Converter struct {
	pool sync.Pool // stores *image.RGBA
}

// New returns a ready Converter.
func New() *Converter {
	return &Converter{}
}

// Supported reports whether f can be converted.
func Supported(f camera.PixelFormat) bool {
	switch f {
	case camera.FormatYUYV, camera.FormatUYVY, camera.FormatNV12,
		camera.FormatMJPG, camera.FormatRGB24, camera.FormatGrey:
		return true
	}
	return false
}

// ToRGBA converts the frame pixel buffer into a new (or recycled) bitmap of
// the same dimensions. Hand the bitmap back with Recycle when done.
func (c *Converter) ToRGBA(f *camera.Frame) (*image.RGBA, error) {
	if f == nil {
		return nil, errors.New("convert: nil frame")
	}
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("convert: invalid frame size %dx%d", f.Width, f.Height)
	}

	src, err := c.source(f)
	if err != nil {
		return nil, err
	}

	dst := c.bitmap(f.Width, f.Height)
	draw.Draw(dst, dst.Bounds(), src, src.Bounds().Min, draw.Src)
	return dst, nil
}

// Recycle returns a bitmap obtained from ToRGBA. nil is ignored.
func (c *Converter) Recycle(img *image.RGBA) {
	if img != nil {
		c.pool.Put(img)
	}
}

func (c *Converter) bitmap(w, h int) *image.RGBA {
	if v := c.pool.Get(); v != nil {
		img := v.(*image.RGBA)
		if img.Rect.Dx() == w && img.Rect.Dy() == h {
			return img
		}
	}
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// source wraps or decodes the frame buffer as an image.Image.
func (c *Converter) source(f *camera.Frame) (image.Image, error) {
	w, h := f.Width, f.Height
	switch f.Format {
	case camera.FormatYUYV, camera.FormatUYVY:
		if w%2 != 0 {
			return nil, fmt.Errorf("convert: %s needs an even width, got %d", f.Format, w)
		}
		if err := checkLen(f, w*h*2); err != nil {
			return nil, err
		}
		return packed422(f.Data, w, h, f.Format == camera.FormatYUYV), nil

	case camera.FormatNV12:
		if w%2 != 0 || h%2 != 0 {
			return nil, fmt.Errorf("convert: NV12 needs even dimensions, got %dx%d", w, h)
		}
		if err := checkLen(f, w*h*3/2); err != nil {
			return nil, err
		}
		return nv12(f.Data, w, h), nil

	case camera.FormatGrey:
		if err := checkLen(f, w*h); err != nil {
			return nil, err
		}
		return &image.Gray{Pix: f.Data[:w*h], Stride: w, Rect: image.Rect(0, 0, w, h)}, nil

	case camera.FormatRGB24:
		if err := checkLen(f, w*h*3); err != nil {
			return nil, err
		}
		return rgb24(f.Data, w, h), nil

	case camera.FormatMJPG:
		img, err := jpeg.Decode(bytes.NewReader(withHuffmanTables(f.Data)))
		if err != nil {
			return nil, fmt.Errorf("convert: decode MJPG frame: %w", err)
		}
		if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
			return nil, fmt.Errorf("convert: MJPG frame is %dx%d, negotiated %dx%d", b.Dx(), b.Dy(), w, h)
		}
		return img, nil
	}
	return nil, fmt.Errorf("convert: %w: %s", ErrUnsupportedFormat, f.Format)
}

func checkLen(f *camera.Frame, want int) error {
	if len(f.Data) < want {
		return fmt.Errorf("convert: short %s buffer for %dx%d: %d bytes, need %d",
			f.Format, f.Width, f.Height, len(f.Data), want)
	}
	return nil
}

// packed422 splits interleaved 4:2:2 samples into planes.
func packed422(data []byte, w, h int, yuyv bool) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio422)
	yOff, cbOff, crOff := 0, 1, 3
	if !yuyv {
		yOff, cbOff, crOff = 1, 0, 2
	}
	for y := 0; y < h; y++ {
		row := data[y*w*2 : (y+1)*w*2]
		for x := 0; x < w; x += 2 {
			m := row[x*2 : x*2+4]
			img.Y[y*img.YStride+x] = m[yOff]
			img.Y[y*img.YStride+x+1] = m[yOff+2]
			ci := y*img.CStride + x/2
			img.Cb[ci] = m[cbOff]
			img.Cr[ci] = m[crOff]
		}
	}
	return img
}

// nv12 splits the interleaved chroma plane of a 4:2:0 buffer.
func nv12(data []byte, w, h int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
	copy(img.Y, data[:w*h])
	uv := data[w*h:]
	for y := 0; y < h/2; y++ {
		for x := 0; x < w/2; x++ {
			ci := y*img.CStride + x
			img.Cb[ci] = uv[y*w+x*2]
			img.Cr[ci] = uv[y*w+x*2+1]
		}
	}
	return img
}

func rgb24(data []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i < w*h*3; i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
