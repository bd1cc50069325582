package camera

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/SnapGo/internal/debug"
)

// Pattern sources without an explicit DeviceFPS run faster than the save
// rate, the way a real camera does.
const (
	patternOversample = 4
	maxPatternFPS     = 240
)

// NewPattern returns a session producing a moving gradient in
// cfg.PixelFormat, at exactly cfg.Width x cfg.Height. It needs no hardware.
func NewPattern(cfg Config) (Session, error) {
	pf, err := ParsePixelFormat(cfg.PixelFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingFormat, err)
	}
	switch pf {
	case FormatYUYV, FormatUYVY, FormatNV12, FormatRGB24, FormatGrey, FormatMJPG:
	default:
		return nil, fmt.Errorf("%w: pattern source cannot produce %s", ErrNoMatchingFormat, pf)
	}
	if cfg.Width == 0 || cfg.Height == 0 || cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return nil, fmt.Errorf("%w: pattern size %dx%d must be even and non-zero",
			ErrNoMatchingFormat, cfg.Width, cfg.Height)
	}
	return &patternSession{
		hub: newHub(cfg.Workers),
		format: Format{
			Device:      "pattern",
			Name:        "Test Pattern",
			Width:       int(cfg.Width),
			Height:      int(cfg.Height),
			PixelFormat: pf,
			FPS:         patternRate(cfg),
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// patternRate is how many frames per second the pattern source emits.
func patternRate(cfg Config) float64 {
	if cfg.DeviceFPS > 0 {
		return cfg.DeviceFPS
	}
	fps := cfg.FPS
	if fps <= 0 {
		fps = 1
	}
	return math.Min(fps*patternOversample, maxPatternFPS)
}

type patternSession struct {
	*hub
	format Format
	pool   bufferPool

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

func (s *patternSession) Format() Format { return s.format }

// Done is closed after Stop; a pattern never fails on its own.
func (s *patternSession) Done() <-chan struct{} { return s.done }

func (s *patternSession) Err() error { return nil }

func (s *patternSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("camera: session already stopped")
	}
	if s.started {
		return errors.New("camera: session already started")
	}
	s.hub.start()
	s.started = true
	go s.loop()
	debug.Info("Capture started: %s", s.format)
	return nil
}

func (s *patternSession) loop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / s.format.FPS))
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			seq++
			data, err := renderPattern(s.format, seq)
			if err != nil {
				debug.Errorf("camera: render pattern frame %d: %v", seq, err)
				continue
			}
			s.hub.publish(s.pool.frameFromPool(data, s.format.Width, s.format.Height, s.format.PixelFormat, seq))
		}
	}
}

func (s *patternSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.started {
		close(s.stopCh)
		<-s.done
		s.hub.stop()
	}
	debug.Info("Capture stopped: %s released", s.format.Device)
	return nil
}

// renderPattern draws a diagonal gradient shifted by seq in the session's
// pixel encoding.
func renderPattern(f Format, seq uint64) ([]byte, error) {
	w, h := f.Width, f.Height
	shift := int(seq * 4)
	rgb := func(x, y int) (uint8, uint8, uint8) {
		return uint8((x + shift) * 255 / (w + 1)), uint8(y * 255 / (h + 1)), uint8((x + y + shift) & 0xff)
	}

	switch f.PixelFormat {
	case FormatRGB24:
		out := make([]byte, w*h*3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * 3
				out[i], out[i+1], out[i+2] = rgb(x, y)
			}
		}
		return out, nil

	case FormatGrey:
		out := make([]byte, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b := rgb(x, y)
				out[y*w+x], _, _ = color.RGBToYCbCr(r, g, b)
			}
		}
		return out, nil

	case FormatYUYV, FormatUYVY:
		out := make([]byte, w*h*2)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x += 2 {
				y0, cb, cr := color.RGBToYCbCr(rgb(x, y))
				y1, _, _ := color.RGBToYCbCr(rgb(x+1, y))
				i := (y*w + x) * 2
				if f.PixelFormat == FormatYUYV {
					out[i], out[i+1], out[i+2], out[i+3] = y0, cb, y1, cr
				} else {
					out[i], out[i+1], out[i+2], out[i+3] = cb, y0, cr, y1
				}
			}
		}
		return out, nil

	case FormatNV12:
		out := make([]byte, w*h*3/2)
		uv := out[w*h:]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yy, cb, cr := color.RGBToYCbCr(rgb(x, y))
				out[y*w+x] = yy
				if x%2 == 0 && y%2 == 0 {
					i := (y/2)*w + x
					uv[i], uv[i+1] = cb, cr
				}
			}
		}
		return out, nil

	case FormatMJPG:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				r, g, b := rgb(x, y)
				img.SetRGBA(x, y, color.RGBA{R: r, G: g, B: b, A: 0xff})
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unsupported pattern format %s", f.PixelFormat)
}
