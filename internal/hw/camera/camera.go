package camera

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Failures reported by Open. Each is wrapped with device context.
var (
	// ErrDeviceNotFound means no enumerated device name contains the requested camera name.
	ErrDeviceNotFound = errors.New("camera device not found")
	// ErrSessionInit means the device matched but could not be initialized
	// (busy, permission denied, ioctl failure).
	ErrSessionInit = errors.New("camera session init failed")
	// ErrNoMatchingFormat means the device offers no frame size with at least the
	// requested width in the exact requested pixel encoding.
	ErrNoMatchingFormat = errors.New("no matching capture format")
	// ErrStreamLost means a started session stopped delivering frames on its own.
	ErrStreamLost = errors.New("camera stream lost")
)

// PixelFormat is a V4L2 FourCC identifier such as "YUYV" or "MJPG".
type PixelFormat string

const (
	FormatYUYV  PixelFormat = "YUYV"
	FormatUYVY  PixelFormat = "UYVY"
	FormatNV12  PixelFormat = "NV12"
	FormatMJPG  PixelFormat = "MJPG"
	FormatRGB24 PixelFormat = "RGB3"
	FormatGrey  PixelFormat = "GREY"
)

var formatAliases = map[string]PixelFormat{
	"MJPEG": FormatMJPG,
	"JPEG":  FormatMJPG,
	"RGB24": FormatRGB24,
	"GRAY":  FormatGrey,
	"YUY2":  FormatYUYV,
}

// ParsePixelFormat normalizes a configured encoding identifier.
// Any four-character code is accepted; aliases map to their FourCC.
func ParsePixelFormat(s string) (PixelFormat, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if f, ok := formatAliases[s]; ok {
		return f, nil
	}
	if len(s) != 4 {
		return "", fmt.Errorf("invalid pixel format %q: want a FourCC like YUYV or MJPG", s)
	}
	return PixelFormat(s), nil
}

// FourCC returns the little-endian V4L2 code for the format.
func (p PixelFormat) FourCC() uint32 {
	if len(p) != 4 {
		return 0
	}
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

// FromFourCC converts a V4L2 code back into its identifier.
func FromFourCC(code uint32) PixelFormat {
	b := []byte{byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	return PixelFormat(strings.TrimRight(string(b), " \x00"))
}

// Config is the capture request handed to Open. It is not modified after
// the session is built.
type Config struct {
	Name        string // substring of the device card name
	DeviceGlob  string // e.g. /dev/video*
	Width       uint32 // minimum acceptable width
	Height      uint32 // preferred height
	PixelFormat string  // exact encoding
	FPS         float64 // target save rate
	DeviceFPS   float64 // rate requested from the device, 0 leaves its default
	Workers     int     // notification dispatch workers
}

// Format is what was actually negotiated with the device.
type Format struct {
	Device      string
	Name        string
	Width       int
	Height      int
	PixelFormat PixelFormat
	FPS         float64
}

func (f Format) String() string {
	return fmt.Sprintf("%s %dx%d @ %.2g fps (%s, %s)", f.PixelFormat, f.Width, f.Height, f.FPS, f.Name, f.Device)
}

// Frame is one captured pixel buffer. Call Release once the frame is no
// longer used; the buffer is then recycled.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    PixelFormat
	Sequence  uint64
	Timestamp time.Time

	release func()
	once    sync.Once
}

// NewFrame wraps data in a Frame. release may be nil.
func NewFrame(data []byte, width, height int, format PixelFormat, release func()) *Frame {
	return &Frame{
		Data:      data,
		Width:     width,
		Height:    height,
		Format:    format,
		Timestamp: time.Now(),
		release:   release,
	}
}

// Release returns the frame buffer. Safe to call more than once and on nil.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// Subscription is a registered frame-arrival handler.
type Subscription interface {
	Unsubscribe()
}

// Session is an open, exclusive capture session on one device.
//
// Between Start and Stop every subscribed handler is called once per frame
// arrival, possibly from several goroutines at once. Handlers pull the frame
// themselves with TryAcquireLatestFrame: only the most recent frame is kept,
// and a frame can be acquired once.
type Session interface {
	Start() error
	// Stop ends notifications, waits for in-flight handlers and releases the
	// device. It is safe to call more than once.
	Stop() error
	Subscribe(handler func()) Subscription
	TryAcquireLatestFrame() (*Frame, bool)
	Format() Format
	// Done is closed once a started session's capture loop has exited,
	// after Stop or on a device failure. Err then reports the failure,
	// or nil when the loop ended because of Stop.
	Done() <-chan struct{}
	Err() error
}

// matchName reports whether a device card name contains want (case-insensitive).
func matchName(deviceName, want string) bool {
	return strings.Contains(strings.ToLower(deviceName), strings.ToLower(want))
}
