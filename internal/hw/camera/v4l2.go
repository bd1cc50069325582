//go:build linux

package camera

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/SnapGo/internal/debug"
)

// waitTimeoutSec bounds how long the capture loop blocks in poll(2), and
// therefore how long Stop may take.
const waitTimeoutSec = 1

// DeviceInfo describes one enumerated capture device.
type DeviceInfo struct {
	Path    string
	Name    string
	Formats []string
}

// List enumerates the capture devices matching glob with their formats.
func List(glob string) ([]DeviceInfo, error) {
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", glob, err)
	}
	var devices []DeviceInfo
	for _, p := range paths {
		cam, err := webcam.Open(p)
		if err != nil {
			debug.Verbose("camera: skipping %s: %v", p, err)
			continue
		}
		name, _ := cam.GetName()
		info := DeviceInfo{Path: p, Name: name}
		for code, desc := range cam.GetSupportedFormats() {
			info.Formats = append(info.Formats, fmt.Sprintf("%s (%s)", FromFourCC(uint32(code)), desc))
		}
		sort.Strings(info.Formats)
		_ = cam.Close()
		devices = append(devices, info)
	}
	return devices, nil
}

// Open finds the first device whose name contains cfg.Name, negotiates the
// requested format and returns a session ready to Start.
func Open(cfg Config) (Session, error) {
	want, err := ParsePixelFormat(cfg.PixelFormat)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoMatchingFormat, err)
	}

	glob := cfg.DeviceGlob
	if glob == "" {
		glob = "/dev/video*"
	}
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate %s: %v", ErrDeviceNotFound, glob, err)
	}

	var skipped []string
	for _, p := range paths {
		cam, err := webcam.Open(p)
		if err != nil {
			debug.Verbose("camera: skipping %s: %v", p, err)
			skipped = append(skipped, p)
			continue
		}
		name, err := cam.GetName()
		if err != nil || !matchName(name, cfg.Name) {
			debug.Verbose("camera: %s (%q) does not match %q", p, name, cfg.Name)
			_ = cam.Close()
			continue
		}

		debug.Info("Camera %q matched at %s", name, p)
		s, err := negotiate(cam, p, name, want, cfg)
		if err != nil {
			_ = cam.Close()
			return nil, err
		}
		return s, nil
	}

	msg := fmt.Sprintf("no device matching %q among %d candidates", cfg.Name, len(paths))
	if len(skipped) > 0 {
		msg += fmt.Sprintf(" (unreadable: %s)", strings.Join(skipped, ", "))
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, msg)
}

func negotiate(cam *webcam.Webcam, path, name string, want PixelFormat, cfg Config) (*v4l2Session, error) {
	formats := cam.GetSupportedFormats()
	code := webcam.PixelFormat(want.FourCC())
	if _, ok := formats[code]; !ok {
		offered := make([]string, 0, len(formats))
		for c := range formats {
			offered = append(offered, string(FromFourCC(uint32(c))))
		}
		sort.Strings(offered)
		return nil, fmt.Errorf("%w: %s does not offer %s (offers %s)",
			ErrNoMatchingFormat, path, want, strings.Join(offered, ", "))
	}

	var sizes []FrameSize
	for _, s := range cam.GetSupportedFrameSizes(code) {
		debug.Verbose("camera: %s candidate size %s", want, s.GetString())
		sizes = append(sizes, FrameSize{
			MinWidth: s.MinWidth, MaxWidth: s.MaxWidth, StepWidth: s.StepWidth,
			MinHeight: s.MinHeight, MaxHeight: s.MaxHeight, StepHeight: s.StepHeight,
		})
	}
	width, height, ok := ChooseFrameSize(sizes, cfg.Width, cfg.Height)
	if !ok {
		return nil, fmt.Errorf("%w: %s offers no %s size with width >= %d",
			ErrNoMatchingFormat, path, want, cfg.Width)
	}

	if _, _, _, err := cam.SetImageFormat(code, width, height); err != nil {
		return nil, fmt.Errorf("%w: set %s %dx%d on %s: %v", ErrSessionInit, want, width, height, path, err)
	}

	// The target save rate is enforced downstream; the device keeps its
	// own rate unless one is configured.
	fps := cfg.DeviceFPS
	if fps > 0 {
		if err := cam.SetFramerate(float32(fps)); err != nil {
			debug.Verbose("camera: %s rejected %.2f fps: %v", path, fps, err)
		}
	}
	if got, err := cam.GetFramerate(); err == nil && got > 0 {
		fps = float64(got)
	}

	return &v4l2Session{
		hub: newHub(cfg.Workers),
		cam: cam,
		format: Format{
			Device:      path,
			Name:        name,
			Width:       int(width),
			Height:      int(height),
			PixelFormat: want,
			FPS:         fps,
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// v4l2Session streams frames from a V4L2 device via blackjack/webcam.
type v4l2Session struct {
	*hub
	cam    *webcam.Webcam
	format Format
	pool   bufferPool

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopCh   chan struct{}
	done     chan struct{}
	sequence uint64
	loopErr  error // written before done is closed
}

func (s *v4l2Session) Format() Format { return s.format }

func (s *v4l2Session) Done() <-chan struct{} { return s.done }

func (s *v4l2Session) Err() error {
	select {
	case <-s.done:
		return s.loopErr
	default:
		return nil
	}
}

func (s *v4l2Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("camera: session already stopped")
	}
	if s.started {
		return errors.New("camera: session already started")
	}
	if err := s.cam.StartStreaming(); err != nil {
		return fmt.Errorf("%w: start streaming on %s: %v", ErrSessionInit, s.format.Device, err)
	}
	s.hub.start()
	s.started = true
	go s.loop()
	debug.Info("Capture started: %s", s.format)
	return nil
}

func (s *v4l2Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		err := s.cam.WaitForFrame(waitTimeoutSec)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			debug.Trace("camera: wait timeout on %s", s.format.Device)
			continue
		default:
			s.loopErr = fmt.Errorf("%w: wait for frame on %s: %v", ErrStreamLost, s.format.Device, err)
			debug.Error(s.loopErr)
			return
		}

		data, index, err := s.cam.GetFrame()
		if err != nil {
			debug.Trace("camera: dequeue on %s: %v", s.format.Device, err)
			continue
		}
		if len(data) == 0 {
			_ = s.cam.ReleaseFrame(index)
			continue
		}
		s.sequence++
		frame := s.pool.frameFromPool(data, s.format.Width, s.format.Height, s.format.PixelFormat, s.sequence)
		if err := s.cam.ReleaseFrame(index); err != nil {
			debug.Errorf("camera: requeue buffer %d on %s: %v", index, s.format.Device, err)
		}
		if debug.IsEnabled(debug.LevelTrace) {
			debug.Trace("camera: frame %d (%d bytes, buffer %d)", s.sequence, len(data), index)
		}
		s.hub.publish(frame)
	}
}

func (s *v4l2Session) Stop() error {
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
	if err := s.cam.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.format.Device, err)
	}
	debug.Info("Capture stopped: %s released", s.format.Device)
	return nil
}
