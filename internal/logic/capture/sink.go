// Package capture turns frame-arrival notifications into JPEG files, at
// most one per minimum interval.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/SnapGo/internal/debug"
	"github.com/cjeanneret/SnapGo/internal/hw/camera"
	"github.com/cjeanneret/SnapGo/internal/logic/encode"
)

var (
	// ErrAlreadyRunning is returned by Run while another run is active.
	ErrAlreadyRunning = errors.New("capture already running")
	// ErrWriteFailed wraps file write failures.
	ErrWriteFailed = errors.New("frame write failed")
)

// FrameSource hands out the most recent frame, at most once.
type FrameSource interface {
	TryAcquireLatestFrame() (*camera.Frame, bool)
}

// Converter turns a frame into a bitmap and takes bitmaps back.
type Converter interface {
	ToRGBA(f *camera.Frame) (*image.RGBA, error)
	Recycle(img *image.RGBA)
}

// Outcome is what happened to one notification.
type Outcome int

const (
	Throttled Outcome = iota
	NoFrame
	ConvertFailed
	EncodeFailed
	WriteFailed
	Saved
)

func (o Outcome) String() string {
	switch o {
	case Throttled:
		return "throttled"
	case NoFrame:
		return "no_frame"
	case ConvertFailed:
		return "convert_failed"
	case EncodeFailed:
		return "encode_failed"
	case WriteFailed:
		return "write_failed"
	case Saved:
		return "saved"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SavedFrame describes a persisted frame.
type SavedFrame struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int       `json:"size"`
	Time     time.Time `json:"time"`
	Sequence uint64    `json:"sequence"`
}

// Options tune a Sink. Zero values are usable.
type Options struct {
	MinInterval time.Duration  // <= 0 disables throttling
	Location    *time.Location // zone for file names, UTC when nil
	// FatalOnWriteFailure escalates write failures: Run stops and returns
	// the error. By default a failed write only drops that frame.
	FatalOnWriteFailure bool
	Now                 func() time.Time
	OnSaved             func(SavedFrame)
	OnFatal             func(error)
}

// Stats are cumulative counters since the Sink was created.
type Stats struct {
	Notifications   uint64     `json:"notifications"`
	Throttled       uint64     `json:"throttled"`
	NoFrame         uint64     `json:"no_frame"`
	ConvertFailures uint64     `json:"convert_failures"`
	EncodeFailures  uint64     `json:"encode_failures"`
	WriteFailures   uint64     `json:"write_failures"`
	Saved           uint64     `json:"saved"`
	LastSaved       string     `json:"last_saved,omitempty"`
	LastSavedAt     *time.Time `json:"last_saved_at,omitempty"` // nil until a frame is saved
}

// Sink is the rate-limited frame sink. OnFrameArrived may be called from
// several goroutines at once; only the throttle decision is serialized.
type Sink struct {
	source   FrameSource
	conv     Converter
	enc      encode.Encoder
	writer   Writer
	throttle *Throttle
	opts     Options

	running atomic.Bool
	fatal   chan error

	notifications, throttled, noFrame atomic.Uint64
	convertFail, encodeFail           atomic.Uint64
	writeFail, saved                  atomic.Uint64

	lastMu      sync.Mutex
	lastSaved   string
	lastSavedAt time.Time
}

// NewSink wires a sink. source may be nil and set later by Run.
func NewSink(source FrameSource, conv Converter, enc encode.Encoder, w Writer, opts Options) *Sink {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Sink{
		source:   source,
		conv:     conv,
		enc:      enc,
		writer:   w,
		throttle: NewThrottle(opts.MinInterval),
		opts:     opts,
		fatal:    make(chan error, 1),
	}
}

// OnFrameArrived handles one arrival notification. A non-nil error comes
// with the ConvertFailed, EncodeFailed and WriteFailed outcomes; throttled
// and empty notifications are not errors.
func (s *Sink) OnFrameArrived() (Outcome, error) {
	now := s.opts.Now()
	s.notifications.Add(1)

	ok, elapsed := s.throttle.Accept(now)
	if !ok {
		s.throttled.Add(1)
		debug.Throttled(elapsed, s.throttle.MinInterval())
		return Throttled, nil
	}
	debug.Accepted(now)

	if s.source == nil {
		s.noFrame.Add(1)
		return NoFrame, nil
	}
	frame, ok := s.source.TryAcquireLatestFrame()
	if !ok {
		s.noFrame.Add(1)
		debug.Live("No frame available, notification dropped")
		return NoFrame, nil
	}
	defer frame.Release()

	img, err := s.conv.ToRGBA(frame)
	if err != nil {
		s.convertFail.Add(1)
		debug.Errorf("Convert frame %d: %v", frame.Sequence, err)
		return ConvertFailed, err
	}
	defer s.conv.Recycle(img)

	data, err := s.enc.Encode(img)
	if err != nil {
		s.encodeFail.Add(1)
		debug.Errorf("Encode frame %d: %v", frame.Sequence, err)
		return EncodeFailed, err
	}

	name := FileName(now.In(s.opts.Location))
	path, err := s.writer.Write(name, data)
	if err != nil {
		s.writeFail.Add(1)
		err = fmt.Errorf("%w: %v", ErrWriteFailed, err)
		debug.Error(err)
		return WriteFailed, err
	}

	s.saved.Add(1)
	s.lastMu.Lock()
	s.lastSaved, s.lastSavedAt = name, now
	s.lastMu.Unlock()
	debug.Saved(name, len(data))

	if s.opts.OnSaved != nil {
		s.opts.OnSaved(SavedFrame{Name: name, Path: path, Size: len(data), Time: now, Sequence: frame.Sequence})
	}
	return Saved, nil
}

// Handle is the notification callback registered with a session. It applies
// the write failure policy.
func (s *Sink) Handle() {
	outcome, err := s.OnFrameArrived()
	if outcome == WriteFailed && s.opts.FatalOnWriteFailure {
		s.fail(err)
	}
}

func (s *Sink) fail(err error) {
	select {
	case s.fatal <- err:
	default: // one pending fatal error is enough
	}
	if s.opts.OnFatal != nil {
		s.opts.OnFatal(err)
	}
}

// Run subscribes the sink to session, starts it and blocks until ctx is
// done or a fatal write failure occurs. The session is always stopped
// before Run returns, after the subscription is removed.
func (s *Sink) Run(ctx context.Context, session camera.Session) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	s.source = session
	s.throttle.Reset()
	select {
	case <-s.fatal:
	default:
	}

	sub := session.Subscribe(s.Handle)
	stop := func() {
		sub.Unsubscribe()
		if err := session.Stop(); err != nil {
			debug.Errorf("Stop session: %v", err)
		}
	}

	if err := session.Start(); err != nil {
		stop()
		return fmt.Errorf("start session: %w", err)
	}
	debug.Info("Capturing %s, min interval %v", session.Format(), s.throttle.MinInterval())

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.fatal:
	case <-session.Done():
		runErr = session.Err()
		if runErr == nil {
			runErr = camera.ErrStreamLost
		}
		runErr = fmt.Errorf("capture source ended: %w", runErr)
	}
	stop()

	st := s.Stats()
	debug.Info("Capture finished: %d saved, %d throttled, %d failed",
		st.Saved, st.Throttled, st.ConvertFailures+st.EncodeFailures+st.WriteFailures)
	return runErr
}

// Running reports whether Run is active.
func (s *Sink) Running() bool {
	return s.running.Load()
}

func (s *Sink) Stats() Stats {
	s.lastMu.Lock()
	name, at := s.lastSaved, s.lastSavedAt
	s.lastMu.Unlock()
	st := Stats{
		Notifications:   s.notifications.Load(),
		Throttled:       s.throttled.Load(),
		NoFrame:         s.noFrame.Load(),
		ConvertFailures: s.convertFail.Load(),
		EncodeFailures:  s.encodeFail.Load(),
		WriteFailures:   s.writeFail.Load(),
		Saved:           s.saved.Load(),
		LastSaved:       name,
	}
	if !at.IsZero() {
		st.LastSavedAt = &at
	}
	return st
}
