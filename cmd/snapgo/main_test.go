package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/SnapGo/internal/config"
	"github.com/cjeanneret/SnapGo/internal/hw/camera"
	"github.com/cjeanneret/SnapGo/internal/logic/capture"
	"github.com/cjeanneret/SnapGo/internal/web"
)

// ---------- validateCLIOverrides ----------

func TestValidateCLIOverrides(t *testing.T) {
	cases := []struct {
		name     string
		fps      float64
		duration time.Duration
		valid    bool
	}{
		{"all_zero", 0, 0, true},
		{"min_fps", 0.001, 0, true},
		{"max_fps", 240, 0, true},
		{"with_duration", 10, time.Minute, true},
		{"fps_too_large", 241, 0, false},
		{"fps_negative", -1, 0, false},
		{"fps_NaN", math.NaN(), 0, false},
		{"fps_+Inf", math.Inf(1), 0, false},
		{"fps_-Inf", math.Inf(-1), 0, false},
		{"negative_duration", 0, -time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCLIOverrides(tc.fps, tc.duration)
			if tc.valid && err != nil {
				t.Errorf("expected valid, got: %v", err)
			}
			if !tc.valid && err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// ---------- webPortFlag ----------

func TestWebPortFlag_EmptyString(t *testing.T) {
	w := &webPortFlag{defaultPort: 8080}
	if err := w.Set(""); err != nil {
		t.Fatalf("Set(\"\") error: %v", err)
	}
	if w.port() != 8080 {
		t.Errorf("expected default port 8080, got %d", w.port())
	}
}

func TestWebPortFlag_ValidPorts(t *testing.T) {
	cases := []struct {
		input string
		want  int
	}{
		{"8080", 8080},
		{"1", 1},
		{"65535", 65535},
		{"3000", 3000},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(tc.input); err != nil {
				t.Fatalf("Set(%q) error: %v", tc.input, err)
			}
			if w.port() != tc.want {
				t.Errorf("port() = %d, want %d", w.port(), tc.want)
			}
		})
	}
}

func TestWebPortFlag_InvalidPorts(t *testing.T) {
	cases := []string{"0", "65536", "-1", "abc", "8080.5"}
	for _, input := range cases {
		t.Run(input, func(t *testing.T) {
			w := &webPortFlag{defaultPort: 8080}
			if err := w.Set(input); err == nil {
				t.Errorf("Set(%q) should fail, got nil", input)
			}
		})
	}
}

func TestWebPortFlag_String(t *testing.T) {
	w := &webPortFlag{val: 0}
	if s := w.String(); s != "0" {
		t.Errorf("String() = %q, want \"0\"", s)
	}
	w.val = 9090
	if s := w.String(); s != "9090" {
		t.Errorf("String() = %q, want \"9090\"", s)
	}
}

// ---------- overrides ----------

func newTestConfig(dir string) *config.Config {
	return &config.Config{
		Camera: config.CameraConfig{
			Type:        config.SourcePattern,
			Name:        "Test Pattern",
			DeviceGlob:  "/dev/video*",
			Width:       32,
			Height:      24,
			PixelFormat: "YUYV",
			FPS:         20,
			Workers:     2,
		},
		Output: config.OutputConfig{
			Dir:          dir,
			JPEGQuality:  80,
			WriteFailure: config.WriteFailureIsolate,
		},
		Indicator: config.IndicatorConfig{PulseMs: 50},
		Defaults:  config.DefaultsConfig{MockGPIO: true},
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := newTestConfig("captures")
	applyOverrides(cfg, cliOverrides{Camera: "C920", FPS: 5, OutputDir: "/tmp/out"})
	if cfg.Camera.Name != "C920" || cfg.Camera.FPS != 5 || cfg.Output.Dir != "/tmp/out" {
		t.Errorf("overrides not applied: %+v %+v", cfg.Camera, cfg.Output)
	}

	cfg = newTestConfig("captures")
	applyOverrides(cfg, cliOverrides{})
	if cfg.Camera.Name != "Test Pattern" || cfg.Camera.FPS != 20 || cfg.Output.Dir != "captures" {
		t.Errorf("zero overrides changed config: %+v %+v", cfg.Camera, cfg.Output)
	}
}

func TestApplyOverridesToCopy(t *testing.T) {
	cfg := newTestConfig("captures")
	c := applyOverridesToCopy(cfg, web.Overrides{FPS: 2})
	if c == cfg {
		t.Fatal("applyOverridesToCopy should return a new pointer")
	}
	if cfg.Camera.FPS != 20 {
		t.Errorf("base config mutated: FPS = %v", cfg.Camera.FPS)
	}
	if c.Camera.FPS != 2 || c.Camera.PixelFormat != "YUYV" || c.Output.JPEGQuality != 80 {
		t.Errorf("unexpected copy %+v", c.Camera)
	}
	if got := applyOverridesToCopy(cfg, web.Overrides{}); got.Camera.FPS != 20 {
		t.Errorf("zero override changed FPS to %v", got.Camera.FPS)
	}
}

func TestOverrides_CLIAndWebProduceSameResult(t *testing.T) {
	cli := newTestConfig("captures")
	applyOverrides(cli, cliOverrides{FPS: 7.5})
	webCfg := applyOverridesToCopy(newTestConfig("captures"), web.Overrides{FPS: 7.5})
	if cli.SaveInterval() != webCfg.SaveInterval() {
		t.Errorf("SaveInterval differs: CLI=%v, Web=%v", cli.SaveInterval(), webCfg.SaveInterval())
	}
}

// ---------- sessions ----------

func TestNewSessionFromConfig(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	s, err := newSessionFromConfig(cfg)
	if err != nil {
		t.Fatalf("pattern session: %v", err)
	}
	if f := s.Format(); f.Width != 32 || f.Height != 24 || f.PixelFormat != camera.FormatYUYV {
		t.Errorf("Format() = %+v", f)
	}
	_ = s.Stop()

	cfg.Camera.Type = "nikon_d90_gpio"
	if _, err := newSessionFromConfig(cfg); err == nil {
		t.Error("expected error for unsupported camera type")
	}

	cfg.Camera.Type = config.SourcePattern
	cfg.Camera.PixelFormat = "H264"
	if _, err := newSessionFromConfig(cfg); !errors.Is(err, camera.ErrNoMatchingFormat) {
		t.Errorf("err = %v, want ErrNoMatchingFormat", err)
	}
}

func TestDescribeCaptureError(t *testing.T) {
	cases := []struct {
		err  error
		hint string
	}{
		{fmt.Errorf("open: %w", camera.ErrDeviceNotFound), "camera.name"},
		{fmt.Errorf("open: %w", camera.ErrNoMatchingFormat), "camera.pixel_format"},
		{fmt.Errorf("open: %w", camera.ErrSessionInit), "busy"},
		{fmt.Errorf("capture source ended: %w", camera.ErrStreamLost), "unplugged"},
	}
	for _, tc := range cases {
		if got := describeCaptureError(tc.err); !strings.Contains(got, tc.hint) {
			t.Errorf("describeCaptureError(%v) = %q, want hint %q", tc.err, got, tc.hint)
		}
	}
	if got := describeCaptureError(errors.New("plain")); got != "plain" {
		t.Errorf("plain error = %q", got)
	}
}

// ---------- runCapture ----------

func TestApp_RunCaptureWritesFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := newTestConfig(dir)
	w, err := capture.NewFileWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	a := newApp(cfg, w)
	var hooked atomic.Int32
	a.addSavedHook(func(capture.SavedFrame) { hooked.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	// 10 fps from the web overrides: one save per 100ms
	if err := a.runCapture(ctx, web.Overrides{FPS: 10}); err != nil {
		t.Fatalf("runCapture: %v", err)
	}

	st := a.stats()
	if st.Saved == 0 || st.Saved > 5 {
		t.Errorf("saved %d frames in 400ms at 10 fps", st.Saved)
	}
	if int(hooked.Load()) != int(st.Saved) {
		t.Errorf("hook called %d times, saved %d", hooked.Load(), st.Saved)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if uint64(len(entries)) != st.Saved {
		t.Errorf("%d files for %d saved frames", len(entries), st.Saved)
	}
}

func TestApp_StatsBeforeFirstRun(t *testing.T) {
	a := newApp(newTestConfig(t.TempDir()), &capture.FileWriter{Dir: t.TempDir()})
	if st := a.stats(); st.Saved != 0 || st.Notifications != 0 {
		t.Errorf("stats = %+v, want zero", st)
	}
}

type brokenWriter struct{}

func (brokenWriter) Write(string, []byte) (string, error) { return "", errors.New("read-only file system") }

func TestApp_RunCaptureFatalWritePolicy(t *testing.T) {
	cfg := newTestConfig(t.TempDir())
	cfg.Output.WriteFailure = config.WriteFailureFatal
	a := newApp(cfg, brokenWriter{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.runCapture(ctx, web.Overrides{})
	if !errors.Is(err, capture.ErrWriteFailed) {
		t.Errorf("err = %v, want ErrWriteFailed", err)
	}
}

func TestListDevices_NoMatch(t *testing.T) {
	var buf bytes.Buffer
	err := listDevices(&buf, t.TempDir()+"/video*")
	if err != nil {
		// V4L2 enumeration is Linux only
		t.Skipf("listing unavailable: %v", err)
	}
	if !strings.Contains(buf.String(), "no capture devices") {
		t.Errorf("output = %q", buf.String())
	}
}
