package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cjeanneret/SnapGo/internal/config"
	"github.com/cjeanneret/SnapGo/internal/debug"
	"github.com/cjeanneret/SnapGo/internal/hw/camera"
	"github.com/cjeanneret/SnapGo/internal/hw/gpio"
	"github.com/cjeanneret/SnapGo/internal/hw/indicator"
	"github.com/cjeanneret/SnapGo/internal/logic/capture"
	"github.com/cjeanneret/SnapGo/internal/logic/convert"
	"github.com/cjeanneret/SnapGo/internal/logic/encode"
	"github.com/cjeanneret/SnapGo/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	cameraName := flag.String("camera", "", "override camera name (substring of the device name)")
	fps := flag.Float64("fps", 0, "override target frames per second (0-240, 0 = config)")
	outDir := flag.String("out", "", "override output directory")
	duration := flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
	list := flag.Bool("list", false, "list capture devices and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	if err := validateCLIOverrides(*fps, *duration); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, cliOverrides{Camera: *cameraName, FPS: *fps, OutputDir: *outDir})

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", debug.Level())

	if *list {
		if err := listDevices(os.Stdout, cfg.Camera.DeviceGlob); err != nil {
			log.Fatalf("list devices failed: %v", err)
		}
		return
	}

	// Optional capture indicator
	var led *indicator.LED
	if cfg.Indicator.Pin > 0 {
		debug.Step(1, "Initializing GPIO driver")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
		led, err = indicator.NewLED(gpioDriver, cfg.Indicator.Pin, cfg.IndicatorPulse())
		if err != nil {
			log.Fatalf("init indicator failed: %v", err)
		}
		defer func() {
			if err := led.Close(); err != nil {
				log.Printf("closing indicator failed: %v", err)
			}
		}()
		debug.Value("Indicator pin", cfg.Indicator.Pin)
	}

	debug.Step(2, "Preparing output directory")
	writer, err := capture.NewFileWriter(cfg.Output.Dir)
	if err != nil {
		log.Fatalf("init output failed: %v", err)
	}
	debug.Value("Output dir", cfg.Output.Dir)

	app := newApp(cfg, writer)
	if led != nil {
		app.addSavedHook(func(capture.SavedFrame) { led.Pulse() })
	}

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
		app.addSavedHook(broadcaster.BroadcastSaved)

		formDefaults := web.FormConfig{
			Camera:      cfg.Camera.Name,
			Width:       cfg.Camera.Width,
			Height:      cfg.Camera.Height,
			PixelFormat: cfg.Camera.PixelFormat,
			FPS:         cfg.Camera.FPS,
			OutputDir:   cfg.Output.Dir,
		}
		srv := web.NewServer(webAddr, broadcaster, app.runCapture, app.stats, formDefaults)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	{
		// Run capture once with current config (already has CLI overrides applied)
		runCtx := ctx
		if *duration > 0 {
			var stop context.CancelFunc
			runCtx, stop = context.WithTimeout(ctx, *duration)
			defer stop()
		}
		if err := app.runCapture(runCtx, web.Overrides{}); err != nil {
			log.Fatalf("capture failed: %v", describeCaptureError(err))
		}
	}
}

// app holds what outlives a single capture run.
type app struct {
	cfg    *config.Config
	writer capture.Writer
	conv   *convert.Converter

	mu      sync.Mutex
	sink    *capture.Sink // current or last run
	onSaved []func(capture.SavedFrame)
}

func newApp(cfg *config.Config, w capture.Writer) *app {
	return &app{cfg: cfg, writer: w, conv: convert.New()}
}

func (a *app) addSavedHook(fn func(capture.SavedFrame)) {
	a.mu.Lock()
	a.onSaved = append(a.onSaved, fn)
	a.mu.Unlock()
}

// runCapture opens a session for the config with overrides applied and
// feeds it into a new sink until ctx is done.
func (a *app) runCapture(ctx context.Context, overrides web.Overrides) error {
	cfg := applyOverridesToCopy(a.cfg, overrides)

	a.mu.Lock()
	hooks := append([]func(capture.SavedFrame){}, a.onSaved...)
	a.mu.Unlock()

	loc := time.UTC
	if cfg.Output.LocalTime {
		loc = time.Local
	}
	sink := capture.NewSink(nil, a.conv, encode.NewJPEGEncoder(cfg.Output.JPEGQuality), a.writer, capture.Options{
		MinInterval:         cfg.SaveInterval(),
		Location:            loc,
		FatalOnWriteFailure: cfg.FatalOnWriteFailure(),
		OnSaved: func(f capture.SavedFrame) {
			for _, fn := range hooks {
				fn(f)
			}
		},
	})
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	debug.Step(3, "Opening capture session")
	debug.PrintStruct("Camera config", cfg.Camera)
	session, err := newSessionFromConfig(cfg)
	if err != nil {
		return err
	}
	debug.Summary("Capture: " + session.Format().String())
	debug.Value("Save interval", cfg.SaveInterval())
	debug.Value("Write failure policy", cfg.Output.WriteFailure)

	return sink.Run(ctx, session)
}

func (a *app) stats() capture.Stats {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return capture.Stats{}
	}
	return sink.Stats()
}

// cliOverrides are the flag values applied on top of the config file.
type cliOverrides struct {
	Camera    string
	FPS       float64
	OutputDir string
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(fps float64, duration time.Duration) error {
	if fps != 0 {
		if math.IsNaN(fps) || math.IsInf(fps, 0) || fps <= 0 || fps > 240 {
			return fmt.Errorf("fps must be greater than 0 and at most 240, got %g", fps)
		}
	}
	if duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", duration)
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are applied.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.Camera != "" {
		cfg.Camera.Name = o.Camera
	}
	if o.FPS > 0 {
		cfg.Camera.FPS = o.FPS
	}
	if o.OutputDir != "" {
		cfg.Output.Dir = o.OutputDir
	}
}

// applyOverridesToCopy returns a new config with overrides applied.
// Zero values in overrides mean "use base config".
func applyOverridesToCopy(baseCfg *config.Config, overrides web.Overrides) *config.Config {
	cfg := *baseCfg
	if overrides.FPS > 0 {
		cfg.Camera.FPS = overrides.FPS
	}
	return &cfg
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

func cameraConfig(cfg *config.Config) camera.Config {
	return camera.Config{
		Name:        cfg.Camera.Name,
		DeviceGlob:  cfg.Camera.DeviceGlob,
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		PixelFormat: cfg.Camera.PixelFormat,
		FPS:         cfg.Camera.FPS,
		DeviceFPS:   cfg.Camera.DeviceFPS,
		Workers:     cfg.Camera.Workers,
	}
}

// newSessionFromConfig selects a capture source based on configuration.
func newSessionFromConfig(cfg *config.Config) (camera.Session, error) {
	switch cfg.Camera.Type {
	case config.SourceV4L2:
		return camera.Open(cameraConfig(cfg))
	case config.SourcePattern:
		return camera.NewPattern(cameraConfig(cfg))
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}

// describeCaptureError adds an operator hint to the typed session failures.
func describeCaptureError(err error) string {
	switch {
	case errors.Is(err, camera.ErrDeviceNotFound):
		return fmt.Sprintf("%v (check camera.name, or run with -list)", err)
	case errors.Is(err, camera.ErrNoMatchingFormat):
		return fmt.Sprintf("%v (check camera.pixel_format and camera.width, or run with -list)", err)
	case errors.Is(err, camera.ErrSessionInit):
		return fmt.Sprintf("%v (is the device busy or missing permissions?)", err)
	case errors.Is(err, camera.ErrStreamLost):
		return fmt.Sprintf("%v (was the camera unplugged?)", err)
	}
	return err.Error()
}

func listDevices(w io.Writer, glob string) error {
	devices, err := camera.List(glob)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintf(w, "no capture devices match %s\n", glob)
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\n", d.Path, d.Name)
		if len(d.Formats) > 0 {
			fmt.Fprintf(w, "\t%s\n", strings.Join(d.Formats, "\n\t"))
		}
	}
	return nil
}
