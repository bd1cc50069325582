package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Write failure policies for output.write_failure.
const (
	WriteFailureIsolate = "isolate"
	WriteFailureFatal   = "fatal"
)

// Camera source types for camera.type.
const (
	SourceV4L2    = "v4l2"
	SourcePattern = "pattern"
)

// MaxConfigFileBytes bounds the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// CameraConfig describes which device to open and what to negotiate.
type CameraConfig struct {
	Type        string  `yaml:"type"`         // "v4l2" or "pattern"
	Name        string  `yaml:"name"`         // substring of the device card name; first match wins
	DeviceGlob  string  `yaml:"device_glob"`  // where to look for devices (default /dev/video*)
	Width       uint32  `yaml:"width"`        // preferred minimum width
	Height      uint32  `yaml:"height"`       // preferred height
	PixelFormat string  `yaml:"pixel_format"` // FourCC, e.g. "YUYV", "MJPG"
	FPS         float64 `yaml:"fps"`          // target saved frames per second
	DeviceFPS   float64 `yaml:"device_fps"`   // source frame rate, 0 = device default
	Workers     int     `yaml:"workers"`      // notification dispatch workers
}

// OutputConfig describes where and how frames are persisted.
type OutputConfig struct {
	Dir            string `yaml:"dir"`
	JPEGQuality    int    `yaml:"jpeg_quality"`     // 1-100
	SaveIntervalMs int    `yaml:"save_interval_ms"` // overrides 1/fps when > 0
	LocalTime      bool   `yaml:"local_time"`       // name files in host time zone instead of UTC
	WriteFailure   string `yaml:"write_failure"`    // "isolate" or "fatal"
}

// IndicatorConfig is optional: an LED pulsed on every saved frame.
type IndicatorConfig struct {
	Pin     int `yaml:"pin"`      // BCM pin. 0 = disabled.
	PulseMs int `yaml:"pulse_ms"` // LED on-time per saved frame
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera    CameraConfig    `yaml:"camera"`
	Output    OutputConfig    `yaml:"output"`
	Indicator IndicatorConfig `yaml:"indicator"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a
// "configs" directory, without ".." components.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	if filepath.Ext(path) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.Camera.Type == "" {
		cfg.Camera.Type = SourceV4L2
	}
	if cfg.Camera.Type != SourceV4L2 && cfg.Camera.Type != SourcePattern {
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
	if cfg.Camera.Type == SourceV4L2 && cfg.Camera.Name == "" {
		return nil, fmt.Errorf("camera.name is required")
	}
	if cfg.Camera.DeviceGlob == "" {
		cfg.Camera.DeviceGlob = "/dev/video*"
	}
	if cfg.Camera.Width == 0 {
		cfg.Camera.Width = 640 // reasonable default
	}
	if cfg.Camera.Height == 0 {
		cfg.Camera.Height = 480
	}
	if cfg.Camera.PixelFormat == "" {
		cfg.Camera.PixelFormat = "YUYV"
	}
	cfg.Camera.PixelFormat = strings.ToUpper(cfg.Camera.PixelFormat)
	if cfg.Camera.FPS < 0 || cfg.Camera.FPS > 240 {
		return nil, fmt.Errorf("camera.fps must be between 0 and 240, got %.2f", cfg.Camera.FPS)
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 1 // one saved frame per second
	}
	if cfg.Camera.DeviceFPS < 0 || cfg.Camera.DeviceFPS > 240 {
		return nil, fmt.Errorf("camera.device_fps must be between 0 and 240, got %.2f", cfg.Camera.DeviceFPS)
	}
	if cfg.Camera.Workers <= 0 {
		cfg.Camera.Workers = 4
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "captures"
	}
	if cfg.Output.JPEGQuality == 0 {
		cfg.Output.JPEGQuality = 90
	}
	if cfg.Output.JPEGQuality < 1 || cfg.Output.JPEGQuality > 100 {
		return nil, fmt.Errorf("output.jpeg_quality must be between 1 and 100, got %d", cfg.Output.JPEGQuality)
	}
	if cfg.Output.SaveIntervalMs < 0 {
		return nil, fmt.Errorf("output.save_interval_ms must be >= 0, got %d", cfg.Output.SaveIntervalMs)
	}
	switch cfg.Output.WriteFailure {
	case "":
		cfg.Output.WriteFailure = WriteFailureIsolate
	case WriteFailureIsolate, WriteFailureFatal:
	default:
		return nil, fmt.Errorf("output.write_failure must be %q or %q, got %q",
			WriteFailureIsolate, WriteFailureFatal, cfg.Output.WriteFailure)
	}

	if cfg.Indicator.Pin < 0 {
		return nil, fmt.Errorf("indicator.pin must be >= 0, got %d", cfg.Indicator.Pin)
	}
	if cfg.Indicator.PulseMs <= 0 {
		cfg.Indicator.PulseMs = 50
	}

	return &cfg, nil
}

// SaveInterval returns the minimum duration between two saved frames.
// An explicit output.save_interval_ms wins over the camera frame rate.
func (c *Config) SaveInterval() time.Duration {
	if c.Output.SaveIntervalMs > 0 {
		return time.Duration(c.Output.SaveIntervalMs) * time.Millisecond
	}
	if c.Camera.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / c.Camera.FPS)
}

// IndicatorPulse returns the LED on-time per saved frame.
func (c *Config) IndicatorPulse() time.Duration {
	return time.Duration(c.Indicator.PulseMs) * time.Millisecond
}

// FatalOnWriteFailure reports whether a failed file write should stop capture.
func (c *Config) FatalOnWriteFailure() bool {
	return c.Output.WriteFailure == WriteFailureFatal
}
