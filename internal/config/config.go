package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CameraConfig describes one physical camera slot (front or back).
// An empty Device means the slot has no camera on this machine.
type CameraConfig struct {
	Device           string `yaml:"device"`             // e.g., "/dev/video0"
	Name             string `yaml:"name"`               // human readable label
	Width            int    `yaml:"width"`              // capture width in pixels
	Height           int    `yaml:"height"`             // capture height in pixels
	FPS              int    `yaml:"fps"`                // preview frame rate
	TorchPin         int    `yaml:"torch_pin"`          // BCM pin driving the torch LED. 0 = no torch.
	CaptureTimeoutMs int    `yaml:"capture_timeout_ms"` // hardware timeout for one still
}

// CamerasConfig maps logical camera types to hardware.
type CamerasConfig struct {
	Front CameraConfig `yaml:"front"`
	Back  CameraConfig `yaml:"back"`
}

// SessionConfig holds session defaults.
type SessionConfig struct {
	DefaultCamera string `yaml:"default_camera"` // "front" or "back"
}

// WebConfig holds the HTTP adapter settings.
type WebConfig struct {
	Port int `yaml:"port"` // 0 = disabled unless -web is passed
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel   int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHardware bool `yaml:"mock_hardware"` // use mock cameras and GPIO (true=dev/test, false=real hardware)
}

// Config aggregates all application configuration.
type Config struct {
	Cameras  CamerasConfig  `yaml:"cameras"`
	Session  SessionConfig  `yaml:"session"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path points to a .yaml file inside a
// configs/ directory and does not escape it.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if cfg.Session.DefaultCamera == "" {
		cfg.Session.DefaultCamera = "back"
	}
	switch strings.ToLower(cfg.Session.DefaultCamera) {
	case "front", "back":
		cfg.Session.DefaultCamera = strings.ToLower(cfg.Session.DefaultCamera)
	default:
		return nil, fmt.Errorf("session.default_camera must be \"front\" or \"back\", got %q", cfg.Session.DefaultCamera)
	}

	if !cfg.Defaults.MockHardware && cfg.Cameras.Front.Device == "" && cfg.Cameras.Back.Device == "" {
		return nil, fmt.Errorf("at least one of cameras.front.device or cameras.back.device is required")
	}
	if cfg.Defaults.DebugLevel < 0 || cfg.Defaults.DebugLevel > 4 {
		return nil, fmt.Errorf("debug_level must be between 0 and 4, got %d", cfg.Defaults.DebugLevel)
	}
	if cfg.Web.Port < 0 || cfg.Web.Port > 65535 {
		return nil, fmt.Errorf("web.port must be 0-65535, got %d", cfg.Web.Port)
	}

	if err := applyCameraDefaults("front", &cfg.Cameras.Front); err != nil {
		return nil, err
	}
	if err := applyCameraDefaults("back", &cfg.Cameras.Back); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyCameraDefaults(slot string, c *CameraConfig) error {
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("cameras.%s: width and height must be >= 0", slot)
	}
	if c.Width == 0 {
		c.Width = 1280 // reasonable default
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.FPS < 0 || c.FPS > 120 {
		return fmt.Errorf("cameras.%s.fps must be between 1 and 120, got %d", slot, c.FPS)
	}
	if c.FPS == 0 {
		c.FPS = 15
	}
	if c.TorchPin < 0 || c.TorchPin > 27 {
		return fmt.Errorf("cameras.%s.torch_pin must be a BCM pin 0-27, got %d", slot, c.TorchPin)
	}
	if c.CaptureTimeoutMs <= 0 {
		c.CaptureTimeoutMs = 5000 // 5s for one still
	}
	if c.Name == "" {
		c.Name = slot + " camera"
	}
	return nil
}

// Camera returns the configuration of the named slot ("front" or "back").
func (c *Config) Camera(slot string) (CameraConfig, bool) {
	switch slot {
	case "front":
		return c.Cameras.Front, true
	case "back":
		return c.Cameras.Back, true
	default:
		return CameraConfig{}, false
	}
}

// CaptureTimeout returns the hardware timeout for one still.
func (c CameraConfig) CaptureTimeout() time.Duration {
	return time.Duration(c.CaptureTimeoutMs) * time.Millisecond
}

// FrameInterval returns the time between two preview frames.
func (c CameraConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return time.Second
	}
	return time.Second / time.Duration(c.FPS)
}
