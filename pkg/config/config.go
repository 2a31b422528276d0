// Package config provides the YAML configuration shared by all binaries
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fako1024/skalekit/pkg/session"
	"gopkg.in/yaml.v3"
)

// Supported transports
const (
	TransportGATT   = "gatt"
	TransportTinyGo = "tinygo"
	TransportMock   = "mock"
)

// Config denotes the full configuration
type Config struct {
	Transport      string        `yaml:"transport"`
	Device         DeviceConfig  `yaml:"device"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	AutoConnect    bool          `yaml:"auto_connect"`
	API            APIConfig     `yaml:"api"`
	Debug          bool          `yaml:"debug"`
}

// DeviceConfig denotes the selection of the scale to connect to. An ID takes
// precedence over a name (prefix)
type DeviceConfig struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// APIConfig denotes the settings of the HTTP API
type APIConfig struct {
	Listen         string        `yaml:"listen"`
	PickerTimeout  time.Duration `yaml:"picker_timeout"`
	BatteryTimeout time.Duration `yaml:"battery_timeout"`
}

// DefaultPath returns the default config file location
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "skalekit", "config.yaml")
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Transport: TransportGATT,
		Device: DeviceConfig{
			Name: "skale",
		},
		ConnectTimeout: 10 * time.Second,
		API: APIConfig{
			Listen:         "127.0.0.1:8090",
			PickerTimeout:  30 * time.Second,
			BatteryTimeout: 5 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads the config file at path. An empty path or a missing file
// at the default location yields the default configuration
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); path == "" || os.IsNotExist(err) {
			return Default(), nil
		}
	}

	return Load(path)
}

// Validate checks the config for invalid values
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportGATT, TransportTinyGo, TransportMock:
	default:
		return fmt.Errorf("transport must be %q, %q or %q, got %q", TransportGATT, TransportTinyGo, TransportMock, c.Transport)
	}

	if c.Device.Name == "" && c.Device.ID == "" {
		return fmt.Errorf("either device.name or device.id must be set")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be > 0, got %v", c.ConnectTimeout)
	}

	if c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty")
	}

	if c.API.PickerTimeout <= 0 {
		return fmt.Errorf("api.picker_timeout must be > 0, got %v", c.API.PickerTimeout)
	}

	if c.API.BatteryTimeout <= 0 {
		return fmt.Errorf("api.battery_timeout must be > 0, got %v", c.API.BatteryTimeout)
	}

	return nil
}

// Picker returns the device picker matching the configured device
func (c *Config) Picker() session.Picker {
	if c.Device.ID != "" {
		return session.MatchID(c.Device.ID)
	}

	return session.MatchName(c.Device.Name)
}
