package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in AudioConfig.Backend.
const (
	BackendPortAudio = "portaudio"
	BackendMalgo     = "malgo"
	BackendTone      = "tone"
	BackendFile      = "file"
)

type Config struct {
	LogLevel string      `yaml:"log_level"`
	Audio    AudioConfig `yaml:"audio"`
	Meter    MeterConfig `yaml:"meter"`

	path string
}

type AudioConfig struct {
	Backend      string  `yaml:"backend"`
	Device       string  `yaml:"device"` // name or index, empty for default input
	Format       string  `yaml:"format"` // e.g. "s16le", empty for the device's first format
	Channels     int     `yaml:"channels"`
	SampleRate   float64 `yaml:"sample_rate"` // used when the format leaves it unspecified
	BufferFrames int     `yaml:"buffer_frames"`
	PacketFrames int     `yaml:"packet_frames"`
	File         string  `yaml:"file"` // file backend input, "-" for stdin
	ToneHz       float64 `yaml:"tone_hz"`
}

type MeterConfig struct {
	AutoFlush         bool          `yaml:"auto_flush"`
	AutoFlushInterval time.Duration `yaml:"auto_flush_interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioConfig{
			Backend:      BackendPortAudio,
			SampleRate:   44100,
			BufferFrames: 4096,
			PacketFrames: 1024,
			File:         "-",
			ToneHz:       440,
		},
		Meter: MeterConfig{
			AutoFlush:         true,
			AutoFlushInterval: 10 * time.Minute,
		},
	}
}

// Load reads the config at path, or the default location when path is
// empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = configPath()
	}

	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values that would make capture impossible.
func (c *Config) Validate() error {
	switch c.Audio.Backend {
	case BackendPortAudio, BackendMalgo, BackendTone, BackendFile:
	default:
		return fmt.Errorf("unknown audio backend %q", c.Audio.Backend)
	}
	if c.Audio.PacketFrames <= 0 {
		return fmt.Errorf("packet_frames must be positive, got %d", c.Audio.PacketFrames)
	}
	if c.Audio.Channels < 0 {
		return fmt.Errorf("channels must not be negative, got %d", c.Audio.Channels)
	}
	if c.Audio.SampleRate < 0 {
		return fmt.Errorf("sample_rate must not be negative, got %v", c.Audio.SampleRate)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "miclevel", "config.yaml")
}
