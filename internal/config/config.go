// Package config handles console and relay configuration loading and saving.
// Configuration is stored in JSON format with restricted permissions (0600).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/havonz/XXTCloudControl-sub000/internal/signaling"
)

const (
	consoleFileName = ".xxtcc_console.json"
	relayFileName   = ".xxtcc_relay.json"
	configFileMode  = 0600
)

// Default ports match the stock device and relay listeners.
const (
	DefaultRelayPort  = 46980
	DefaultDevicePort = 46952
)

var (
	ErrConfigNotFound = errors.New("configuration file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// StreamConfig holds the video session defaults.
type StreamConfig struct {
	// ScaleCap caps the negotiated stream scale. Zero means no cap.
	ScaleCap float64 `json:"scale_cap,omitempty"`
	// FrameRate is the requested rate for a single focused stream.
	FrameRate int `json:"frame_rate,omitempty"`
	// BatchFrameRate is the requested rate when many tiles stream at once.
	BatchFrameRate int `json:"batch_frame_rate,omitempty"`
	// KeyframeSeconds is the periodic keyframe request interval.
	KeyframeSeconds int `json:"keyframe_seconds,omitempty"`
}

// BatchConfig describes the tile grid used for batch viewing.
type BatchConfig struct {
	PanelWidth int     `json:"panel_width,omitempty"`
	Columns    int     `json:"columns,omitempty"`
	DPR        float64 `json:"dpr,omitempty"`
}

// GovernorConfig holds the host load thresholds. Percent values are 0-100.
type GovernorConfig struct {
	MaxStreams       int     `json:"max_streams,omitempty"`
	HighCPU          float64 `json:"high_cpu,omitempty"`
	HighMemory       float64 `json:"high_memory,omitempty"`
	CriticalCPU      float64 `json:"critical_cpu,omitempty"`
	CriticalMemory   float64 `json:"critical_memory,omitempty"`
	SustainedSamples int     `json:"sustained_samples,omitempty"`
	CooldownSeconds  int     `json:"cooldown_seconds,omitempty"`
	SampleSeconds    int     `json:"sample_seconds,omitempty"`
}

// Config holds the console configuration.
type Config struct {
	Relay          string                `json:"relay"`
	Password       string                `json:"password,omitempty"`
	Stream         StreamConfig          `json:"stream"`
	Batch          BatchConfig           `json:"batch"`
	Governor       GovernorConfig        `json:"governor"`
	ICEServers     []signaling.ICEServer `json:"ice_servers,omitempty"`
	MetricsAddr    string                `json:"metrics_addr,omitempty"`
	Debug          bool                  `json:"debug,omitempty"`
	LastConnection string                `json:"last_connection,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// RelayConfig holds the relay server configuration.
type RelayConfig struct {
	Listen      string                `json:"listen"`
	Password    string                `json:"password,omitempty"`
	DevicePort  int                   `json:"device_port,omitempty"`
	PollSeconds int                   `json:"poll_seconds,omitempty"`
	ICEServers  []signaling.ICEServer `json:"ice_servers,omitempty"`
	MetricsAddr string                `json:"metrics_addr,omitempty"`
	Debug       bool                  `json:"debug,omitempty"`
}

// Paths holds the file locations used by the binaries.
type Paths struct {
	BaseDir       string
	ConsoleConfig string
	RelayConfig   string
	LogDir        string
}

// DefaultPaths returns the default paths for the current OS.
// The console is an operator tool, so everything lives under the
// user's configuration directory rather than a system location.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	var baseDir, logDir string
	switch runtime.GOOS {
	case "darwin":
		baseDir = filepath.Join(home, "Library", "Application Support", "XXTCloudControl")
		logDir = filepath.Join(home, "Library", "Logs", "XXTCloudControl")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		baseDir = filepath.Join(appData, "XXTCloudControl")
		logDir = filepath.Join(baseDir, "log")
	default: // linux and friends
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(home, ".config")
		}
		baseDir = filepath.Join(configHome, "xxtcloudcontrol")
		logDir = filepath.Join(baseDir, "log")
	}

	return Paths{
		BaseDir:       baseDir,
		ConsoleConfig: filepath.Join(baseDir, consoleFileName),
		RelayConfig:   filepath.Join(baseDir, relayFileName),
		LogDir:        logDir,
	}
}

// Load reads the console configuration from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Relay == "" {
		return nil, fmt.Errorf("%w: relay is required", ErrInvalidConfig)
	}
	if cfg.Stream.ScaleCap < 0 || cfg.Stream.ScaleCap > 1 {
		return nil, fmt.Errorf("%w: stream.scale_cap must be within [0, 1]", ErrInvalidConfig)
	}

	cfg.applyDefaults()
	cfg.filePath = path
	return &cfg, nil
}

// New creates a console configuration with the given relay and password.
func New(relay, password string, paths Paths) *Config {
	cfg := &Config{
		Relay:    relay,
		Password: password,
		filePath: paths.ConsoleConfig,
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Stream.FrameRate <= 0 {
		c.Stream.FrameRate = 30
	}
	if c.Stream.BatchFrameRate <= 0 {
		c.Stream.BatchFrameRate = 10
	}
	if c.Stream.KeyframeSeconds <= 0 {
		c.Stream.KeyframeSeconds = 3
	}
	if c.Batch.PanelWidth <= 0 {
		c.Batch.PanelWidth = 1280
	}
	if c.Batch.Columns <= 0 {
		c.Batch.Columns = 4
	}
	if c.Batch.DPR <= 0 {
		c.Batch.DPR = 1
	}
	if c.Governor.MaxStreams <= 0 {
		c.Governor.MaxStreams = 12
	}
	if c.Governor.HighCPU <= 0 {
		c.Governor.HighCPU = 80
	}
	if c.Governor.HighMemory <= 0 {
		c.Governor.HighMemory = 85
	}
	if c.Governor.CriticalCPU <= 0 {
		c.Governor.CriticalCPU = 92
	}
	if c.Governor.CriticalMemory <= 0 {
		c.Governor.CriticalMemory = 95
	}
	if c.Governor.SustainedSamples <= 0 {
		c.Governor.SustainedSamples = 3
	}
	if c.Governor.CooldownSeconds <= 0 {
		c.Governor.CooldownSeconds = 30
	}
	if c.Governor.SampleSeconds <= 0 {
		c.Governor.SampleSeconds = 5
	}
}

// Save writes the configuration to disk with restricted permissions.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.filePath == "" {
		return errors.New("config file path not set")
	}

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.WriteFile(c.filePath, data, configFileMode); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// GetRelay returns the relay URL.
func (c *Config) GetRelay() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// GetPassword returns the control password.
func (c *Config) GetPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Password
}

// SetPassword updates the control password.
func (c *Config) SetPassword(password string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Password = password
}

// GetLastConnection returns the last successful connection time.
func (c *Config) GetLastConnection() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LastConnection
}

// SetLastConnection updates the last successful connection time.
func (c *Config) SetLastConnection(t string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.LastConnection = t
}

// DefaultRelayConfig returns a relay configuration with stock settings.
func DefaultRelayConfig() *RelayConfig {
	return &RelayConfig{
		Listen:      fmt.Sprintf(":%d", DefaultRelayPort),
		DevicePort:  DefaultDevicePort,
		PollSeconds: 15,
	}
}

// LoadRelay reads the relay configuration from disk.
func LoadRelay(path string) (*RelayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("reading relay config: %w", err)
	}

	cfg := DefaultRelayConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing relay config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = fmt.Sprintf(":%d", DefaultRelayPort)
	}
	if cfg.DevicePort <= 0 {
		cfg.DevicePort = DefaultDevicePort
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 15
	}
	return cfg, nil
}

// Save writes the relay configuration to disk with restricted permissions.
func (rc *RelayConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding relay config: %w", err)
	}

	if err := os.WriteFile(path, data, configFileMode); err != nil {
		return fmt.Errorf("writing relay config: %w", err)
	}
	return nil
}

// EnsureDirectories creates all necessary directories with proper permissions.
func EnsureDirectories(paths Paths) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{paths.BaseDir, 0755},
		{paths.LogDir, 0755},
	}

	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return fmt.Errorf("creating directory %s: %w", d.path, err)
		}
		if err := os.Chmod(d.path, d.mode); err != nil {
			return fmt.Errorf("setting permissions on %s: %w", d.path, err)
		}
	}

	return nil
}
