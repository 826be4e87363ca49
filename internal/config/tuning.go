// Package config loads sensor and service settings from a JSON, YAML or TOML
// file overlaid with SWEEPLIDAR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/banshee-data/sweeplidar/internal/lidar"
	"github.com/banshee-data/sweeplidar/internal/monitoring"
	"github.com/banshee-data/sweeplidar/internal/uart"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/lidar.defaults.json"

// EnvPrefix prefixes every environment override, e.g. SWEEPLIDAR_PORT.
const EnvPrefix = "SWEEPLIDAR"

const maxFileSize = 1 * 1024 * 1024

// Config holds every setting. Unset fields are nil and the Get* methods
// supply the default, so partial files are safe.
type Config struct {
	// Sensor
	Protocol        *string `json:"protocol,omitempty" mapstructure:"protocol"`
	AngleOffset     *int    `json:"angle_offset,omitempty" mapstructure:"angle_offset"`
	Warmup          *string `json:"warmup,omitempty" mapstructure:"warmup"` // duration string like "2s"
	SyncRetryLimit  *int    `json:"sync_retry_limit,omitempty" mapstructure:"sync_retry_limit"`
	ReadRetryLimit  *int    `json:"read_retry_limit,omitempty" mapstructure:"read_retry_limit"`
	RetryBackoff    *string `json:"retry_backoff,omitempty" mapstructure:"retry_backoff"`
	DeviceID        *int    `json:"device_id,omitempty" mapstructure:"device_id"`
	LenientChecksum *bool   `json:"lenient_checksum,omitempty" mapstructure:"lenient_checksum"`

	// Serial port
	Port        *string `json:"port,omitempty" mapstructure:"port"`
	BaudRate    *int    `json:"baud_rate,omitempty" mapstructure:"baud_rate"`
	DataBits    *int    `json:"data_bits,omitempty" mapstructure:"data_bits"`
	StopBits    *int    `json:"stop_bits,omitempty" mapstructure:"stop_bits"`
	Parity      *string `json:"parity,omitempty" mapstructure:"parity"`
	ReadTimeout *string `json:"read_timeout,omitempty" mapstructure:"read_timeout"`

	// Recording and streaming
	RecordPath  *string `json:"record_path,omitempty" mapstructure:"record_path"`
	RecordEvery *string `json:"record_every,omitempty" mapstructure:"record_every"`
	StreamAddr  *string `json:"stream_addr,omitempty" mapstructure:"stream_addr"`

	// Logging
	LogFile  *string `json:"log_file,omitempty" mapstructure:"log_file"`
	LogLevel *string `json:"log_level,omitempty" mapstructure:"log_level"`
}

// Keys lists every setting name. Each can be overridden from the
// environment as SWEEPLIDAR_<KEY>.
var Keys = []string{
	"protocol", "angle_offset", "warmup", "sync_retry_limit", "read_retry_limit",
	"retry_backoff", "device_id", "lenient_checksum",
	"port", "baud_rate", "data_bits", "stop_bits", "parity", "read_timeout",
	"record_path", "record_every", "stream_addr",
	"log_file", "log_level",
}

func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// Empty returns a Config with all fields unset.
func Empty() *Config {
	return &Config{}
}

// Load reads path, if given, then applies environment overrides. With an
// empty path only the environment is consulted.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		cleanPath := filepath.Clean(path)
		switch ext := filepath.Ext(cleanPath); ext {
		case ".json", ".yaml", ".yml", ".toml":
		default:
			return nil, fmt.Errorf("config file must be .json, .yaml or .toml, got %q", ext)
		}
		info, err := os.Stat(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxFileSize {
			return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
		}
		v.SetConfigFile(cleanPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range Keys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := Empty()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching up from the
// working directory. Panics if the file cannot be loaded; intended for tests.
func MustLoadDefaultConfig() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.Protocol != nil {
		if _, err := lidar.ParseProtocol(*c.Protocol); err != nil {
			return err
		}
	}

	durations := map[string]*string{
		"warmup":        c.Warmup,
		"retry_backoff": c.RetryBackoff,
		"read_timeout":  c.ReadTimeout,
		"record_every":  c.RecordEvery,
	}
	for name, s := range durations {
		if s == nil || *s == "" {
			continue
		}
		d, err := time.ParseDuration(*s)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *s, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	limits := map[string]*int{
		"sync_retry_limit": c.SyncRetryLimit,
		"read_retry_limit": c.ReadRetryLimit,
		"baud_rate":        c.BaudRate,
	}
	for name, n := range limits {
		if n != nil && *n <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *n)
		}
	}

	if c.DeviceID != nil && (*c.DeviceID < 0 || *c.DeviceID > 0xFF) {
		return fmt.Errorf("device_id must fit in one byte, got %d", *c.DeviceID)
	}

	if c.LogLevel != nil {
		switch strings.ToLower(*c.LogLevel) {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("log_level must be debug, info, warn or error, got %q", *c.LogLevel)
		}
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetProtocol returns the protocol or the default, fixed.
func (c *Config) GetProtocol() lidar.Protocol {
	if c.Protocol == nil {
		return lidar.ProtocolFixed
	}
	p, err := lidar.ParseProtocol(*c.Protocol)
	if err != nil {
		return lidar.ProtocolFixed
	}
	return p
}

// GetPort returns the serial device path or the default.
func (c *Config) GetPort() string {
	if c.Port == nil || *c.Port == "" {
		return "/dev/ttyUSB0"
	}
	return *c.Port
}

// GetBaudRate returns the baud rate or the protocol's rate.
func (c *Config) GetBaudRate() int {
	if c.BaudRate == nil {
		return c.GetProtocol().BaudRate()
	}
	return *c.BaudRate
}

// GetAngleOffset returns the angle_offset value or 0.
func (c *Config) GetAngleOffset() int {
	if c.AngleOffset == nil {
		return 0
	}
	return *c.AngleOffset
}

// GetWarmup returns the warmup or the protocol default.
func (c *Config) GetWarmup() time.Duration {
	return durationOr(c.Warmup, lidar.DefaultOptions(c.GetProtocol()).Warmup)
}

// GetSyncRetryLimit returns the sync_retry_limit or the protocol default.
func (c *Config) GetSyncRetryLimit() int {
	if c.SyncRetryLimit == nil {
		return lidar.DefaultOptions(c.GetProtocol()).SyncRetryLimit
	}
	return *c.SyncRetryLimit
}

// GetReadRetryLimit returns the read_retry_limit value or the default.
func (c *Config) GetReadRetryLimit() int {
	if c.ReadRetryLimit == nil {
		return lidar.DefaultReadRetryLimit
	}
	return *c.ReadRetryLimit
}

// GetRetryBackoff returns the retry_backoff value or the default.
func (c *Config) GetRetryBackoff() time.Duration {
	return durationOr(c.RetryBackoff, lidar.DefaultRetryBackoff)
}

// GetDeviceID returns the device_id value or the factory address.
func (c *Config) GetDeviceID() byte {
	if c.DeviceID == nil {
		return lidar.DefaultDeviceID
	}
	return byte(*c.DeviceID)
}

// GetLenientChecksum returns the lenient_checksum value or false.
func (c *Config) GetLenientChecksum() bool {
	if c.LenientChecksum == nil {
		return false
	}
	return *c.LenientChecksum
}

// GetReadTimeout returns the read_timeout value or the default.
func (c *Config) GetReadTimeout() time.Duration {
	return durationOr(c.ReadTimeout, uart.DefaultReadTimeout)
}

// GetRecordPath returns the sqlite path for recorded scans; empty disables
// recording.
func (c *Config) GetRecordPath() string {
	if c.RecordPath == nil {
		return ""
	}
	return *c.RecordPath
}

// GetRecordEvery returns the minimum interval between recorded snapshots.
func (c *Config) GetRecordEvery() time.Duration {
	return durationOr(c.RecordEvery, time.Second)
}

// GetStreamAddr returns the gRPC listen address; empty disables streaming.
func (c *Config) GetStreamAddr() string {
	if c.StreamAddr == nil {
		return ""
	}
	return *c.StreamAddr
}

// GetLogLevel returns the log_level value or info.
func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return strings.ToLower(*c.LogLevel)
}

// LidarOptions converts the sensor settings.
func (c *Config) LidarOptions() lidar.Options {
	opts := lidar.DefaultOptions(c.GetProtocol())
	opts.AngleOffset = c.GetAngleOffset()
	opts.Warmup = c.GetWarmup()
	opts.SyncRetryLimit = c.GetSyncRetryLimit()
	opts.ReadRetryLimit = c.GetReadRetryLimit()
	opts.RetryBackoff = c.GetRetryBackoff()
	opts.DeviceID = c.GetDeviceID()
	opts.LenientChecksum = c.GetLenientChecksum()
	return opts
}

// PortOptions converts the serial settings. Unset fields stay zero so
// uart.PortOptions.Normalize applies its defaults.
func (c *Config) PortOptions() uart.PortOptions {
	opts := uart.PortOptions{
		BaudRate:    c.GetBaudRate(),
		ReadTimeout: c.GetReadTimeout(),
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// LoggerOptions converts the logging settings.
func (c *Config) LoggerOptions() monitoring.Options {
	opts := monitoring.Options{Level: c.GetLogLevel(), MaxBackups: 3}
	if c.LogFile != nil {
		opts.File = *c.LogFile
	}
	return opts
}
