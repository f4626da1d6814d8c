// Package config loads the process configuration: an embedded YAML profile
// per device, optionally overlaid by a file, then by DEVICECORE_* environment
// variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"devicecore-go/errcode"
	"devicecore-go/x/strx"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "DEVICECORE"
	DefaultProfile = "host"
)

// EmbeddedConfigLookup allows overriding how profiles are resolved.
var EmbeddedConfigLookup = func(profile string) ([]byte, bool) {
	b, ok := embeddedConfigs[profile]
	return b, ok
}

// -----------------------------------------------------------------------------
// Schema
// -----------------------------------------------------------------------------

type Config struct {
	Device    DeviceConfig    `mapstructure:"device"`
	Log       LogConfig       `mapstructure:"log"`
	Poll      PollConfig      `mapstructure:"poll"`
	Battery   BatteryConfig   `mapstructure:"battery"`
	Network   NetworkConfig   `mapstructure:"network"`
	Power     PowerConfig     `mapstructure:"power"`
	UART      UARTConfig      `mapstructure:"uart"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Uplink    UplinkConfig    `mapstructure:"uplink"`
}

type DeviceConfig struct {
	ID      string `mapstructure:"id"` // generated when empty
	Profile string `mapstructure:"profile"`
}

type LogConfig struct {
	Level   string        `mapstructure:"level"`
	Format  string        `mapstructure:"format"` // text | json
	Console bool          `mapstructure:"console"`
	File    LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"` // empty disables file output
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type BatteryConfig struct {
	Backend           string        `mapstructure:"backend"` // sim | ltc4015
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	MinVoltage        float64       `mapstructure:"min_voltage"`
	MaxVoltage        float64       `mapstructure:"max_voltage"`
	LowThreshold      int           `mapstructure:"low_threshold"`
	CriticalThreshold int           `mapstructure:"critical_threshold"`
	TempWarning       float64       `mapstructure:"temp_warning"`
	TempCritical      float64       `mapstructure:"temp_critical"`
	Cells             int           `mapstructure:"cells"`
	RsnsBMicroOhm     int           `mapstructure:"rsnsb_uohm"`
	ChargeOnInit      bool          `mapstructure:"charge_on_init"` // sim only
}

type NetworkConfig struct {
	SSID           string        `mapstructure:"ssid"`
	Password       string        `mapstructure:"password"`
	Server         string        `mapstructure:"server"` // host:port of the transport peer
	LinkTimeout    time.Duration `mapstructure:"link_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	RxBuffer       int           `mapstructure:"rx_buffer"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Hello          string        `mapstructure:"hello"`
}

type PowerConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	SleepSettle     time.Duration `mapstructure:"sleep_settle"`
	SleepOnCritical bool          `mapstructure:"sleep_on_critical"`
	WakeAfter       time.Duration `mapstructure:"wake_after"`
}

type UARTConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Name      string `mapstructure:"name"`
	Path      string `mapstructure:"path"` // host: device node or "stdio"
	Baud      int    `mapstructure:"baud"`
	RingSize  int    `mapstructure:"ring_size"`
	ReadChunk int    `mapstructure:"read_chunk"`
	Mode      string `mapstructure:"mode"` // bytes | lines
}

type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type UplinkConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            int           `mapstructure:"qos"`
	QueueLen       int           `mapstructure:"queue_len"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load resolves profile (DefaultProfile when empty), overlays the file at
// path if given, applies the environment and validates the result.
func Load(profile, path string) (*Config, error) {
	profile = strx.Coalesce(profile, DefaultProfile)
	raw, ok := EmbeddedConfigLookup(profile)
	if !ok || len(raw) == 0 {
		return nil, &errcode.E{C: errcode.UnknownDevice, Op: "config.load", Msg: "no embedded profile " + profile}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("embedded profile %s: %w", profile, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Device.Profile = strx.Coalesce(c.Device.Profile, profile)
	if err := c.Validate(); err != nil {
		return &c, err
	}
	return &c, nil
}

// Validate fills derived defaults and normalises values that have a safe
// substitute. Anything without one is reported; the joined error lists all
// of them.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, why string) {
		errs = append(errs, &errcode.E{C: errcode.InvalidParams, Op: "config", Msg: field + ": " + why})
	}

	c.Device.ID = strx.Coalesce(c.Device.ID, uuid.NewString())

	c.Log.Level = strings.ToLower(strx.Coalesce(c.Log.Level, "info"))
	switch c.Log.Format {
	case "", "text":
		c.Log.Format = "text"
	case "json":
	default:
		bad("log.format", "want text or json")
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = time.Second
	}

	switch c.Battery.Backend {
	case "", "sim":
		c.Battery.Backend = "sim"
	case "ltc4015":
	default:
		bad("battery.backend", "want sim or ltc4015")
	}
	if c.Battery.LowThreshold < 5 || c.Battery.LowThreshold > 50 {
		bad("battery.low_threshold", "want 5..50")
	}
	if c.Battery.CriticalThreshold < 1 || c.Battery.CriticalThreshold > 20 {
		bad("battery.critical_threshold", "want 1..20")
	}
	if c.Battery.CriticalThreshold >= c.Battery.LowThreshold {
		bad("battery.critical_threshold", "must be below low_threshold")
	}
	if c.Battery.MaxVoltage <= c.Battery.MinVoltage {
		bad("battery.max_voltage", "must exceed min_voltage")
	}

	if c.Network.ConnectRetries < 1 {
		c.Network.ConnectRetries = 1
	}
	if c.Network.RxBuffer <= 0 {
		c.Network.RxBuffer = 1024
	}

	if c.UART.RingSize < 2 || c.UART.RingSize&(c.UART.RingSize-1) != 0 {
		bad("uart.ring_size", "must be a power of two")
	}
	switch c.UART.Mode {
	case "":
		c.UART.Mode = "bytes"
	case "bytes", "lines":
	default:
		bad("uart.mode", "want bytes or lines")
	}

	if c.Uplink.Enabled && c.Uplink.Broker == "" {
		bad("uplink.broker", "required when uplink is enabled")
	}
	if c.Uplink.QoS < 0 || c.Uplink.QoS > 2 {
		bad("uplink.qos", "want 0..2")
	}
	c.Uplink.ClientID = strx.Coalesce(c.Uplink.ClientID, "devicecore-"+c.Device.ID)
	c.Uplink.TopicPrefix = strings.TrimSuffix(strx.Coalesce(c.Uplink.TopicPrefix, "devicecore"), "/")

	return errors.Join(errs...)
}
