// config/config_test.go
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"devicecore-go/errcode"
)

func TestLoad_EmbeddedHostDefaults(t *testing.T) {
	c, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Device.Profile != "host" || c.Device.ID == "" {
		t.Fatalf("device = %+v", c.Device)
	}
	if c.Poll.Interval != time.Second {
		t.Fatalf("poll.interval = %s", c.Poll.Interval)
	}
	if c.Battery.CheckInterval != 10*time.Second || c.Battery.LowThreshold != 20 || c.Battery.CriticalThreshold != 5 {
		t.Fatalf("battery = %+v", c.Battery)
	}
	if c.Network.LinkTimeout != 30*time.Second || c.Network.DialTimeout != 5*time.Second || c.Network.ConnectRetries != 3 {
		t.Fatalf("network = %+v", c.Network)
	}
	if c.Power.SleepSettle != 100*time.Millisecond {
		t.Fatalf("power.sleep_settle = %s", c.Power.SleepSettle)
	}
	if c.Uplink.ClientID != "devicecore-"+c.Device.ID {
		t.Fatalf("uplink.client_id = %q", c.Uplink.ClientID)
	}
}

func TestLoad_PicoProfile(t *testing.T) {
	c, err := Load("pico", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Device.ID != "pico" || c.Battery.Backend != "ltc4015" || !c.UART.Enabled {
		t.Fatalf("pico = %+v", c)
	}
}

func TestLoad_FileAndEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "device.yaml")
	doc := "network:\n  server: 10.1.1.1:9000\n  retry_delay: 250ms\nbattery:\n  low_threshold: 30\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEVICECORE_NETWORK_SSID", "field-ap")
	t.Setenv("DEVICECORE_POWER_IDLE_TIMEOUT", "5m")

	c, err := Load("host", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Network.Server != "10.1.1.1:9000" || c.Network.RetryDelay != 250*time.Millisecond {
		t.Fatalf("file overlay: %+v", c.Network)
	}
	if c.Battery.LowThreshold != 30 || c.Battery.CriticalThreshold != 5 {
		t.Fatalf("partial overlay lost defaults: %+v", c.Battery)
	}
	if c.Network.SSID != "field-ap" || c.Power.IdleTimeout != 5*time.Minute {
		t.Fatalf("env overlay: ssid=%q idle=%s", c.Network.SSID, c.Power.IdleTimeout)
	}
}

func TestLoad_UnknownProfile(t *testing.T) {
	old := EmbeddedConfigLookup
	EmbeddedConfigLookup = func(string) ([]byte, bool) { return nil, false }
	t.Cleanup(func() { EmbeddedConfigLookup = old })

	if _, err := Load("nope", ""); errcode.Of(err) != errcode.UnknownDevice {
		t.Fatalf("err = %v, want unknown_device", err)
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	c, err := Load("host", "")
	if err != nil {
		t.Fatal(err)
	}
	c.Battery.LowThreshold = 60
	c.Battery.CriticalThreshold = 0
	c.UART.RingSize = 1000
	c.Uplink.Enabled = true
	c.Uplink.Broker = ""

	err = c.Validate()
	if err == nil || !errors.Is(err, errcode.InvalidParams) {
		t.Fatalf("err = %v", err)
	}
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) < 4 {
		t.Fatalf("expected at least 4 problems, got %v", err)
	}
}

func TestValidate_NormalisesDefaults(t *testing.T) {
	c := &Config{
		Battery: BatteryConfig{LowThreshold: 20, CriticalThreshold: 5, MinVoltage: 3, MaxVoltage: 4.2},
		UART:    UARTConfig{RingSize: 64},
		Uplink:  UplinkConfig{TopicPrefix: "site/"},
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Log.Level != "info" || c.Log.Format != "text" || c.Poll.Interval != time.Second || c.Battery.Backend != "sim" {
		t.Fatalf("normalised = %+v", c)
	}
	if c.Uplink.TopicPrefix != "site" || c.Network.ConnectRetries != 1 {
		t.Fatalf("uplink/network = %+v %+v", c.Uplink, c.Network)
	}
}
