package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.LogFile)

	// Polling defaults
	assert.Equal(t, 2.0, cfg.Polling.DelaySeconds)
	assert.Equal(t, 150, cfg.Polling.ReadTimeoutMs)
	assert.Equal(t, 20, cfg.Polling.ReadAttempts)
	assert.Equal(t, 20, cfg.Polling.FlushAttempts)

	// Device defaults
	assert.Equal(t, TransportHID, cfg.Device.Transport)
	assert.Equal(t, uint16(0x0665), cfg.Device.VendorID)
	assert.Equal(t, uint16(0x5161), cfg.Device.ProductID)
	assert.Equal(t, 2400, cfg.Device.Baud)

	// Protocol defaults
	assert.False(t, cfg.Protocol.VerifyCRC)

	// State defaults
	assert.Equal(t, "/etc/axpert/readings.json", cfg.State.File)
	assert.Equal(t, 10, cfg.State.SaveEveryMinutes)

	// MQTT defaults
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "axpert/info", cfg.MQTT.Topic)
	assert.Equal(t, "axpert-pi", cfg.MQTT.ClientID)
	assert.Equal(t, 120, cfg.MQTT.ReconnectMaxSeconds)
	assert.False(t, cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)

	// Optional sinks are disabled
	assert.False(t, cfg.API.Enabled)
	assert.False(t, cfg.PVOutput.Enabled)
	assert.Equal(t, 5, cfg.PVOutput.UpdateLimitMinutes)
	assert.False(t, cfg.InfluxDB.Enabled)
	assert.False(t, cfg.History.Enabled)

	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	// Should error when an explicit file doesn't exist
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithValidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
log_level: debug
log_file: /tmp/inverter.log
polling:
  delay_seconds: 5
  read_timeout_ms: 200
  read_attempts: 30
  flush_attempts: 2
device:
  transport: serial
  serial_port: /dev/ttyS1
  baud: 9600
protocol:
  verify_crc: true
state:
  file: /var/lib/axpert/readings.json
  save_every_minutes: 5
api:
  enabled: true
  host: 127.0.0.1
  port: 9000
mqtt:
  host: mqtt.example.com
  port: 8883
  username: pubsubclient
  password: secret
  client_id: axpert-test
  topic: solar/axpert
  retain: true
  homeassistant_autodiscovery:
    enabled: true
    discovery_prefix: ha
pvoutput:
  enabled: true
  api_key: test_api_key
  system_id: "12345"
  update_limit_minutes: 10
influxdb:
  enabled: true
  url: http://influx:8086
  org: home
  bucket: solar
history:
  enabled: true
  path: /tmp/history.db
`

	err := os.WriteFile(configFile, []byte(configContent), 0o644)
	require.NoError(t, err)

	cfg, err := Load(configFile)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/inverter.log", cfg.LogFile)

	assert.Equal(t, 5.0, cfg.Polling.DelaySeconds)
	assert.Equal(t, 200, cfg.Polling.ReadTimeoutMs)
	assert.Equal(t, 30, cfg.Polling.ReadAttempts)
	assert.Equal(t, 2, cfg.Polling.FlushAttempts)

	assert.Equal(t, TransportSerial, cfg.Device.Transport)
	assert.Equal(t, "/dev/ttyS1", cfg.Device.SerialPort)
	assert.Equal(t, 9600, cfg.Device.Baud)
	// Unset keys keep their defaults
	assert.Equal(t, uint16(0x0665), cfg.Device.VendorID)

	assert.True(t, cfg.Protocol.VerifyCRC)
	assert.Equal(t, "/var/lib/axpert/readings.json", cfg.State.File)
	assert.Equal(t, 5, cfg.State.SaveEveryMinutes)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.Equal(t, 9000, cfg.API.Port)

	assert.Equal(t, "mqtt.example.com", cfg.MQTT.Host)
	assert.Equal(t, 8883, cfg.MQTT.Port)
	assert.Equal(t, "pubsubclient", cfg.MQTT.Username)
	assert.Equal(t, "secret", cfg.MQTT.Password)
	assert.Equal(t, "axpert-test", cfg.MQTT.ClientID)
	assert.Equal(t, "solar/axpert", cfg.MQTT.Topic)
	assert.True(t, cfg.MQTT.Retain)
	assert.True(t, cfg.MQTT.HomeAssistantAutoDiscovery.Enabled)
	assert.Equal(t, "ha", cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)
	assert.Equal(t, "Axpert Inverter", cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName)

	assert.True(t, cfg.PVOutput.Enabled)
	assert.Equal(t, "test_api_key", cfg.PVOutput.APIKey)
	assert.Equal(t, "12345", cfg.PVOutput.SystemID)
	assert.Equal(t, 10, cfg.PVOutput.UpdateLimitMinutes)

	assert.True(t, cfg.InfluxDB.Enabled)
	assert.Equal(t, "http://influx:8086", cfg.InfluxDB.URL)
	assert.Equal(t, "home", cfg.InfluxDB.Org)
	assert.Equal(t, "solar", cfg.InfluxDB.Bucket)

	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/tmp/history.db", cfg.History.Path)
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid_config.yaml")

	invalidContent := `
invalid: yaml: content: [
`

	err := os.WriteFile(configFile, []byte(invalidContent), 0o644)
	require.NoError(t, err)

	_, err = Load(configFile)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigRejectsUnknownTransport(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")

	err := os.WriteFile(configFile, []byte("device:\n  transport: bluetooth\n"), 0o644)
	require.NoError(t, err)

	_, err = Load(configFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device transport")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"tcp transport", func(c *Config) { c.Device.Transport = TransportTCP }, ""},
		{"zero read attempts", func(c *Config) { c.Polling.ReadAttempts = 0 }, "read_attempts"},
		{"zero read timeout", func(c *Config) { c.Polling.ReadTimeoutMs = 0 }, "read_timeout_ms"},
		{"negative flush attempts", func(c *Config) { c.Polling.FlushAttempts = -1 }, "flush_attempts"},
		{"zero save cadence", func(c *Config) { c.State.SaveEveryMinutes = 0 }, "save_every_minutes"},
		{"empty topic", func(c *Config) { c.MQTT.Topic = "" }, "mqtt.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		name     string
		delay    float64
		minDelay float64
		expected time.Duration
	}{
		{"default delay", 2, 2, 500 * time.Millisecond},
		{"below minimum is clamped", 0.5, 2, 500 * time.Millisecond},
		{"minimum below hard floor", 1, 1, 500 * time.Millisecond},
		{"longer delay", 5, 2, 3500 * time.Millisecond},
		{"raised minimum", 2, 4, 2500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Polling.DelaySeconds = tt.delay
			cfg.Polling.MinDelaySeconds = tt.minDelay
			assert.Equal(t, tt.expected, cfg.PollInterval())
		})
	}
}

func TestReadTimeout(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 150*time.Millisecond, cfg.ReadTimeout())
}

func TestPrint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"
	cfg.API.Enabled = true

	// This test mainly ensures Print() doesn't panic
	assert.NotPanics(t, func() {
		cfg.Print()
	})
}
