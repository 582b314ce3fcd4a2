// Package config provides configuration management for the axpert daemon.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Supported device transports.
const (
	TransportHID    = "hid"
	TransportSerial = "serial"
	TransportTCP    = "tcp"
)

// MinPollingDelay is the shortest polling delay the inverter tolerates.
const MinPollingDelay = 2.0

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`

	// Polling loop settings
	Polling struct {
		DelaySeconds    float64 `mapstructure:"delay_seconds"`
		MinDelaySeconds float64 `mapstructure:"min_delay_seconds"`
		ReadTimeoutMs   int     `mapstructure:"read_timeout_ms"`
		ReadAttempts    int     `mapstructure:"read_attempts"`
		FlushAttempts   int     `mapstructure:"flush_attempts"`
	} `mapstructure:"polling"`

	// Device settings
	Device struct {
		Transport  string `mapstructure:"transport"`
		VendorID   uint16 `mapstructure:"vendor_id"`
		ProductID  uint16 `mapstructure:"product_id"`
		SerialPort string `mapstructure:"serial_port"`
		Baud       int    `mapstructure:"baud"`
		Address    string `mapstructure:"address"`
	} `mapstructure:"device"`

	// Protocol settings
	Protocol struct {
		VerifyCRC bool `mapstructure:"verify_crc"`
	} `mapstructure:"protocol"`

	// Energy ledger persistence
	State struct {
		File             string `mapstructure:"file"`
		SaveEveryMinutes int    `mapstructure:"save_every_minutes"`
	} `mapstructure:"state"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Host                  string `mapstructure:"host"`
		Port                  int    `mapstructure:"port"`
		Username              string `mapstructure:"username"`
		Password              string `mapstructure:"password"`
		ClientID              string `mapstructure:"client_id"`
		Topic                 string `mapstructure:"topic"`
		Retain                bool   `mapstructure:"retain"`
		KeepAliveSeconds      int    `mapstructure:"keepalive_seconds"`
		ReconnectMaxSeconds   int    `mapstructure:"reconnect_max_seconds"`
		ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled              bool   `mapstructure:"enabled"`
			DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
			DeviceName           string `mapstructure:"device_name"`
			DeviceManufacturer   string `mapstructure:"device_manufacturer"`
			DeviceModel          string `mapstructure:"device_model"`
			RetainDiscovery      bool   `mapstructure:"retain_discovery"`
			ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
			RemoveWhenDisabled   bool   `mapstructure:"remove_when_disabled"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		URL                string `mapstructure:"url"`
		UseInverterTemp    bool   `mapstructure:"use_inverter_temp"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`

	// InfluxDB settings
	InfluxDB struct {
		Enabled     bool   `mapstructure:"enabled"`
		URL         string `mapstructure:"url"`
		Token       string `mapstructure:"token"`
		Org         string `mapstructure:"org"`
		Bucket      string `mapstructure:"bucket"`
		Measurement string `mapstructure:"measurement"`
		Device      string `mapstructure:"device"`
	} `mapstructure:"influxdb"`

	// Local history database
	History struct {
		Enabled       bool   `mapstructure:"enabled"`
		Path          string `mapstructure:"path"`
		RetentionDays int    `mapstructure:"retention_days"`
	} `mapstructure:"history"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default polling settings
	cfg.Polling.DelaySeconds = 2
	cfg.Polling.MinDelaySeconds = MinPollingDelay
	cfg.Polling.ReadTimeoutMs = 150
	cfg.Polling.ReadAttempts = 20
	cfg.Polling.FlushAttempts = 20

	// Default device settings (Voltronic USB HID)
	cfg.Device.Transport = TransportHID
	cfg.Device.VendorID = 0x0665
	cfg.Device.ProductID = 0x5161
	cfg.Device.SerialPort = "/dev/ttyUSB0"
	cfg.Device.Baud = 2400
	cfg.Device.Address = "127.0.0.1:8899"

	// Default protocol settings
	cfg.Protocol.VerifyCRC = false

	// Default state settings
	cfg.State.File = "/etc/axpert/readings.json"
	cfg.State.SaveEveryMinutes = 10

	// Default API settings
	cfg.API.Enabled = false
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.ClientID = "axpert-pi"
	cfg.MQTT.Topic = "axpert/info"
	cfg.MQTT.Retain = false
	cfg.MQTT.KeepAliveSeconds = 60
	cfg.MQTT.ReconnectMaxSeconds = 120
	cfg.MQTT.ConnectTimeoutSeconds = 10

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Axpert Inverter"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Voltronic Power"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = ""
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RemoveWhenDisabled = false

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.URL = "https://pvoutput.org/service/r2/addstatus.jsp"
	cfg.PVOutput.UpdateLimitMinutes = 5

	// Default InfluxDB settings
	cfg.InfluxDB.Enabled = false
	cfg.InfluxDB.URL = "http://localhost:8086"
	cfg.InfluxDB.Measurement = "axpert"
	cfg.InfluxDB.Device = "axpert"

	// Default history settings
	cfg.History.Enabled = false
	cfg.History.Path = "/etc/axpert/history.db"
	cfg.History.RetentionDays = 30

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/axpert")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("AXPERT")
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case TransportHID, TransportSerial, TransportTCP:
	default:
		return fmt.Errorf("unknown device transport %q", c.Device.Transport)
	}

	if c.Polling.ReadAttempts <= 0 {
		return fmt.Errorf("polling.read_attempts must be positive, got %d", c.Polling.ReadAttempts)
	}
	if c.Polling.ReadTimeoutMs <= 0 {
		return fmt.Errorf("polling.read_timeout_ms must be positive, got %d", c.Polling.ReadTimeoutMs)
	}
	if c.Polling.FlushAttempts < 0 {
		return fmt.Errorf("polling.flush_attempts must not be negative, got %d", c.Polling.FlushAttempts)
	}
	if c.State.SaveEveryMinutes <= 0 {
		return fmt.Errorf("state.save_every_minutes must be positive, got %d", c.State.SaveEveryMinutes)
	}
	if c.MQTT.Topic == "" {
		return errors.New("mqtt.topic must not be empty")
	}

	return nil
}

// PollInterval returns the sleep between two ticks. The delay is clamped to the
// configured minimum, and 1.5s are deducted for the time a tick spends reading.
func (c *Config) PollInterval() time.Duration {
	delay := c.Polling.DelaySeconds
	minDelay := c.Polling.MinDelaySeconds
	if minDelay < MinPollingDelay {
		minDelay = MinPollingDelay
	}
	if delay < minDelay {
		delay = minDelay
	}
	return time.Duration((delay - 1.5) * float64(time.Second))
}

// ReadTimeout returns the bounded timeout of a single device read.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Polling.ReadTimeoutMs) * time.Millisecond
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("axpert Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("log_file", c.LogFile).Msg("Log File")

	logger.Info().
		Float64("delay_seconds", c.Polling.DelaySeconds).
		Dur("interval", c.PollInterval()).
		Int("read_timeout_ms", c.Polling.ReadTimeoutMs).
		Int("read_attempts", c.Polling.ReadAttempts).
		Msg("Polling")

	logger.Info().
		Str("transport", c.Device.Transport).
		Str("vendor_id", fmt.Sprintf("0x%04x", c.Device.VendorID)).
		Str("product_id", fmt.Sprintf("0x%04x", c.Device.ProductID)).
		Str("serial_port", c.Device.SerialPort).
		Str("address", c.Device.Address).
		Msg("Device")

	logger.Info().Bool("verify_crc", c.Protocol.VerifyCRC).Msg("Protocol")
	logger.Info().
		Str("file", c.State.File).
		Int("save_every_minutes", c.State.SaveEveryMinutes).
		Msg("State")

	logger.Info().
		Str("host", c.MQTT.Host).
		Int("port", c.MQTT.Port).
		Str("topic", c.MQTT.Topic).
		Str("client_id", c.MQTT.ClientID).
		Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
		Msg("MQTT Configuration")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	logger.Info().Bool("enabled", c.InfluxDB.Enabled).Msg("InfluxDB Enabled")
	logger.Info().Bool("enabled", c.History.Enabled).Msg("History Enabled")

	logger.Info().Msg("-----------------------------")
}
