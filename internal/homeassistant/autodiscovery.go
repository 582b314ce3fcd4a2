// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/sensors.yaml
var sensorsYAML []byte

// Availability payloads published on the status topic.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	Topic             string `yaml:"topic"`
	Field             string `yaml:"field,omitempty"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the
// daemon topic the sensors read from and deviceID names the device node.
func New(config Config, baseTopic, deviceID string) (*AutoDiscovery, error) {
	if baseTopic == "" {
		return nil, errors.New("base topic must not be empty")
	}

	ad := &AutoDiscovery{
		config:    config,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		deviceID:  deviceID,
	}

	if err := ad.loadLayoutConfig(sensorsYAML); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from YAML.
func (ad *AutoDiscovery) loadLayoutConfig(data []byte) error {
	var config LayoutConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	for key, sensor := range config.Sensors {
		if sensor.Topic == "" {
			return fmt.Errorf("sensor %q has no topic", key)
		}
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// SensorKeys returns the configured sensor keys in sorted order.
func (ad *AutoDiscovery) SensorKeys() []string {
	keys := make([]string, 0, len(ad.layoutConfig.Sensors))
	for key := range ad.layoutConfig.Sensors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// GenerateDiscoveryMessages returns one discovery message per configured sensor,
// keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(ad.layoutConfig.Sensors))

	for key, sensorConfig := range ad.layoutConfig.Sensors {
		messages[ad.getDiscoveryTopic(key)] = ad.createDiscoveryMessage(key, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(key string, sensorConfig SensorConfig) DiscoveryMessage {
	nodeID := ad.nodeID()

	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          fmt.Sprintf("%s_%s", nodeID, key),
		StateTopic:        ad.baseTopic + "/" + sensorConfig.Topic,
		ValueTemplate:     valueTemplate(sensorConfig.Field),
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{nodeID},
			Name:         ad.config.DeviceName,
			Manufacturer: ad.config.DeviceManufacturer,
			Model:        ad.getDeviceModel(),
			SwVersion:    "axpert",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    PayloadOnline,
		PayloadNotAvailable: PayloadOffline,
	}
}

// valueTemplate reads one JSON key, or the raw payload when field is empty.
func valueTemplate(field string) string {
	if field == "" {
		return "{{ value }}"
	}
	return fmt.Sprintf("{{ value_json.%s }}", field)
}

// nodeID returns the lower case, underscore separated device node id.
func (ad *AutoDiscovery) nodeID() string {
	nodeID := ad.deviceID
	if nodeID == "" {
		nodeID = "axpert"
	}
	nodeID = strings.ReplaceAll(nodeID, " ", "_")
	nodeID = strings.ReplaceAll(nodeID, "-", "_")
	return strings.ToLower(nodeID)
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
func (ad *AutoDiscovery) getDiscoveryTopic(key string) string {
	// <discovery_prefix>/sensor/<node_id>/<object_id>/config
	nodeID := ad.nodeID()
	objectID := fmt.Sprintf("%s_%s", nodeID, key)

	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// getDeviceModel returns the configured device model or a generic fallback.
func (ad *AutoDiscovery) getDeviceModel() string {
	if ad.config.DeviceModel != "" {
		return ad.config.DeviceModel
	}
	return "Axpert Inverter"
}

// GetAvailabilityTopic returns the availability topic for the device. It is
// the same topic the daemon uses for its online and offline status.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/status"
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages() map[string]string {
	messages := make(map[string]string, len(ad.layoutConfig.Sensors))

	for key := range ad.layoutConfig.Sensors {
		messages[ad.getDiscoveryTopic(key)] = "" // Empty payload removes the entity
	}

	return messages
}
