// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hpema/axpert/internal/config"
	"github.com/hpema/axpert/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Topic suffixes owned by the publisher.
const (
	statusSuffix  = "status"
	commandSuffix = "comm"
)

const (
	defaultClientID = "axpert-pi"
	publishTimeout  = 5 * time.Second
	closeTimeout    = 2 * time.Second
)

// CommandHandler receives the payload of a message on the command topic.
type CommandHandler func(command string)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// PublishText is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishText(_ context.Context, _ string, _ string) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT. It announces
// itself on <topic>/status with a retained last will, and forwards messages on
// <topic>/comm to the registered command handler.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	logger        zerolog.Logger
	clientFactory func(*mqtt.ClientOptions) mqtt.Client
	haDiscovery   *homeassistant.AutoDiscovery

	mu              sync.RWMutex
	connected       bool
	discovered      bool // Discovery messages sent for the current session
	birthSubscribed bool
	commandHandler  CommandHandler
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: mqtt.NewClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
	}
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client.
// The connection handlers are not installed on such a client; Connect runs the
// on-connect work itself once the connection is up.
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	p := NewMQTTPublisher(cfg)
	p.client = client
	return p
}

// SetCommandHandler registers the callback for messages on the command topic.
// It must be called before Connect.
func (p *MQTTPublisher) SetCommandHandler(handler CommandHandler) {
	p.mu.Lock()
	p.commandHandler = handler
	p.mu.Unlock()
}

// topic joins the configured base topic and a suffix.
func (p *MQTTPublisher) topic(suffix string) string {
	return strings.TrimSuffix(p.config.MQTT.Topic, "/") + "/" + suffix
}

// StatusTopic returns the availability topic carrying online and offline.
func (p *MQTTPublisher) StatusTopic() string {
	return p.topic(statusSuffix)
}

// CommandTopic returns the topic the publisher listens on for commands.
func (p *MQTTPublisher) CommandTopic() string {
	return p.topic(commandSuffix)
}

// clientOptions builds the paho options for the configured broker.
func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	cfg := p.config.MQTT

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = defaultClientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetConnectTimeout(p.connectTimeout()).
		SetWriteTimeout(publishTimeout).
		SetCleanSession(false).
		SetWill(p.StatusTopic(), homeassistant.PayloadOffline, 0, true).
		SetOnConnectHandler(p.handleConnect).
		SetConnectionLostHandler(p.handleConnectionLost)

	if cfg.KeepAliveSeconds > 0 {
		opts.SetKeepAlive(time.Duration(cfg.KeepAliveSeconds) * time.Second)
	}
	// Reconnects back off from one second up to this ceiling.
	if cfg.ReconnectMaxSeconds > 0 {
		opts.SetMaxReconnectInterval(time.Duration(cfg.ReconnectMaxSeconds) * time.Second)
	}

	// Set credentials if provided
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	return opts
}

func (p *MQTTPublisher) connectTimeout() time.Duration {
	if p.config.MQTT.ConnectTimeoutSeconds > 0 {
		return time.Duration(p.config.MQTT.ConnectTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// Connect establishes a connection to the MQTT broker. A broker that cannot be
// reached on the first attempt is an error; later drops are retried by the client.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled && p.haDiscovery == nil {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
	}

	injected := p.client != nil
	if !injected {
		p.client = p.clientFactory(p.clientOptions())
	}

	timeout := p.connectTimeout()
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", timeout)
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	if injected {
		p.handleConnect(p.client)
	}

	p.logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		Str("topic", p.config.MQTT.Topic).
		Msg("Connected to MQTT broker")

	haCfg := p.config.MQTT.HomeAssistantAutoDiscovery
	if !haCfg.Enabled && haCfg.RemoveWhenDisabled {
		if err := p.removeDiscovery(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to remove Home Assistant discovery")
		}
	}

	return nil
}

// handleConnect runs on every (re)connection: it marks the daemon online,
// resubscribes to the command topic and schedules rediscovery.
func (p *MQTTPublisher) handleConnect(client mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	p.discovered = false
	p.birthSubscribed = false
	p.mu.Unlock()

	p.logger.Info().Msg("MQTT connection established")

	token := client.Publish(p.StatusTopic(), 0, true, homeassistant.PayloadOnline)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Msg("Failed to publish online status")
	}

	token = client.Subscribe(p.CommandTopic(), 0, p.handleCommandMessage)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn().Str("topic", p.CommandTopic()).Msg("Timed out subscribing to command topic")
	} else if token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", p.CommandTopic()).Msg("Failed to subscribe to command topic")
	} else {
		p.logger.Info().Str("topic", p.CommandTopic()).Msg("Subscribed to command topic")
	}

	if p.haDiscovery != nil && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		p.subscribeToBirthMessage(client)
	}
}

// handleConnectionLost is called by the client when the broker connection drops.
func (p *MQTTPublisher) handleConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// handleCommandMessage forwards a command topic payload to the command handler.
func (p *MQTTPublisher) handleCommandMessage(_ mqtt.Client, msg mqtt.Message) {
	command := strings.TrimSpace(string(msg.Payload()))
	if command == "" {
		p.logger.Debug().Str("topic", msg.Topic()).Msg("Ignoring empty command")
		return
	}

	p.mu.RLock()
	handler := p.commandHandler
	p.mu.RUnlock()

	if handler == nil {
		p.logger.Warn().Str("command", command).Msg("No command handler registered, dropping command")
		return
	}

	p.logger.Info().Str("command", command).Msg("Received command")
	handler(command)
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage(client mqtt.Client) {
	p.mu.Lock()
	if p.birthSubscribed {
		p.mu.Unlock()
		return
	}
	p.birthSubscribed = true
	p.mu.Unlock()

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		p.mu.Lock()
		p.birthSubscribed = false
		p.mu.Unlock()
		return
	}

	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage handles Home Assistant birth messages.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())

	p.logger.Debug().
		Str("topic", msg.Topic()).
		Str("payload", payload).
		Msg("Received Home Assistant birth message")

	// If Home Assistant comes online, clear discovery state to trigger re-discovery
	if payload == homeassistant.PayloadOnline {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discovered = false
		p.mu.Unlock()
	}
}

// setupHomeAssistantDiscovery loads the sensor layout for discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	discovery, err := p.newDiscovery()
	if err != nil {
		return err
	}

	p.haDiscovery = discovery
	return nil
}

// newDiscovery builds the discovery layout for the configured device.
func (p *MQTTPublisher) newDiscovery() (*homeassistant.AutoDiscovery, error) {
	haCfg := p.config.MQTT.HomeAssistantAutoDiscovery

	deviceID := p.config.MQTT.ClientID
	if deviceID == "" {
		deviceID = defaultClientID
	}

	discovery, err := homeassistant.New(homeassistant.Config{
		Enabled:            haCfg.Enabled,
		DiscoveryPrefix:    haCfg.DiscoveryPrefix,
		DeviceName:         haCfg.DeviceName,
		DeviceManufacturer: haCfg.DeviceManufacturer,
		DeviceModel:        haCfg.DeviceModel,
		RetainDiscovery:    haCfg.RetainDiscovery,
	}, p.config.MQTT.Topic, deviceID)
	if err != nil {
		return nil, err
	}
	return discovery, nil
}

// removeDiscovery clears retained discovery configs left by an earlier run
// that had discovery enabled.
func (p *MQTTPublisher) removeDiscovery(ctx context.Context) error {
	discovery, err := p.newDiscovery()
	if err != nil {
		return err
	}

	var errs []error
	for topic, payload := range discovery.CleanupDiscoveryMessages() {
		if err := p.publishRaw(ctx, topic, true, []byte(payload)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	p.logger.Info().
		Strs("sensors", discovery.SensorKeys()).
		Msg("Removed Home Assistant discovery")
	return nil
}

// isConnected reports whether the broker connection is up.
func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client != nil && p.connected
}

// Publish sends data encoded as JSON to the specified topic. Publishing while
// disconnected is a no-op.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	if !p.isConnected() {
		return nil
	}

	if err := p.publishDiscovery(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish Home Assistant discovery")
	}

	return p.publishRaw(ctx, topic, p.config.MQTT.Retain, jsonData)
}

// PublishText sends a plain string payload to the specified topic.
func (p *MQTTPublisher) PublishText(ctx context.Context, topic string, text string) error {
	if !p.isConnected() {
		return nil
	}
	return p.publishRaw(ctx, topic, p.config.MQTT.Retain, []byte(text))
}

// publishRaw publishes a payload and waits for the broker to accept it.
func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, retain bool, payload []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timeout after %s", topic, publishTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	p.logger.Debug().Str("topic", topic).Int("bytes", len(payload)).Msg("Published message")
	return nil
}

// publishDiscovery sends the discovery messages once per session.
func (p *MQTTPublisher) publishDiscovery(ctx context.Context) error {
	if p.haDiscovery == nil {
		return nil
	}

	p.mu.Lock()
	if p.discovered {
		p.mu.Unlock()
		return nil
	}
	p.discovered = true
	p.mu.Unlock()

	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	messages := p.haDiscovery.GenerateDiscoveryMessages()

	var errs []error
	for topic, message := range messages {
		payload, err := json.Marshal(message)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal discovery for %s: %w", topic, err))
			continue
		}
		if err := p.publishRaw(ctx, topic, retain, payload); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		p.mu.Lock()
		p.discovered = false
		p.mu.Unlock()
		return errors.Join(errs...)
	}

	p.logger.Info().Int("sensors", len(messages)).Msg("Published Home Assistant discovery")
	return nil
}

// Close announces the daemon offline and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if !p.isConnected() {
		return nil
	}

	token := p.client.Publish(p.StatusTopic(), 0, true, homeassistant.PayloadOffline)
	if token.WaitTimeout(closeTimeout) && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Msg("Failed to publish offline status")
	}

	p.client.Disconnect(250)

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.Info().Msg("Disconnected from MQTT broker")
	return nil
}
