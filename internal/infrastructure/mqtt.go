// internal/infrastructure/mqtt.go
package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/Afsalkalladi/platformioemlock/internal/core"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Message kinds, taken from the last topic segment.
const (
	MessageAck      = "ack"
	MessageHealth   = "health"
	messageCommands = "commands"
)

const handlerTimeout = 30 * time.Second

// MessageHandler processes MQTT messages
type MessageHandler func(ctx context.Context, topic string, payload []byte) error

// CommandNotification is what a device receives on <prefix>/<device>/commands.
type CommandNotification struct {
	ID      string           `json:"id"`
	Type    core.CommandType `json:"type"`
	UID     *string          `json:"uid,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
}

// MQTTBridge pushes new commands to devices and feeds their acks and
// heartbeats back into the service.
type MQTTBridge struct {
	config    config.MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handlers  map[string]MessageHandler
	mu        sync.RWMutex
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewMQTTBridge creates a new MQTT bridge
func NewMQTTBridge(cfg config.MQTTConfig, logger *logrus.Logger) (*MQTTBridge, error) {
	if cfg.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("doorlock-api-%d", time.Now().UnixNano())
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "doorlock"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTBridge{
		config:   cfg,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RegisterHandler registers a handler for a message kind (MessageAck, MessageHealth).
func (b *MQTTBridge) RegisterHandler(kind string, handler MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = handler
}

// Topics returns the subscriptions for every registered handler.
func (b *MQTTBridge) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]string, 0, len(b.handlers))
	for _, kind := range []string{MessageAck, MessageHealth} {
		if _, ok := b.handlers[kind]; ok {
			topics = append(topics, fmt.Sprintf("%s/+/%s", b.config.TopicPrefix, kind))
		}
	}
	return topics
}

// Start connects to MQTT broker; subscriptions are made on every (re)connect.
func (b *MQTTBridge) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.SetCleanSession(b.config.CleanSession)
	opts.SetKeepAlive(b.config.KeepAlive)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.config.MaxReconnectDelay)

	// Connection handlers
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	opts.SetDefaultPublishHandler(b.messageHandler)

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.WithField("broker", b.config.BrokerURL).Info("MQTT bridge started")
	return nil
}

// Stop unsubscribes, disconnects and waits for in-flight handlers.
func (b *MQTTBridge) Stop() {
	b.logger.Info("Stopping MQTT bridge...")
	b.cancel()

	if b.client != nil && b.client.IsConnected() {
		for _, topic := range b.Topics() {
			if token := b.client.Unsubscribe(topic); token.Wait() && token.Error() != nil {
				b.logger.WithError(token.Error()).WithField("topic", topic).
					Error("Failed to unsubscribe from topic")
			}
		}
		b.client.Disconnect(250)
	}

	b.wg.Wait()
	b.logger.Info("MQTT bridge stopped")
}

// IsConnected returns the connection status
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// NotifyCommand publishes a new command on the device's command topic.
func (b *MQTTBridge) NotifyCommand(ctx context.Context, cmd *core.Command) error {
	if !b.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(CommandNotification{
		ID:      cmd.ID,
		Type:    cmd.Type,
		UID:     cmd.UID,
		Payload: json.RawMessage(cmd.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}

	token := b.client.Publish(CommandTopic(b.config.TopicPrefix, cmd.DeviceID), b.config.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// CommandTopic is where a device listens for new commands.
func CommandTopic(prefix, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, deviceID, messageCommands)
}

func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	for _, topic := range b.Topics() {
		if token := client.Subscribe(topic, b.config.QoS, nil); token.Wait() && token.Error() != nil {
			b.logger.WithError(token.Error()).WithField("topic", topic).
				Error("Failed to subscribe to topic")
		} else {
			b.logger.WithField("topic", topic).Info("Subscribed to topic")
		}
	}
}

func (b *MQTTBridge) onConnectionLost(client mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (b *MQTTBridge) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	b.logger.Info("Attempting to reconnect to MQTT broker...")
}

func (b *MQTTBridge) messageHandler(client mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(msg)
	}()
}

func (b *MQTTBridge) processMessage(msg mqtt.Message) {
	topic := msg.Topic()
	payload := msg.Payload()

	b.logger.WithFields(logrus.Fields{
		"topic":      topic,
		"message_id": msg.MessageID(),
		"qos":        msg.Qos(),
		"retained":   msg.Retained(),
		"size":       len(payload),
	}).Debug("Received MQTT message")

	kind := messageKind(topic)

	b.mu.RLock()
	handler, exists := b.handlers[kind]
	b.mu.RUnlock()

	if !exists {
		b.logger.WithFields(logrus.Fields{
			"topic":        topic,
			"message_type": kind,
		}).Warn("No handler registered for message type")
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, handlerTimeout)
	defer cancel()

	if err := handler(ctx, topic, payload); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"topic":      topic,
			"message_id": msg.MessageID(),
		}).Error("Failed to process MQTT message")
	}
}

// messageKind returns the last segment of <prefix>/<device>/<kind>.
func messageKind(topic string) string {
	if i := strings.LastIndex(topic, "/"); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
