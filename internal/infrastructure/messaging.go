package infrastructure

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
)

// Messaging publishes command events to an Azure Service Bus queue.
type Messaging struct {
	client *azservicebus.Client
	sender *azservicebus.Sender
}

func NewMessaging(cfg config.ServiceBusConfig) (*Messaging, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("service bus connection string is required")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create service bus client: %w", err)
	}

	sender, err := client.NewSender(cfg.QueueName, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create sender: %w", err)
	}

	return &Messaging{
		client: client,
		sender: sender,
	}, nil
}

// Publish sends message as JSON with topic and timestamp application
// properties.
func (m *Messaging) Publish(ctx context.Context, topic string, message interface{}) error {
	msg, err := newBusMessage(topic, message, time.Now())
	if err != nil {
		return err
	}
	return m.sender.SendMessage(ctx, msg, nil)
}

func newBusMessage(topic string, message interface{}, now time.Time) (*azservicebus.Message, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	contentType := "application/json"
	return &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		Subject:     &topic,
		ApplicationProperties: map[string]interface{}{
			"topic":     topic,
			"timestamp": now.Unix(),
		},
	}, nil
}

func (m *Messaging) Close() error {
	if m.sender != nil {
		if err := m.sender.Close(context.Background()); err != nil {
			return err
		}
	}

	if m.client != nil {
		return m.client.Close(context.Background())
	}

	return nil
}
