// internal/core/ingest.go
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AckMessage is what firmware publishes on <prefix>/<device>/ack.
type AckMessage struct {
	ID     string        `json:"id"`
	Status CommandStatus `json:"status"`
	Result *string       `json:"result"`
}

// --- Ingest Service Implementation ---

// IngestService consumes device-originated messages from the broker.
type IngestService struct {
	commands *CommandService
	store    Repository
	logger   *logrus.Logger
}

func NewIngestService(commands *CommandService, store Repository, logger *logrus.Logger) *IngestService {
	return &IngestService{
		commands: commands,
		store:    store,
		logger:   logger,
	}
}

// HandleAck applies a firmware acknowledgement. Redelivered acks for a
// command that is already final are dropped.
func (s *IngestService) HandleAck(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := DeviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	var msg AckMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to decode ack: %w", err)
	}
	msg.Status = CommandStatus(strings.ToUpper(strings.TrimSpace(string(msg.Status))))

	cmd, err := s.commands.GetCommand(ctx, msg.ID)
	if err != nil {
		return err
	}
	if cmd.DeviceID != deviceID {
		return fmt.Errorf("ack for command %s arrived on topic of device %s", msg.ID, deviceID)
	}

	if _, err := s.commands.AckCommand(ctx, msg.ID, msg.Status, msg.Result); err != nil {
		if errors.Is(err, ErrCommandAlreadyFinal) {
			s.logger.WithFields(logrus.Fields{
				"command_id": msg.ID,
				"device_id":  deviceID,
			}).Info("Ignoring duplicate ack")
			return nil
		}
		return err
	}
	return nil
}

// HandleHeartbeat overwrites the device's health row. The topic decides which
// device the row belongs to.
func (s *IngestService) HandleHeartbeat(ctx context.Context, topic string, payload []byte) error {
	deviceID, err := DeviceIDFromTopic(topic)
	if err != nil {
		return err
	}

	var health DeviceHealth
	if err := json.Unmarshal(payload, &health); err != nil {
		return fmt.Errorf("failed to decode heartbeat: %w", err)
	}
	health.DeviceID = deviceID
	health.UpdatedAt = time.Now().UTC()
	if health.TaskCount == 0 {
		health.TaskCount = len(health.TaskList())
	}

	if err := s.store.UpsertHealth(ctx, &health); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":    deviceID,
		"free_heap":    health.FreeHeapBytes,
		"wifi_rssi":    health.WiFiRSSI,
		"rfid_healthy": health.RFIDHealthy,
	}).Debug("Heartbeat recorded")
	return nil
}

// DeviceIDFromTopic extracts <device> from <prefix>/<device>/<kind>.
func DeviceIDFromTopic(topic string) (string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[len(parts)-2] == "" {
		return "", fmt.Errorf("unexpected topic %q", topic)
	}
	return parts[len(parts)-2], nil
}
