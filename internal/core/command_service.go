// internal/core/command_service.go
package core

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TopicCommandCreated is the event topic for newly inserted commands.
const TopicCommandCreated = "command.created"

// DeviceMemo remembers device ids that already have a row in the store.
type DeviceMemo interface {
	Known(ctx context.Context, deviceID string) bool
	Remember(ctx context.Context, deviceID string)
}

// CommandNotifier pushes a new command towards the device so it can wake
// before its next poll.
type CommandNotifier interface {
	NotifyCommand(ctx context.Context, cmd *Command) error
}

// EventPublisher publishes domain events to a message bus.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, message interface{}) error
}

// CommandEvent is the body of a command.created event.
type CommandEvent struct {
	CommandID string      `json:"command_id"`
	DeviceID  string      `json:"device_id"`
	Type      CommandType `json:"type"`
	UID       *string     `json:"uid,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// --- Command Service Implementation ---

type CommandService struct {
	store     Repository
	memo      DeviceMemo
	notifier  CommandNotifier
	publisher EventPublisher
	logger    *logrus.Logger
}

func NewCommandService(store Repository, memo DeviceMemo, logger *logrus.Logger) *CommandService {
	return &CommandService{
		store:  store,
		memo:   memo,
		logger: logger,
	}
}

// SetNotifier attaches the optional device notifier.
func (s *CommandService) SetNotifier(n CommandNotifier) {
	s.notifier = n
}

// SetPublisher attaches the optional event publisher.
func (s *CommandService) SetPublisher(p EventPublisher) {
	s.publisher = p
}

// EnsureDevice makes sure a devices row exists. A duplicate key means another
// writer got there first and is not an error.
func (s *CommandService) EnsureDevice(ctx context.Context, deviceID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrDeviceRequired
	}
	if s.memo != nil && s.memo.Known(ctx, deviceID) {
		return nil
	}

	if err := s.store.CreateDevice(ctx, &Device{DeviceID: deviceID}); err != nil && !isDuplicateKey(err) {
		s.logger.WithError(err).WithField("device_id", deviceID).Error("Failed to ensure device")
		return err
	}

	if s.memo != nil {
		s.memo.Remember(ctx, deviceID)
	}
	return nil
}

// SendCommand validates the request, ensures the device and inserts a
// PENDING command. The stored row, with its generated id, is returned.
func (s *CommandService) SendCommand(ctx context.Context, req CommandRequest) (*Command, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := s.EnsureDevice(ctx, req.DeviceID); err != nil {
		return nil, err
	}

	cmd, err := req.Command()
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": req.DeviceID,
			"type":      req.Type,
		}).Error("Failed to insert command")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"type":       cmd.Type,
	}).Info("Command queued")

	s.announce(ctx, cmd)
	return cmd, nil
}

func (s *CommandService) SendRemoteUnlock(ctx context.Context, deviceID string) (*Command, error) {
	return s.SendCommand(ctx, NewRemoteUnlockRequest(deviceID))
}

func (s *CommandService) SendWhitelistAdd(ctx context.Context, deviceID, uid string) (*Command, error) {
	return s.SendCommand(ctx, NewUIDRequest(deviceID, CommandWhitelistAdd, uid))
}

func (s *CommandService) SendBlacklistAdd(ctx context.Context, deviceID, uid string) (*Command, error) {
	return s.SendCommand(ctx, NewUIDRequest(deviceID, CommandBlacklistAdd, uid))
}

func (s *CommandService) SendRemoveUID(ctx context.Context, deviceID, uid string) (*Command, error) {
	return s.SendCommand(ctx, NewUIDRequest(deviceID, CommandRemoveUID, uid))
}

func (s *CommandService) SendSyncUIDs(ctx context.Context, deviceID string, whitelist, blacklist []string) (*Command, error) {
	return s.SendCommand(ctx, NewSyncUIDsRequest(deviceID, whitelist, blacklist))
}

func (s *CommandService) SendGetPending(ctx context.Context, deviceID string) (*Command, error) {
	return s.SendCommand(ctx, NewGetPendingRequest(deviceID))
}

func (s *CommandService) SendSyncLogs(ctx context.Context, deviceID string) (*Command, error) {
	return s.SendCommand(ctx, NewSyncLogsRequest(deviceID))
}

// GetCommand fetches a command by id.
func (s *CommandService) GetCommand(ctx context.Context, id string) (*Command, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrCommandNotFound
	}
	return s.store.GetCommand(ctx, id)
}

// AckCommand records the firmware's verdict on a PENDING command.
func (s *CommandService) AckCommand(ctx context.Context, id string, status CommandStatus, result *string) (*Command, error) {
	cmd, err := s.store.AckCommand(ctx, id, status, result)
	if err != nil {
		return cmd, err
	}

	s.logger.WithFields(logrus.Fields{
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
		"status":     cmd.Status,
	}).Info("Command acknowledged")
	return cmd, nil
}

// Renotify re-announces commands that are still PENDING, oldest first. With
// dryRun set it only reports what would be sent.
func (s *CommandService) Renotify(ctx context.Context, deviceID string, limit int, dryRun bool) ([]*Command, error) {
	pending, err := s.store.ListPendingCommands(ctx, deviceID, limit)
	if err != nil {
		return nil, err
	}
	if dryRun || s.notifier == nil {
		return pending, nil
	}

	sent := make([]*Command, 0, len(pending))
	for _, cmd := range pending {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := s.notifier.NotifyCommand(ctx, cmd); err != nil {
			s.logger.WithError(err).WithField("command_id", cmd.ID).Warn("Failed to renotify command")
			continue
		}
		sent = append(sent, cmd)
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"pending":   len(pending),
		"sent":      len(sent),
	}).Info("Renotified pending commands")
	return sent, nil
}

// announce is best effort: the row is already committed and firmware will
// find it by polling.
func (s *CommandService) announce(ctx context.Context, cmd *Command) {
	if s.notifier != nil {
		if err := s.notifier.NotifyCommand(ctx, cmd); err != nil {
			s.logger.WithError(err).WithField("command_id", cmd.ID).Warn("Failed to notify device")
		}
	}
	if s.publisher != nil {
		event := CommandEvent{
			CommandID: cmd.ID,
			DeviceID:  cmd.DeviceID,
			Type:      cmd.Type,
			UID:       cmd.UID,
			CreatedAt: cmd.CreatedAt,
		}
		if err := s.publisher.Publish(ctx, TopicCommandCreated, event); err != nil {
			s.logger.WithError(err).WithField("command_id", cmd.ID).Warn("Failed to publish command event")
		}
	}
}
