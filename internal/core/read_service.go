// internal/core/read_service.go
package core

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// pendingResultPrefix is written by firmware in front of the GET_PENDING array.
const pendingResultPrefix = "PENDING:"

// --- Read Service Implementation ---

// ReadService builds the dashboard projections. It never writes except for
// UID labels.
type ReadService struct {
	store        Repository
	logger       *logrus.Logger
	threshold    time.Duration
	historyLimit int
	logLimit     int
	now          func() time.Time
}

func NewReadService(store Repository, logger *logrus.Logger, presence config.PresenceConfig, commands config.CommandsConfig) *ReadService {
	return &ReadService{
		store:        store,
		logger:       logger,
		threshold:    presence.OnlineThreshold,
		historyLimit: commands.HistoryLimit,
		logLimit:     commands.LogLimit,
		now:          time.Now,
	}
}

// Threshold is the online window shared by every view.
func (s *ReadService) Threshold() time.Duration {
	return s.threshold
}

func (s *ReadService) Whitelist(ctx context.Context, deviceID string) ([]*DeviceUID, error) {
	return s.store.ListUIDs(ctx, deviceID, UIDWhitelist)
}

func (s *ReadService) Blacklist(ctx context.Context, deviceID string) ([]*DeviceUID, error) {
	return s.store.ListUIDs(ctx, deviceID, UIDBlacklist)
}

// PendingUIDs returns the cards reported by the newest completed GET_PENDING
// command. A missing or unreadable result yields an empty list.
func (s *ReadService) PendingUIDs(ctx context.Context, deviceID string) ([]PendingUID, error) {
	cmd, err := s.store.LatestDoneCommand(ctx, deviceID, CommandGetPending)
	if err != nil {
		return nil, err
	}
	if cmd == nil || cmd.Result == nil {
		return []PendingUID{}, nil
	}

	uids, err := parsePendingResult(*cmd.Result)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id":  deviceID,
			"command_id": cmd.ID,
		}).Warn("Unparseable GET_PENDING result")
		return []PendingUID{}, nil
	}

	reportedAt := cmd.CreatedAt
	if cmd.AckedAt != nil {
		reportedAt = *cmd.AckedAt
	}

	pending := make([]PendingUID, 0, len(uids))
	for _, uid := range uids {
		pending = append(pending, PendingUID{UID: uid, ReportedAt: reportedAt})
	}
	return pending, nil
}

func parsePendingResult(result string) ([]string, error) {
	raw := strings.TrimSpace(result)
	raw = strings.TrimSpace(strings.TrimPrefix(raw, pendingResultPrefix))

	var uids []string
	if err := json.Unmarshal([]byte(raw), &uids); err != nil {
		return nil, err
	}
	return uids, nil
}

// Detail summarises one device. A device with no commands and no heartbeat
// is reported as not found.
func (s *ReadService) Detail(ctx context.Context, deviceID string) (*DeviceDetail, error) {
	counts, err := s.store.CountCommandsByStatus(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestCommand(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	health, err := s.store.GetHealth(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if latest == nil && health == nil {
		return nil, ErrDeviceNotFound
	}

	var commandAt, heartbeatAt *time.Time
	if latest != nil {
		commandAt = &latest.CreatedAt
	}
	if health != nil {
		heartbeatAt = &health.UpdatedAt
	}
	lastSeen := LastSeen(commandAt, heartbeatAt)

	return &DeviceDetail{
		DeviceID:          deviceID,
		PendingCommands:   counts[StatusPending],
		CompletedCommands: counts[StatusDone],
		FailedCommands:    counts[StatusFailed],
		LastSeen:          lastSeen,
		Online:            IsOnline(lastSeen, s.now(), s.threshold),
	}, nil
}

// ListDevices merges the overview view with heartbeat timestamps. Devices
// that only ever sent heartbeats are listed too.
func (s *ReadService) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	overview, err := s.store.ListDeviceOverview(ctx)
	if err != nil {
		return nil, err
	}
	health, err := s.store.ListHealthTimestamps(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*DeviceSummary, len(overview))
	for _, row := range overview {
		byID[row.DeviceID] = &DeviceSummary{
			DeviceID:        row.DeviceID,
			LastCommandAt:   row.LastCommandAt,
			PendingCommands: row.PendingCommands,
		}
	}
	for _, h := range health {
		summary, ok := byID[h.DeviceID]
		if !ok {
			summary = &DeviceSummary{DeviceID: h.DeviceID}
			byID[h.DeviceID] = summary
		}
		updated := h.UpdatedAt
		summary.LastHeartbeatAt = &updated
	}

	now := s.now()
	devices := make([]DeviceSummary, 0, len(byID))
	for _, summary := range byID {
		summary.LastSeen = LastSeen(summary.LastCommandAt, summary.LastHeartbeatAt)
		summary.Online = IsOnline(summary.LastSeen, now, s.threshold)
		devices = append(devices, *summary)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices, nil
}

func (s *ReadService) CommandHistory(ctx context.Context, deviceID string, limit int) ([]*Command, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	return s.store.ListCommands(ctx, deviceID, limit)
}

func (s *ReadService) AccessLogs(ctx context.Context, deviceID string, limit int) ([]*AccessLog, error) {
	if limit <= 0 {
		limit = s.logLimit
	}
	return s.store.ListAccessLogs(ctx, deviceID, limit)
}

// UIDNames maps labelled UIDs to their names.
func (s *ReadService) UIDNames(ctx context.Context, deviceID string) (map[string]string, error) {
	uids, err := s.store.ListUIDs(ctx, deviceID, "")
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(uids))
	for _, u := range uids {
		if u.Name != nil && *u.Name != "" {
			names[u.UID] = *u.Name
		}
	}
	return names, nil
}

// UpdateUIDName sets or clears (blank name) the label of a UID entry.
func (s *ReadService) UpdateUIDName(ctx context.Context, id, name string) (*DeviceUID, error) {
	var label *string
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		label = &trimmed
	}
	return s.store.UpdateUIDName(ctx, id, label)
}

func (s *ReadService) Health(ctx context.Context, deviceID string) (*DeviceHealth, error) {
	return s.store.GetHealth(ctx, deviceID)
}

// Dashboard fetches every projection of one device concurrently. The first
// failure cancels the rest and is returned.
func (s *ReadService) Dashboard(ctx context.Context, deviceID string) (*DeviceDashboard, error) {
	var d DeviceDashboard
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		d.Detail, err = s.Detail(ctx, deviceID)
		return err
	})
	g.Go(func() (err error) {
		d.Pending, err = s.PendingUIDs(ctx, deviceID)
		return err
	})
	g.Go(func() (err error) {
		d.Whitelist, err = s.Whitelist(ctx, deviceID)
		return err
	})
	g.Go(func() (err error) {
		d.Blacklist, err = s.Blacklist(ctx, deviceID)
		return err
	})
	g.Go(func() (err error) {
		d.Commands, err = s.CommandHistory(ctx, deviceID, 0)
		return err
	})
	g.Go(func() (err error) {
		d.Logs, err = s.AccessLogs(ctx, deviceID, 0)
		return err
	})
	g.Go(func() (err error) {
		d.UIDNames, err = s.UIDNames(ctx, deviceID)
		return err
	})
	g.Go(func() (err error) {
		d.Health, err = s.Health(ctx, deviceID)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &d, nil
}
