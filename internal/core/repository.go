// internal/core/repository.go
package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolation = "23505"
	pgUndefinedTable  = "42P01"
)

// Repository defines the data access operations over the relational store.
// Every method translates gorm.ErrRecordNotFound into a business error or a
// nil result; all other failures come back as *StoreError.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error

	// Command operations
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, id string) (*Command, error)
	AckCommand(ctx context.Context, id string, status CommandStatus, result *string) (*Command, error)
	ListCommands(ctx context.Context, deviceID string, limit int) ([]*Command, error)
	ListPendingCommands(ctx context.Context, deviceID string, limit int) ([]*Command, error)
	CountCommandsByStatus(ctx context.Context, deviceID string) (map[CommandStatus]int64, error)
	LatestCommand(ctx context.Context, deviceID string) (*Command, error)
	LatestDoneCommand(ctx context.Context, deviceID string, t CommandType) (*Command, error)

	// UID operations
	ListUIDs(ctx context.Context, deviceID string, state UIDState) ([]*DeviceUID, error)
	UpdateUIDName(ctx context.Context, id string, name *string) (*DeviceUID, error)

	// Access log operations
	ListAccessLogs(ctx context.Context, deviceID string, limit int) ([]*AccessLog, error)

	// Health operations
	GetHealth(ctx context.Context, deviceID string) (*DeviceHealth, error)
	UpsertHealth(ctx context.Context, health *DeviceHealth) error
	ListHealthTimestamps(ctx context.Context) ([]*DeviceHealth, error)

	// Overview operations
	ListDeviceOverview(ctx context.Context) ([]*DeviceOverview, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository accepts a *gorm.DB so the store is injected, never global.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return storeErr("create device", r.db.WithContext(ctx).Create(d).Error)
}

func (r *repository) CreateCommand(ctx context.Context, c *Command) error {
	return storeErr("create command", r.db.WithContext(ctx).Create(c).Error)
}

func (r *repository) GetCommand(ctx context.Context, id string) (*Command, error) {
	var c Command
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, storeErr("get command", err)
	}
	return &c, nil
}

// AckCommand moves a PENDING command to a terminal status. The update is
// conditional on the row still being PENDING, so a second ack never
// overwrites the first.
func (r *repository) AckCommand(ctx context.Context, id string, status CommandStatus, result *string) (*Command, error) {
	if !StatusPending.CanTransitionTo(status) {
		return nil, validationError(ErrIllegalTransition, string(status))
	}

	res := r.db.WithContext(ctx).Model(&Command{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]interface{}{
			"status":   status,
			"result":   result,
			"acked_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, storeErr("ack command", res.Error)
	}

	cmd, err := r.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return cmd, ErrCommandAlreadyFinal
	}
	return cmd, nil
}

func (r *repository) ListCommands(ctx context.Context, deviceID string, limit int) ([]*Command, error) {
	var commands []*Command
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return commands, storeErr("list commands", q.Find(&commands).Error)
}

// ListPendingCommands returns PENDING commands oldest first. An empty deviceID
// spans the whole fleet.
func (r *repository) ListPendingCommands(ctx context.Context, deviceID string, limit int) ([]*Command, error) {
	var commands []*Command
	q := r.db.WithContext(ctx).Where("status = ?", StatusPending).Order("created_at ASC")
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return commands, storeErr("list pending commands", q.Find(&commands).Error)
}

func (r *repository) CountCommandsByStatus(ctx context.Context, deviceID string) (map[CommandStatus]int64, error) {
	var rows []struct {
		Status CommandStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&Command{}).
		Select("status, COUNT(*) AS count").
		Where("device_id = ?", deviceID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, storeErr("count commands", err)
	}

	counts := make(map[CommandStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// LatestCommand returns the newest command of a device, or nil when it has none.
func (r *repository) LatestCommand(ctx context.Context, deviceID string) (*Command, error) {
	var c Command
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("created_at DESC").First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest command", err)
	}
	return &c, nil
}

// LatestDoneCommand returns the most recently acknowledged DONE command of the
// given type that carries a result, or nil when there is none. Rows without
// acked_at sort last on every dialect.
func (r *repository) LatestDoneCommand(ctx context.Context, deviceID string, t CommandType) (*Command, error) {
	var c Command
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND type = ? AND status = ? AND result IS NOT NULL", deviceID, t, StatusDone).
		Order("acked_at IS NULL").
		Order("acked_at DESC").
		Order("created_at DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest done command", err)
	}
	return &c, nil
}

// ListUIDs returns UID entries newest first. An empty state returns both lists.
func (r *repository) ListUIDs(ctx context.Context, deviceID string, state UIDState) ([]*DeviceUID, error) {
	var uids []*DeviceUID
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if state != "" {
		q = q.Where("state = ?", state)
	}
	return uids, storeErr("list uids", q.Order("updated_at DESC").Find(&uids).Error)
}

// UpdateUIDName relabels an entry without touching updated_at, so list order
// is stable.
func (r *repository) UpdateUIDName(ctx context.Context, id string, name *string) (*DeviceUID, error) {
	var u DeviceUID
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUIDNotFound
	}
	if err != nil {
		return nil, storeErr("get uid", err)
	}

	if err := r.db.WithContext(ctx).Model(&u).UpdateColumn("name", name).Error; err != nil {
		return nil, storeErr("update uid name", err)
	}
	u.Name = name
	return &u, nil
}

// ListAccessLogs returns scan events newest first. Deployments that never
// created the access_logs table read as an empty list.
func (r *repository) ListAccessLogs(ctx context.Context, deviceID string, limit int) ([]*AccessLog, error) {
	var logs []*AccessLog
	q := r.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("logged_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&logs).Error; err != nil {
		if isUndefinedTable(err) {
			return []*AccessLog{}, nil
		}
		return nil, storeErr("list access logs", err)
	}
	return logs, nil
}

// GetHealth returns nil without error when the device never sent a heartbeat.
func (r *repository) GetHealth(ctx context.Context, deviceID string) (*DeviceHealth, error) {
	var h DeviceHealth
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get health", err)
	}
	return &h, nil
}

// UpsertHealth overwrites the single health row of a device, updated_at
// included. A zero UpdatedAt is stamped with the store clock.
func (r *repository) UpsertHealth(ctx context.Context, h *DeviceHealth) error {
	if h.UpdatedAt.IsZero() {
		h.UpdatedAt = r.db.NowFunc()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		UpdateAll: true,
	}).Create(h).Error
	return storeErr("upsert health", err)
}

// ListHealthTimestamps loads only device_id and updated_at of every health row.
func (r *repository) ListHealthTimestamps(ctx context.Context) ([]*DeviceHealth, error) {
	var rows []*DeviceHealth
	err := r.db.WithContext(ctx).Select("device_id", "updated_at").Find(&rows).Error
	return rows, storeErr("list health", err)
}

func (r *repository) ListDeviceOverview(ctx context.Context) ([]*DeviceOverview, error) {
	var rows []*DeviceOverview
	err := r.db.WithContext(ctx).Order("device_id").Find(&rows).Error
	return rows, storeErr("list device overview", err)
}

// isDuplicateKey recognises unique violations whether or not the dialector
// translated them.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUndefinedTable
	}
	return false
}
