// internal/core/models.go
package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Device is a physical lock unit. Rows are created implicitly the first time a
// command targets the device and are never deleted.
type Device struct {
	DeviceID  string    `json:"device_id" gorm:"primaryKey;type:varchar(64)"`
	CreatedAt time.Time `json:"created_at"`
	Commands  []Command `json:"-" gorm:"foreignKey:DeviceID;references:DeviceID"`
}

// Command is one requested device action and its eventual outcome.
type Command struct {
	ID        string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DeviceID  string         `json:"device_id" gorm:"index;not null;type:varchar(64)"`
	Type      CommandType    `json:"type" gorm:"index;not null;type:varchar(32)"`
	UID       *string        `json:"uid" gorm:"type:varchar(32)"`
	Payload   datatypes.JSON `json:"payload"`
	Status    CommandStatus  `json:"status" gorm:"index;not null;type:varchar(16);default:'PENDING'"`
	Result    *string        `json:"result" gorm:"type:text"`
	CreatedAt time.Time      `json:"created_at" gorm:"index"`
	AckedAt   *time.Time     `json:"acked_at"`
}

// BeforeCreate assigns the row id.
func (c *Command) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	return nil
}

// IsFinal reports whether the firmware has acknowledged the command.
func (c *Command) IsFinal() bool {
	return c.Status.IsFinal()
}

// SyncUIDs decodes the payload of a SYNC_UIDS command.
func (c *Command) SyncUIDs() (*SyncUIDsPayload, error) {
	if c.Type != CommandSyncUIDs || len(c.Payload) == 0 {
		return nil, ErrInvalidCommand
	}
	var p SyncUIDsPayload
	if err := json.Unmarshal(c.Payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeviceUID is a named access-control entry for a card.
type DeviceUID struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DeviceID  string    `json:"device_id" gorm:"index;not null;type:varchar(64)"`
	UID       string    `json:"uid" gorm:"not null;type:varchar(32)"`
	Name      *string   `json:"name"`
	State     UIDState  `json:"state" gorm:"index;not null;type:varchar(16)"`
	UpdatedAt time.Time `json:"updated_at" gorm:"index"`
}

// BeforeCreate assigns the row id.
func (u *DeviceUID) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// AccessLog is an append-only scan event written by the firmware.
type AccessLog struct {
	ID        string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	DeviceID  string         `json:"device_id" gorm:"index;not null;type:varchar(64)"`
	UID       string         `json:"uid" gorm:"type:varchar(32)"`
	EventType AccessLogEvent `json:"event_type" gorm:"not null;type:varchar(16)"`
	Info      string         `json:"info,omitempty"`
	LoggedAt  time.Time      `json:"logged_at" gorm:"index"`
}

// BeforeCreate assigns the row id.
func (l *AccessLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// DeviceHealth is the latest heartbeat of a device, overwritten in place.
type DeviceHealth struct {
	DeviceID        string `json:"device_id" gorm:"primaryKey;type:varchar(64)"`
	FirmwareVersion string `json:"firmware_version"`

	// System
	UptimeSeconds         int64 `json:"uptime_seconds"`
	FreeHeapBytes         int64 `json:"free_heap_bytes"`
	TotalHeapBytes        int64 `json:"total_heap_bytes"`
	MinFreeHeapBytes      int64 `json:"min_free_heap_bytes"`
	LargestFreeBlockBytes int64 `json:"largest_free_block_bytes"`

	// WiFi
	WiFiConnected       bool  `json:"wifi_connected" gorm:"column:wifi_connected"`
	WiFiRSSI            int   `json:"wifi_rssi" gorm:"column:wifi_rssi"`
	NTPSynced           bool  `json:"ntp_synced" gorm:"column:ntp_synced"`
	WiFiDisconnectCount int64 `json:"wifi_disconnect_count" gorm:"column:wifi_disconnect_count"`

	// Processor
	CPUFreqMHz   int `json:"cpu_freq_mhz" gorm:"column:cpu_freq_mhz"`
	ChipModel    int `json:"chip_model"`
	ChipRevision int `json:"chip_revision"`
	ChipCores    int `json:"chip_cores"`

	// Cores
	Core0IsIdle         bool   `json:"core0_is_idle" gorm:"column:core0_is_idle"`
	Core0CurrentTask    string `json:"core0_current_task" gorm:"column:core0_current_task"`
	Core0FreeStackBytes int64  `json:"core0_free_stack_bytes" gorm:"column:core0_free_stack_bytes"`
	Core1IsIdle         bool   `json:"core1_is_idle" gorm:"column:core1_is_idle"`
	Core1CurrentTask    string `json:"core1_current_task" gorm:"column:core1_current_task"`
	Core1FreeStackBytes int64  `json:"core1_free_stack_bytes" gorm:"column:core1_free_stack_bytes"`

	// Storage
	StorageLittleFSTotalBytes int64 `json:"storage_littlefs_total_bytes" gorm:"column:storage_littlefs_total_bytes"`
	StorageLittleFSUsedBytes  int64 `json:"storage_littlefs_used_bytes" gorm:"column:storage_littlefs_used_bytes"`
	StorageLittleFSFreeBytes  int64 `json:"storage_littlefs_free_bytes" gorm:"column:storage_littlefs_free_bytes"`
	StorageNVSUsedEntries     int64 `json:"storage_nvs_used_entries" gorm:"column:storage_nvs_used_entries"`

	// Watchdog
	WatchdogEnabled   bool  `json:"watchdog_enabled"`
	WatchdogTimeoutMS int64 `json:"watchdog_timeout_ms" gorm:"column:watchdog_timeout_ms"`

	// Tasks
	Tasks     datatypes.JSON `json:"tasks"`
	TaskCount int            `json:"task_count"`

	// RFID reader
	RFIDHealthy            bool    `json:"rfid_healthy" gorm:"column:rfid_healthy"`
	RFIDCommunicationOK    bool    `json:"rfid_communication_ok" gorm:"column:rfid_communication_ok"`
	RFIDSAMConfigured      bool    `json:"rfid_sam_configured" gorm:"column:rfid_sam_configured"`
	RFIDIC                 *int    `json:"rfid_ic" gorm:"column:rfid_ic"`
	RFIDFirmwareMajor      *int    `json:"rfid_firmware_major" gorm:"column:rfid_firmware_major"`
	RFIDFirmwareMinor      *int    `json:"rfid_firmware_minor" gorm:"column:rfid_firmware_minor"`
	RFIDFirmwareSupport    *int    `json:"rfid_firmware_support" gorm:"column:rfid_firmware_support"`
	RFIDReinitCount        int64   `json:"rfid_reinit_count" gorm:"column:rfid_reinit_count"`
	RFIDPollCount          int64   `json:"rfid_poll_count" gorm:"column:rfid_poll_count"`
	LastRFIDError          *string `json:"last_rfid_error" gorm:"column:last_rfid_error"`
	LastRFIDErrorTime      *string `json:"last_rfid_error_time" gorm:"column:last_rfid_error_time"`
	LastSuccessfulReadTime *string `json:"last_successful_read_time" gorm:"column:last_successful_read_time"`

	Voltage3V3 float64 `json:"voltage_3v3" gorm:"column:voltage_3v3"`

	// UpdatedAt is the heartbeat time chosen by the writer.
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime:false"`
}

// TaskStatus is one entry of the firmware task table.
type TaskStatus struct {
	Name           string `json:"name"`
	Core           int    `json:"core"`
	StackHighWater int64  `json:"stack_high_water"`
	StackSize      int64  `json:"stack_size"`
	Priority       int    `json:"priority"`
	IsRunning      bool   `json:"is_running"`
}

// TaskList decodes the tasks column. A malformed column yields no tasks.
func (h *DeviceHealth) TaskList() []TaskStatus {
	if len(h.Tasks) == 0 {
		return nil
	}
	var tasks []TaskStatus
	if err := json.Unmarshal(h.Tasks, &tasks); err != nil {
		return nil
	}
	return tasks
}

// HeapUsagePercent returns used heap as a percentage of total heap.
func (h *DeviceHealth) HeapUsagePercent() float64 {
	if h.TotalHeapBytes <= 0 {
		return 0
	}
	return float64(h.TotalHeapBytes-h.FreeHeapBytes) / float64(h.TotalHeapBytes) * 100
}

// Stale reports whether the heartbeat is older than threshold.
func (h *DeviceHealth) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(h.UpdatedAt) > threshold
}

// DeviceOverview is one row of the device_overview view.
type DeviceOverview struct {
	DeviceID        string     `json:"device_id"`
	LastCommandAt   *time.Time `json:"last_command_at"`
	PendingCommands int64      `json:"pending_commands"`
}

// TableName overrides for GORM
func (Device) TableName() string         { return "devices" }
func (Command) TableName() string        { return "device_commands" }
func (DeviceUID) TableName() string      { return "device_uids" }
func (AccessLog) TableName() string      { return "access_logs" }
func (DeviceHealth) TableName() string   { return "device_health" }
func (DeviceOverview) TableName() string { return "device_overview" }

// PendingUID is a card the firmware reported as waiting for a decision.
type PendingUID struct {
	UID        string    `json:"uid"`
	ReportedAt time.Time `json:"reported_at"`
}

// DeviceDetail summarises command activity and liveness for one device.
type DeviceDetail struct {
	DeviceID          string     `json:"device_id"`
	PendingCommands   int64      `json:"pending_commands"`
	CompletedCommands int64      `json:"completed_commands"`
	FailedCommands    int64      `json:"failed_commands"`
	LastSeen          *time.Time `json:"last_seen"`
	Online            bool       `json:"online"`
}

// DeviceSummary is one entry of the fleet list.
type DeviceSummary struct {
	DeviceID        string     `json:"device_id"`
	LastCommandAt   *time.Time `json:"last_command_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at"`
	PendingCommands int64      `json:"pending_commands"`
	LastSeen        *time.Time `json:"last_seen"`
	Online          bool       `json:"online"`
}

// DeviceDashboard is everything the device page refreshes in one batch.
type DeviceDashboard struct {
	Detail    *DeviceDetail     `json:"detail"`
	Pending   []PendingUID      `json:"pending"`
	Whitelist []*DeviceUID      `json:"whitelist"`
	Blacklist []*DeviceUID      `json:"blacklist"`
	Commands  []*Command        `json:"commands"`
	Logs      []*AccessLog      `json:"logs"`
	UIDNames  map[string]string `json:"uid_names"`
	Health    *DeviceHealth     `json:"health"`
}

// Models lists every table migrated by the service, parents first.
func Models() []interface{} {
	return []interface{}{
		&Device{},
		&Command{},
		&DeviceUID{},
		&AccessLog{},
		&DeviceHealth{},
	}
}
