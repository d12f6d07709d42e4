// internal/core/commands.go
package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CommandType enumerates the actions firmware understands.
type CommandType string

const (
	CommandRemoteUnlock CommandType = "REMOTE_UNLOCK"
	CommandWhitelistAdd CommandType = "WHITELIST_ADD"
	CommandBlacklistAdd CommandType = "BLACKLIST_ADD"
	CommandRemoveUID    CommandType = "REMOVE_UID"
	CommandSyncUIDs     CommandType = "SYNC_UIDS"
	CommandGetPending   CommandType = "GET_PENDING"
	CommandSyncLogs     CommandType = "SYNC_LOGS"
)

// CommandTypes lists every known command type.
var CommandTypes = []CommandType{
	CommandRemoteUnlock,
	CommandWhitelistAdd,
	CommandBlacklistAdd,
	CommandRemoveUID,
	CommandSyncUIDs,
	CommandGetPending,
	CommandSyncLogs,
}

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	for _, known := range CommandTypes {
		if t == known {
			return true
		}
	}
	return false
}

// RequiresUID reports whether the command targets a single card.
func (t CommandType) RequiresUID() bool {
	switch t {
	case CommandWhitelistAdd, CommandBlacklistAdd, CommandRemoveUID:
		return true
	}
	return false
}

// ParseCommandType accepts any casing.
func ParseCommandType(s string) (CommandType, error) {
	t := CommandType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", validationError(ErrInvalidCommand, fmt.Sprintf("unknown command type %q", s))
	}
	return t, nil
}

// CommandStatus is the three-state command lifecycle.
type CommandStatus string

const (
	StatusPending CommandStatus = "PENDING"
	StatusDone    CommandStatus = "DONE"
	StatusFailed  CommandStatus = "FAILED"
)

// IsFinal reports whether s is a terminal status.
func (s CommandStatus) IsFinal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransitionTo allows only PENDING -> DONE and PENDING -> FAILED.
func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	return s == StatusPending && next.IsFinal()
}

// UIDState is the access-control list a card belongs to.
type UIDState string

const (
	UIDWhitelist UIDState = "WHITELIST"
	UIDBlacklist UIDState = "BLACKLIST"
)

// AccessLogEvent is the outcome of a scan.
type AccessLogEvent string

const (
	EventGranted AccessLogEvent = "GRANTED"
	EventDenied  AccessLogEvent = "DENIED"
	EventPending AccessLogEvent = "PENDING"
	EventRemote  AccessLogEvent = "REMOTE"
)

// SyncUIDsPayload is the body of a SYNC_UIDS command.
type SyncUIDsPayload struct {
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// CommandRequest is a validated command ready to be stored. Build it with the
// New*Request constructors; each command type carries exactly the fields it
// needs.
type CommandRequest struct {
	DeviceID string
	Type     CommandType
	UID      string
	SyncUIDs *SyncUIDsPayload
}

// NewRemoteUnlockRequest builds a REMOTE_UNLOCK request.
func NewRemoteUnlockRequest(deviceID string) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Type: CommandRemoteUnlock}
}

// NewUIDRequest builds WHITELIST_ADD, BLACKLIST_ADD or REMOVE_UID requests.
func NewUIDRequest(deviceID string, t CommandType, uid string) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Type: t, UID: uid}
}

// NewSyncUIDsRequest builds a SYNC_UIDS request.
func NewSyncUIDsRequest(deviceID string, whitelist, blacklist []string) CommandRequest {
	return CommandRequest{
		DeviceID: deviceID,
		Type:     CommandSyncUIDs,
		SyncUIDs: &SyncUIDsPayload{Whitelist: whitelist, Blacklist: blacklist},
	}
}

// NewGetPendingRequest builds a GET_PENDING request.
func NewGetPendingRequest(deviceID string) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Type: CommandGetPending}
}

// NewSyncLogsRequest builds a SYNC_LOGS request.
func NewSyncLogsRequest(deviceID string) CommandRequest {
	return CommandRequest{DeviceID: deviceID, Type: CommandSyncLogs}
}

// Normalize trims the device id and uppercases every UID in place.
func (r *CommandRequest) Normalize() {
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.UID = NormalizeUID(r.UID)
	if r.SyncUIDs != nil {
		r.SyncUIDs.Whitelist = NormalizeUIDs(r.SyncUIDs.Whitelist)
		r.SyncUIDs.Blacklist = NormalizeUIDs(r.SyncUIDs.Blacklist)
	}
}

// Validate checks that the request carries exactly what its type needs.
// Call Normalize first.
func (r *CommandRequest) Validate() error {
	if r.DeviceID == "" {
		return ErrDeviceRequired
	}
	if !r.Type.Valid() {
		return validationError(ErrInvalidCommand, fmt.Sprintf("unknown command type %q", r.Type))
	}

	if r.Type.RequiresUID() {
		if r.UID == "" {
			return ErrUIDRequired
		}
		if err := ValidateUID(r.UID); err != nil {
			return err
		}
	} else if r.UID != "" {
		return validationError(ErrInvalidCommand, fmt.Sprintf("%s does not take a uid", r.Type))
	}

	if r.Type == CommandSyncUIDs {
		if r.SyncUIDs == nil {
			return validationError(ErrInvalidCommand, "SYNC_UIDS requires whitelist and blacklist")
		}
		for _, uid := range append(append([]string{}, r.SyncUIDs.Whitelist...), r.SyncUIDs.Blacklist...) {
			if err := ValidateUID(uid); err != nil {
				return err
			}
		}
	} else if r.SyncUIDs != nil {
		return validationError(ErrInvalidCommand, fmt.Sprintf("%s does not take a payload", r.Type))
	}

	return nil
}

// Command converts the request into a PENDING row.
func (r *CommandRequest) Command() (*Command, error) {
	cmd := &Command{
		DeviceID: r.DeviceID,
		Type:     r.Type,
		Status:   StatusPending,
	}
	if r.UID != "" {
		uid := r.UID
		cmd.UID = &uid
	}
	if r.SyncUIDs != nil {
		payload := *r.SyncUIDs
		if payload.Whitelist == nil {
			payload.Whitelist = []string{}
		}
		if payload.Blacklist == nil {
			payload.Blacklist = []string{}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		cmd.Payload = data
	}
	return cmd, nil
}

// NormalizeUID trims and uppercases a card identifier. Firmware keys are
// case-sensitive and always uppercase hex.
func NormalizeUID(uid string) string {
	return strings.ToUpper(strings.TrimSpace(uid))
}

// NormalizeUIDs normalizes every entry and drops blanks.
func NormalizeUIDs(uids []string) []string {
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		if n := NormalizeUID(uid); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// ValidateUID requires a non-empty hexadecimal identifier.
func ValidateUID(uid string) error {
	if uid == "" {
		return ErrUIDRequired
	}
	for _, r := range uid {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F', r >= 'a' && r <= 'f':
		default:
			return validationError(ErrInvalidUID, uid)
		}
	}
	return nil
}
