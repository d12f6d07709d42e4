package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/gin-gonic/gin"
)

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	maxWait  time.Duration
}

// NewAPIHandlers creates a new handler instance. maxWait caps the ?timeout=
// of the wait endpoint.
func NewAPIHandlers(services *core.ServiceRegistry, maxWait time.Duration) *APIHandlers {
	return &APIHandlers{services: services, maxWait: maxWait}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "doorlock-api",
	})
}

// --- Command Endpoints ---

// GetCommand returns one command row; callers poll it until DONE or FAILED.
func (h *APIHandlers) GetCommand(c *gin.Context) {
	cmd, err := h.services.Commands.GetCommand(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// WaitCommand polls server-side until the command is final or the timeout
// elapses. A timeout is reported, not treated as failure.
func (h *APIHandlers) WaitCommand(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.services.Commands.GetCommand(ctx, id); err != nil {
		_ = c.Error(err)
		return
	}

	poller := h.services.Poller.WithTimeout(h.waitTimeout(c.Query("timeout")))
	out, err := poller.Await(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}

	var status core.CommandStatus
	if out.Command != nil {
		status = out.Command.Status
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   out.Success,
		"status":    status,
		"message":   out.Message,
		"timed_out": out.TimedOut,
		"command":   out.Command,
	})
}

// waitTimeout accepts a Go duration ("30s") or plain seconds ("30").
func (h *APIHandlers) waitTimeout(raw string) time.Duration {
	var d time.Duration
	if raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			d = time.Duration(secs) * time.Second
		} else if parsed, err := time.ParseDuration(raw); err == nil {
			d = parsed
		}
	}
	if d <= 0 || (h.maxWait > 0 && d > h.maxWait) {
		return h.maxWait
	}
	return d
}

// CreateUnlock queues REMOTE_UNLOCK for the device named in the body.
func (h *APIHandlers) CreateUnlock(c *gin.Context) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing deviceId"})
		return
	}

	cmd, err := h.services.Commands.SendRemoteUnlock(c.Request.Context(), req.DeviceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "result": cmd})
}

// QuickUnlock is the shortcut-friendly unlock endpoint. It answers in plain
// text when asked to.
func (h *APIHandlers) QuickUnlock(c *gin.Context) {
	deviceID := strings.TrimSpace(c.Param("deviceId"))
	if deviceID == "" {
		respondUnlock(c, http.StatusBadRequest, false, core.ErrDeviceRequired.Message, nil)
		return
	}

	cmd, err := h.services.Commands.SendRemoteUnlock(c.Request.Context(), deviceID)
	if err != nil {
		respondUnlock(c, statusFor(err), false, messageFor(err), nil)
		return
	}
	respondUnlock(c, http.StatusOK, true, "", cmd)
}

func respondUnlock(c *gin.Context, status int, ok bool, message string, cmd *core.Command) {
	if wantsText(c) {
		if ok {
			c.String(status, "OK: Door unlock command sent")
		} else {
			c.String(status, "ERROR: "+message)
		}
		return
	}

	if !ok {
		c.JSON(status, gin.H{"success": false, "error": message})
		return
	}
	c.JSON(status, gin.H{
		"success":    true,
		"message":    "Unlock command sent",
		"command_id": cmd.ID,
		"device_id":  cmd.DeviceID,
	})
}

// CreateCommand queues any command type for a device.
func (h *APIHandlers) CreateCommand(c *gin.Context) {
	var body struct {
		Type      string   `json:"type" binding:"required"`
		UID       string   `json:"uid"`
		Whitelist []string `json:"whitelist"`
		Blacklist []string `json:"blacklist"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return
	}

	t, err := core.ParseCommandType(body.Type)
	if err != nil {
		_ = c.Error(err)
		return
	}

	req := core.CommandRequest{DeviceID: c.Param("id"), Type: t, UID: body.UID}
	if t == core.CommandSyncUIDs || body.Whitelist != nil || body.Blacklist != nil {
		req.SyncUIDs = &core.SyncUIDsPayload{Whitelist: body.Whitelist, Blacklist: body.Blacklist}
	}

	cmd, err := h.services.Commands.SendCommand(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// --- Device Endpoints ---

// ListDevices returns every known device with presence.
func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Reads.ListDevices(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDevice returns the full dashboard batch of one device.
func (h *APIHandlers) GetDevice(c *gin.Context) {
	dashboard, err := h.services.Reads.Dashboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

func (h *APIHandlers) GetWhitelist(c *gin.Context) {
	uids, err := h.services.Reads.Whitelist(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, uids)
}

func (h *APIHandlers) GetBlacklist(c *gin.Context) {
	uids, err := h.services.Reads.Blacklist(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, uids)
}

func (h *APIHandlers) GetPendingUIDs(c *gin.Context) {
	pending, err := h.services.Reads.PendingUIDs(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, pending)
}

func (h *APIHandlers) GetCommandHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	commands, err := h.services.Reads.CommandHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, commands)
}

func (h *APIHandlers) GetAccessLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	logs, err := h.services.Reads.AccessLogs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetHealth returns the latest heartbeat, or null when none was received.
func (h *APIHandlers) GetHealth(c *gin.Context) {
	health, err := h.services.Reads.Health(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	if health == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"health":             health,
		"tasks":              health.TaskList(),
		"heap_usage_percent": health.HeapUsagePercent(),
		"stale":              health.Stale(time.Now(), h.services.Reads.Threshold()),
	})
}

func (h *APIHandlers) GetUIDNames(c *gin.Context) {
	names, err := h.services.Reads.UIDNames(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, names)
}

// UpdateUIDName relabels a whitelist or blacklist entry.
func (h *APIHandlers) UpdateUIDName(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format"})
		return
	}

	uid, err := h.services.Reads.UpdateUIDName(c.Request.Context(), c.Param("id"), body.Name)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, uid)
}
