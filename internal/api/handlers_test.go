package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Afsalkalladi/platformioemlock/config"
	"github.com/Afsalkalladi/platformioemlock/internal/api"
	"github.com/Afsalkalladi/platformioemlock/internal/client"
	"github.com/Afsalkalladi/platformioemlock/internal/core"
	"github.com/Afsalkalladi/platformioemlock/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type testEnv struct {
	server   *httptest.Server
	services *core.ServiceRegistry
	db       *infrastructure.Database
	logger   *logrus.Logger
}

// newTestServer starts the full router over a private in-memory SQLite store.
func newTestServer(t *testing.T, unlockToken string) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := infrastructure.NewDatabase(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name),
		MaxOpenConns: 1,
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cmdCfg := config.CommandsConfig{
		PollInterval:   10 * time.Millisecond,
		PollTimeout:    time.Second,
		MaxWaitTimeout: time.Second,
		HistoryLimit:   50,
		LogLimit:       100,
	}
	repo := core.NewRepository(db.DB)
	commands := core.NewCommandService(repo, nil, logger)
	services := &core.ServiceRegistry{
		Commands: commands,
		Reads:    core.NewReadService(repo, logger, config.PresenceConfig{OnlineThreshold: 120 * time.Second}, cmdCfg),
		Ingest:   core.NewIngestService(commands, repo, logger),
		Poller:   core.NewCommandPoller(commands, logger, cmdCfg),
	}

	router := gin.New()
	api.SetupRoutes(router, api.NewAPIHandlers(services, cmdCfg.MaxWaitTimeout), unlockToken, logger)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{server: server, services: services, db: db, logger: logger}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, header http.Header) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHealthCheck(t *testing.T) {
	env := newTestServer(t, "")

	health, err := client.NewClient(env.server.URL, "").Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("unexpected status %q", health.Status)
	}
}

func TestQuickUnlock_TextWithoutToken(t *testing.T) {
	env := newTestServer(t, "")

	resp, body := env.do(t, http.MethodPost, "/api/unlock/XYZ?format=text", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if string(body) != "OK: Door unlock command sent" {
		t.Errorf("unexpected body %q", body)
	}

	pending, err := env.services.Commands.Renotify(context.Background(), "XYZ", 10, true)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != core.CommandRemoteUnlock {
		t.Errorf("expected one queued REMOTE_UNLOCK, got %+v", pending)
	}
}

func TestQuickUnlock_JSON(t *testing.T) {
	env := newTestServer(t, "")

	resp, body := env.do(t, http.MethodGet, "/api/unlock/ESP32-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var got struct {
		Success   bool   `json:"success"`
		Message   string `json:"message"`
		CommandID string `json:"command_id"`
		DeviceID  string `json:"device_id"`
	}
	decode(t, body, &got)
	if !got.Success || got.CommandID == "" || got.DeviceID != "ESP32-1" || got.Message != "Unlock command sent" {
		t.Errorf("unexpected reply %+v", got)
	}
}

func TestQuickUnlock_Token(t *testing.T) {
	env := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		path   string
		header http.Header
		status int
		body   string
	}{
		{"missing", "/api/unlock/XYZ?format=text", nil, http.StatusUnauthorized, "ERROR: Unauthorized"},
		{"wrong bearer", "/api/unlock/XYZ?format=text", http.Header{"Authorization": {"Bearer nope"}}, http.StatusUnauthorized, "ERROR: Unauthorized"},
		{"bearer", "/api/unlock/XYZ?format=text", http.Header{"Authorization": {"Bearer s3cret"}}, http.StatusOK, "OK: Door unlock command sent"},
		{"query", "/api/unlock/XYZ?format=text&token=s3cret", nil, http.StatusOK, "OK: Door unlock command sent"},
		{"accept header", "/api/unlock/XYZ", http.Header{"Accept": {"text/plain"}}, http.StatusUnauthorized, "ERROR: Unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, tt.path, nil, tt.header)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, resp.StatusCode, body)
			}
			if string(body) != tt.body {
				t.Errorf("expected %q, got %q", tt.body, body)
			}
		})
	}

	resp, body := env.do(t, http.MethodPost, "/api/unlock/XYZ", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var got struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decode(t, body, &got)
	if got.Success || got.Error != "Unauthorized" {
		t.Errorf("unexpected JSON failure %+v", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestServer(t, "")

	resp, _ := env.do(t, http.MethodOptions, "/api/commands/unlock", nil, http.Header{
		"Origin":                        {"https://dashboard.local"},
		"Access-Control-Request-Method": {"POST"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
}

func TestCreateUnlock(t *testing.T) {
	env := newTestServer(t, "")

	resp, body := env.do(t, http.MethodPost, "/api/commands/unlock", map[string]string{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var failure struct {
		Error string `json:"error"`
	}
	decode(t, body, &failure)
	if failure.Error != "Missing deviceId" {
		t.Errorf("unexpected error %q", failure.Error)
	}

	resp, body = env.do(t, http.MethodPost, "/api/commands/unlock", []byte(`{"deviceId":`), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", resp.StatusCode)
	}
	failure.Error = ""
	decode(t, body, &failure)
	if failure.Error != "invalid request format" {
		t.Errorf("malformed body: unexpected error %q", failure.Error)
	}

	resp, body = env.do(t, http.MethodPost, "/api/commands/unlock", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty body: expected 400, got %d", resp.StatusCode)
	}
	failure.Error = ""
	decode(t, body, &failure)
	if failure.Error != "Missing deviceId" {
		t.Errorf("empty body: unexpected error %q", failure.Error)
	}

	cmd, err := client.NewClient(env.server.URL, "").Unlock(context.Background(), "ESP32-1")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if cmd == nil || cmd.Status != core.StatusPending || cmd.Type != core.CommandRemoteUnlock {
		t.Errorf("unexpected command %+v", cmd)
	}
}

func TestGetCommand_NotFound(t *testing.T) {
	env := newTestServer(t, "")

	resp, body := env.do(t, http.MethodGet, "/api/commands/does-not-exist", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var failure struct {
		Error string `json:"error"`
	}
	decode(t, body, &failure)
	if failure.Error == "" {
		t.Error("expected an error message")
	}
}

func TestCreateCommand_Validation(t *testing.T) {
	env := newTestServer(t, "")

	tests := []struct {
		name string
		body interface{}
	}{
		{"missing type", map[string]string{"uid": "AA"}},
		{"unknown type", map[string]string{"type": "OPEN"}},
		{"non-hex uid", map[string]string{"type": "WHITELIST_ADD", "uid": "zz"}},
		{"uid on unlock", map[string]string{"type": "REMOTE_UNLOCK", "uid": "AA"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodPost, "/api/devices/ESP32-1/commands", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", resp.StatusCode, body)
			}
		})
	}
}

// A whitelist add is queued, acknowledged by the device and then observed
// as DONE by both the read endpoint and a client-side poller.
func TestCommandRoundTrip(t *testing.T) {
	env := newTestServer(t, "")
	ctx := context.Background()
	apiClient := client.NewClient(env.server.URL, "")

	cmd, err := apiClient.SendCommand(ctx, "ESP32-1", client.CommandBody{Type: core.CommandWhitelistAdd, UID: "ab12cd34"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmd.Type != core.CommandWhitelistAdd || cmd.UID == nil || *cmd.UID != "AB12CD34" || cmd.Status != core.StatusPending {
		t.Fatalf("unexpected command %+v", cmd)
	}

	result := "added"
	if err := env.db.Model(&core.Command{}).Where("id = ?", cmd.ID).Updates(map[string]interface{}{
		"status":   core.StatusDone,
		"result":   result,
		"acked_at": time.Now().UTC(),
	}).Error; err != nil {
		t.Fatalf("simulate device ack: %v", err)
	}

	got, err := apiClient.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != core.StatusDone {
		t.Errorf("expected DONE, got %s", got.Status)
	}

	poller := core.NewCommandPoller(apiClient, env.logger, config.CommandsConfig{
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  time.Second,
	})
	out, err := poller.Await(ctx, cmd.ID)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !out.Success || out.Message != "added" {
		t.Errorf("expected success with result, got %+v", out)
	}

	if _, err := apiClient.GetCommand(ctx, "missing"); !errors.Is(err, core.ErrCommandNotFound) {
		t.Errorf("expected ErrCommandNotFound from client, got %v", err)
	}
}

func TestWaitCommand(t *testing.T) {
	env := newTestServer(t, "")
	ctx := context.Background()

	cmd, err := env.services.Commands.SendRemoteUnlock(ctx, "ESP32-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/commands/"+cmd.ID+"/wait?timeout=100ms", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	var waited struct {
		Success  bool               `json:"success"`
		Status   core.CommandStatus `json:"status"`
		TimedOut bool               `json:"timed_out"`
	}
	decode(t, body, &waited)
	if !waited.TimedOut || waited.Success || waited.Status != core.StatusPending {
		t.Errorf("expected a timed out PENDING command, got %+v", waited)
	}

	if _, err := env.services.Commands.AckCommand(ctx, cmd.ID, core.StatusFailed, nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	resp, body = env.do(t, http.MethodGet, "/api/commands/"+cmd.ID+"/wait", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	decode(t, body, &waited)
	if waited.TimedOut || waited.Success || waited.Status != core.StatusFailed {
		t.Errorf("expected FAILED, got %+v", waited)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/commands/missing/wait", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown command, got %d", resp.StatusCode)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	env := newTestServer(t, "")
	ctx := context.Background()

	if _, err := env.services.Commands.SendRemoteUnlock(ctx, "ESP32-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	pendingCmd, err := env.services.Commands.SendGetPending(ctx, "ESP32-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := env.services.Commands.AckCommand(ctx, pendingCmd.ID, core.StatusDone, strPtr(`PENDING:["AB12"]`)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	uid := &core.DeviceUID{DeviceID: "ESP32-1", UID: "AB12", State: core.UIDBlacklist}
	if err := env.db.Create(uid).Error; err != nil {
		t.Fatalf("seed uid: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/devices/ESP32-1/pending", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pending: %d %s", resp.StatusCode, body)
	}
	var pending []core.PendingUID
	decode(t, body, &pending)
	if len(pending) != 1 || pending[0].UID != "AB12" {
		t.Errorf("unexpected pending %+v", pending)
	}

	resp, body = env.do(t, http.MethodGet, "/api/devices/ESP32-9/pending", nil, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected empty array for unknown device, got %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodPatch, "/api/uids/"+uid.ID, map[string]string{"name": "Lost card"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rename: %d %s", resp.StatusCode, body)
	}
	resp, body = env.do(t, http.MethodGet, "/api/devices/ESP32-1/names", nil, nil)
	var names map[string]string
	decode(t, body, &names)
	if names["AB12"] != "Lost card" {
		t.Errorf("unexpected names %v", names)
	}

	resp, _ = env.do(t, http.MethodPatch, "/api/uids/missing", map[string]string{"name": "x"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown uid, got %d", resp.StatusCode)
	}

	resp, body = env.do(t, http.MethodGet, "/api/devices/ESP32-1/commands?limit=1", nil, nil)
	var history []core.Command
	decode(t, body, &history)
	if len(history) != 1 {
		t.Errorf("expected limit to apply, got %d", len(history))
	}

	resp, body = env.do(t, http.MethodGet, "/api/devices/ESP32-1/health", nil, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "null" {
		t.Errorf("expected null health, got %d %s", resp.StatusCode, body)
	}

	resp, body = env.do(t, http.MethodGet, "/api/devices/ESP32-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard: %d %s", resp.StatusCode, body)
	}
	var dashboard core.DeviceDashboard
	decode(t, body, &dashboard)
	if dashboard.Detail == nil || dashboard.Detail.PendingCommands != 1 || len(dashboard.Blacklist) != 1 {
		t.Errorf("unexpected dashboard %+v", dashboard)
	}

	resp, _ = env.do(t, http.MethodGet, "/api/devices/ESP32-404", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown device, got %d", resp.StatusCode)
	}
}

func TestHeartbeatShowsInHealth(t *testing.T) {
	env := newTestServer(t, "")

	payload := []byte(`{"free_heap_bytes": 100, "total_heap_bytes": 400, "tasks": [{"name":"rfid"}]}`)
	if err := env.services.Ingest.HandleHeartbeat(context.Background(), "doorlock/ESP32-1/health", payload); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	resp, body := env.do(t, http.MethodGet, "/api/devices/ESP32-1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, body)
	}
	var got struct {
		Health           core.DeviceHealth `json:"health"`
		Tasks            []core.TaskStatus `json:"tasks"`
		HeapUsagePercent float64           `json:"heap_usage_percent"`
		Stale            bool              `json:"stale"`
	}
	decode(t, body, &got)
	if got.HeapUsagePercent != 75 || len(got.Tasks) != 1 || got.Stale {
		t.Errorf("unexpected health reply %+v", got)
	}
}

func strPtr(s string) *string { return &s }
