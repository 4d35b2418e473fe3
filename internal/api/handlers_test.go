package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/cycletrack/internal/auth"
	"example.com/cycletrack/internal/domain"
)

func TestDeviceUpdateSuccess(t *testing.T) {
	repo := &mockRepo{}
	handler := NewHandler(domain.NewService(repo))

	body := `{"device_id":"CC-001-XYZ","latitude":28.7041,"longitude":77.1025,"distance":1.2,"battery_level":88}`
	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", body, deviceClaims())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp["success"] {
		t.Fatalf("expected success=true, got %s", rr.Body.String())
	}

	if repo.lastUpdate.Location == nil {
		t.Fatal("expected location to be applied")
	}
	if repo.lastUpdate.Location.Latitude != 28.7041 || repo.lastUpdate.Location.Longitude != 77.1025 {
		t.Fatalf("unexpected location %+v", repo.lastUpdate.Location)
	}
	if repo.lastUpdate.Distance != 1.2 {
		t.Fatalf("unexpected distance %v", repo.lastUpdate.Distance)
	}
	if repo.lastUpdate.BatteryLevel == nil || *repo.lastUpdate.BatteryLevel != 88 {
		t.Fatalf("unexpected battery level %+v", repo.lastUpdate.BatteryLevel)
	}
	if repo.lastUpdate.SignalStrength != nil {
		t.Fatal("absent signal strength must stay nil so stored values survive")
	}
}

func TestDeviceUpdateRFIDOnly(t *testing.T) {
	repo := &mockRepo{}
	handler := NewHandler(domain.NewService(repo))

	body := `{"device_id":"CC-001-XYZ","rfid_tag":"04:A3:22:F9"}`
	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", body, deviceClaims())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if repo.lastUpdate.RFIDTag == nil || *repo.lastUpdate.RFIDTag != "04:A3:22:F9" {
		t.Fatalf("unexpected rfid tag %+v", repo.lastUpdate.RFIDTag)
	}
	if repo.lastUpdate.Location != nil {
		t.Fatal("rfid-only payload must not touch the location")
	}
}

func TestDeviceUpdateMissingDeviceID(t *testing.T) {
	repo := &mockRepo{}
	handler := NewHandler(domain.NewService(repo))

	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", `{"latitude":28.7}`, deviceClaims())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
	if repo.updateCalls != 0 {
		t.Fatal("invalid payload must never reach the repository")
	}
}

func TestDeviceUpdateNegativeDistance(t *testing.T) {
	handler := NewHandler(domain.NewService(&mockRepo{}))

	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", `{"device_id":"CC-001-XYZ","distance":-1}`, deviceClaims())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
}

func TestDeviceUpdateUnknownDevice(t *testing.T) {
	repo := &mockRepo{updateErr: domain.ErrUnknownDevice}
	handler := NewHandler(domain.NewService(repo))

	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", `{"device_id":"ghost"}`, deviceClaims())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown device got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
}

func TestDeviceUpdateRequiresTelemetryScope(t *testing.T) {
	handler := NewHandler(domain.NewService(&mockRepo{}))

	rr := postJSON(t, handler.deviceUpdate, "/v1/device-update", `{"device_id":"CC-001-XYZ"}`, dashboardClaims())

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestToggleLockSuccess(t *testing.T) {
	repo := &mockRepo{cycle: sampleCycle()}
	handler := NewHandler(domain.NewService(repo))

	rr := postJSON(t, handler.toggleLock, "/v1/toggle-lock", `{"device_id":"CC-001-XYZ","lock_state":false}`, dashboardClaims())

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp ToggleLockResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.Success {
		t.Fatal("expected success=true")
	}
	if resp.IsLocked {
		t.Fatal("expected is_locked=false after unlock")
	}
}

func TestToggleLockMissingLockState(t *testing.T) {
	repo := &mockRepo{cycle: sampleCycle()}
	handler := NewHandler(domain.NewService(repo))

	rr := postJSON(t, handler.toggleLock, "/v1/toggle-lock", `{"device_id":"CC-001-XYZ"}`, dashboardClaims())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
	if repo.lockCalls != 0 {
		t.Fatal("missing lock_state must never reach the repository")
	}
}

func TestToggleLockUnknownDevice(t *testing.T) {
	handler := NewHandler(domain.NewService(&mockRepo{}))

	rr := postJSON(t, handler.toggleLock, "/v1/toggle-lock", `{"device_id":"ghost","lock_state":true}`, dashboardClaims())

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
}

func TestRegisterCycleDuplicateDevice(t *testing.T) {
	repo := &mockRepo{createErr: domain.ErrDuplicateDevice}
	handler := NewHandler(domain.NewService(repo))

	body := `{"name":"commuter","model":"Atlas","color":"red","device_id":"CC-001-XYZ","user_name":"Asha","roll_number":"B21CS017"}`
	rr := postJSON(t, handler.registerCycle, "/v1/cycles", body, dashboardClaims())

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d: %s", rr.Code, rr.Body.String())
	}
	assertErrorBody(t, rr)
}

func TestRegisterCycleSuccess(t *testing.T) {
	repo := &mockRepo{}
	handler := NewHandler(domain.NewService(repo))

	body := `{"name":"commuter","model":"Atlas","color":"red","device_id":"CC-001-XYZ","user_name":"Asha","roll_number":"B21CS017"}`
	rr := postJSON(t, handler.registerCycle, "/v1/cycles", body, dashboardClaims())

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CycleView
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if !resp.IsLocked {
		t.Fatal("new cycles must start locked")
	}
	if resp.BatteryLevel == nil || *resp.BatteryLevel != 100 {
		t.Fatalf("expected full battery, got %+v", resp.BatteryLevel)
	}
	if repo.createdCycle.OwnerID != "user-1" {
		t.Fatalf("owner must come from the token subject, got %q", repo.createdCycle.OwnerID)
	}
}

func TestCycleStatsResponse(t *testing.T) {
	d1, d2 := 2.5, 3.1
	zero := 0.0
	repo := &mockRepo{
		cycle:     sampleCycle(),
		distances: []*float64{&d1, &zero, &d2, nil},
	}
	handler := NewHandler(domain.NewService(repo))

	req := httptest.NewRequest(http.MethodGet, "/v1/cycles/c-1/stats", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), dashboardClaims()))
	rr := httptest.NewRecorder()
	handler.cycleStats(rr, req, "c-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CycleStatsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.TotalDistance < 5.599 || resp.TotalDistance > 5.601 {
		t.Fatalf("unexpected total_distance %v", resp.TotalDistance)
	}
	if resp.TotalRides != 4 {
		t.Fatalf("expected 4 rides got %d", resp.TotalRides)
	}
}

func TestCycleStatsNotFound(t *testing.T) {
	handler := NewHandler(domain.NewService(&mockRepo{}))

	req := httptest.NewRequest(http.MethodGet, "/v1/cycles/missing/stats", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), dashboardClaims()))
	rr := httptest.NewRecorder()
	handler.cycleStats(rr, req, "missing")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestCycleLogsCapsLimit(t *testing.T) {
	repo := &mockRepo{cycle: sampleCycle()}
	handler := NewHandler(domain.NewService(repo))

	req := httptest.NewRequest(http.MethodGet, "/v1/cycles/c-1/logs?limit=1000000", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), dashboardClaims()))
	rr := httptest.NewRecorder()
	handler.cycleLogs(rr, req, "c-1")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}
	if repo.lastLimit != 200 {
		t.Fatalf("expected capped limit 200, repo saw %d", repo.lastLimit)
	}
}

func TestCycleLogsInvalidCursor(t *testing.T) {
	repo := &mockRepo{cycle: sampleCycle()}
	handler := NewHandler(domain.NewService(repo))

	req := httptest.NewRequest(http.MethodGet, "/v1/cycles/c-1/logs?cursor=!!not-base64!!", nil)
	req = req.WithContext(auth.WithClaims(req.Context(), dashboardClaims()))
	rr := httptest.NewRecorder()
	handler.cycleLogs(rr, req, "c-1")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d: %s", rr.Code, rr.Body.String())
	}
}

func postJSON(t *testing.T, fn http.HandlerFunc, path, body string, claims *auth.Claims) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(auth.WithClaims(req.Context(), claims))
	rr := httptest.NewRecorder()
	fn(rr, req)
	return rr
}

func assertErrorBody(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if resp["error"] == "" {
		t.Fatalf("expected error detail, got %s", rr.Body.String())
	}
}

func deviceClaims() *auth.Claims {
	return &auth.Claims{
		Subject:   "device-gateway",
		Scopes:    map[string]struct{}{auth.ScopeTelemetryWrite: {}},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func dashboardClaims() *auth.Claims {
	return &auth.Claims{
		Subject: "user-1",
		Scopes: map[string]struct{}{
			auth.ScopeCyclesRead:  {},
			auth.ScopeCyclesWrite: {},
		},
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func sampleCycle() *domain.Cycle {
	battery := 92
	return &domain.Cycle{
		ID:           "c-1",
		OwnerID:      "user-1",
		Name:         "commuter",
		Model:        "Atlas",
		Color:        "red",
		DeviceID:     "CC-001-XYZ",
		IsLocked:     true,
		LastLocation: domain.Point{Latitude: 28.7041, Longitude: 77.1025},
		BatteryLevel: &battery,
		Status:       "active",
		LastUpdated:  time.Now().UTC(),
		LastSync:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
}

type mockRepo struct {
	cycle        *domain.Cycle
	distances    []*float64
	logs         []domain.TrackingLog
	lastUpdate   domain.DeviceUpdate
	updateCalls  int
	lastLimit    int
	lockCalls    int
	updateErr    error
	createErr    error
	createdCycle domain.Cycle
}

func (m *mockRepo) CreateCycle(ctx context.Context, cycle domain.Cycle, owner domain.Profile) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.createdCycle = cycle
	m.cycle = &cycle
	return nil
}

func (m *mockRepo) GetCycle(ctx context.Context, ownerID, cycleID string) (*domain.Cycle, error) {
	if m.cycle != nil && m.cycle.ID == cycleID && m.cycle.OwnerID == ownerID {
		return m.cycle, nil
	}
	return nil, nil
}

func (m *mockRepo) ListCyclesByOwner(ctx context.Context, ownerID string) ([]domain.Cycle, error) {
	if m.cycle == nil {
		return nil, nil
	}
	return []domain.Cycle{*m.cycle}, nil
}

func (m *mockRepo) RecordDeviceUpdate(ctx context.Context, update domain.DeviceUpdate) (*domain.DeviceUpdateResult, error) {
	m.updateCalls++
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.lastUpdate = update
	return &domain.DeviceUpdateResult{CycleID: "c-1"}, nil
}

func (m *mockRepo) SetLockState(ctx context.Context, deviceID string, locked bool, at time.Time) (*domain.Cycle, error) {
	m.lockCalls++
	if m.cycle == nil || m.cycle.DeviceID != deviceID {
		return nil, domain.ErrUnknownDevice
	}
	m.cycle.IsLocked = locked
	m.cycle.LastUpdated = at
	return m.cycle, nil
}

func (m *mockRepo) TrackingDistances(ctx context.Context, cycleID string) ([]*float64, error) {
	return m.distances, nil
}

func (m *mockRepo) ListLogs(ctx context.Context, cycleID string, cursor *domain.LogCursor, limit int) ([]domain.TrackingLog, *domain.LogCursor, error) {
	m.lastLimit = limit
	return m.logs, nil, nil
}
