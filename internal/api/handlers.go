// Package api exposes HTTP handlers for the cycle tracking service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/cycletrack/internal/auth"
	"example.com/cycletrack/internal/domain"
	"example.com/cycletrack/internal/persistence"
)

// Log listings are keyset-paginated; an oversized limit would reintroduce the
// full-log scan the cursor exists to avoid.
const (
	defaultLogPageLimit = 50
	maxLogPageLimit     = 200
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/device-update", h.deviceUpdate)
	mux.HandleFunc("/v1/toggle-lock", h.toggleLock)
	mux.HandleFunc("/v1/cycles", h.cycles)
	mux.HandleFunc("/v1/cycles/", h.cycleSubroute)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) deviceUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeTelemetryWrite) {
		writeError(w, http.StatusForbidden, "scope telemetry:write required")
		return
	}

	var req DeviceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	_, err := h.service.RecordDeviceUpdate(r.Context(), domain.DeviceUpdateInput{
		DeviceID:       req.DeviceID,
		RFIDTag:        req.RFIDTag,
		Latitude:       req.Latitude,
		Longitude:      req.Longitude,
		BatteryLevel:   req.BatteryLevel,
		SignalStrength: req.SignalStrength,
		Distance:       req.Distance,
	})
	if err != nil {
		// Every failure past this point is terminal for the request; the
		// device retries, not the handler.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) toggleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCyclesWrite) {
		writeError(w, http.StatusForbidden, "scope cycles:write required")
		return
	}

	var req ToggleLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cycle, err := h.service.ToggleLock(r.Context(), req.DeviceID, *req.LockState)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ToggleLockResponse{Success: true, IsLocked: cycle.IsLocked})
}

func (h *Handler) cycles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.registerCycle(w, r)
	case http.MethodGet:
		h.listCycles(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (h *Handler) cycleSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/cycles/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "missing cycle id")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "unsupported method")
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if len(parts) == 1 {
		h.getCycle(w, r, id)
		return
	}

	switch parts[1] {
	case "stats":
		h.cycleStats(w, r, id)
	case "logs":
		h.cycleLogs(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

func (h *Handler) registerCycle(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCyclesWrite) {
		writeError(w, http.StatusForbidden, "scope cycles:write required")
		return
	}

	var req RegisterCycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "unable to parse body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cycle, err := h.service.RegisterCycle(r.Context(), domain.RegisterCycleInput{
		OwnerID:    claims.Subject,
		Name:       req.Name,
		Model:      req.Model,
		Color:      req.Color,
		DeviceID:   req.DeviceID,
		UserName:   req.UserName,
		RollNumber: req.RollNumber,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateDevice) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toCycleView(*cycle))
}

func (h *Handler) listCycles(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeCyclesRead) && !claims.HasScope(auth.ScopeCyclesWrite) {
		writeError(w, http.StatusForbidden, "scope cycles:read required")
		return
	}

	cycles, err := h.service.ListCycles(r.Context(), claims.Subject)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]CycleView, 0, len(cycles))
	for _, cycle := range cycles {
		items = append(items, toCycleView(cycle))
	}
	writeJSON(w, http.StatusOK, ListCyclesResponse{Items: items})
}

func (h *Handler) getCycle(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	cycle, err := h.service.GetCycle(r.Context(), claims.Subject, id)
	if err != nil {
		if errors.Is(err, domain.ErrCycleNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toCycleView(*cycle))
}

func (h *Handler) cycleStats(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	stats, err := h.service.CycleStats(r.Context(), claims.Subject, id)
	if err != nil {
		if errors.Is(err, domain.ErrCycleNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CycleStatsResponse{
		TotalDistance: stats.TotalDistance,
		TotalRides:    stats.TotalRides,
		LastLocation:  PointView{Latitude: stats.LastLocation.Latitude, Longitude: stats.LastLocation.Longitude},
		LastUpdated:   stats.LastUpdated,
	})
}

func (h *Handler) cycleLogs(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := h.readClaims(w, r)
	if !ok {
		return
	}

	limit := defaultLogPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLogPageLimit {
		limit = maxLogPageLimit
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cursor")
		return
	}

	logs, next, err := h.service.ListLogs(r.Context(), claims.Subject, id, cursor, limit)
	if err != nil {
		if errors.Is(err, domain.ErrCycleNotFound) {
			writeError(w, http.StatusNotFound, "cycle not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	items := make([]TrackingLogView, 0, len(logs))
	for _, log := range logs {
		items = append(items, toTrackingLogView(log))
	}
	writeJSON(w, http.StatusOK, ListLogsResponse{Items: items, NextCursor: persistence.EncodeCursor(next)})
}

func (h *Handler) readClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return nil, false
	}
	if !claims.HasScope(auth.ScopeCyclesRead) && !claims.HasScope(auth.ScopeCyclesWrite) {
		writeError(w, http.StatusForbidden, "scope cycles:read required")
		return nil, false
	}
	return claims, true
}

// DeviceUpdateRequest is the payload for POST /v1/device-update. Optional
// fields are pointers: absence and zero are different things for telemetry.
type DeviceUpdateRequest struct {
	DeviceID       string   `json:"device_id"`
	RFIDTag        *string  `json:"rfid_tag"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	BatteryLevel   *int     `json:"battery_level"`
	SignalStrength *int     `json:"signal_strength"`
	Distance       *float64 `json:"distance"`
}

// Validate ensures request correctness.
func (r DeviceUpdateRequest) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if r.Distance != nil && *r.Distance < 0 {
		return errors.New("distance must be >= 0")
	}
	return nil
}

// ToggleLockRequest is the payload for POST /v1/toggle-lock.
type ToggleLockRequest struct {
	DeviceID  string `json:"device_id"`
	LockState *bool  `json:"lock_state"`
}

// Validate ensures request correctness.
func (r ToggleLockRequest) Validate() error {
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if r.LockState == nil {
		return errors.New("lock_state is required")
	}
	return nil
}

// ToggleLockResponse describes the response body for toggle-lock.
type ToggleLockResponse struct {
	Success  bool `json:"success"`
	IsLocked bool `json:"is_locked"`
}

// RegisterCycleRequest is the payload for POST /v1/cycles.
type RegisterCycleRequest struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	Color      string `json:"color"`
	DeviceID   string `json:"device_id"`
	UserName   string `json:"user_name"`
	RollNumber string `json:"roll_number"`
}

// Validate ensures request correctness.
func (r RegisterCycleRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(r.Model) == "" {
		return errors.New("model is required")
	}
	if strings.TrimSpace(r.Color) == "" {
		return errors.New("color is required")
	}
	if strings.TrimSpace(r.DeviceID) == "" {
		return errors.New("device_id is required")
	}
	if strings.TrimSpace(r.UserName) == "" {
		return errors.New("user_name is required")
	}
	if strings.TrimSpace(r.RollNumber) == "" {
		return errors.New("roll_number is required")
	}
	return nil
}

// PointView is the JSON shape for geographic points.
type PointView struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// CycleView exposes full details about a cycle.
type CycleView struct {
	CycleID        string    `json:"cycle_id"`
	Name           string    `json:"name"`
	Model          string    `json:"model"`
	Color          string    `json:"color"`
	DeviceID       string    `json:"device_id"`
	IsLocked       bool      `json:"is_locked"`
	LastLocation   PointView `json:"last_location"`
	BatteryLevel   *int      `json:"battery_level,omitempty"`
	SignalStrength *int      `json:"signal_strength,omitempty"`
	Status         string    `json:"status"`
	LastUpdated    time.Time `json:"last_updated"`
	LastSync       time.Time `json:"last_sync"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListCyclesResponse packages list results.
type ListCyclesResponse struct {
	Items []CycleView `json:"items"`
}

// CycleStatsResponse is the derived statistics view.
type CycleStatsResponse struct {
	TotalDistance float64   `json:"total_distance"`
	TotalRides    int       `json:"total_rides"`
	LastLocation  PointView `json:"last_location"`
	LastUpdated   time.Time `json:"last_updated"`
}

// TrackingLogView exposes one tracking-log entry.
type TrackingLogView struct {
	LogID     string         `json:"log_id"`
	EventType string         `json:"event_type"`
	Location  *PointView     `json:"location,omitempty"`
	Distance  *float64       `json:"distance,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ListLogsResponse packages paginated log results.
type ListLogsResponse struct {
	Items      []TrackingLogView `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"error": detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toCycleView(cycle domain.Cycle) CycleView {
	return CycleView{
		CycleID:        cycle.ID,
		Name:           cycle.Name,
		Model:          cycle.Model,
		Color:          cycle.Color,
		DeviceID:       cycle.DeviceID,
		IsLocked:       cycle.IsLocked,
		LastLocation:   PointView{Latitude: cycle.LastLocation.Latitude, Longitude: cycle.LastLocation.Longitude},
		BatteryLevel:   cycle.BatteryLevel,
		SignalStrength: cycle.SignalStrength,
		Status:         cycle.Status,
		LastUpdated:    cycle.LastUpdated,
		LastSync:       cycle.LastSync,
		CreatedAt:      cycle.CreatedAt,
	}
}

func toTrackingLogView(log domain.TrackingLog) TrackingLogView {
	view := TrackingLogView{
		LogID:     log.ID,
		EventType: string(log.EventType),
		Distance:  log.Distance,
		Data:      log.Data,
		CreatedAt: log.CreatedAt,
	}
	if log.Location != nil {
		view.Location = &PointView{Latitude: log.Location.Latitude, Longitude: log.Location.Longitude}
	}
	return view
}
