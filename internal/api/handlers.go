// FamilySync - Connectivity and Sync Core for Family Location Sharing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/familysync

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	gws "github.com/gorilla/websocket"

	"github.com/tomtom215/familysync/internal/connectivity"
	"github.com/tomtom215/familysync/internal/logging"
	"github.com/tomtom215/familysync/internal/models"
	"github.com/tomtom215/familysync/internal/polling"
	syncengine "github.com/tomtom215/familysync/internal/sync"
	ws "github.com/tomtom215/familysync/internal/websocket"
)

// ConnectionSource exposes the connection snapshot.
type ConnectionSource interface {
	Snapshot() connectivity.State
}

// SyncService is the part of the sync engine the API drives.
type SyncService interface {
	ConnectionStatus() string
	PendingCount() int
	LastSyncAt() time.Time
	Drain(ctx context.Context) (syncengine.DrainReport, error)
	CreateFamily(ctx context.Context, name string) (*models.Family, syncengine.Result)
	JoinFamily(ctx context.Context, familyGUID string) (*models.Family, syncengine.Result)
}

// LocationService is the part of the polling scheduler the API drives.
type LocationService interface {
	PollOnce(ctx context.Context) ([]models.LocationRecord, error)
	RefreshNow(ctx context.Context) ([]models.LocationRecord, error)
	CurrentInterval() time.Duration
	LocationInterval() time.Duration
	CacheStatus() string
	ShouldReduceFrequency() bool
	LastSuccessAt() time.Time
}

// BatteryStatus exposes the optimizer's latest decision.
type BatteryStatus interface {
	Last() (polling.Recommendation, bool)
	Status() string
}

// DeviceSink accepts readings reported by the host.
type DeviceSink interface {
	SetLocation(loc models.Location) error
	SetBattery(b models.BatteryState) error
}

// Deps are the components behind the handlers. Any may be nil; the
// endpoints that need a missing one answer 503.
type Deps struct {
	Connection ConnectionSource
	Sync       SyncService
	Locations  LocationService
	Battery    BatteryStatus
	Device     DeviceSink
	Hub        *ws.Hub
}

// Handler serves the local API.
type Handler struct {
	deps      Deps
	startTime time.Time
}

// NewHandler creates a handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, startTime: time.Now()}
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Connection        connectivity.State      `json:"connection"`
	StatusText        string                  `json:"statusText"`
	Pending           int                     `json:"pending"`
	LastSyncAt        *time.Time              `json:"lastSyncAt,omitempty"`
	PollIntervalSec   int                     `json:"pollIntervalSeconds"`
	LocationInterval  int                     `json:"locationIntervalSeconds"`
	LastPollSuccessAt *time.Time              `json:"lastPollSuccessAt,omitempty"`
	CacheStatus       string                  `json:"cacheStatus"`
	ReduceFrequency   bool                    `json:"reduceFrequency"`
	Optimization      *polling.Recommendation `json:"optimization,omitempty"`
	BatteryStatus     string                  `json:"batteryStatus,omitempty"`
	WebSocketClients  int                     `json:"websocketClients"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	Online        bool    `json:"online"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// DrainResponse is the body of POST /api/v1/sync.
type DrainResponse struct {
	syncengine.DrainReport
	Error string `json:"error,omitempty"`
}

// MutationResponse is the body of the family endpoints.
type MutationResponse struct {
	Family  *models.Family `json:"family,omitempty"`
	Queued  bool           `json:"queued"`
	Message string         `json:"message,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *Handler) status() StatusResponse {
	var resp StatusResponse
	if h.deps.Connection != nil {
		resp.Connection = h.deps.Connection.Snapshot()
		resp.StatusText = resp.Connection.StatusText()
	}
	if h.deps.Sync != nil {
		resp.StatusText = h.deps.Sync.ConnectionStatus()
		resp.Pending = h.deps.Sync.PendingCount()
		resp.LastSyncAt = timePtr(h.deps.Sync.LastSyncAt())
	}
	if h.deps.Locations != nil {
		resp.PollIntervalSec = int(h.deps.Locations.CurrentInterval().Seconds())
		resp.LocationInterval = int(h.deps.Locations.LocationInterval().Seconds())
		resp.LastPollSuccessAt = timePtr(h.deps.Locations.LastSuccessAt())
		resp.CacheStatus = h.deps.Locations.CacheStatus()
		resp.ReduceFrequency = h.deps.Locations.ShouldReduceFrequency()
	}
	if h.deps.Battery != nil {
		if rec, ok := h.deps.Battery.Last(); ok {
			resp.Optimization = &rec
		}
		resp.BatteryStatus = h.deps.Battery.Status()
	}
	if h.deps.Hub != nil {
		resp.WebSocketClients = h.deps.Hub.GetClientCount()
	}
	return resp
}

// Health reports liveness. It is healthy whenever the process serves
// requests; being offline is a normal state for this client.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:        "healthy",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
	}
	if h.deps.Connection != nil {
		resp.Online = h.deps.Connection.Snapshot().IsOnline
	}
	respondSuccess(w, http.StatusOK, resp, false)
}

// Status returns the combined status summary.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	respondSuccess(w, http.StatusOK, h.status(), false)
}

// Locations returns the family locations, from cache when valid.
func (h *Handler) Locations(w http.ResponseWriter, r *http.Request) {
	h.serveLocations(w, r, false)
}

// Refresh drops the cache and fetches the family locations now.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	h.serveLocations(w, r, true)
}

func (h *Handler) serveLocations(w http.ResponseWriter, r *http.Request, refresh bool) {
	if h.deps.Locations == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Location polling not available", nil)
		return
	}

	fetch := h.deps.Locations.PollOnce
	if refresh {
		fetch = h.deps.Locations.RefreshNow
	}
	locs, err := fetch(r.Context())

	offline := h.deps.Connection != nil && !h.deps.Connection.Snapshot().IsOnline
	switch {
	case errors.Is(err, polling.ErrNoData):
		respondError(w, http.StatusServiceUnavailable, "OFFLINE", "No connection and no cached data available", nil)
	case err != nil && locs != nil:
		respondSuccess(w, http.StatusOK, locs, true)
	case err != nil:
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error(), err)
	default:
		if locs == nil {
			locs = []models.LocationRecord{}
		}
		respondSuccess(w, http.StatusOK, locs, offline)
	}
}

// Sync drains the offline queue now.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Sync engine not available", nil)
		return
	}

	report, err := h.deps.Sync.Drain(r.Context())
	switch {
	case errors.Is(err, syncengine.ErrDrainInProgress):
		respondError(w, http.StatusConflict, "CONFLICT", "A sync is already running", nil)
	case errors.Is(err, syncengine.ErrOffline):
		respondErrorDetails(w, http.StatusServiceUnavailable, "OFFLINE", "Backend not reachable",
			map[string]any{"pending": report.Remaining}, nil)
	default:
		resp := DrainResponse{DrainReport: report}
		if err != nil {
			resp.Error = err.Error()
		}
		respondSuccess(w, http.StatusOK, resp, false)
	}
}

// CreateFamily creates a family, queuing the request when offline.
func (h *Handler) CreateFamily(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Sync engine not available", nil)
		return
	}
	var req models.CreateFamilyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fam, res := h.deps.Sync.CreateFamily(r.Context(), req.Name)
	respondMutation(w, fam, res)
}

// JoinFamily joins a family, queuing the request when offline.
func (h *Handler) JoinFamily(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Sync engine not available", nil)
		return
	}
	var req models.JoinFamilyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	fam, res := h.deps.Sync.JoinFamily(r.Context(), req.FamilyGUID)
	respondMutation(w, fam, res)
}

type rejecter interface {
	Rejected() bool
}

func respondMutation(w http.ResponseWriter, fam *models.Family, res syncengine.Result) {
	switch {
	case res.Success:
		respondSuccess(w, http.StatusCreated, MutationResponse{Family: fam}, false)
	case res.Queued:
		respondSuccess(w, http.StatusAccepted, MutationResponse{Queued: true, Message: res.Message}, false)
	case respondValidation(w, res.Err):
	default:
		var rej rejecter
		if errors.As(res.Err, &rej) && rej.Rejected() {
			respondError(w, http.StatusUnprocessableEntity, "REJECTED", res.Message, nil)
			return
		}
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", res.Message, res.Err)
	}
}

// DeviceLocation records a fix reported by the host.
func (h *Handler) DeviceLocation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Device == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Device input not available", nil)
		return
	}
	var loc models.Location
	if !decodeJSON(w, r, &loc) {
		return
	}
	if err := h.deps.Device.SetLocation(loc); err != nil {
		if !respondValidation(w, err) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		}
		return
	}
	respondSuccess(w, http.StatusOK, loc, false)
}

// DeviceBattery records a battery reading reported by the host.
func (h *Handler) DeviceBattery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Device == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Device input not available", nil)
		return
	}
	var b models.BatteryState
	if !decodeJSON(w, r, &b) {
		return
	}
	if err := h.deps.Device.SetBattery(b); err != nil {
		if !respondValidation(w, err) {
			respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		}
		return
	}
	respondSuccess(w, http.StatusOK, b, false)
}

func (h *Handler) getUpgrader() gws.Upgrader {
	return gws.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin accepts native shells, which send no Origin, and
// browser pages served from the loopback interface.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		return true
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected: origin not local")
	return false
}

// WebSocket upgrades the connection and registers it with the hub. The first
// frame is a welcome carrying the status summary.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		logging.Warn().Msg("WebSocket connection rejected: hub not initialized")
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "WebSocket service unavailable", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.deps.Hub, conn)
	h.deps.Hub.Register <- client
	client.Greet(h.status())
	client.Start()
}
