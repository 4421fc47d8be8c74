package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-transit/internal/attendance"
	"github.com/example/campus-transit/internal/emergency"
	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/session"
	"github.com/example/campus-transit/internal/storage"
)

// Server is the request/response boundary in front of the coordination core.
// Payloads are validated here so nothing loosely shaped reaches the state
// machines.
type Server struct {
	logger     *slog.Logger
	sessions   *session.Manager
	relay      *location.Relay
	attendance *attendance.Engine
	emergency  *emergency.Coordinator
	store      storage.Store
	hub        *gateway.Hub
	validate   *validator.Validate
	mux        *mux.Router
}

func NewServer(logger *slog.Logger, sessions *session.Manager, relay *location.Relay,
	att *attendance.Engine, emerg *emergency.Coordinator, store storage.Store, hub *gateway.Hub) *Server {
	s := &Server{
		logger:     logger,
		sessions:   sessions,
		relay:      relay,
		attendance: att,
		emergency:  emerg,
		store:      store,
		hub:        hub,
		validate:   validator.New(),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides/start", s.handleStartRide).Methods("POST")
	api.HandleFunc("/rides/stop", s.handleStopRide).Methods("POST")
	api.HandleFunc("/locations", s.handleIngestLocation).Methods("POST")
	api.HandleFunc("/locations/{driver_id}", s.handleLatestLocation).Methods("GET")
	api.HandleFunc("/attendance/tokens", s.handleIssueToken).Methods("POST")
	api.HandleFunc("/attendance/scans", s.handleScan).Methods("POST")
	api.HandleFunc("/rosters/{session_id}", s.handleRoster).Methods("GET")
	api.HandleFunc("/riders/{rider_id}/preferences", s.handleSavePreferences).Methods("PUT")
	api.HandleFunc("/alerts", s.handleSubmitAlert).Methods("POST")
	api.HandleFunc("/alerts/{alert_id}/acknowledge", s.handleAcknowledgeAlert).Methods("POST")
	api.HandleFunc("/alerts/{alert_id}/resolve", s.handleResolveAlert).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{actor_type}/{actor_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type startRideRequest struct {
	DriverID  string `json:"driver_id" validate:"required"`
	RouteName string `json:"route_name" validate:"required"`
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	var req startRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	sess, err := s.sessions.Start(r.Context(), req.DriverID, req.RouteName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type stopRideRequest struct {
	DriverID string `json:"driver_id" validate:"required"`
}

func (s *Server) handleStopRide(w http.ResponseWriter, r *http.Request) {
	var req stopRideRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.sessions.Stop(r.Context(), req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

type ingestLocationRequest struct {
	DriverID   string    `json:"driver_id" validate:"required"`
	Latitude   *float64  `json:"latitude" validate:"required"`
	Longitude  *float64  `json:"longitude" validate:"required"`
	AccuracyM  float64   `json:"accuracy_m" validate:"gte=0"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Server) handleIngestLocation(w http.ResponseWriter, r *http.Request) {
	var req ingestLocationRequest
	if !s.decode(w, r, &req) {
		return
	}
	sample, err := s.relay.Ingest(r.Context(), req.DriverID, *req.Latitude, *req.Longitude, req.AccuracyM, req.CapturedAt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sample)
}

func (s *Server) handleLatestLocation(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	sample, err := s.relay.Latest(driverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sample)
}

type issueTokenRequest struct {
	RouteName string `json:"route_name" validate:"required"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.attendance.IssueToken(req.RouteName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, token)
}

type scanRequest struct {
	RiderID   string   `json:"rider_id" validate:"required"`
	Token     string   `json:"token" validate:"required"`
	StopName  string   `json:"stop_name"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !s.decode(w, r, &req) {
		return
	}
	var loc *models.Coord
	if req.Latitude != nil && req.Longitude != nil {
		loc = &models.Coord{Lat: *req.Latitude, Lon: *req.Longitude}
	}
	rec, err := s.attendance.Scan(r.Context(), req.RiderID, req.Token, req.StopName, loc)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.attendance.Roster(mux.Vars(r)["session_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

type preferencesRequest struct {
	RouteName   string   `json:"route_name" validate:"required"`
	Enabled     bool     `json:"enabled"`
	DistanceKm  float64  `json:"distance_threshold_km" validate:"gte=0"`
	TimeMinutes float64  `json:"time_threshold_minutes" validate:"gte=0"`
	StopName    string   `json:"stop_name"`
	StopLat     *float64 `json:"stop_lat" validate:"required,gte=-90,lte=90"`
	StopLon     *float64 `json:"stop_lon" validate:"required,gte=-180,lte=180"`
}

func (s *Server) handleSavePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferencesRequest
	if !s.decode(w, r, &req) {
		return
	}
	pref := models.NotificationPreference{
		RiderID:     mux.Vars(r)["rider_id"],
		RouteName:   req.RouteName,
		Enabled:     req.Enabled,
		DistanceKm:  req.DistanceKm,
		TimeMinutes: req.TimeMinutes,
		StopName:    req.StopName,
		Stop:        models.Coord{Lat: *req.StopLat, Lon: *req.StopLon},
	}
	if err := s.store.SavePreference(r.Context(), pref); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pref)
}

func (s *Server) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var req emergency.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	alert, err := s.emergency.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, alert)
}

type alertActionRequest struct {
	By    string `json:"by" validate:"required"`
	Notes string `json:"notes"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	alert, err := s.emergency.Acknowledge(r.Context(), mux.Vars(r)["alert_id"], req.By, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req alertActionRequest
	if !s.decode(w, r, &req) {
		return
	}
	alert, err := s.emergency.Resolve(r.Context(), mux.Vars(r)["alert_id"], req.By, req.Notes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	actorType, actorID := vars["actor_type"], vars["actor_id"]
	switch actorType {
	case "driver", "rider", "admin":
	default:
		s.writeErrorCode(w, http.StatusBadRequest, "bad_actor_type", "actor_type must be driver, rider or admin")
		return
	}
	if actorID == "" {
		s.writeErrorCode(w, http.StatusBadRequest, "missing_actor_id", "actor_id is required")
		return
	}
	s.hub.ServeWS(w, r, actorType, actorID)
}

// decode unmarshals and validates the request body, writing the 400 itself
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "bad_json", err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.writeErrorCode(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// writeError maps the core's error taxonomy onto HTTP statuses: validation
// 400, state conflicts 409, unknown ids 404, everything else 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		s.writeErrorCode(w, http.StatusConflict, "already_active", err.Error())
	case errors.Is(err, session.ErrRouteOccupied):
		s.writeErrorCode(w, http.StatusConflict, "route_occupied", err.Error())
	case errors.Is(err, location.ErrRideNotActive), errors.Is(err, attendance.ErrRideNotActive):
		s.writeErrorCode(w, http.StatusConflict, "ride_not_active", err.Error())
	case errors.Is(err, location.ErrInvalidCoordinate):
		s.writeErrorCode(w, http.StatusBadRequest, "invalid_coordinate", err.Error())
	case errors.Is(err, attendance.ErrTokenExpired):
		s.writeErrorCode(w, http.StatusBadRequest, "token_expired", err.Error())
	case errors.Is(err, attendance.ErrTokenInvalid):
		s.writeErrorCode(w, http.StatusBadRequest, "token_invalid", err.Error())
	case errors.Is(err, emergency.ErrIncompleteAlert):
		s.writeErrorCode(w, http.StatusBadRequest, "incomplete_alert", err.Error())
	case errors.Is(err, emergency.ErrInvalidTransition):
		s.writeErrorCode(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, location.ErrNotFound), errors.Is(err, attendance.ErrNotFound),
		errors.Is(err, emergency.ErrNotFound):
		s.writeErrorCode(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.writeErrorCode(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
