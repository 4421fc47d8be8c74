package models

import "time"

// Event type discriminators carried on the websocket wire.
const (
	EventLocationUpdate        = "location_update"
	EventRideStatusUpdate      = "ride_status_update"
	EventAttendanceUpdate      = "attendance_update"
	EventProximityNotification = "proximity_notification"
	EventEmergencyAlert        = "emergency_alert"
	EventSOSStatusUpdate       = "sos_status_update"
)

type RideStatusUpdate struct {
	RideSessionID string    `json:"ride_session_id"`
	DriverID      string    `json:"driver_id"`
	RouteName     string    `json:"route_name"`
	Status        string    `json:"status"` // "active" or "ended"
	Timestamp     time.Time `json:"timestamp"`
}

type AttendanceUpdate struct {
	RideSessionID string    `json:"ride_session_id"`
	RouteName     string    `json:"route_name"`
	RiderID       string    `json:"rider_id"`
	StopName      string    `json:"stop_name,omitempty"`
	OnboardCount  int       `json:"onboard_count"`
	ScannedAt     time.Time `json:"scanned_at"`
}

type ProximityNotification struct {
	RiderID       string    `json:"rider_id"`
	DriverID      string    `json:"driver_id"`
	RouteName     string    `json:"route_name"`
	RideSessionID string    `json:"ride_session_id"`
	StopName      string    `json:"stop_name,omitempty"`
	DistanceKm    float64   `json:"distance_km"`
	EtaMinutes    float64   `json:"eta_minutes"`
	Priority      string    `json:"priority"`
	Timestamp     time.Time `json:"timestamp"`
}
