package models

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type SessionState string

const (
	SessionActive   SessionState = "ACTIVE"
	SessionInactive SessionState = "INACTIVE"
)

// RideSession is the bounded interval during which a driver's position is
// tracked and attendance scanning is accepted for their route. At most one
// session per driver (and per route) is ACTIVE at any instant.
type RideSession struct {
	ID        string       `json:"id"`
	DriverID  string       `json:"driver_id"`
	RouteName string       `json:"route_name"`
	State     SessionState `json:"state"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
}

// LocationSample is immutable once created; only the latest sample per driver
// is retained for serving.
type LocationSample struct {
	DriverID   string    `json:"driver_id"`
	RouteName  string    `json:"route_name"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	AccuracyM  float64   `json:"accuracy_m"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s LocationSample) Coord() Coord { return Coord{Lat: s.Latitude, Lon: s.Longitude} }

// AttendanceRecord is created once per rider per ride session; repeat scans
// return the original record.
type AttendanceRecord struct {
	ID            string    `json:"id"`
	RideSessionID string    `json:"ride_session_id"`
	RiderID       string    `json:"rider_id"`
	RouteName     string    `json:"route_name"`
	StopName      string    `json:"stop_name,omitempty"`
	ScannedAt     time.Time `json:"scanned_at"`
	Location      *Coord    `json:"location,omitempty"`
	Valid         bool      `json:"valid"`
}

type ScanSummary struct {
	RiderID   string    `json:"rider_id"`
	StopName  string    `json:"stop_name,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// RosterSnapshot is the live onboard count plus the most recent scans for an
// active ride session.
type RosterSnapshot struct {
	RideSessionID string        `json:"ride_session_id"`
	Count         int           `json:"count"`
	Recent        []ScanSummary `json:"recent"`
}

// NotificationPreference configures proximity alerts for one rider on one
// route. The stop coordinate is what distance and ETA are measured against.
type NotificationPreference struct {
	RiderID     string  `json:"rider_id"`
	RouteName   string  `json:"route_name"`
	Enabled     bool    `json:"enabled"`
	DistanceKm  float64 `json:"distance_threshold_km"`
	TimeMinutes float64 `json:"time_threshold_minutes"`
	StopName    string  `json:"stop_name,omitempty"`
	Stop        Coord   `json:"stop"`
}

type AlertStatus string

const (
	AlertPending      AlertStatus = "pending"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

const (
	EmergencySOS        = "sos"
	EmergencyAccident   = "accident"
	EmergencyMedical    = "medical"
	EmergencySafety     = "safety"
	EmergencyHarassment = "harassment"
	EmergencyBreakdown  = "breakdown"
	EmergencyOther      = "other"
)

// DefaultPriority maps an emergency type to its priority when the reporter
// did not pick one.
func DefaultPriority(emergencyType string) string {
	switch emergencyType {
	case EmergencySOS, EmergencyAccident:
		return PriorityCritical
	case EmergencyMedical:
		return PriorityHigh
	case EmergencySafety, EmergencyHarassment:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// EmergencyAlert only ever moves forward: pending→acknowledged→resolved, or
// pending→resolved directly. It is never deleted by the coordination core.
type EmergencyAlert struct {
	ID             string      `json:"id"`
	ReporterType   string      `json:"reporter_type"`
	ReporterID     string      `json:"reporter_id"`
	RouteName      string      `json:"route_name"`
	EmergencyType  string      `json:"emergency_type"`
	PriorityLevel  string      `json:"priority_level"`
	Message        string      `json:"message,omitempty"`
	ContactNumber  string      `json:"contact_number"`
	Location       *Coord      `json:"location,omitempty"`
	Status         AlertStatus `json:"status"`
	AcknowledgedBy string      `json:"acknowledged_by,omitempty"`
	ResolvedBy     string      `json:"resolved_by,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

func NewID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
