package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campus_transit", Name: "ws_connections", Help: "Open websocket connections"})
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campus_transit", Name: "fanout_dropped_total", Help: "Events dropped because a subscriber buffer was full"})

	ActiveRideSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "campus_transit", Name: "active_ride_sessions", Help: "Ride sessions currently ACTIVE"})
	LocationsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "campus_transit", Name: "locations_ingested_total", Help: "Accepted location samples"})

	AttendanceScans = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "attendance_scans_total", Help: "Attendance scans by result"},
		[]string{"result"},
	)
	ProximityNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "proximity_notifications_total", Help: "Proximity notifications by priority"},
		[]string{"priority"},
	)
	EmergencyAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "emergency_alerts_total", Help: "Emergency alert lifecycle events by status"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_transit", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_transit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
