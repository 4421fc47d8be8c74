package emergency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrIncompleteAlert   = errors.New("incomplete emergency alert")
	ErrNotFound          = errors.New("alert not found")
	ErrInvalidTransition = errors.New("illegal alert status transition")
)

// SubmitRequest is the exhaustively-validated boundary type for an emergency
// submission. Location is informational and optional; everything tagged
// required must be present and non-placeholder.
type SubmitRequest struct {
	ReporterType  string   `json:"reporter_type" validate:"required,oneof=driver rider admin"`
	ReporterID    string   `json:"reporter_id" validate:"required"`
	RouteName     string   `json:"route_name" validate:"required"`
	EmergencyType string   `json:"emergency_type" validate:"required,oneof=sos accident medical safety harassment breakdown other"`
	PriorityLevel string   `json:"priority_level" validate:"omitempty,oneof=critical high medium low"`
	Message       string   `json:"message" validate:"max=2000"`
	ContactNumber string   `json:"contact_number" validate:"required"`
	Latitude      *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude     *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

// placeholders that client forms are known to submit instead of a real
// contact number.
var placeholderValues = map[string]struct{}{
	"n/a": {}, "na": {}, "none": {}, "-": {}, "0": {}, "null": {}, "unknown": {},
}

func isPlaceholder(v string) bool {
	_, ok := placeholderValues[strings.ToLower(strings.TrimSpace(v))]
	return ok || strings.TrimSpace(v) == ""
}

// Coordinator runs the emergency alert lifecycle: pending→acknowledged→
// resolved (or pending→resolved), fanning every transition out to the admin
// channel and the reporter's private channel.
type Coordinator struct {
	store    storage.Store
	pub      gateway.Publisher
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time

	mu     sync.Mutex
	alerts map[string]*models.EmergencyAlert
}

func NewCoordinator(store storage.Store, pub gateway.Publisher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		pub:      pub,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
		alerts:   make(map[string]*models.EmergencyAlert),
	}
}

// Submit accepts an emergency from any actor and fans it out.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*models.EmergencyAlert, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIncompleteAlert, err)
	}
	if isPlaceholder(req.ContactNumber) {
		return nil, fmt.Errorf("%w: contact_number is a placeholder", ErrIncompleteAlert)
	}
	if isPlaceholder(req.ReporterID) {
		return nil, fmt.Errorf("%w: reporter_id is a placeholder", ErrIncompleteAlert)
	}

	priority := req.PriorityLevel
	if priority == "" {
		priority = models.DefaultPriority(req.EmergencyType)
	}
	var loc *models.Coord
	if req.Latitude != nil && req.Longitude != nil {
		loc = &models.Coord{Lat: *req.Latitude, Lon: *req.Longitude}
	}

	created := c.now()
	a := &models.EmergencyAlert{
		ID:            models.NewID(),
		ReporterType:  req.ReporterType,
		ReporterID:    req.ReporterID,
		RouteName:     req.RouteName,
		EmergencyType: req.EmergencyType,
		PriorityLevel: priority,
		Message:       req.Message,
		ContactNumber: req.ContactNumber,
		Location:      loc,
		Status:        models.AlertPending,
		CreatedAt:     created,
		UpdatedAt:     created,
	}

	if err := c.store.SaveAlert(ctx, a); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.alerts[a.ID] = a
	c.mu.Unlock()

	c.logger.Info("emergency alert submitted",
		"alert_id", a.ID, "type", a.EmergencyType, "priority", a.PriorityLevel,
		"reporter_type", a.ReporterType, "route", a.RouteName)
	observability.EmergencyAlerts.WithLabelValues(string(models.AlertPending)).Inc()
	c.fanOut(a, models.EventEmergencyAlert)
	return a, nil
}

// Acknowledge moves a pending alert to acknowledged.
func (c *Coordinator) Acknowledge(ctx context.Context, alertID, by, notes string) (*models.EmergencyAlert, error) {
	return c.transition(ctx, alertID, models.AlertAcknowledged, by, notes)
}

// Resolve closes an alert from pending or acknowledged.
func (c *Coordinator) Resolve(ctx context.Context, alertID, by, notes string) (*models.EmergencyAlert, error) {
	return c.transition(ctx, alertID, models.AlertResolved, by, notes)
}

func (c *Coordinator) transition(ctx context.Context, alertID string, to models.AlertStatus, by, notes string) (*models.EmergencyAlert, error) {
	c.mu.Lock()
	a, ok := c.alerts[alertID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	if !legalTransition(a.Status, to) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	ts := c.now()
	a.Status = to
	a.UpdatedAt = ts
	if notes != "" {
		a.Notes = notes
	}
	switch to {
	case models.AlertAcknowledged:
		a.AcknowledgedBy = by
		a.AcknowledgedAt = &ts
	case models.AlertResolved:
		a.ResolvedBy = by
		a.ResolvedAt = &ts
	}
	snapshot := *a
	c.mu.Unlock()

	if err := c.store.UpdateAlert(ctx, &snapshot); err != nil {
		c.logger.Error("persisting alert transition failed", "alert_id", alertID, "error", err)
	}

	c.logger.Info("emergency alert transitioned", "alert_id", alertID, "status", to, "by", by)
	observability.EmergencyAlerts.WithLabelValues(string(to)).Inc()
	c.fanOut(&snapshot, models.EventSOSStatusUpdate)
	return &snapshot, nil
}

func legalTransition(from, to models.AlertStatus) bool {
	switch from {
	case models.AlertPending:
		return to == models.AlertAcknowledged || to == models.AlertResolved
	case models.AlertAcknowledged:
		return to == models.AlertResolved
	default:
		return false
	}
}

// fanOut publishes to the admin channel and echoes to the reporter's private
// channel (skipped when the reporter is an admin, who already sees the
// broadcast).
func (c *Coordinator) fanOut(a *models.EmergencyAlert, eventType string) {
	ev := gateway.NewEvent(eventType, a)
	c.pub.Publish(gateway.ChannelAdmin, ev)
	if reporter := gateway.ActorChannel(a.ReporterType, a.ReporterID); reporter != gateway.ChannelAdmin {
		c.pub.Publish(reporter, ev)
	}
}
