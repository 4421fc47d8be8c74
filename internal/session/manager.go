package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	// ErrAlreadyActive means the driver has an ACTIVE session on another route.
	ErrAlreadyActive = errors.New("ride session already active")
	// ErrRouteOccupied means another driver is already ACTIVE on the route.
	ErrRouteOccupied = errors.New("route already has an active session")
)

// StopHook runs synchronously when a session ends, before the ride_status_update
// is published. Hooks must not call back into the Manager for the same driver.
type StopHook func(s *models.RideSession)

// Manager is the per-driver ride session state machine. It is the single gate
// the Location Relay and Attendance Engine check before accepting ingress.
type Manager struct {
	store       storage.Store
	pub         gateway.Publisher
	logger      *slog.Logger
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	locks    map[string]*sync.Mutex
	byDriver map[string]*models.RideSession
	byRoute  map[string]string // route -> driver_id
	lastSeen map[string]time.Time

	stopHooks []StopHook
}

func NewManager(store storage.Store, pub gateway.Publisher, logger *slog.Logger, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       store,
		pub:         pub,
		logger:      logger,
		idleTimeout: idleTimeout,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
		byDriver:    make(map[string]*models.RideSession),
		byRoute:     make(map[string]string),
		lastSeen:    make(map[string]time.Time),
	}
}

// OnStop registers a hook; call during wiring, before traffic.
func (m *Manager) OnStop(h StopHook) { m.stopHooks = append(m.stopHooks, h) }

// driverLock serializes all state transitions for one driver.
func (m *Manager) driverLock(driverID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[driverID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[driverID] = l
	}
	return l
}

// Start transitions the driver INACTIVE→ACTIVE. A repeated start on the same
// route returns the existing session so client retries are harmless.
func (m *Manager) Start(ctx context.Context, driverID, routeName string) (*models.RideSession, error) {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	if cur, ok := m.byDriver[driverID]; ok {
		same := cur.RouteName == routeName
		cp := *cur
		m.mu.Unlock()
		if same {
			return &cp, nil
		}
		return nil, ErrAlreadyActive
	}
	if other, ok := m.byRoute[routeName]; ok && other != driverID {
		m.mu.Unlock()
		return nil, ErrRouteOccupied
	}
	s := &models.RideSession{
		ID:        models.NewID(),
		DriverID:  driverID,
		RouteName: routeName,
		State:     models.SessionActive,
		StartedAt: m.now(),
	}
	m.byDriver[driverID] = s
	m.byRoute[routeName] = driverID
	m.lastSeen[driverID] = s.StartedAt
	m.mu.Unlock()

	if err := m.store.SaveSession(ctx, s); err != nil {
		m.mu.Lock()
		delete(m.byDriver, driverID)
		delete(m.byRoute, routeName)
		delete(m.lastSeen, driverID)
		m.mu.Unlock()
		return nil, err
	}

	observability.ActiveRideSessions.Inc()
	m.logger.Info("ride session started", "session_id", s.ID, "driver_id", driverID, "route", routeName)
	m.publishStatus(s, "active")
	cp := *s
	return &cp, nil
}

// Stop ends the driver's ACTIVE session. A stop with no active session is a
// successful no-op.
func (m *Manager) Stop(ctx context.Context, driverID string) error {
	l := m.driverLock(driverID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	s, ok := m.byDriver[driverID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.byDriver, driverID)
	delete(m.byRoute, s.RouteName)
	delete(m.lastSeen, driverID)
	m.mu.Unlock()

	// unreachable through the maps now, and callers only ever hold copies,
	// so s has a single owner here
	ended := m.now()
	s.State = models.SessionInactive
	s.EndedAt = &ended

	if err := m.store.EndSession(ctx, s); err != nil {
		m.logger.Error("persisting session end failed", "session_id", s.ID, "error", err)
	}
	for _, h := range m.stopHooks {
		h(s)
	}

	observability.ActiveRideSessions.Dec()
	m.logger.Info("ride session ended", "session_id", s.ID, "driver_id", driverID, "route", s.RouteName)
	m.publishStatus(s, "ended")
	return nil
}

// Active returns a snapshot of the driver's ACTIVE session, if any. Callers
// get a copy; a later Stop never mutates what they hold.
func (m *Manager) Active(driverID string) (*models.RideSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byDriver[driverID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ActiveByRoute returns a snapshot of the ACTIVE session serving the route,
// if any.
func (m *Manager) ActiveByRoute(routeName string) (*models.RideSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	driverID, ok := m.byRoute[routeName]
	if !ok {
		return nil, false
	}
	s, ok := m.byDriver[driverID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// Touch records ingress activity for the idle reaper.
func (m *Manager) Touch(driverID string) {
	m.mu.Lock()
	if _, ok := m.lastSeen[driverID]; ok {
		m.lastSeen[driverID] = m.now()
	}
	m.mu.Unlock()
}

// Run reaps sessions with no ingested sample for the idle timeout. A dropped
// websocket alone never ends a session; this is what eventually does.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTimeout / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapIdle(ctx)
		}
	}
}

func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := m.now().Add(-m.idleTimeout)
	m.mu.RLock()
	var idle []string
	for driverID, seen := range m.lastSeen {
		if seen.Before(cutoff) {
			idle = append(idle, driverID)
		}
	}
	m.mu.RUnlock()
	for _, driverID := range idle {
		m.logger.Warn("reaping idle ride session", "driver_id", driverID)
		if err := m.Stop(ctx, driverID); err != nil {
			m.logger.Error("idle reap stop failed", "driver_id", driverID, "error", err)
		}
	}
}

func (m *Manager) publishStatus(s *models.RideSession, status string) {
	ev := gateway.NewEvent(models.EventRideStatusUpdate, models.RideStatusUpdate{
		RideSessionID: s.ID,
		DriverID:      s.DriverID,
		RouteName:     s.RouteName,
		Status:        status,
		Timestamp:     m.now(),
	})
	m.pub.Publish(gateway.RouteChannel(s.RouteName), ev)
	m.pub.Publish(gateway.ChannelAdmin, ev)
}
