package storage

import (
	"context"
	"sync"

	"github.com/example/campus-transit/internal/models"
)

// Store is write-through persistence for the coordination core. The live
// state machines own their in-memory state; the store is the durable record
// and the reconciliation source after restart.
type Store interface {
	SaveSession(ctx context.Context, s *models.RideSession) error
	EndSession(ctx context.Context, s *models.RideSession) error
	SaveLatestSample(ctx context.Context, sample models.LocationSample) error
	SaveAttendanceRecord(ctx context.Context, rec models.AttendanceRecord) error
	SavePreference(ctx context.Context, pref models.NotificationPreference) error
	ListPreferencesByRoute(ctx context.Context, route string) ([]models.NotificationPreference, error)
	SaveAlert(ctx context.Context, a *models.EmergencyAlert) error
	UpdateAlert(ctx context.Context, a *models.EmergencyAlert) error
}

// MemoryStore backs single-process deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.RideSession
	latest   map[string]models.LocationSample
	records  map[string]models.AttendanceRecord
	prefs    map[string]models.NotificationPreference // rider_id + route
	alerts   map[string]models.EmergencyAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.RideSession),
		latest:   make(map[string]models.LocationSample),
		records:  make(map[string]models.AttendanceRecord),
		prefs:    make(map[string]models.NotificationPreference),
		alerts:   make(map[string]models.EmergencyAlert),
	}
}

func (m *MemoryStore) SaveSession(_ context.Context, s *models.RideSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) EndSession(_ context.Context, s *models.RideSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) SaveLatestSample(_ context.Context, sample models.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest[sample.DriverID] = sample
	return nil
}

func (m *MemoryStore) SaveAttendanceRecord(_ context.Context, rec models.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) SavePreference(_ context.Context, pref models.NotificationPreference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[pref.RiderID+"|"+pref.RouteName] = pref
	return nil
}

func (m *MemoryStore) ListPreferencesByRoute(_ context.Context, route string) ([]models.NotificationPreference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.NotificationPreference
	for _, p := range m.prefs {
		if p.RouteName == route {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveAlert(_ context.Context, a *models.EmergencyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = *a
	return nil
}

func (m *MemoryStore) UpdateAlert(_ context.Context, a *models.EmergencyAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = *a
	return nil
}
