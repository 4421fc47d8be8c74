package location

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrRideNotActive     = errors.New("no active ride session for driver")
	ErrInvalidCoordinate = errors.New("coordinate out of range")
	ErrNotFound          = errors.New("no location for driver")
)

// Sessions is the gate the relay checks before accepting a sample.
type Sessions interface {
	Active(driverID string) (*models.RideSession, bool)
	Touch(driverID string)
}

// Observer receives every accepted sample. Implementations must not block;
// the Proximity Notifier buffers internally.
type Observer interface {
	Observe(sample models.LocationSample)
}

// Streamer mirrors accepted samples to an external stream (kafka, redis).
// Errors are logged and swallowed; the ingest path never fails on them.
type Streamer interface {
	PublishSample(ctx context.Context, sample models.LocationSample) error
}

// Relay ingests driver position samples, gates them behind the session state
// machine and fans them out to the route channel and the admin channel.
type Relay struct {
	sessions Sessions
	store    storage.Store
	pub      gateway.Publisher
	logger   *slog.Logger

	mu     sync.RWMutex
	latest map[string]models.LocationSample

	observers []Observer
	streams   []Streamer
}

func NewRelay(sessions Sessions, store storage.Store, pub gateway.Publisher, logger *slog.Logger) *Relay {
	return &Relay{
		sessions: sessions,
		store:    store,
		pub:      pub,
		logger:   logger,
		latest:   make(map[string]models.LocationSample),
	}
}

// AddObserver and AddStream are wiring-time only, not safe under traffic.
func (r *Relay) AddObserver(o Observer) { r.observers = append(r.observers, o) }
func (r *Relay) AddStream(s Streamer)   { r.streams = append(r.streams, s) }

// Ingest validates and publishes one position sample. Expected cadence is a
// sample every 3-5s per driver; the relay itself does not throttle.
func (r *Relay) Ingest(ctx context.Context, driverID string, lat, lon, accuracyM float64, capturedAt time.Time) (models.LocationSample, error) {
	if !geo.ValidLatLng(lat, lon) {
		return models.LocationSample{}, ErrInvalidCoordinate
	}
	sess, ok := r.sessions.Active(driverID)
	if !ok {
		return models.LocationSample{}, ErrRideNotActive
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}
	sample := models.LocationSample{
		DriverID:   driverID,
		RouteName:  sess.RouteName,
		Latitude:   lat,
		Longitude:  lon,
		AccuracyM:  accuracyM,
		CapturedAt: capturedAt,
	}

	r.mu.Lock()
	r.latest[driverID] = sample
	r.mu.Unlock()
	r.sessions.Touch(driverID)

	if err := r.store.SaveLatestSample(ctx, sample); err != nil {
		r.logger.Error("persisting latest sample failed", "driver_id", driverID, "error", err)
	}

	ev := gateway.NewEvent(models.EventLocationUpdate, sample)
	r.pub.Publish(gateway.RouteChannel(sess.RouteName), ev)
	r.pub.Publish(gateway.ChannelAdmin, ev)

	for _, o := range r.observers {
		o.Observe(sample)
	}
	for _, s := range r.streams {
		if err := s.PublishSample(ctx, sample); err != nil {
			r.logger.Warn("sample stream publish failed", "driver_id", driverID, "error", err)
		}
	}

	observability.LocationsIngested.Inc()
	return sample, nil
}

// Latest returns the most recent sample for a driver with an ACTIVE session.
func (r *Relay) Latest(driverID string) (models.LocationSample, error) {
	if _, ok := r.sessions.Active(driverID); !ok {
		return models.LocationSample{}, ErrNotFound
	}
	r.mu.RLock()
	sample, ok := r.latest[driverID]
	r.mu.RUnlock()
	if !ok {
		return models.LocationSample{}, ErrNotFound
	}
	return sample, nil
}

// Clear drops the driver's published position; called on session stop.
func (r *Relay) Clear(driverID string) {
	r.mu.Lock()
	delete(r.latest, driverID)
	r.mu.Unlock()
}
