package proximity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/geo"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
)

// ewmaWeight is the smoothing factor for the recent-speed estimate: heavy
// enough on the newest sample to track a bus pulling away from a stop.
const ewmaWeight = 0.4

// minMovementKm below which a fresh sample inside the debounce interval is
// treated as identical to the previous one and skipped.
const minMovementKm = 0.01

// Prefs supplies the riders watching a route. Read on every evaluation so a
// rider's threshold change takes effect on the next sample.
type Prefs interface {
	ForRoute(routeName string) []models.NotificationPreference
}

// Sessions resolves the ride session a sample belongs to.
type Sessions interface {
	Active(driverID string) (*models.RideSession, bool)
}

// Notifier listens passively on the relay's sample stream and emits
// deduplicated, priority-tiered proximity notifications on threshold
// crossings.
type Notifier struct {
	pub             gateway.Publisher
	prefs           Prefs
	sessions        Sessions
	logger          *slog.Logger
	defaultSpeedKMH float64
	minInterval     time.Duration
	now             func() time.Time

	samples chan models.LocationSample

	// mu guards tracks and latched: evaluate runs on the Run goroutine,
	// SessionEnded on whichever goroutine stops the ride.
	mu      sync.Mutex
	tracks  map[string]*driverTrack        // driver_id
	latched map[string]map[string]struct{} // ride_session_id -> rider_id
}

type driverTrack struct {
	last     models.LocationSample
	hasLast  bool
	speedKMH float64
	hasSpeed bool
}

func NewNotifier(pub gateway.Publisher, prefs Prefs, sessions Sessions, logger *slog.Logger, defaultSpeedKMH float64, minInterval time.Duration) *Notifier {
	return &Notifier{
		pub:             pub,
		prefs:           prefs,
		sessions:        sessions,
		logger:          logger,
		defaultSpeedKMH: defaultSpeedKMH,
		minInterval:     minInterval,
		now:             time.Now,
		samples:         make(chan models.LocationSample, 64),
		tracks:          make(map[string]*driverTrack),
		latched:         make(map[string]map[string]struct{}),
	}
}

// Observe hands a sample to the notifier without blocking the relay. When
// the buffer is full the oldest queued sample is discarded (latest wins).
func (n *Notifier) Observe(sample models.LocationSample) {
	select {
	case n.samples <- sample:
		return
	default:
	}
	select {
	case <-n.samples:
	default:
	}
	select {
	case n.samples <- sample:
	default:
	}
}

// Run consumes the sample stream until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-n.samples:
			n.evaluate(s)
		}
	}
}

func (n *Notifier) evaluate(sample models.LocationSample) {
	sess, ok := n.sessions.Active(sample.DriverID)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	track := n.tracks[sample.DriverID]
	if track == nil {
		track = &driverTrack{}
		n.tracks[sample.DriverID] = track
	}
	if track.hasLast {
		dt := sample.CapturedAt.Sub(track.last.CapturedAt)
		movedKm := geo.HaversineKm(track.last.Latitude, track.last.Longitude, sample.Latitude, sample.Longitude)
		if dt < n.minInterval && movedKm < minMovementKm {
			return // near-identical to the previous sample
		}
		if dt > 0 {
			instKMH := movedKm / dt.Hours()
			if track.hasSpeed {
				track.speedKMH = ewmaWeight*instKMH + (1-ewmaWeight)*track.speedKMH
			} else {
				track.speedKMH = instKMH
				track.hasSpeed = true
			}
		}
	}
	track.last = sample
	track.hasLast = true

	speed := n.defaultSpeedKMH
	if track.hasSpeed && track.speedKMH > 1 {
		speed = track.speedKMH
	}

	for _, pref := range n.prefs.ForRoute(sample.RouteName) {
		if !pref.Enabled {
			continue
		}
		distKm := geo.HaversineKm(sample.Latitude, sample.Longitude, pref.Stop.Lat, pref.Stop.Lon)
		etaMin := distKm / speed * 60

		distBelow := pref.DistanceKm > 0 && distKm <= pref.DistanceKm
		timeBelow := pref.TimeMinutes > 0 && etaMin <= pref.TimeMinutes
		below := distBelow || timeBelow

		riders := n.latched[sess.ID]
		_, alreadyNotified := riders[pref.RiderID]

		switch {
		case below && !alreadyNotified:
			priority := models.PriorityMedium
			if distBelow && timeBelow {
				priority = models.PriorityHigh
			}
			n.notify(sess, pref, distKm, etaMin, priority)
			if riders == nil {
				riders = make(map[string]struct{})
				n.latched[sess.ID] = riders
			}
			riders[pref.RiderID] = struct{}{}
		case !below && alreadyNotified:
			// rider rose back above threshold; the next crossing notifies again
			delete(riders, pref.RiderID)
		}
	}
}

func (n *Notifier) notify(sess *models.RideSession, pref models.NotificationPreference, distKm, etaMin float64, priority string) {
	ev := gateway.NewEvent(models.EventProximityNotification, models.ProximityNotification{
		RiderID:       pref.RiderID,
		DriverID:      sess.DriverID,
		RouteName:     sess.RouteName,
		RideSessionID: sess.ID,
		StopName:      pref.StopName,
		DistanceKm:    distKm,
		EtaMinutes:    etaMin,
		Priority:      priority,
		Timestamp:     n.now(),
	})
	n.pub.Publish(gateway.RiderChannel(pref.RiderID), ev)
	observability.ProximityNotifications.WithLabelValues(priority).Inc()
	n.logger.Debug("proximity notification",
		"rider_id", pref.RiderID, "route", sess.RouteName,
		"distance_km", distKm, "eta_minutes", etaMin, "priority", priority)
}

// SessionEnded discards all per-session suppression and speed state.
func (n *Notifier) SessionEnded(s *models.RideSession) {
	n.mu.Lock()
	delete(n.latched, s.ID)
	delete(n.tracks, s.DriverID)
	n.mu.Unlock()
}
