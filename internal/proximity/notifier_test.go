package proximity

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/models"
)

type fakePub struct {
	mu     sync.Mutex
	events map[string][]gateway.Event
}

func newFakePub() *fakePub { return &fakePub{events: make(map[string][]gateway.Event)} }

func (p *fakePub) Publish(channel string, ev gateway.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[channel] = append(p.events[channel], ev)
}

func (p *fakePub) forChannel(channel string) []gateway.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.Event(nil), p.events[channel]...)
}

type fakePrefs struct{ prefs []models.NotificationPreference }

func (f *fakePrefs) ForRoute(string) []models.NotificationPreference { return f.prefs }

type fakeSessions struct{ sess *models.RideSession }

func (f *fakeSessions) Active(driverID string) (*models.RideSession, bool) {
	if f.sess != nil && f.sess.DriverID == driverID {
		return f.sess, true
	}
	return nil, false
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// stop ~1.5km north of the base coordinate (one degree of latitude ~111.2km)
const (
	baseLat = 33.68
	baseLon = 73.05
	stopLat = baseLat + 1.5/111.2
)

func newTestNotifier(prefs []models.NotificationPreference) (*Notifier, *fakePub, *fakeSessions) {
	pub := newFakePub()
	sessions := &fakeSessions{sess: &models.RideSession{ID: "s1", DriverID: "d1", RouteName: "R1", State: models.SessionActive}}
	n := NewNotifier(pub, &fakePrefs{prefs: prefs}, sessions, testLogger(), 30, 0)
	return n, pub, sessions
}

func sampleAt(lat, lon float64, at time.Time) models.LocationSample {
	return models.LocationSample{DriverID: "d1", RouteName: "R1", Latitude: lat, Longitude: lon, CapturedAt: at}
}

func riderPref(distKm, timeMin float64) models.NotificationPreference {
	return models.NotificationPreference{
		RiderID:     "rider1",
		RouteName:   "R1",
		Enabled:     true,
		DistanceKm:  distKm,
		TimeMinutes: timeMin,
		StopName:    "Main Gate",
		Stop:        models.Coord{Lat: stopLat, Lon: baseLon},
	}
}

func TestHighPriorityOnBothThresholds(t *testing.T) {
	// 1.5km out, default speed 30km/h -> ~3min ETA: inside 2km and 5min
	n, pub, _ := newTestNotifier([]models.NotificationPreference{riderPref(2, 5)})

	n.evaluate(sampleAt(baseLat, baseLon, time.Now()))

	events := pub.forChannel(gateway.RiderChannel("rider1"))
	if len(events) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(events))
	}
	var note models.ProximityNotification
	if err := json.Unmarshal(events[0].Data, &note); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if note.Priority != models.PriorityHigh {
		t.Fatalf("expected high priority, got %s", note.Priority)
	}
	if note.DistanceKm < 1.4 || note.DistanceKm > 1.6 {
		t.Fatalf("expected ~1.5km, got %f", note.DistanceKm)
	}
	if note.EtaMinutes < 2.5 || note.EtaMinutes > 3.5 {
		t.Fatalf("expected ~3min ETA, got %f", note.EtaMinutes)
	}
}

func TestMediumPriorityOnDistanceOnly(t *testing.T) {
	// distance threshold satisfied, time threshold (1min) not
	n, pub, _ := newTestNotifier([]models.NotificationPreference{riderPref(2, 1)})

	n.evaluate(sampleAt(baseLat, baseLon, time.Now()))

	events := pub.forChannel(gateway.RiderChannel("rider1"))
	if len(events) != 1 {
		t.Fatalf("expected one notification, got %d", len(events))
	}
	var note models.ProximityNotification
	_ = json.Unmarshal(events[0].Data, &note)
	if note.Priority != models.PriorityMedium {
		t.Fatalf("expected medium priority, got %s", note.Priority)
	}
}

func TestRepeatSamplesBelowThresholdSuppressed(t *testing.T) {
	n, pub, _ := newTestNotifier([]models.NotificationPreference{riderPref(2, 5)})

	now := time.Now()
	n.evaluate(sampleAt(baseLat, baseLon, now))
	n.evaluate(sampleAt(baseLat+0.001, baseLon, now.Add(4*time.Second)))
	n.evaluate(sampleAt(baseLat+0.002, baseLon, now.Add(8*time.Second)))

	if got := len(pub.forChannel(gateway.RiderChannel("rider1"))); got != 1 {
		t.Fatalf("expected suppression after the first crossing, got %d notifications", got)
	}
}

func TestRenotifyAfterRisingAboveThreshold(t *testing.T) {
	n, pub, _ := newTestNotifier([]models.NotificationPreference{riderPref(2, 5)})

	now := time.Now()
	// crossing one: near the stop
	n.evaluate(sampleAt(baseLat, baseLon, now))
	// bus drives far away: ~11km south, above both thresholds
	n.evaluate(sampleAt(baseLat-0.1, baseLon, now.Add(5*time.Minute)))
	// crossing two: near again
	n.evaluate(sampleAt(baseLat, baseLon, now.Add(10*time.Minute)))

	if got := len(pub.forChannel(gateway.RiderChannel("rider1"))); got != 2 {
		t.Fatalf("expected a second notification after re-crossing, got %d", got)
	}
}

func TestSessionEndedResetsSuppression(t *testing.T) {
	n, pub, sessions := newTestNotifier([]models.NotificationPreference{riderPref(2, 5)})

	now := time.Now()
	n.evaluate(sampleAt(baseLat, baseLon, now))
	ended := *sessions.sess
	n.SessionEnded(&ended)
	// same ride session id restarts; next crossing notifies again
	n.evaluate(sampleAt(baseLat, baseLon, now.Add(time.Minute)))

	if got := len(pub.forChannel(gateway.RiderChannel("rider1"))); got != 2 {
		t.Fatalf("expected notification after session reset, got %d", got)
	}
}

func TestDisabledPreferenceIgnored(t *testing.T) {
	pref := riderPref(2, 5)
	pref.Enabled = false
	n, pub, _ := newTestNotifier([]models.NotificationPreference{pref})

	n.evaluate(sampleAt(baseLat, baseLon, time.Now()))

	if got := len(pub.forChannel(gateway.RiderChannel("rider1"))); got != 0 {
		t.Fatalf("expected no notification for disabled preference, got %d", got)
	}
}

func TestNoActiveSessionIgnoresSample(t *testing.T) {
	n, pub, sessions := newTestNotifier([]models.NotificationPreference{riderPref(2, 5)})
	sessions.sess = nil

	n.evaluate(sampleAt(baseLat, baseLon, time.Now()))

	if got := len(pub.forChannel(gateway.RiderChannel("rider1"))); got != 0 {
		t.Fatalf("expected no notification without a session, got %d", got)
	}
}

func TestObserveNeverBlocks(t *testing.T) {
	n, _, _ := newTestNotifier(nil)
	// nobody draining the channel; flooding must not deadlock
	for i := 0; i < 1000; i++ {
		n.Observe(sampleAt(baseLat, baseLon, time.Now()))
	}
}
