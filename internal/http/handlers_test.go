package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/campus-transit/internal/attendance"
	"github.com/example/campus-transit/internal/emergency"
	"github.com/example/campus-transit/internal/gateway"
	"github.com/example/campus-transit/internal/location"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/session"
	"github.com/example/campus-transit/internal/storage"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := testLogger()
	store := storage.NewMemoryStore()
	hub := gateway.NewHub(logger)
	sessions := session.NewManager(store, hub, logger, 15*time.Minute)
	relay := location.NewRelay(sessions, store, hub, logger)
	att := attendance.NewEngine([]byte("test-secret"), 15*time.Minute, sessions, store, hub, logger, 20)
	emerg := emergency.NewCoordinator(store, hub, logger)
	srv := httptest.NewServer(NewServer(logger, sessions, relay, att, emerg, store, hub))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func TestRideLocationAttendanceFlow(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	var sess models.RideSession
	if code := doJSON(t, "POST", base+"/rides/start", map[string]string{"driver_id": "d1", "route_name": "R1"}, &sess); code != http.StatusOK {
		t.Fatalf("start ride: status %d", code)
	}
	if sess.State != models.SessionActive || sess.ID == "" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	ingest := map[string]any{"driver_id": "d1", "latitude": 33.68, "longitude": 73.05, "accuracy_m": 4.0, "captured_at": time.Now()}
	if code := doJSON(t, "POST", base+"/locations", ingest, nil); code != http.StatusAccepted {
		t.Fatalf("ingest: status %d", code)
	}

	var latest models.LocationSample
	if code := doJSON(t, "GET", base+"/locations/d1", nil, &latest); code != http.StatusOK {
		t.Fatalf("latest: status %d", code)
	}
	if latest.Latitude != 33.68 || latest.RouteName != "R1" {
		t.Fatalf("unexpected latest sample: %+v", latest)
	}

	var token attendance.Token
	if code := doJSON(t, "POST", base+"/attendance/tokens", map[string]string{"route_name": "R1"}, &token); code != http.StatusOK {
		t.Fatalf("issue token: status %d", code)
	}

	scan := map[string]any{"rider_id": "rider1", "token": token.Token, "stop_name": "Gate 4"}
	var rec models.AttendanceRecord
	if code := doJSON(t, "POST", base+"/attendance/scans", scan, &rec); code != http.StatusOK {
		t.Fatalf("scan: status %d", code)
	}
	if rec.RideSessionID != sess.ID || !rec.Valid {
		t.Fatalf("unexpected record: %+v", rec)
	}

	// repeated scan stays 200 and returns the same record
	var dup models.AttendanceRecord
	if code := doJSON(t, "POST", base+"/attendance/scans", scan, &dup); code != http.StatusOK {
		t.Fatalf("duplicate scan: status %d", code)
	}
	if dup.ID != rec.ID {
		t.Fatalf("expected idempotent scan, got %s and %s", rec.ID, dup.ID)
	}

	var roster models.RosterSnapshot
	if code := doJSON(t, "GET", base+"/rosters/"+sess.ID, nil, &roster); code != http.StatusOK {
		t.Fatalf("roster: status %d", code)
	}
	if roster.Count != 1 {
		t.Fatalf("expected roster count 1, got %d", roster.Count)
	}

	if code := doJSON(t, "POST", base+"/rides/stop", map[string]string{"driver_id": "d1"}, nil); code != http.StatusOK {
		t.Fatalf("stop: status %d", code)
	}
	if code := doJSON(t, "POST", base+"/locations", ingest, nil); code != http.StatusConflict {
		t.Fatalf("ingest after stop: expected 409, got %d", code)
	}
	if code := doJSON(t, "GET", base+"/locations/d1", nil, nil); code != http.StatusNotFound {
		t.Fatalf("latest after stop: expected 404, got %d", code)
	}
}

func TestStartRideConflicts(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	if code := doJSON(t, "POST", base+"/rides/start", map[string]string{"driver_id": "d1", "route_name": "R1"}, nil); code != http.StatusOK {
		t.Fatalf("start: status %d", code)
	}
	if code := doJSON(t, "POST", base+"/rides/start", map[string]string{"driver_id": "d1", "route_name": "R2"}, nil); code != http.StatusConflict {
		t.Fatalf("second route: expected 409, got %d", code)
	}
	if code := doJSON(t, "POST", base+"/rides/start", map[string]string{"driver_id": "d2", "route_name": "R1"}, nil); code != http.StatusConflict {
		t.Fatalf("occupied route: expected 409, got %d", code)
	}
}

func TestIngestRejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	if code := doJSON(t, "POST", base+"/rides/start", map[string]string{"driver_id": "d1", "route_name": "R1"}, nil); code != http.StatusOK {
		t.Fatal("start failed")
	}

	// out-of-range coordinate
	bad := map[string]any{"driver_id": "d1", "latitude": 91.0, "longitude": 73.05}
	if code := doJSON(t, "POST", base+"/locations", bad, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad coordinate, got %d", code)
	}
	// missing latitude fails validation before reaching the relay
	missing := map[string]any{"driver_id": "d1", "longitude": 73.05}
	if code := doJSON(t, "POST", base+"/locations", missing, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing latitude, got %d", code)
	}
}

func TestScanErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	// no active ride on the route yet
	var token attendance.Token
	if code := doJSON(t, "POST", base+"/attendance/tokens", map[string]string{"route_name": "R1"}, &token); code != http.StatusOK {
		t.Fatal("issue token failed")
	}
	scan := map[string]any{"rider_id": "rider1", "token": token.Token}
	if code := doJSON(t, "POST", base+"/attendance/scans", scan, nil); code != http.StatusConflict {
		t.Fatalf("expected 409 without active ride, got %d", code)
	}

	garbage := map[string]any{"rider_id": "rider1", "token": "not-a-token"}
	if code := doJSON(t, "POST", base+"/attendance/scans", garbage, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid token, got %d", code)
	}

	if code := doJSON(t, "GET", base+"/rosters/unknown", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown roster, got %d", code)
	}
}

func TestPreferencesUpsert(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	pref := map[string]any{
		"route_name":             "R1",
		"enabled":                true,
		"distance_threshold_km":  2.0,
		"time_threshold_minutes": 5.0,
		"stop_name":              "Main Gate",
		"stop_lat":               33.69,
		"stop_lon":               73.05,
	}
	var saved models.NotificationPreference
	if code := doJSON(t, "PUT", base+"/riders/rider1/preferences", pref, &saved); code != http.StatusOK {
		t.Fatalf("save preferences: status %d", code)
	}
	if saved.RiderID != "rider1" || saved.Stop.Lat != 33.69 {
		t.Fatalf("unexpected preference: %+v", saved)
	}

	// missing stop coordinate is rejected
	delete(pref, "stop_lat")
	if code := doJSON(t, "PUT", base+"/riders/rider1/preferences", pref, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 without stop_lat, got %d", code)
	}
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	base := srv.URL + "/api/v1"

	submit := map[string]any{
		"reporter_type":  "rider",
		"reporter_id":    "rider1",
		"route_name":     "R1",
		"emergency_type": "medical",
		"contact_number": "+92-300-1234567",
	}
	var alert models.EmergencyAlert
	if code := doJSON(t, "POST", base+"/alerts", submit, &alert); code != http.StatusCreated {
		t.Fatalf("submit alert: status %d", code)
	}
	if alert.Status != models.AlertPending || alert.PriorityLevel != models.PriorityHigh {
		t.Fatalf("unexpected alert: %+v", alert)
	}

	action := map[string]string{"by": "admin7", "notes": "on it"}
	var acked models.EmergencyAlert
	if code := doJSON(t, "POST", base+"/alerts/"+alert.ID+"/acknowledge", action, &acked); code != http.StatusOK {
		t.Fatalf("acknowledge: status %d", code)
	}
	if acked.Status != models.AlertAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}

	var resolved models.EmergencyAlert
	if code := doJSON(t, "POST", base+"/alerts/"+alert.ID+"/resolve", action, &resolved); code != http.StatusOK {
		t.Fatalf("resolve: status %d", code)
	}
	if resolved.Status != models.AlertResolved {
		t.Fatalf("expected resolved, got %s", resolved.Status)
	}

	if code := doJSON(t, "POST", base+"/alerts/"+alert.ID+"/acknowledge", action, nil); code != http.StatusConflict {
		t.Fatalf("acknowledge after resolve: expected 409, got %d", code)
	}
	if code := doJSON(t, "POST", base+"/alerts/missing/acknowledge", action, nil); code != http.StatusNotFound {
		t.Fatalf("unknown alert: expected 404, got %d", code)
	}

	incomplete := map[string]any{"reporter_type": "rider", "reporter_id": "rider1", "route_name": "R1", "emergency_type": "sos", "contact_number": "N/A"}
	if code := doJSON(t, "POST", base+"/alerts", incomplete, nil); code != http.StatusBadRequest {
		t.Fatalf("placeholder contact: expected 400, got %d", code)
	}
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
