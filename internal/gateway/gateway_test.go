package gateway

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(h *Hub, actorType, actorID string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, actorType, actorID)
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestActorAutoJoinedToPrivateChannel(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "rider", "r1")
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	// the private channel exists only once registration completed; poll until
	// the publish lands
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		for time.Now().Before(deadline) {
			hub.Publish(RiderChannel("r1"), NewEvent("ride_status_update", map[string]string{"status": "active"}))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	ev := readEvent(t, conn)
	if ev.Type != "ride_status_update" {
		t.Fatalf("expected ride_status_update, got %s", ev.Type)
	}
}

func TestSubscribeRouteReceivesRouteEvents(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "rider", "r1")
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	sub := map[string]any{"type": "subscribe_route", "data": map[string]string{"route_name": "R1"}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// subscription is processed asynchronously by the read pump
	deadline := time.Now().Add(2 * time.Second)
	go func() {
		for time.Now().Before(deadline) {
			hub.Publish(RouteChannel("R1"), NewEvent("location_update", map[string]string{"driver_id": "d1"}))
			time.Sleep(20 * time.Millisecond)
		}
	}()

	ev := readEvent(t, conn)
	if ev.Type != "location_update" {
		t.Fatalf("expected location_update, got %s", ev.Type)
	}
}

func TestPublishToEmptyChannelIsNoop(t *testing.T) {
	hub := NewHub(testLogger())
	hub.Publish(RouteChannel("nobody"), NewEvent("location_update", nil))
}

func TestDisconnectRemovesMembership(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(hub, "driver", "d1")
	defer srv.Close()

	conn := dial(t, srv)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		gone := len(hub.members) == 0 && len(hub.channels) == 0
		hub.mu.RUnlock()
		if gone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected membership to be torn down after disconnect")
}

func TestActorChannelMapping(t *testing.T) {
	if ActorChannel("driver", "d1") != "driver:d1" {
		t.Fatal("driver channel mismatch")
	}
	if ActorChannel("rider", "r1") != "rider:r1" {
		t.Fatal("rider channel mismatch")
	}
	if ActorChannel("admin", "whoever") != ChannelAdmin {
		t.Fatal("admins share the broadcast channel")
	}
}
