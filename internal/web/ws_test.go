package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sdhome/sdhome/internal/broadcast"
	"github.com/sdhome/sdhome/internal/domain"
	"github.com/sdhome/sdhome/internal/metrics"
)

func newTestServer(t *testing.T) (*Server, *broadcast.Bus, *httptest.Server) {
	t.Helper()
	bus := broadcast.NewBus()
	s := NewServer("", 0, bus, metrics.New(), slog.Default())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return s, bus, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWS_StreamsBusEvents(t *testing.T) {
	_, bus, ts := newTestServer(t)
	conn := dialWS(t, ts)

	// The subscription is registered during the upgrade handler; wait
	// for it before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.BroadcastSensorReading(domain.SensorReading{
		DeviceID: "climate", Metric: "temperature", Value: 21.5, Unit: "°C",
	})
	bus.BroadcastDeviceStateUpdate(broadcast.DeviceStateUpdate{
		DeviceID: "lamp", Property: "state", NewValue: "ON",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first broadcast.Event
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if first.Kind != broadcast.KindSensorReading {
		t.Errorf("first frame kind = %s, want %s", first.Kind, broadcast.KindSensorReading)
	}
	payload, ok := first.Payload.(map[string]any)
	if !ok {
		t.Fatalf("payload decoded as %T", first.Payload)
	}
	if payload["DeviceID"] != "climate" {
		t.Errorf("payload = %v", payload)
	}

	var second broadcast.Event
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame: %v", err)
	}
	if second.Kind != broadcast.KindDeviceState {
		t.Errorf("second frame kind = %s, want %s", second.Kind, broadcast.KindDeviceState)
	}
}

func TestWS_UnsubscribesOnDisconnect(t *testing.T) {
	_, bus, ts := newTestServer(t)
	conn := dialWS(t, ts)

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	deadline = time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d after disconnect, want 0", bus.SubscriberCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
}
