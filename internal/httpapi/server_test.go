package httpapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aubustou/plex-dlna-player/internal/plex"
)

type recordedAdd struct {
	target, client, host, protocol string
	port, commandID                int
}

type fakeRegistry struct {
	adds    []recordedAdd
	removes []string
}

func (f *fakeRegistry) AddSubscriber(target, client, host string, port int, protocol string, commandID int) {
	f.adds = append(f.adds, recordedAdd{target: target, client: client, host: host, port: port, protocol: protocol, commandID: commandID})
}

func (f *fakeRegistry) RemoveSubscriber(client, target string) {
	f.removes = append(f.removes, client+"|"+target)
}

type fakeSink struct {
	signals []string
}

func (f *fakeSink) SignalEvent(uuid string) {
	f.signals = append(f.signals, uuid)
}

func newTestServer(registry *fakeRegistry, sink *fakeSink) http.Handler {
	logger := slog.New(slog.DiscardHandler)
	identity := plex.DeviceIdentity{UUID: "bridge-uuid", Name: "Bridge", Model: "Plex DLNA Player"}
	return NewServer(logger, registry, sink, identity).Handler()
}

func TestSubscribeRegistersController(t *testing.T) {
	registry := &fakeRegistry{}
	handler := newTestServer(registry, &fakeSink{})

	req := httptest.NewRequest(http.MethodGet, "/player/timeline/subscribe?port=32500&protocol=http&commandID=5", nil)
	req.Header.Set("X-Plex-Client-Identifier", "client-1")
	req.Header.Set("X-Plex-Target-Client-Identifier", "device-1")
	req.RemoteAddr = "10.0.0.9:55001"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(registry.adds) != 1 {
		t.Fatalf("expected 1 add, got %d", len(registry.adds))
	}
	got := registry.adds[0]
	want := recordedAdd{target: "device-1", client: "client-1", host: "10.0.0.9", port: 32500, protocol: "http", commandID: 5}
	if got != want {
		t.Fatalf("add = %+v, want %+v", got, want)
	}
	if rec.Header().Get("X-Plex-Client-Identifier") != "bridge-uuid" {
		t.Fatalf("missing poll headers: %v", rec.Header())
	}
}

func TestSubscribeWithoutIdentifiersIsRejected(t *testing.T) {
	registry := &fakeRegistry{}
	handler := newTestServer(registry, &fakeSink{})

	req := httptest.NewRequest(http.MethodGet, "/player/timeline/subscribe", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(registry.adds) != 0 {
		t.Fatalf("unexpected adds: %+v", registry.adds)
	}
}

func TestUnsubscribeRemovesController(t *testing.T) {
	registry := &fakeRegistry{}
	handler := newTestServer(registry, &fakeSink{})

	req := httptest.NewRequest(http.MethodGet, "/player/timeline/unsubscribe", nil)
	req.Header.Set("X-Plex-Client-Identifier", "client-1")
	req.Header.Set("X-Plex-Target-Client-Identifier", "device-1")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(registry.removes) != 1 || registry.removes[0] != "client-1|device-1" {
		t.Fatalf("unexpected removes: %v", registry.removes)
	}
}

func TestCallbackSignalsAdapter(t *testing.T) {
	sink := &fakeSink{}
	handler := newTestServer(&fakeRegistry{}, sink)

	req := httptest.NewRequest("NOTIFY", "/dlna/callback/device-1", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(sink.signals) != 1 || sink.signals[0] != "device-1" {
		t.Fatalf("unexpected signals: %v", sink.signals)
	}
}
