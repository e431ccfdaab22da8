package bridge

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aubustou/plex-dlna-player/internal/adapters"
	"github.com/aubustou/plex-dlna-player/internal/config"
	"github.com/aubustou/plex-dlna-player/internal/plex"
	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

type fakePlayback struct {
	suppressed bool
	hasQueue   bool
	state      string
	timeline   plex.Timeline
	playing    bool
	params     url.Values
	library    plex.Library
	hasLibrary bool
}

func (f *fakePlayback) Suppressed() bool { return f.suppressed }
func (f *fakePlayback) HasQueue() bool   { return f.hasQueue }
func (f *fakePlayback) PlexState() string {
	return f.state
}
func (f *fakePlayback) Timeline(context.Context) (plex.Timeline, bool) {
	return f.timeline, f.playing
}
func (f *fakePlayback) ServerParams(context.Context) url.Values {
	return f.params
}
func (f *fakePlayback) Library() (plex.Library, bool) {
	return f.library, f.hasLibrary
}
func (f *fakePlayback) WaitForEvent(ctx context.Context, timeout time.Duration) {
	<-ctx.Done()
}

type fakeSource struct {
	playbacks map[string]adapters.Playback
}

func (f *fakeSource) PlaybackFor(uuid string) adapters.Playback {
	return f.playbacks[uuid]
}

type fakeDirectory struct {
	devices map[string]*upnp.Device
}

func (f *fakeDirectory) ByUUID(uuid string) *upnp.Device { return f.devices[uuid] }
func (f *fakeDirectory) All() []*upnp.Device {
	all := make([]*upnp.Device, 0, len(f.devices))
	for _, d := range f.devices {
		all = append(all, d)
	}
	return all
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testDevice(uuid, name string) *upnp.Device {
	d := upnp.NewDevice("http://10.0.0.5:8200/desc.xml", upnp.Options{Logger: discardLogger()})
	d.UUID = uuid
	d.Name = name
	d.Model = "Test Renderer"
	return d
}

func testSettings() *config.Settings {
	return &config.Settings{
		Platform:        "Linux",
		PlatformVersion: "1.0",
		Version:         "1.0.0",
		NotifyInterval:  10 * time.Millisecond,
	}
}

func newTestBridge(source adapters.Source, directory adapters.Directory) *Bridge {
	if source == nil {
		source = &fakeSource{}
	}
	if directory == nil {
		directory = &fakeDirectory{}
	}
	return New(discardLogger(), testSettings(), source, directory)
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return u.Hostname(), port
}

func TestAddSubscriberRefreshesCommandID(t *testing.T) {
	b := newTestBridge(nil, nil)

	b.AddSubscriber("target", "client", "10.0.0.9", 32500, "http", 5)
	b.AddSubscriber("target", "client", "10.0.0.9", 32500, "http", 9)

	subs := b.Subscribers("target")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}
	if subs[0].CommandID != 9 {
		t.Fatalf("command id = %d, want 9", subs[0].CommandID)
	}
}

func TestAddSubscriberReplacesOnChangedConnection(t *testing.T) {
	b := newTestBridge(nil, nil)

	b.AddSubscriber("target", "client", "10.0.0.9", 32500, "http", 5)
	b.AddSubscriber("target", "client", "10.0.0.9", 32600, "http", 7)

	subs := b.Subscribers("target")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}
	if subs[0].Port != 32600 || subs[0].CommandID != 7 {
		t.Fatalf("unexpected subscriber: %+v", subs[0])
	}
}

func TestRemoveSubscriberFromAllDevices(t *testing.T) {
	b := newTestBridge(nil, nil)

	b.AddSubscriber("target-a", "client", "10.0.0.9", 32500, "http", 1)
	b.AddSubscriber("target-b", "client", "10.0.0.9", 32500, "http", 1)
	b.AddSubscriber("target-a", "other", "10.0.0.10", 32500, "http", 1)

	b.RemoveSubscriber("client", "")

	if subs := b.Subscribers("target-a"); len(subs) != 1 || subs[0].ClientUUID != "other" {
		t.Fatalf("unexpected target-a subscribers: %+v", subs)
	}
	if subs := b.Subscribers("target-b"); len(subs) != 0 {
		t.Fatalf("expected empty target-b list, got %+v", subs)
	}
}

func TestNotifyDevicePushesPlayingTimeline(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r.URL.Path + "|" + string(body)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	source := &fakeSource{playbacks: map[string]adapters.Playback{
		"uuid-a": &fakePlayback{
			hasQueue: true,
			playing:  true,
			timeline: plex.Timeline{State: plex.StatePlaying, Time: "1000", Duration: "180000"},
		},
	}}
	b := newTestBridge(source, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", host, port, "http", 42)

	b.NotifyDevice(context.Background(), device)

	select {
	case got := <-received:
		if !strings.HasPrefix(got, "/:/timeline|") {
			t.Fatalf("unexpected push path: %q", got)
		}
		if !strings.Contains(got, `commandID="42"`) {
			t.Fatalf("push missing command id: %q", got)
		}
		if !strings.Contains(got, `state="playing"`) {
			t.Fatalf("push missing playing state: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}
}

func TestNotifyDevicePushesStoppedWithoutSession(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- string(body)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	b := newTestBridge(&fakeSource{}, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", host, port, "http", 3)

	b.NotifyDevice(context.Background(), device)

	select {
	case body := <-received:
		if !strings.Contains(body, `state="stopped"`) {
			t.Fatalf("expected stopped timeline, got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no push received")
	}
}

func TestNotifyDeviceFailedPushRemovesSubscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	b := newTestBridge(&fakeSource{}, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", host, port, "http", 1)

	b.NotifyDevice(context.Background(), device)

	if subs := b.Subscribers("uuid-a"); len(subs) != 0 {
		t.Fatalf("expected failed subscriber to be removed, got %+v", subs)
	}
}

func TestNotifyServerDeviceSkipsRepeatedStopped(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	playback := &fakePlayback{
		hasQueue:   true,
		state:      plex.StateStopped,
		params:     url.Values{"state": {plex.StateStopped}},
		library:    plex.Library{Protocol: "http", Address: host, Port: port, Token: "tok"},
		hasLibrary: true,
	}
	source := &fakeSource{playbacks: map[string]adapters.Playback{"uuid-a": playback}}
	b := newTestBridge(source, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", "10.0.0.9", 32500, "http", 1)

	b.NotifyServerDevice(context.Background(), device, false)
	b.NotifyServerDevice(context.Background(), device, false)
	if requests != 1 {
		t.Fatalf("expected 1 report for repeated stopped, got %d", requests)
	}

	b.NotifyServerDevice(context.Background(), device, true)
	if requests != 2 {
		t.Fatalf("expected forced report to go through, got %d", requests)
	}
}

func TestNotifyServerDeviceSendsStateAndHeaders(t *testing.T) {
	type report struct {
		query  url.Values
		header http.Header
	}
	received := make(chan report, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- report{query: r.URL.Query(), header: r.Header.Clone()}
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	playback := &fakePlayback{
		hasQueue:   true,
		state:      plex.StatePlaying,
		params:     url.Values{"state": {plex.StatePlaying}, "time": {"1000"}},
		library:    plex.Library{Protocol: "http", Address: host, Port: port, Token: "tok"},
		hasLibrary: true,
	}
	source := &fakeSource{playbacks: map[string]adapters.Playback{"uuid-a": playback}}
	b := newTestBridge(source, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", "10.0.0.9", 32500, "http", 1)

	b.NotifyServerDevice(context.Background(), device, false)

	select {
	case got := <-received:
		if got.query.Get("state") != plex.StatePlaying {
			t.Fatalf("unexpected state param: %v", got.query)
		}
		if got.query.Get("X-Plex-Token") != "tok" {
			t.Fatalf("missing token param: %v", got.query)
		}
		if got.header.Get("X-Plex-Client-Identifier") != "uuid-a" {
			t.Fatalf("missing identification header: %v", got.header)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no report received")
	}
}

func TestNotifyDeviceDisconnectedSendsForcedServerReport(t *testing.T) {
	reports := 0
	reportSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reports++
	}))
	defer reportSrv.Close()
	libHost, libPort := hostPort(t, reportSrv.URL)

	pushed := make(chan string, 2)
	pushSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		pushed <- string(body)
	}))
	defer pushSrv.Close()
	subHost, subPort := hostPort(t, pushSrv.URL)

	device := testDevice("uuid-a", "Bedroom")
	playback := &fakePlayback{
		hasQueue:   true,
		state:      plex.StateStopped,
		params:     url.Values{"state": {plex.StateStopped}},
		library:    plex.Library{Protocol: "http", Address: libHost, Port: libPort, Token: "tok"},
		hasLibrary: true,
	}
	source := &fakeSource{playbacks: map[string]adapters.Playback{"uuid-a": playback}}
	b := newTestBridge(source, &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}})
	b.AddSubscriber("uuid-a", "client", subHost, subPort, "http", 1)

	// Seed the repeated-stopped suppression.
	b.NotifyServerDevice(context.Background(), device, false)
	b.NotifyServerDevice(context.Background(), device, false)
	if reports != 1 {
		t.Fatalf("expected 1 seeded report, got %d", reports)
	}

	b.NotifyDeviceDisconnected(context.Background(), device)

	select {
	case body := <-pushed:
		if !strings.Contains(body, `disconnected="1"`) {
			t.Fatalf("expected disconnected push, got %q", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect push received")
	}
	if reports != 2 {
		t.Fatalf("expected a final forced report despite repeated stopped state, got %d", reports)
	}
	if subs := b.Subscribers("uuid-a"); len(subs) != 0 {
		t.Fatalf("expected subscribers dropped, got %+v", subs)
	}

	// The recorded state is gone, so a re-discovered device that is stopped
	// gets its first report through.
	b.AddSubscriber("uuid-a", "client", subHost, subPort, "http", 2)
	b.NotifyServerDevice(context.Background(), device, false)
	if reports != 3 {
		t.Fatalf("expected report after disconnect cleared the state, got %d", reports)
	}
}

func TestPruneClearsServerReportState(t *testing.T) {
	reports := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reports++
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.URL)

	device := testDevice("uuid-a", "Bedroom")
	playback := &fakePlayback{
		hasQueue:   true,
		state:      plex.StateStopped,
		params:     url.Values{"state": {plex.StateStopped}},
		library:    plex.Library{Protocol: "http", Address: host, Port: port, Token: "tok"},
		hasLibrary: true,
	}
	source := &fakeSource{playbacks: map[string]adapters.Playback{"uuid-a": playback}}
	directory := &fakeDirectory{devices: map[string]*upnp.Device{"uuid-a": device}}
	b := newTestBridge(source, directory)
	b.AddSubscriber("uuid-a", "client", "10.0.0.9", 32500, "http", 1)

	b.NotifyServerDevice(context.Background(), device, false)
	if reports != 1 {
		t.Fatalf("expected 1 report, got %d", reports)
	}

	delete(directory.devices, "uuid-a")
	b.pruneAndCollect()

	directory.devices["uuid-a"] = device
	b.AddSubscriber("uuid-a", "client", "10.0.0.9", 32500, "http", 2)
	b.NotifyServerDevice(context.Background(), device, false)
	if reports != 2 {
		t.Fatalf("expected stopped report after prune cleared the state, got %d", reports)
	}
}

func TestPruneDropsUnknownDevices(t *testing.T) {
	b := newTestBridge(&fakeSource{}, &fakeDirectory{devices: map[string]*upnp.Device{}})
	b.AddSubscriber("uuid-gone", "client", "10.0.0.9", 32500, "http", 1)

	watched := b.pruneAndCollect()

	if len(watched) != 0 {
		t.Fatalf("expected no watched devices, got %d", len(watched))
	}
	if subs := b.Subscribers("uuid-gone"); len(subs) != 0 {
		t.Fatalf("expected pruned subscribers, got %+v", subs)
	}
}
