// Package bridge fans playback state out to the interested parties: timeline
// pushes to subscribed Plex controllers and progress reports to the media
// server owning the play queue.
package bridge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aubustou/plex-dlna-player/internal/adapters"
	"github.com/aubustou/plex-dlna-player/internal/config"
	"github.com/aubustou/plex-dlna-player/internal/plex"
	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

const (
	// Per-subscriber push deadline. A controller that cannot take a timeline
	// within this window is treated as gone.
	pushTimeout = time.Second

	// Multiplier bounding the wait for adapter events in the main loop.
	waitIntervalFactor = 10
)

// Subscriber is one controller listening for a device's timeline.
type Subscriber struct {
	ClientUUID string
	Host       string
	Port       int
	Protocol   string
	CommandID  int
}

func (s *Subscriber) url() string {
	return fmt.Sprintf("%s://%s:%d/:/timeline", s.Protocol, s.Host, s.Port)
}

// Bridge owns the subscriber map. All exported methods are safe for
// concurrent use.
type Bridge struct {
	logger     *slog.Logger
	httpClient *http.Client
	settings   *config.Settings
	source     adapters.Source
	directory  adapters.Directory

	mu                    sync.Mutex
	subscribers           map[string][]*Subscriber
	lastServerNotifyState map[string]string
}

func New(logger *slog.Logger, settings *config.Settings, source adapters.Source, directory adapters.Directory) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger:                logger,
		httpClient:            &http.Client{},
		settings:              settings,
		source:                source,
		directory:             directory,
		subscribers:           map[string][]*Subscriber{},
		lastServerNotifyState: map[string]string{},
	}
}

// AddSubscriber registers a controller for a device's timeline. A repeated
// registration with identical connection parameters only refreshes the
// command id; changed parameters replace the old entry.
func (b *Bridge) AddSubscriber(targetUUID, clientUUID, host string, port int, protocol string, commandID int) {
	if protocol == "" {
		protocol = "http"
	}
	b.logger.Info("add subscriber",
		slog.String("target", targetUUID), slog.String("client", clientUUID),
		slog.String("host", host), slog.Int("port", port), slog.Int("commandID", commandID))

	b.mu.Lock()
	if existing := b.findLocked(targetUUID, clientUUID); existing != nil {
		if existing.Host == host && existing.Port == port && existing.Protocol == protocol {
			existing.CommandID = commandID
			b.mu.Unlock()
			return
		}
		b.removeLocked(clientUUID, targetUUID)
	}
	b.subscribers[targetUUID] = append(b.subscribers[targetUUID], &Subscriber{
		ClientUUID: clientUUID,
		Host:       host,
		Port:       port,
		Protocol:   protocol,
		CommandID:  commandID,
	})
	b.mu.Unlock()
}

// UpdateCommandID refreshes the command id of an existing subscriber.
func (b *Bridge) UpdateCommandID(targetUUID, clientUUID string, commandID int) {
	b.mu.Lock()
	if sub := b.findLocked(targetUUID, clientUUID); sub != nil {
		sub.CommandID = commandID
	}
	b.mu.Unlock()
}

// RemoveSubscriber drops a controller from one device's list, or from every
// list when targetUUID is empty. A device whose list becomes empty has no
// listening controller left, so its eventing renewal loop is stopped.
func (b *Bridge) RemoveSubscriber(clientUUID, targetUUID string) {
	b.logger.Info("remove subscriber",
		slog.String("client", clientUUID), slog.String("target", targetUUID))

	b.mu.Lock()
	emptied := b.removeLocked(clientUUID, targetUUID)
	b.mu.Unlock()

	for _, uuid := range emptied {
		if device := b.directory.ByUUID(uuid); device != nil {
			device.StopAllSubscriptions()
		}
	}
}

// findLocked returns the (target, client) entry, or nil.
func (b *Bridge) findLocked(targetUUID, clientUUID string) *Subscriber {
	for _, sub := range b.subscribers[targetUUID] {
		if sub.ClientUUID == clientUUID {
			return sub
		}
	}
	return nil
}

// removeLocked drops the client from the named device list or all lists and
// returns the uuids whose lists became empty.
func (b *Bridge) removeLocked(clientUUID, targetUUID string) []string {
	targets := []string{targetUUID}
	if targetUUID == "" {
		targets = targets[:0]
		for uuid := range b.subscribers {
			targets = append(targets, uuid)
		}
	}

	var emptied []string
	for _, uuid := range targets {
		subs := b.subscribers[uuid]
		kept := subs[:0]
		for _, sub := range subs {
			if sub.ClientUUID != clientUUID {
				kept = append(kept, sub)
			}
		}
		if len(kept) == len(subs) {
			continue
		}
		if len(kept) == 0 {
			delete(b.subscribers, uuid)
			emptied = append(emptied, uuid)
			continue
		}
		b.subscribers[uuid] = kept
	}
	return emptied
}

// Subscribers returns a snapshot of one device's subscriber list.
func (b *Bridge) Subscribers(targetUUID string) []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Subscriber, 0, len(b.subscribers[targetUUID]))
	for _, sub := range b.subscribers[targetUUID] {
		out = append(out, *sub)
	}
	return out
}

// containerFor builds the timeline snapshot for a device. Without an active
// session it degrades to the stopped snapshot.
func (b *Bridge) containerFor(ctx context.Context, device *upnp.Device, commandID int) plex.MediaContainer {
	playback := b.source.PlaybackFor(device.UUID)
	if playback == nil || !playback.HasQueue() {
		return plex.StoppedContainer(commandID)
	}
	timeline, ok := playback.Timeline(ctx)
	if !ok {
		return plex.StoppedContainer(commandID)
	}
	return plex.PlayingContainer(commandID, timeline)
}

// NotifyDevice pushes the device's current timeline to every subscriber
// concurrently. A failed push removes that subscriber.
func (b *Bridge) NotifyDevice(ctx context.Context, device *upnp.Device) {
	if playback := b.source.PlaybackFor(device.UUID); playback != nil && playback.Suppressed() {
		b.logger.Debug("notifications suppressed", slog.String("device", device.Name))
		return
	}

	subs := b.Subscribers(device.UUID)
	if len(subs) == 0 {
		return
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		grp.Go(func() error {
			container := b.containerFor(grpCtx, device, sub.CommandID)
			if err := b.push(grpCtx, sub, device, container); err != nil {
				b.logger.Warn("subscriber push failed, dropping subscriber",
					slog.String("client", sub.ClientUUID), slog.String("device", device.Name), slog.Any("error", err))
				b.RemoveSubscriber(sub.ClientUUID, "")
			}
			return nil
		})
	}
	_ = grp.Wait()
}

// NotifyDeviceDisconnected pushes a final disconnected timeline, drops the
// device's subscribers, and sends a last forced progress report so the media
// server does not keep a stale playing state for the evicted device. Callers
// must invoke this while the device's session is still resolvable.
func (b *Bridge) NotifyDeviceDisconnected(ctx context.Context, device *upnp.Device) {
	subs := b.Subscribers(device.UUID)

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		grp.Go(func() error {
			container := plex.DisconnectedContainer(sub.CommandID)
			if err := b.push(grpCtx, sub, device, container); err != nil {
				b.logger.Debug("disconnect push failed", slog.String("client", sub.ClientUUID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = grp.Wait()

	for _, sub := range subs {
		b.RemoveSubscriber(sub.ClientUUID, device.UUID)
	}

	b.NotifyServerDevice(ctx, device, true)

	b.mu.Lock()
	delete(b.lastServerNotifyState, device.UUID)
	b.mu.Unlock()
}

func (b *Bridge) push(ctx context.Context, sub Subscriber, device *upnp.Device, container plex.MediaContainer) error {
	body, err := container.Encode()
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pushCtx, http.MethodPost, sub.url(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	identity := plex.DeviceIdentity{UUID: device.UUID, Name: device.Name, Model: device.Model}
	req.Header = plex.SubscriberHeaders(identity, b.appInfo())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("push timeline: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// NotifyServerDevice reports playback progress to the media server owning the
// device's queue. Repeated stopped states are not re-reported unless forced.
// HTTP failures are logged and skipped until the next cycle.
func (b *Bridge) NotifyServerDevice(ctx context.Context, device *upnp.Device, force bool) {
	if len(b.Subscribers(device.UUID)) == 0 && !force {
		return
	}

	playback := b.source.PlaybackFor(device.UUID)
	if playback == nil || !playback.HasQueue() {
		return
	}
	if playback.Suppressed() && !force {
		b.logger.Debug("server report suppressed", slog.String("device", device.Name))
		return
	}
	state := playback.PlexState()
	if state == "" {
		return
	}

	b.mu.Lock()
	lastState := b.lastServerNotifyState[device.UUID]
	if lastState == state && state == plex.StateStopped && !force {
		b.mu.Unlock()
		return
	}
	b.lastServerNotifyState[device.UUID] = state
	b.mu.Unlock()

	library, ok := playback.Library()
	if !ok {
		return
	}
	params := playback.ServerParams(ctx)
	if params == nil || params.Get("state") == "" {
		return
	}

	reportURL, err := url.Parse(library.TimelineURL())
	if err != nil {
		b.logger.Warn("server report url invalid", slog.Any("error", err))
		return
	}
	query := reportURL.Query()
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}
	reportURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reportURL.String(), nil)
	if err != nil {
		b.logger.Warn("server report request failed", slog.Any("error", err))
		return
	}
	identity := plex.DeviceIdentity{UUID: device.UUID, Name: device.Name, Model: device.Model}
	req.Header = plex.ServerHeaders(identity, b.appInfo())

	resp, err := b.httpClient.Do(req)
	if err != nil {
		b.logger.Warn("server report failed", slog.String("device", device.Name), slog.Any("error", err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b.logger.Warn("server report rejected",
			slog.String("device", device.Name), slog.Int("status", resp.StatusCode))
	}
}

// Notify runs one full fan-out cycle: server reports first, then timeline
// pushes, for every known device.
func (b *Bridge) Notify(ctx context.Context) {
	for _, device := range b.directory.All() {
		b.NotifyServerDevice(ctx, device, false)
	}
	for _, device := range b.directory.All() {
		b.NotifyDevice(ctx, device)
	}
}

// Run drives the notification loop until the context is done. Each cycle
// sleeps the notify interval, waits (bounded) for any watched device to
// signal a state change, prunes subscriber entries whose device is gone, and
// fans out. A wait timeout just means nothing changed; the cycle notifies on
// schedule anyway.
func (b *Bridge) Run(ctx context.Context) error {
	interval := b.settings.NotifyInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	waitBound := interval * waitIntervalFactor

	b.Notify(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		watched := b.pruneAndCollect()
		if len(watched) > 0 {
			b.waitForAnyEvent(ctx, watched, waitBound)
		}
		b.Notify(ctx)
	}
}

// pruneAndCollect drops subscriber entries whose uuid no longer resolves and
// returns the devices still being watched.
func (b *Bridge) pruneAndCollect() []*upnp.Device {
	b.mu.Lock()
	uuids := make([]string, 0, len(b.subscribers))
	for uuid, subs := range b.subscribers {
		if len(subs) > 0 {
			uuids = append(uuids, uuid)
		}
	}
	b.mu.Unlock()

	var watched []*upnp.Device
	for _, uuid := range uuids {
		device := b.directory.ByUUID(uuid)
		if device == nil {
			b.logger.Info("pruning subscribers of unknown device", slog.String("uuid", uuid))
			b.mu.Lock()
			delete(b.subscribers, uuid)
			delete(b.lastServerNotifyState, uuid)
			b.mu.Unlock()
			continue
		}
		watched = append(watched, device)
	}
	return watched
}

// waitForAnyEvent returns when the first watched device signals a state
// change, or after the bound elapses.
func (b *Bridge) waitForAnyEvent(ctx context.Context, watched []*upnp.Device, bound time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	signal := make(chan struct{}, len(watched))
	waiting := 0
	for _, device := range watched {
		playback := b.source.PlaybackFor(device.UUID)
		if playback == nil {
			continue
		}
		waiting++
		go func() {
			playback.WaitForEvent(waitCtx, bound)
			signal <- struct{}{}
		}()
	}
	if waiting == 0 {
		return
	}

	select {
	case <-signal:
	case <-waitCtx.Done():
	}
}

func (b *Bridge) appInfo() plex.AppInfo {
	if b.settings == nil {
		return plex.AppInfo{}
	}
	return plex.AppInfo{
		Platform:        b.settings.Platform,
		PlatformVersion: b.settings.PlatformVersion,
		Version:         b.settings.Version,
	}
}
