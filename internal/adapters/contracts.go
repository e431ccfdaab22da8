package adapters

import (
	"context"
	"net/url"
	"time"

	"github.com/aubustou/plex-dlna-player/internal/plex"
	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

// Playback reports one device's session state to the notification bridge.
type Playback interface {
	// Suppressed mutes all notifications for the device.
	Suppressed() bool
	// HasQueue reports whether a server-managed play queue is active.
	HasQueue() bool
	// PlexState is the controller-visible state name, empty when unknown.
	PlexState() string
	// Timeline returns the music timeline of the active session; ok is false
	// when nothing is playing.
	Timeline(ctx context.Context) (timeline plex.Timeline, ok bool)
	// ServerParams returns the playback-state query parameters for the
	// upstream progress report; nil means nothing to report.
	ServerParams(ctx context.Context) url.Values
	// Library returns the media server the session plays from.
	Library() (library plex.Library, ok bool)
	// WaitForEvent blocks until the session state changes, the timeout
	// elapses or the context is done.
	WaitForEvent(ctx context.Context, timeout time.Duration)
}

// Source resolves the playback session bound to a device.
type Source interface {
	// PlaybackFor returns nil when the device has no session.
	PlaybackFor(deviceUUID string) Playback
}

// Directory is the device lookup consumed by the notification bridge.
type Directory interface {
	ByUUID(uuid string) *upnp.Device
	All() []*upnp.Device
}
