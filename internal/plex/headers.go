package plex

import "net/http"

// DeviceIdentity is the identification triple stamped on every exchange done
// on behalf of a bridged device.
type DeviceIdentity struct {
	UUID  string
	Name  string
	Model string
}

// AppInfo describes this bridge to Plex peers.
type AppInfo struct {
	Platform        string
	PlatformVersion string
	Version         string
}

// ServerHeaders identify a device on requests to the media server.
func ServerHeaders(d DeviceIdentity, app AppInfo) http.Header {
	h := http.Header{}
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Device", d.Model)
	h.Set("X-Plex-Device-Name", d.Name)
	h.Set("X-Plex-Platform", app.Platform)
	h.Set("X-Plex-Platform-Version", app.PlatformVersion)
	h.Set("X-Plex-Product", d.Model)
	h.Set("X-Plex-Version", app.Version)
	h.Set("X-Plex-Provides", "player,pubsub-player")
	return h
}

// SubscriberHeaders identify a device on timeline pushes to a controller.
func SubscriberHeaders(d DeviceIdentity, app AppInfo) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/xml")
	h.Set("Connection", "Keep-Alive")
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Platform", app.Platform)
	h.Set("X-Plex-Platform-Version", app.PlatformVersion)
	h.Set("X-Plex-Product", d.Model)
	h.Set("X-Plex-Version", app.Version)
	h.Set("X-Plex-Device-Name", d.Name)
	h.Set("Accept-Encoding", "gzip, deflate")
	h.Set("Accept-Language", "en,*")
	return h
}

// PollHeaders accompany timeline poll responses served to controllers.
func PollHeaders(d DeviceIdentity) http.Header {
	h := http.Header{}
	h.Set("X-Plex-Client-Identifier", d.UUID)
	h.Set("X-Plex-Protocol", "1.0")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Max-Age", "1209600")
	h.Set("Access-Control-Expose-Headers", "X-Plex-Client-Identifier")
	h.Set("Content-Type", "text/xml;charset=utf-8")
	return h
}
