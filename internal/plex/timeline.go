// Package plex models the controller-protocol documents and headers: the
// MediaContainer timeline pushed to subscribers and the identification headers
// sent alongside every controller/server exchange.
package plex

import (
	"encoding/xml"
	"strconv"
)

// Timeline states.
const (
	StateStopped   = "stopped"
	StatePaused    = "paused"
	StatePlaying   = "playing"
	StateBuffering = "buffering"
)

// Timeline item types.
const (
	TypeMusic = "music"
	TypePhoto = "photo"
	TypeVideo = "video"
)

// Controllable lists the playback controls advertised on an active timeline.
const Controllable = "playPause,stop,volume,shuffle,repeat,seekTo,skipPrevious,skipNext,stepBack,stepForward"

// MediaContainer is the top-level stanza pushed to timeline subscribers.
type MediaContainer struct {
	XMLName           xml.Name   `xml:"MediaContainer"`
	CommandID         string     `xml:"commandID,attr"`
	MachineIdentifier string     `xml:"machineIdentifier,attr,omitempty"`
	Disconnected      string     `xml:"disconnected,attr,omitempty"`
	Timelines         []Timeline `xml:"Timeline"`
}

// Timeline represents the state of one item type on the player.
type Timeline struct {
	Controllable     string `xml:"controllable,attr,omitempty"`
	Type             string `xml:"type,attr"`
	ItemType         string `xml:"itemType,attr,omitempty"`
	State            string `xml:"state,attr,omitempty"`
	Time             string `xml:"time,attr,omitempty"`
	Duration         string `xml:"duration,attr,omitempty"`
	SeekRange        string `xml:"seekRange,attr,omitempty"`
	Volume           string `xml:"volume,attr,omitempty"`
	Mute             string `xml:"mute,attr,omitempty"`
	Shuffle          string `xml:"shuffle,attr,omitempty"`
	Repeat           string `xml:"repeat,attr,omitempty"`
	Key              string `xml:"key,attr,omitempty"`
	RatingKey        string `xml:"ratingKey,attr,omitempty"`
	ContainerKey     string `xml:"containerKey,attr,omitempty"`
	PlayQueueID      string `xml:"playQueueID,attr,omitempty"`
	PlayQueueItemID  string `xml:"playQueueItemID,attr,omitempty"`
	PlayQueueVersion string `xml:"playQueueVersion,attr,omitempty"`
	Protocol         string `xml:"protocol,attr,omitempty"`
	Address          string `xml:"address,attr,omitempty"`
	Port             string `xml:"port,attr,omitempty"`
	Token            string `xml:"token,attr,omitempty"`
}

func stoppedTimelines() []Timeline {
	return []Timeline{
		{Type: TypeMusic, State: StateStopped},
		{Type: TypeVideo, State: StateStopped},
		{Type: TypePhoto, State: StateStopped},
	}
}

// StoppedContainer is the timeline pushed when no session is active.
func StoppedContainer(commandID int) MediaContainer {
	return MediaContainer{
		CommandID: strconv.Itoa(commandID),
		Timelines: stoppedTimelines(),
	}
}

// DisconnectedContainer is the final timeline pushed when a device goes away.
func DisconnectedContainer(commandID int) MediaContainer {
	return MediaContainer{
		CommandID:    strconv.Itoa(commandID),
		Disconnected: "1",
		Timelines:    stoppedTimelines(),
	}
}

// PlayingContainer wraps an active music timeline; video and photo report
// stopped, matching what a music-only player advertises.
func PlayingContainer(commandID int, music Timeline) MediaContainer {
	music.Type = TypeMusic
	music.ItemType = TypeMusic
	music.Controllable = Controllable
	return MediaContainer{
		CommandID: strconv.Itoa(commandID),
		Timelines: []Timeline{
			music,
			{Type: TypeVideo, State: StateStopped},
			{Type: TypePhoto, State: StateStopped},
		},
	}
}

// Encode renders the container as an XML document.
func (c MediaContainer) Encode() ([]byte, error) {
	return xml.Marshal(c)
}
