// Package httpapi exposes the bridge's HTTP surface: the controller timeline
// subscription endpoints and the device eventing callback.
package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/aubustou/plex-dlna-player/internal/plex"
)

const defaultSubscriberPort = 32400

// SubscriberRegistry is the slice of the bridge the handlers drive.
type SubscriberRegistry interface {
	AddSubscriber(targetUUID, clientUUID, host string, port int, protocol string, commandID int)
	RemoveSubscriber(clientUUID, targetUUID string)
}

// EventSink receives device eventing callbacks.
type EventSink interface {
	SignalEvent(deviceUUID string)
}

type Server struct {
	logger      *slog.Logger
	subscribers SubscriberRegistry
	events      EventSink
	identity    plex.DeviceIdentity
}

func NewServer(logger *slog.Logger, subscribers SubscriberRegistry, events EventSink, identity plex.DeviceIdentity) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:      logger,
		subscribers: subscribers,
		events:      events,
		identity:    identity,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/player/timeline/subscribe", s.handleSubscribe)
	mux.HandleFunc("/player/timeline/unsubscribe", s.handleUnsubscribe)
	mux.HandleFunc("/dlna/callback/{uuid}", s.handleCallback)
	return mux
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	target := targetUUID(r)
	client := r.Header.Get("X-Plex-Client-Identifier")
	if target == "" || client == "" {
		http.Error(w, "missing client or target identifier", http.StatusBadRequest)
		return
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	port := defaultSubscriberPort
	if p, err := strconv.Atoi(r.URL.Query().Get("port")); err == nil {
		port = p
	}
	protocol := r.URL.Query().Get("protocol")
	if protocol == "" {
		protocol = "http"
	}
	commandID, _ := strconv.Atoi(r.URL.Query().Get("commandID"))

	s.subscribers.AddSubscriber(target, client, host, port, protocol, commandID)
	s.writePollHeaders(w)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	client := r.Header.Get("X-Plex-Client-Identifier")
	if client == "" {
		http.Error(w, "missing client identifier", http.StatusBadRequest)
		return
	}

	s.subscribers.RemoveSubscriber(client, targetUUID(r))
	s.writePollHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// handleCallback accepts GENA NOTIFY deliveries for a device and signals the
// playback adapter. The notification body itself is not interpreted; the
// event only wakes the bridge loop to re-poll device state.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	if uuid == "" {
		http.Error(w, "missing device uuid", http.StatusBadRequest)
		return
	}

	s.logger.Debug("event callback", slog.String("uuid", uuid), slog.String("method", r.Method))
	if s.events != nil {
		s.events.SignalEvent(uuid)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writePollHeaders(w http.ResponseWriter) {
	for key, values := range plex.PollHeaders(s.identity) {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
}

func targetUUID(r *http.Request) string {
	if target := r.Header.Get("X-Plex-Target-Client-Identifier"); target != "" {
		return target
	}
	return r.URL.Query().Get("uuid")
}
