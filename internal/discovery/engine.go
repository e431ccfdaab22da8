// Package discovery finds DLNA renderers on the local network by sending
// periodic SSDP searches and collecting the unicast responses.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	multicastHost = "239.255.255.250"
	multicastPort = 1900
	localBindPort = 1910
	multicastTTL  = 4

	searchMX       = 10
	searchTarget   = "ssdp:all"
	searchInterval = 30 * time.Second

	readBufferSize = 4096
)

var listenPacket = net.ListenPacket

// BindAddr is the local address the SSDP socket binds to.
func BindAddr() string {
	return fmt.Sprintf(":%d", localBindPort)
}

// Engine owns the SSDP socket and announces each distinct description URL it
// sees exactly once via the callback.
type Engine struct {
	logger     *slog.Logger
	onLocation func(location string)

	// Fixed description URL; when set, the network search is skipped.
	staticLocation string

	mu   sync.Mutex
	seen map[string]bool
}

func NewEngine(logger *slog.Logger, staticLocation string, onLocation func(location string)) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:         logger,
		onLocation:     onLocation,
		staticLocation: staticLocation,
		seen:           map[string]bool{},
	}
}

// Run drives discovery until the context is done. With a static location
// configured it reports that one URL and waits; otherwise it joins the SSDP
// multicast group and alternates between sending searches and reading
// responses.
func (e *Engine) Run(ctx context.Context) error {
	if e.staticLocation != "" {
		e.logger.Info("using static device location", slog.String("location", e.staticLocation))
		e.report(e.staticLocation)
		<-ctx.Done()
		return ctx.Err()
	}

	conn, err := listenPacket("udp4", fmt.Sprintf(":%d", localBindPort))
	if err != nil {
		return fmt.Errorf("bind ssdp socket: %w", err)
	}
	defer conn.Close()

	group := net.IPv4(239, 255, 255, 250)
	packetConn := ipv4.NewPacketConn(conn)
	if err := packetConn.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
		e.logger.Warn("joining ssdp multicast group failed", slog.Any("error", err))
	}
	if err := packetConn.SetMulticastTTL(multicastTTL); err != nil {
		e.logger.Warn("setting multicast ttl failed", slog.Any("error", err))
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	dest := &net.UDPAddr{IP: group, Port: multicastPort}
	search := []byte(searchMessage())

	nextSearch := time.Time{}
	buf := make([]byte, readBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if now := time.Now(); !now.Before(nextSearch) {
			if _, err := conn.WriteTo(search, dest); err != nil {
				e.logger.Warn("sending ssdp search failed", slog.Any("error", err))
			}
			nextSearch = now.Add(searchInterval)
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.Warn("reading ssdp response failed", slog.Any("error", err))
			continue
		}

		location, ok := parseResponse(buf[:n])
		if !ok {
			continue
		}
		e.report(location)
	}
}

// report invokes the callback for a location not seen before. Dedup is on the
// exact location string, so the same device answering with a different URL is
// treated as new.
func (e *Engine) report(location string) {
	e.mu.Lock()
	if e.seen[location] {
		e.mu.Unlock()
		return
	}
	e.seen[location] = true
	e.mu.Unlock()

	e.logger.Info("discovered device location", slog.String("location", location))
	if e.onLocation != nil {
		e.onLocation(location)
	}
}

// Forget drops a location from the dedup set so a later response for it is
// reported again. Called when a device is evicted.
func (e *Engine) Forget(location string) {
	e.mu.Lock()
	delete(e.seen, location)
	e.mu.Unlock()
}

func searchMessage() string {
	return strings.Join([]string{
		"M-SEARCH * HTTP/1.1",
		fmt.Sprintf("HOST: %s:%d", multicastHost, multicastPort),
		`MAN: "ssdp:discover"`,
		fmt.Sprintf("MX: %d", searchMX),
		"ST: " + searchTarget,
		"", "",
	}, "\r\n")
}

// parseResponse extracts the LOCATION header from one SSDP datagram. The
// status line is skipped and header names match case-insensitively; datagrams
// without a location are ignored.
func parseResponse(datagram []byte) (string, bool) {
	lines := strings.Split(string(datagram), "\r\n")
	if len(lines) < 2 {
		return "", false
	}

	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.ToLower(strings.TrimSpace(name)) == "location" {
			location := strings.TrimSpace(value)
			if location == "" {
				return "", false
			}
			return location, true
		}
	}
	return "", false
}
