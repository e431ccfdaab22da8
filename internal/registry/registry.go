// Package registry tracks the set of known renderers and serializes their
// removal through a single worker, so eviction never runs inline in a control
// call.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

const removalQueueSize = 32

type removalRequest struct {
	uuid   string
	reason string
}

// Registry owns the device set. It implements upnp.RemovalSink.
type Registry struct {
	logger *slog.Logger

	// Called after a device left the set, outside the registry lock.
	onRemoved func(device *upnp.Device, reason string)

	mu      sync.Mutex
	devices map[string]*upnp.Device

	removals chan removalRequest
}

func New(logger *slog.Logger, onRemoved func(device *upnp.Device, reason string)) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		onRemoved: onRemoved,
		devices:   map[string]*upnp.Device{},
		removals:  make(chan removalRequest, removalQueueSize),
	}
}

// Run processes removal requests until the context is done.
func (r *Registry) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-r.removals:
			r.remove(req.uuid, req.reason)
		}
	}
}

// Add registers a loaded device. A device with a uuid already present
// replaces the old entry.
func (r *Registry) Add(device *upnp.Device) {
	r.mu.Lock()
	r.devices[device.UUID] = device
	r.mu.Unlock()
	r.logger.Info("device registered",
		slog.String("uuid", device.UUID), slog.String("name", device.Name))
}

// ByUUID returns the device registered under uuid, or nil.
func (r *Registry) ByUUID(uuid string) *upnp.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[uuid]
}

// All returns the registered devices sorted by name for stable listings.
func (r *Registry) All() []*upnp.Device {
	r.mu.Lock()
	all := make([]*upnp.Device, 0, len(r.devices))
	for _, d := range r.devices {
		all = append(all, d)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// RequestRemoval queues an eviction. Safe from any goroutine; a full queue
// drops the request, since the device will ask again on its next failure.
func (r *Registry) RequestRemoval(uuid, reason string) {
	select {
	case r.removals <- removalRequest{uuid: uuid, reason: reason}:
	default:
		r.logger.Warn("removal queue full, dropping request", slog.String("uuid", uuid))
	}
}

// remove deregisters a device, stops its subscription loops and fires the
// removal hook. Duplicate requests for the same uuid are no-ops.
func (r *Registry) remove(uuid, reason string) {
	r.mu.Lock()
	device, ok := r.devices[uuid]
	if ok {
		delete(r.devices, uuid)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("device removed",
		slog.String("uuid", uuid), slog.String("name", device.Name), slog.String("reason", reason))
	device.StopAllSubscriptions()
	if r.onRemoved != nil {
		r.onRemoved(device, reason)
	}
}
