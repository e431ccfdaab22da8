// Package upnp implements the DLNA/UPnP control point: the device and service
// model built from discovered description documents, dynamic SOAP action
// invocation with SCPD caching, and the eventing subscription lifecycle.
package upnp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/aubustou/plex-dlna-player/internal/config"
)

const (
	avtServiceTypePrefix = "urn:schemas-upnp-org:service:AVTransport"
	rcServiceTypePrefix  = "urn:schemas-upnp-org:service:RenderingControl"

	// Consecutive connection failures before the device is evicted.
	errorCountToRemove = 20
)

var allowedServiceVersions = map[string]bool{"1": true, "2": true}

var (
	ErrNotValidDevice  = errors.New("not a valid DLNA device")
	ErrServiceNotFound = errors.New("service type not found")
	ErrActionNotFound  = errors.New("action not found")
)

// RemovalSink receives eviction requests for devices that crossed the error
// threshold. Removal always runs on the sink's own worker, never inline in a
// SOAP call.
type RemovalSink interface {
	RequestRemoval(uuid, reason string)
}

// Options carries the collaborators a Device needs. Zero-value fields get
// defaults from NewDevice.
type Options struct {
	HTTPClient  *http.Client
	FetchClient *retryablehttp.Client
	Logger      *slog.Logger
	Settings    *config.Settings
	Store       config.AliasStore
	Removals    RemovalSink
}

// Device is an in-memory representation of one discovered renderer.
type Device struct {
	LocationURL string

	httpClient  *http.Client
	fetchClient *retryablehttp.Client
	logger      *slog.Logger
	settings    *config.Settings
	store       config.AliasStore
	removals    RemovalSink

	mu     sync.Mutex
	loaded bool

	UUID  string
	Name  string
	Model string
	IP    string

	services       map[string]*Service
	serviceOrder   []*Service
	avtServiceType string
	rcServiceType  string
	avtVersion     int
	rcVersion      int

	VolumeMin  int
	VolumeMax  int
	VolumeStep int

	errMu            sync.Mutex
	repeatErrorCount int
	removalRequested bool
}

func NewDevice(locationURL string, opts Options) *Device {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.FetchClient == nil {
		opts.FetchClient = retryablehttp.NewClient()
		opts.FetchClient.RetryMax = 2
		opts.FetchClient.Logger = nil
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Device{
		LocationURL: locationURL,
		httpClient:  opts.HTTPClient,
		fetchClient: opts.FetchClient,
		logger:      opts.Logger,
		settings:    opts.Settings,
		store:       opts.Store,
		removals:    opts.Removals,
		services:    map[string]*Service{},
		VolumeMin:   0,
		VolumeMax:   100,
		VolumeStep:  1,
	}
}

type rootDescription struct {
	XMLName xml.Name `xml:"root"`
	Device  struct {
		FriendlyName     string               `xml:"friendlyName"`
		ModelDescription string               `xml:"modelDescription"`
		UDN              string               `xml:"UDN"`
		Services         []serviceDescription `xml:"serviceList>service"`
	} `xml:"device"`
}

type serviceDescription struct {
	ServiceType string `xml:"serviceType"`
	ServiceID   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
}

// LoadDescription fetches and resolves the device description. Idempotent: a
// second call on a populated device is a no-op.
func (d *Device) LoadDescription(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.loaded {
		return nil
	}

	doc, err := d.fetch(ctx, d.LocationURL)
	if err != nil {
		return fmt.Errorf("fetch device description: %w", err)
	}

	var root rootDescription
	if err := xml.Unmarshal(stripDefaultNamespace(doc), &root); err != nil {
		return fmt.Errorf("parse device description: %w", err)
	}

	d.Name = root.Device.FriendlyName
	d.Model = root.Device.ModelDescription
	if d.Model == "" && d.settings != nil {
		d.Model = d.settings.Product
	}
	d.UUID = trimUUIDPrefix(root.Device.UDN)

	for _, sd := range root.Device.Services {
		svc := newService(d, sd)
		d.services[sd.ServiceType] = svc
		d.serviceOrder = append(d.serviceOrder, svc)

		prefix, version, ok := splitServiceType(sd.ServiceType)
		if !ok || !allowedServiceVersions[version] {
			continue
		}
		switch prefix {
		case avtServiceTypePrefix:
			d.avtServiceType = sd.ServiceType
			d.avtVersion, _ = strconv.Atoi(version)
		case rcServiceTypePrefix:
			d.rcServiceType = sd.ServiceType
			d.rcVersion, _ = strconv.Atoi(version)
		}
	}

	if d.Name == "" || d.UUID == "" {
		d.logger.Error("device description missing name or uuid", slog.String("location", d.LocationURL))
		return fmt.Errorf("%w: %s", ErrNotValidDevice, d.LocationURL)
	}
	if d.avtServiceType == "" || d.rcServiceType == "" {
		d.logger.Error("device has no AVTransport or RenderingControl service",
			slog.String("location", d.LocationURL), slog.String("name", d.Name))
		return fmt.Errorf("%w: %s has no AVTransport or RenderingControl service", ErrNotValidDevice, d.Name)
	}

	if u, err := url.Parse(d.LocationURL); err == nil {
		d.IP = u.Hostname()
	}
	if d.settings != nil {
		d.Name = d.settings.AliasFor(d.store, d.UUID, d.Name, d.IP)
	}

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, svc := range d.serviceOrder {
		grp.Go(func() error {
			_, err := svc.Spec(grpCtx)
			return err
		})
	}
	if err := grp.Wait(); err != nil {
		return fmt.Errorf("fetch service specs: %w", err)
	}

	d.loadVolumeRange(ctx)
	d.loaded = true
	return nil
}

// loadVolumeRange reads the RenderingControl Volume state variable. Missing or
// malformed ranges keep the 0/100/1 defaults.
func (d *Device) loadVolumeRange(ctx context.Context) {
	svc, ok := d.services[d.rcServiceType]
	if !ok {
		return
	}
	spec, err := svc.Spec(ctx)
	if err != nil {
		d.logger.Warn("volume range lookup failed", slog.String("device", d.Name), slog.Any("error", err))
		return
	}

	v := spec.Variable("Volume")
	if v == nil || v.AllowedRange == nil {
		return
	}
	minVal, errMin := strconv.Atoi(v.AllowedRange.Minimum)
	maxVal, errMax := strconv.Atoi(v.AllowedRange.Maximum)
	step, errStep := strconv.Atoi(v.AllowedRange.Step)
	if errMin != nil || errMax != nil || errStep != nil {
		d.logger.Warn("volume range not numeric", slog.String("device", d.Name))
		return
	}
	d.VolumeMin, d.VolumeMax, d.VolumeStep = minVal, maxVal, step
}

// Invoke resolves and calls a named SOAP action. With a serviceType hint the
// action is routed to that exact service; otherwise the first service (in
// description order) whose spec defines the action is used. A device-reported
// fault yields a nil Result and nil error.
func (d *Device) Invoke(ctx context.Context, action string, data any, serviceType string) (Result, error) {
	if err := d.LoadDescription(ctx); err != nil {
		return nil, err
	}

	var svc *Service
	if serviceType != "" {
		var err error
		if svc, err = d.Service(serviceType); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range d.serviceOrder {
			if spec, err := candidate.ActionSpec(ctx, action); err == nil && spec != nil {
				svc = candidate
				break
			}
		}
		if svc == nil {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, action)
		}
	}
	return svc.Control(ctx, action, data)
}

// Service returns the service registered under the exact type string.
func (d *Device) Service(serviceType string) (*Service, error) {
	svc, ok := d.services[serviceType]
	if !ok {
		d.logger.Error("device has no such service", slog.String("device", d.Name), slog.String("service", serviceType))
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, serviceType)
	}
	return svc, nil
}

// AVTransportService returns the selected AVTransport-family service.
func (d *Device) AVTransportService() (*Service, error) {
	return d.Service(d.avtServiceType)
}

// Services returns the device's services in description order.
func (d *Device) Services() []*Service {
	return d.serviceOrder
}

// recordControlFailure counts a connection-level failure and posts an eviction
// request once the threshold is crossed.
func (d *Device) recordControlFailure() {
	d.errMu.Lock()
	defer d.errMu.Unlock()

	d.repeatErrorCount++
	if d.repeatErrorCount < errorCountToRemove || d.removalRequested {
		return
	}
	d.removalRequested = true
	d.logger.Warn("removing device after repeated connection errors",
		slog.String("device", d.Name), slog.Int("errors", d.repeatErrorCount))
	if d.removals != nil {
		d.removals.RequestRemoval(d.UUID, "repeated connection errors")
	}
}

func (d *Device) resetControlFailures() {
	d.errMu.Lock()
	d.repeatErrorCount = 0
	d.errMu.Unlock()
}

// RepeatErrorCount reports the current consecutive connection failure count.
func (d *Device) RepeatErrorCount() int {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.repeatErrorCount
}

func (d *Device) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.fetchClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	return readAll(resp.Body)
}

func trimUUIDPrefix(udn string) string {
	const prefix = "uuid:"
	if len(udn) >= len(prefix) && udn[:len(prefix)] == prefix {
		return udn[len(prefix):]
	}
	return udn
}

func splitServiceType(serviceType string) (prefix, version string, ok bool) {
	for i := len(serviceType) - 1; i >= 0; i-- {
		if serviceType[i] == ':' {
			return serviceType[:i], serviceType[i+1:], true
		}
	}
	return "", "", false
}
