package upnp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const defaultSubscribeTimeout = 120 * time.Second

// Swappable for tests.
var timeNow = time.Now

// Subscribe sends one eventing subscription for this service. Calls made
// before half the previous timeout has elapsed are no-ops, so the loop can
// fire early without flooding the device. Eventing is disabled entirely when
// no reachable host address is known, since the device could never deliver a
// callback.
func (s *Service) Subscribe(ctx context.Context, timeout time.Duration) error {
	if s.device.settings == nil {
		return nil
	}
	hostIP := s.device.settings.HostIP()
	if hostIP == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}

	s.subMu.Lock()
	if timeNow().Before(s.nextSubscribeCall) {
		s.subMu.Unlock()
		return nil
	}
	s.subMu.Unlock()

	callback := fmt.Sprintf("<http://%s:%d/dlna/callback/%s>", hostIP, s.device.settings.HTTPPort, s.device.UUID)

	callCtx, cancel := context.WithTimeout(ctx, soapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, "SUBSCRIBE", s.EventURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("Callback", callback)
	req.Header.Set("Timeout", fmt.Sprintf("Second-%d", int(timeout.Seconds())))
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.device.httpClient.Do(req)
	if err != nil {
		s.device.logger.Warn("event subscription failed",
			slog.String("device", s.device.Name), slog.String("service", s.Type), slog.Any("error", err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.device.logger.Warn("event subscription rejected",
			slog.String("device", s.device.Name), slog.String("service", s.Type), slog.Int("status", resp.StatusCode))
		return fmt.Errorf("subscribe %s: unexpected status %d", s.Type, resp.StatusCode)
	}

	s.subMu.Lock()
	s.nextSubscribeCall = timeNow().Add(timeout / 2)
	s.subMu.Unlock()
	return nil
}

// LoopSubscribe starts the renewal loop for this service. At most one loop
// runs per service; extra calls are no-ops. The loop ends when StopSubscribe
// clears the flag or the context is done.
func (s *Service) LoopSubscribe(ctx context.Context, timeout time.Duration) {
	s.subMu.Lock()
	if s.subscribed {
		s.subMu.Unlock()
		return
	}
	s.subscribed = true
	s.subMu.Unlock()

	if timeout <= 0 {
		timeout = defaultSubscribeTimeout
	}

	go func() {
		ticker := time.NewTicker(timeout / 2)
		defer ticker.Stop()
		for {
			s.subMu.Lock()
			active := s.subscribed
			s.subMu.Unlock()
			if !active {
				return
			}

			_ = s.Subscribe(ctx, timeout)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StopSubscribe ends this service's renewal loop after its current iteration.
func (s *Service) StopSubscribe() {
	s.subMu.Lock()
	s.subscribed = false
	s.subMu.Unlock()
}

// Subscribe sends one subscription for every service of the device.
func (d *Device) Subscribe(ctx context.Context, timeout time.Duration) {
	for _, svc := range d.serviceOrder {
		if err := svc.Subscribe(ctx, timeout); err != nil {
			d.logger.Debug("subscribe skipped", slog.String("service", svc.Type), slog.Any("error", err))
		}
	}
}

// LoopSubscribe starts renewal loops for every service of the device.
func (d *Device) LoopSubscribe(ctx context.Context, timeout time.Duration) {
	for _, svc := range d.serviceOrder {
		svc.LoopSubscribe(ctx, timeout)
	}
}

// StopAllSubscriptions ends every renewal loop of the device.
func (d *Device) StopAllSubscriptions() {
	for _, svc := range d.serviceOrder {
		svc.StopSubscribe()
	}
}
