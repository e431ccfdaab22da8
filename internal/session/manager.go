// Package session tracks the live playback session of each renderer: it polls
// transport state, reacts to eventing callbacks, advances the play queue at
// track boundaries and answers the state queries the notification bridge makes.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/aubustou/plex-dlna-player/internal/adapters"
	"github.com/aubustou/plex-dlna-player/internal/config"
	"github.com/aubustou/plex-dlna-player/internal/playqueue"
	"github.com/aubustou/plex-dlna-player/internal/plex"
	"github.com/aubustou/plex-dlna-player/internal/upnp"
)

const (
	defaultPollInterval = time.Second

	// Sessions stopped for this long are swept away.
	defaultStoppedCleanupAfter = 10 * time.Minute
	defaultCleanupSweepEvery   = 30 * time.Second
)

// ErrNoSession is returned by command paths when the device has no session.
var ErrNoSession = errors.New("no active session for device")

// Renderer is the slice of the device a session drives.
type Renderer interface {
	Play(ctx context.Context) (upnp.Result, error)
	Pause(ctx context.Context) (upnp.Result, error)
	Stop(ctx context.Context) (upnp.Result, error)
	Seek(ctx context.Context, target string) (upnp.Result, error)
	SetAVTransportURI(ctx context.Context, uri, metadata string) (upnp.Result, error)
	GetTransportInfo(ctx context.Context) (upnp.Result, error)
	GetPositionInfo(ctx context.Context) (upnp.Result, error)
	GetVolume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, percent int) (upnp.Result, error)
}

// Manager owns at most one session per renderer.
type Manager struct {
	logger     *slog.Logger
	store      *config.Store
	httpClient *retryablehttp.Client

	pollEvery           time.Duration
	stoppedCleanupAfter time.Duration
	cleanupSweepEvery   time.Duration
	now                 func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	closeOnce sync.Once
}

func NewManager(store *config.Store, httpClient *retryablehttp.Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:              logger,
		store:               store,
		httpClient:          httpClient,
		pollEvery:           defaultPollInterval,
		stoppedCleanupAfter: defaultStoppedCleanupAfter,
		cleanupSweepEvery:   defaultCleanupSweepEvery,
		now:                 time.Now,
		sessions:            map[string]*Session{},
	}
}

// PlayMedia starts a new session on the renderer: it resolves the queue from
// the container URL, selects the requested track and hands the renderer its
// URI. A previous session on the same device is replaced. A container URL
// without an access token falls back to the token last saved for the device;
// a URL that carries one refreshes the saved copy.
func (m *Manager) PlayMedia(ctx context.Context, deviceUUID string, renderer Renderer, containerURL, trackKey string, offsetMS int) (*Session, error) {
	library, containerKey, err := plex.LibraryFromURL(containerURL)
	if err != nil {
		return nil, err
	}
	if m.store != nil {
		switch {
		case library.Token == "":
			if token, err := m.store.Token(deviceUUID); err == nil {
				library.Token = token
			}
		default:
			if err := m.store.SaveToken(deviceUUID, library.Token); err != nil {
				m.logger.Warn("persist device token", slog.String("uuid", deviceUUID), slog.Any("error", err))
			}
		}
	}

	queue := playqueue.New(library, containerKey, m.httpClient, m.logger)
	if err := queue.GetInfo(ctx); err != nil {
		return nil, err
	}

	if trackKey != "" {
		if err := queue.SelectTrackKey(ctx, trackKey); err != nil {
			return nil, err
		}
	}

	sess := m.Open(deviceUUID, renderer, queue)
	if err := sess.playSelected(ctx); err != nil {
		m.CloseSession(deviceUUID)
		return nil, err
	}
	if offsetMS > 0 {
		if _, err := renderer.Seek(ctx, formatClock(time.Duration(offsetMS)*time.Millisecond)); err != nil {
			m.logger.Warn("seek to start offset", slog.String("uuid", deviceUUID), slog.Any("error", err))
		}
	}
	return sess, nil
}

// Open registers a session for the device and starts its state monitor,
// replacing and closing any previous session.
func (m *Manager) Open(deviceUUID string, renderer Renderer, queue *playqueue.Queue) *Session {
	sess := &Session{
		deviceUUID:  deviceUUID,
		renderer:    renderer,
		queue:       queue,
		logger:      m.logger,
		now:         m.now,
		wake:        make(chan struct{}, 1),
		monitorDone: make(chan struct{}),
		createdAt:   m.now(),
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	sess.monitorCancel = cancel

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		close(sess.monitorDone)
		return sess
	}
	previous := m.sessions[deviceUUID]
	m.sessions[deviceUUID] = sess
	m.mu.Unlock()

	if previous != nil {
		previous.close()
	}

	go sess.runMonitor(monitorCtx, m.pollEvery)
	return sess
}

// SessionFor returns the device's session, nil when there is none.
func (m *Manager) SessionFor(deviceUUID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[deviceUUID]
}

// PlaybackFor implements the bridge's session lookup.
func (m *Manager) PlaybackFor(deviceUUID string) adapters.Playback {
	if sess := m.SessionFor(deviceUUID); sess != nil {
		return sess
	}
	return nil
}

// SignalEvent wakes the device's monitor and any bridge waiters after an
// eventing callback. Unknown devices are ignored.
func (m *Manager) SignalEvent(deviceUUID string) {
	if sess := m.SessionFor(deviceUUID); sess != nil {
		sess.poke()
	}
}

// CloseSession tears down the device's session, if any.
func (m *Manager) CloseSession(deviceUUID string) {
	m.mu.Lock()
	sess := m.sessions[deviceUUID]
	delete(m.sessions, deviceUUID)
	m.mu.Unlock()
	if sess != nil {
		sess.close()
	}
}

// Run sweeps long-stopped sessions until the context is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanupSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()

	m.mu.Lock()
	var stale []*Session
	for uuid, sess := range m.sessions {
		if sess.stoppedSince(now, m.stoppedCleanupAfter) {
			stale = append(stale, sess)
			delete(m.sessions, uuid)
		}
	}
	m.mu.Unlock()

	for _, sess := range stale {
		m.logger.Info("sweeping stopped session", slog.String("uuid", sess.deviceUUID))
		sess.close()
	}
}

// Close tears down every session once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		sessions := make([]*Session, 0, len(m.sessions))
		for _, sess := range m.sessions {
			sessions = append(sessions, sess)
		}
		m.sessions = map[string]*Session{}
		m.mu.Unlock()

		for _, sess := range sessions {
			sess.close()
		}
	})
}

// Session is the live playback state of one renderer.
type Session struct {
	deviceUUID string
	renderer   Renderer
	queue      *playqueue.Queue
	logger     *slog.Logger
	now        func() time.Time

	wake          chan struct{}
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	stateMu           sync.Mutex
	state             string
	position          time.Duration
	duration          time.Duration
	volumePercent     int
	haveVolume        bool
	suppressed        bool
	stopRequested     bool
	createdAt         time.Time
	lastObservedAt    time.Time
	lastStateChangeAt time.Time
	waiters           []chan struct{}

	closeOnce sync.Once
}

// Suppressed reports whether notifications for the device are muted.
func (s *Session) Suppressed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.suppressed
}

// SetSuppressed mutes or unmutes notifications for the device.
func (s *Session) SetSuppressed(v bool) {
	s.stateMu.Lock()
	s.suppressed = v
	s.stateMu.Unlock()
}

// HasQueue reports whether a server-managed play queue is active.
func (s *Session) HasQueue() bool {
	return s.queue != nil
}

// PlexState is the controller-visible state name, empty until the first
// successful poll.
func (s *Session) PlexState() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Library returns the media server the session plays from.
func (s *Session) Library() (plex.Library, bool) {
	if s.queue == nil {
		return plex.Library{}, false
	}
	return s.queue.Library(), true
}

// Timeline builds the active music timeline; ok is false when the session is
// stopped or has no queue.
func (s *Session) Timeline(ctx context.Context) (plex.Timeline, bool) {
	state, position, duration, volume, haveVolume := s.snapshot()
	if s.queue == nil || state == "" || state == plex.StateStopped {
		return plex.Timeline{}, false
	}

	info, err := s.queue.TrackInfo(ctx)
	if err != nil {
		s.logger.Warn("timeline track info", slog.String("uuid", s.deviceUUID), slog.Any("error", err))
		return plex.Timeline{}, false
	}
	if duration <= 0 {
		duration = time.Duration(info.Duration) * time.Millisecond
	}

	library := s.queue.Library()
	timeline := plex.Timeline{
		State:            state,
		Time:             strconv.FormatInt(position.Milliseconds(), 10),
		Duration:         strconv.FormatInt(duration.Milliseconds(), 10),
		Key:              info.Key,
		RatingKey:        info.RatingKey,
		ContainerKey:     info.ContainerKey,
		PlayQueueID:      strconv.FormatInt(info.PlayQueueID, 10),
		PlayQueueItemID:  strconv.FormatInt(info.PlayQueueItemID, 10),
		PlayQueueVersion: strconv.Itoa(info.PlayQueueVersion),
		Protocol:         library.Protocol,
		Address:          library.Address,
		Port:             strconv.Itoa(library.Port),
		Token:            library.Token,
	}
	if haveVolume {
		timeline.Volume = strconv.Itoa(volume)
	}
	return timeline, true
}

// ServerParams builds the playback-state query parameters for the upstream
// progress report; nil when there is nothing to report.
func (s *Session) ServerParams(ctx context.Context) url.Values {
	state, position, duration, _, _ := s.snapshot()
	if s.queue == nil || state == "" {
		return nil
	}

	info, err := s.queue.TrackInfo(ctx)
	if err != nil {
		s.logger.Warn("server report track info", slog.String("uuid", s.deviceUUID), slog.Any("error", err))
		return nil
	}
	if duration <= 0 {
		duration = time.Duration(info.Duration) * time.Millisecond
	}

	return url.Values{
		"state":           {state},
		"time":            {strconv.FormatInt(position.Milliseconds(), 10)},
		"duration":        {strconv.FormatInt(duration.Milliseconds(), 10)},
		"key":             {info.Key},
		"ratingKey":       {info.RatingKey},
		"containerKey":    {info.ContainerKey},
		"playQueueItemID": {strconv.FormatInt(info.PlayQueueItemID, 10)},
	}
}

// WaitForEvent blocks until the transport state changes, the timeout elapses
// or the context is done.
func (s *Session) WaitForEvent(ctx context.Context, timeout time.Duration) {
	ch := make(chan struct{})
	s.stateMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.stateMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Queue exposes the session's play queue for command handling.
func (s *Session) Queue() *playqueue.Queue {
	return s.queue
}

// Resume resumes paused playback.
func (s *Session) Resume(ctx context.Context) error {
	_, err := s.renderer.Play(ctx)
	s.poke()
	return err
}

// Pause pauses playback.
func (s *Session) Pause(ctx context.Context) error {
	_, err := s.renderer.Pause(ctx)
	s.poke()
	return err
}

// Stop halts playback without advancing to the next track.
func (s *Session) Stop(ctx context.Context) error {
	s.stateMu.Lock()
	s.stopRequested = true
	s.stateMu.Unlock()

	_, err := s.renderer.Stop(ctx)
	s.poke()
	return err
}

// Seek jumps to an absolute position in the current track.
func (s *Session) Seek(ctx context.Context, offsetMS int) error {
	_, err := s.renderer.Seek(ctx, formatClock(time.Duration(offsetMS)*time.Millisecond))
	s.poke()
	return err
}

// SetVolume sets the renderer volume as a 0-100 percentage.
func (s *Session) SetVolume(ctx context.Context, percent int) error {
	_, err := s.renderer.SetVolume(ctx, percent)
	if err == nil {
		s.stateMu.Lock()
		s.volumePercent = percent
		s.haveVolume = true
		s.stateMu.Unlock()
	}
	return err
}

// SkipNext moves the queue cursor forward and plays the selected track.
func (s *Session) SkipNext(ctx context.Context) error {
	return s.skip(ctx, 1)
}

// SkipPrev moves the queue cursor back and plays the selected track.
func (s *Session) SkipPrev(ctx context.Context) error {
	return s.skip(ctx, -1)
}

func (s *Session) skip(ctx context.Context, direction int) error {
	if s.queue == nil {
		return ErrNoSession
	}
	offset, err := s.queue.SelectedOffset(ctx)
	if err != nil {
		return err
	}
	if err := s.queue.SetSelectedOffset(ctx, offset+direction); err != nil {
		return err
	}
	return s.playSelected(ctx)
}

// playSelected hands the queue's selected track to the renderer and starts it.
func (s *Session) playSelected(ctx context.Context) error {
	track, err := s.queue.SelectedTrack(ctx)
	if err != nil {
		return err
	}
	uri, err := s.queue.URLForTrack(track)
	if err != nil {
		return err
	}

	s.stateMu.Lock()
	s.stopRequested = false
	s.stateMu.Unlock()

	if _, err := s.renderer.SetAVTransportURI(ctx, uri, ""); err != nil {
		return err
	}
	if _, err := s.renderer.Play(ctx); err != nil {
		return err
	}
	s.poke()
	return nil
}

// poke asks the monitor for an immediate poll. Dropped when one is pending.
func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.monitorCancel != nil {
			s.monitorCancel()
		}
		<-s.monitorDone
		s.stateMu.Lock()
		s.signalLocked()
		s.stateMu.Unlock()
	})
}

func (s *Session) runMonitor(ctx context.Context, pollEvery time.Duration) {
	defer close(s.monitorDone)

	s.poll(ctx)

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			s.poll(ctx)
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	result, err := s.renderer.GetTransportInfo(ctx)
	if err != nil || result == nil {
		return
	}
	state := normalizeTransportState(result["CurrentTransportState"])
	if state == "" {
		return
	}

	position, duration := time.Duration(-1), time.Duration(-1)
	if state == plex.StatePlaying || state == plex.StatePaused {
		if pos, err := s.renderer.GetPositionInfo(ctx); err == nil && pos != nil {
			if p, ok := parseClock(pos["RelTime"]); ok {
				position = p
			}
			if d, ok := parseClock(pos["TrackDuration"]); ok {
				duration = d
			}
		}
		if volume, err := s.renderer.GetVolume(ctx); err == nil {
			s.stateMu.Lock()
			s.volumePercent = volume
			s.haveVolume = true
			s.stateMu.Unlock()
		}
	}

	previous := s.recordObservation(state, position, duration, s.now())
	if previous == plex.StatePlaying && state == plex.StateStopped {
		s.maybeAdvance(ctx)
	}
}

// recordObservation folds one poll into the session state and returns the
// state seen before it. Waiters are signaled only on state transitions.
func (s *Session) recordObservation(state string, position, duration time.Duration, observedAt time.Time) string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	previous := s.state
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	s.lastObservedAt = observedAt

	if position >= 0 {
		s.position = position
	}
	if duration >= 0 {
		s.duration = duration
	}
	if state != previous {
		s.state = state
		s.lastStateChangeAt = observedAt
		s.signalLocked()
	}
	return previous
}

// maybeAdvance moves to the next track after a natural end of playback. A
// caller-requested stop never advances.
func (s *Session) maybeAdvance(ctx context.Context) {
	s.stateMu.Lock()
	requested := s.stopRequested
	s.stateMu.Unlock()
	if requested || s.queue == nil {
		return
	}

	offset, err := s.queue.SelectedOffset(ctx)
	if err != nil {
		return
	}
	if err := s.queue.SetSelectedOffset(ctx, offset+1); err != nil {
		s.logger.Info("end of queue", slog.String("uuid", s.deviceUUID))
		return
	}
	if err := s.playSelected(ctx); err != nil {
		s.logger.Warn("advance to next track", slog.String("uuid", s.deviceUUID), slog.Any("error", err))
	}
}

func (s *Session) snapshot() (state string, position, duration time.Duration, volume int, haveVolume bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state, s.position, s.duration, s.volumePercent, s.haveVolume
}

func (s *Session) stoppedSince(now time.Time, after time.Duration) bool {
	if after <= 0 {
		return false
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != plex.StateStopped {
		return false
	}
	since := s.lastStateChangeAt
	if since.IsZero() {
		since = s.createdAt
	}
	return now.Sub(since) >= after
}

func (s *Session) signalLocked() {
	for _, ch := range s.waiters {
		close(ch)
	}
	s.waiters = nil
}

func normalizeTransportState(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.ReplaceAll(raw, " ", "_")
	switch raw {
	case "playing":
		return plex.StatePlaying
	case "paused", "paused_playback":
		return plex.StatePaused
	case "stopped", "no_media_present":
		return plex.StateStopped
	case "transitioning", "buffering":
		return plex.StateBuffering
	default:
		return ""
	}
}
