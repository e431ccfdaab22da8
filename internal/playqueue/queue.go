// Package playqueue maintains a windowed view over a Plex play queue. Only a
// slice of the remote track list is held in memory; the window widens page by
// page as the selection cursor moves.
package playqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/samber/lo"

	"github.com/aubustou/plex-dlna-player/internal/plex"
)

const (
	// Reported total when the server declares no total count.
	TotalUnbounded = math.MaxInt

	// Minimum slack kept between the selection and either window edge.
	minQueueGap = 25

	// Cap on widen-and-retry rounds; each round loads at least one page, so
	// hitting the cap means the server keeps answering with empty pages.
	maxPagingRounds = 64
)

// Track is one play queue entry as the server reports it.
type Track struct {
	Key             string  `json:"key"`
	RatingKey       string  `json:"ratingKey"`
	Duration        int     `json:"duration"`
	PlayQueueItemID int64   `json:"playQueueItemID"`
	Media           []Media `json:"Media"`
}

type Media struct {
	Parts []Part `json:"Part"`
}

type Part struct {
	Key string `json:"key"`
}

type pageInfo struct {
	PlayQueueID                 int64   `json:"playQueueID"`
	PlayQueueVersion            int     `json:"playQueueVersion"`
	PlayQueueSelectedItemID     int64   `json:"playQueueSelectedItemID"`
	PlayQueueSelectedItemOffset int     `json:"playQueueSelectedItemOffset"`
	PlayQueueTotalCount         int     `json:"playQueueTotalCount"`
	AllowShuffle                *bool   `json:"allowShuffle"`
	Metadata                    []Track `json:"Metadata"`
}

type pageEnvelope struct {
	MediaContainer pageInfo `json:"MediaContainer"`
}

// TrackInfo is the selected-track summary the timeline builders consume.
type TrackInfo struct {
	Duration         int
	Key              string
	RatingKey        string
	ContainerKey     string
	PlayQueueID      int64
	PlayQueueVersion int
	PlayQueueItemID  int64
}

// Queue is the windowed play queue for one device session. All methods that
// may page take a context; the window only ever grows between refreshes.
type Queue struct {
	library plex.Library
	client  *retryablehttp.Client
	logger  *slog.Logger

	mu           sync.Mutex
	containerKey string
	info         *pageInfo
	startOffset  int
}

func New(library plex.Library, containerKey string, client *retryablehttp.Client, logger *slog.Logger) *Queue {
	if client == nil {
		client = retryablehttp.NewClient()
		client.RetryMax = 2
		client.Logger = nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		library:      library,
		client:       client,
		logger:       logger,
		containerKey: containerKey,
	}
}

// FromURL builds a Queue from a full navigable container URL, splitting it
// into the library address and the server-relative key.
func FromURL(raw string, client *retryablehttp.Client, logger *slog.Logger) (*Queue, error) {
	library, key, err := plex.LibraryFromURL(raw)
	if err != nil {
		return nil, err
	}
	return New(library, key, client, logger), nil
}

// Library returns the server this queue pages from.
func (q *Queue) Library() plex.Library {
	return q.library
}

// GetInfo loads the first page once. The absolute offset of the window start
// is reconstructed from the server-declared selected item's position inside
// the loaded page.
func (q *Queue) GetInfo(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *Queue) load(ctx context.Context) error {
	if q.info != nil {
		return nil
	}

	q.logger.Info("loading play queue", slog.String("key", q.containerKey))
	info, err := q.fetchPage(ctx, q.containerKey)
	if err != nil {
		return err
	}

	q.info = info
	_, idx, found := lo.FindIndexOf(info.Metadata, func(t Track) bool {
		return t.PlayQueueItemID == info.PlayQueueSelectedItemID
	})
	if found {
		q.startOffset = info.PlayQueueSelectedItemOffset - idx
	}
	return nil
}

// TotalCount reports the server-declared track total, or TotalUnbounded when
// the queue has no declared end.
func (q *Queue) TotalCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return 0, err
	}
	return q.totalCountLocked(), nil
}

func (q *Queue) totalCountLocked() int {
	if q.info.PlayQueueTotalCount == 0 {
		return TotalUnbounded
	}
	return q.info.PlayQueueTotalCount
}

func (q *Queue) lastOffsetLocked() int {
	return q.startOffset + len(q.info.Metadata) - 1
}

// SelectedOffset reports the absolute offset of the selection cursor.
func (q *Queue) SelectedOffset(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return 0, err
	}
	return q.info.PlayQueueSelectedItemOffset, nil
}

// Track returns the entry at an absolute offset, widening the window toward
// it as needed.
func (q *Queue) Track(ctx context.Context, offset int) (Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.trackLocked(ctx, offset)
}

func (q *Queue) trackLocked(ctx context.Context, offset int) (Track, error) {
	if err := q.load(ctx); err != nil {
		return Track{}, err
	}
	if offset < 0 || offset >= q.totalCountLocked() {
		return Track{}, fmt.Errorf("track offset %d out of range [0, %d)", offset, q.totalCountLocked())
	}

	for round := 0; round < maxPagingRounds; round++ {
		switch {
		case offset > q.lastOffsetLocked():
			if err := q.moreLocked(ctx, true); err != nil {
				return Track{}, err
			}
		case offset < q.startOffset:
			if err := q.moreLocked(ctx, false); err != nil {
				return Track{}, err
			}
		default:
			return q.info.Metadata[offset-q.startOffset], nil
		}
	}
	return Track{}, fmt.Errorf("track offset %d not reachable after %d paging rounds", offset, maxPagingRounds)
}

// More widens the window by one page past the given edge. A no-op at the
// corresponding queue boundary.
func (q *Queue) More(ctx context.Context, after bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return err
	}
	return q.moreLocked(ctx, after)
}

func (q *Queue) moreLocked(ctx context.Context, after bool) error {
	var center int64
	if after {
		if q.lastOffsetLocked() >= q.totalCountLocked()-1 {
			return nil
		}
		center = q.info.Metadata[len(q.info.Metadata)-1].PlayQueueItemID
	} else {
		if q.startOffset <= 1 {
			return nil
		}
		center = q.info.Metadata[0].PlayQueueItemID
	}

	key, err := pagingKey(q.containerKey, center, after)
	if err != nil {
		return err
	}
	page, err := q.fetchPage(ctx, key)
	if err != nil {
		return err
	}

	if after {
		q.info.Metadata = append(q.info.Metadata, page.Metadata...)
		q.logger.Debug("play queue window appended",
			slog.String("key", q.containerKey), slog.Int("added", len(page.Metadata)))
	} else {
		q.info.Metadata = append(append([]Track{}, page.Metadata...), q.info.Metadata...)
		q.startOffset -= len(page.Metadata)
		q.logger.Debug("play queue window prepended",
			slog.String("key", q.containerKey), slog.Int("added", len(page.Metadata)))
	}
	return nil
}

// pagingKey rewrites the container key's query so the next page centers on
// the window-edge item.
func pagingKey(containerKey string, center int64, after bool) (string, error) {
	u, err := url.Parse(containerKey)
	if err != nil {
		return "", fmt.Errorf("parse container key: %w", err)
	}
	query := u.Query()
	query.Set("center", strconv.FormatInt(center, 10))
	if after {
		query.Set("includeAfter", "1")
		query.Set("includeBefore", "0")
	} else {
		query.Set("includeAfter", "0")
		query.Set("includeBefore", "1")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// SetSelectedOffset moves the cursor, first paging until the target has at
// least the guard margin of slack on both sides or a queue boundary is
// reached.
func (q *Queue) SetSelectedOffset(ctx context.Context, offset int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return err
	}
	if offset < 0 || offset >= q.totalCountLocked() {
		return fmt.Errorf("selected offset %d out of range [0, %d)", offset, q.totalCountLocked())
	}

	for round := 0; round < maxPagingRounds; round++ {
		switch {
		case offset > q.lastOffsetLocked()-minQueueGap && q.lastOffsetLocked()+1 < q.totalCountLocked():
			if err := q.moreLocked(ctx, true); err != nil {
				return err
			}
		case offset < q.startOffset+minQueueGap && q.startOffset > 0:
			if err := q.moreLocked(ctx, false); err != nil {
				return err
			}
		default:
			track, err := q.trackLocked(ctx, offset)
			if err != nil {
				return err
			}
			q.info.PlayQueueSelectedItemOffset = offset
			q.info.PlayQueueSelectedItemID = track.PlayQueueItemID
			return nil
		}
	}
	return fmt.Errorf("selected offset %d not reachable after %d paging rounds", offset, maxPagingRounds)
}

// RefreshQueue reconciles local state after the server regenerated the queue
// under a new identifier, keeping the caller's currently playing item
// selected. Both the old selection and the server's new selection must appear
// in the fresh page.
func (q *Queue) RefreshQueue(ctx context.Context, newQueueID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return err
	}

	if newQueueID != q.info.PlayQueueID {
		q.logger.Info("play queue id changed",
			slog.Int64("old", q.info.PlayQueueID), slog.Int64("new", newQueueID))
		q.containerKey = strings.Replace(q.containerKey,
			strconv.FormatInt(q.info.PlayQueueID, 10), strconv.FormatInt(newQueueID, 10), 1)
	}

	oldSelectedID := q.info.PlayQueueSelectedItemID
	info, err := q.fetchPage(ctx, q.containerKey)
	if err != nil {
		return err
	}

	oldIdx := -1
	newStart := -1
	for idx, track := range info.Metadata {
		if track.PlayQueueItemID == oldSelectedID {
			oldIdx = idx
		}
		if track.PlayQueueItemID == info.PlayQueueSelectedItemID {
			newStart = info.PlayQueueSelectedItemOffset - idx
		}
		if oldIdx >= 0 && newStart >= 0 {
			break
		}
	}
	if oldIdx < 0 || newStart < 0 {
		return fmt.Errorf("refreshed queue %d does not contain the selected item", newQueueID)
	}

	info.PlayQueueSelectedItemID = oldSelectedID
	info.PlayQueueSelectedItemOffset = newStart + oldIdx
	q.info = info
	q.startOffset = newStart
	return nil
}

// SelectedTrack returns the entry under the cursor.
func (q *Queue) SelectedTrack(ctx context.Context) (Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return Track{}, err
	}
	return q.trackLocked(ctx, q.info.PlayQueueSelectedItemOffset)
}

// NextTrack returns the entry one past the cursor without moving it.
func (q *Queue) NextTrack(ctx context.Context) (Track, error) {
	return q.step(ctx, 1)
}

// PrevTrack returns the entry one before the cursor without moving it.
func (q *Queue) PrevTrack(ctx context.Context) (Track, error) {
	return q.step(ctx, -1)
}

func (q *Queue) step(ctx context.Context, direction int) (Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return Track{}, err
	}
	return q.trackLocked(ctx, q.info.PlayQueueSelectedItemOffset+direction)
}

// SelectTrackKey selects the first loaded entry with the given content key.
// Keys outside the current window are not searched for.
func (q *Queue) SelectTrackKey(ctx context.Context, key string) error {
	q.mu.Lock()
	if err := q.load(ctx); err != nil {
		q.mu.Unlock()
		return err
	}
	_, idx, found := lo.FindIndexOf(q.info.Metadata, func(t Track) bool {
		return t.Key == key
	})
	start := q.startOffset
	q.mu.Unlock()

	if !found {
		return nil
	}
	return q.SetSelectedOffset(ctx, start+idx)
}

// AllowShuffle reports whether the controller may shuffle this queue. Without
// an explicit server flag, unbounded queues cannot be shuffled.
func (q *Queue) AllowShuffle(ctx context.Context) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return false, err
	}
	if q.info.AllowShuffle == nil {
		return q.totalCountLocked() != TotalUnbounded, nil
	}
	return *q.info.AllowShuffle, nil
}

// URLForTrack builds the playable media URL of a track's first part.
func (q *Queue) URLForTrack(track Track) (string, error) {
	if len(track.Media) == 0 || len(track.Media[0].Parts) == 0 {
		return "", fmt.Errorf("track %s has no media parts", track.Key)
	}
	return q.library.BuildURL(track.Media[0].Parts[0].Key), nil
}

// TrackInfo summarizes the selected track for timeline reporting.
func (q *Queue) TrackInfo(ctx context.Context) (TrackInfo, error) {
	track, err := q.SelectedTrack(ctx)
	if err != nil {
		return TrackInfo{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return TrackInfo{
		Duration:         track.Duration,
		Key:              track.Key,
		RatingKey:        track.RatingKey,
		ContainerKey:     fmt.Sprintf("/playQueues/%d", q.info.PlayQueueID),
		PlayQueueID:      q.info.PlayQueueID,
		PlayQueueVersion: q.info.PlayQueueVersion,
		PlayQueueItemID:  track.PlayQueueItemID,
	}, nil
}

// QueueID reports the current server-side queue identifier.
func (q *Queue) QueueID(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.load(ctx); err != nil {
		return 0, err
	}
	return q.info.PlayQueueID, nil
}

func (q *Queue) fetchPage(ctx context.Context, key string) (*pageInfo, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", q.library.BuildURL(key), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch queue page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch queue page: unexpected status %d", resp.StatusCode)
	}

	var envelope pageEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode queue page: %w", err)
	}
	return &envelope.MediaContainer, nil
}
