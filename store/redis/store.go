// Package redis implements canvas.RemoteStore on a Redis server.
//
// Shapes, cursors, presence, and history live in per-canvas hashes.
// Writers publish a notification on a per-canvas pub/sub channel;
// subscribers re-read the full state on each notification and also on a
// periodic poll, so deliveries are whole-state snapshots and liveness
// windows (cursor and presence staleness) are observed even when no
// write happens. Presence flips to offline without any client shutdown
// code: the record simply goes stale once heartbeats stop.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/davicaetano/collabcanvas/internal/slogging"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchLimit is the maximum number of hash fields written in
	// one pipeline; larger batches are split and issued in parallel.
	DefaultBatchLimit = 500
	// DefaultPollInterval is the subscription re-read interval
	DefaultPollInterval = 2 * time.Second
	// DefaultPresenceTTL is how long a presence record stays online
	// without a heartbeat
	DefaultPresenceTTL = 30 * time.Second
	// DefaultCursorTTL is how long a cursor record stays visible
	// without an update
	DefaultCursorTTL = 30 * time.Second
)

// Config holds options for the Redis store
type Config struct {
	Client       *goredis.Client
	BatchLimit   int
	PollInterval time.Duration
	PresenceTTL  time.Duration
	CursorTTL    time.Duration
	Clock        clockwork.Clock
}

// Store is a Redis-backed canvas.RemoteStore
type Store struct {
	client       *goredis.Client
	keys         *KeyBuilder
	batchLimit   int
	pollInterval time.Duration
	presenceTTL  time.Duration
	cursorTTL    time.Duration
	clock        clockwork.Clock
}

// NewStore creates a Redis store from its configuration
func NewStore(cfg Config) *Store {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = DefaultPresenceTTL
	}
	if cfg.CursorTTL <= 0 {
		cfg.CursorTTL = DefaultCursorTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Store{
		client:       cfg.Client,
		keys:         NewKeyBuilder(),
		batchLimit:   cfg.BatchLimit,
		pollInterval: cfg.PollInterval,
		presenceTTL:  cfg.PresenceTTL,
		cursorTTL:    cfg.CursorTTL,
		clock:        cfg.Clock,
	}
}

// event kinds published on the notification channel
const (
	eventShapes   = "shapes"
	eventCursors  = "cursors"
	eventPresence = "presence"
)

func (s *Store) publish(ctx context.Context, canvasID, kind string) {
	if err := s.client.Publish(ctx, s.keys.EventsChannel(canvasID), kind).Err(); err != nil {
		slogging.Get().Debug("failed to publish %s event for canvas %s: %v", kind, canvasID, err)
	}
}

// CreateShape stores one shape document
func (s *Store) CreateShape(ctx context.Context, canvasID string, shape canvas.Shape) error {
	now := time.Now().UTC()
	if shape.CreatedAt.IsZero() {
		shape.CreatedAt = now
	}
	shape.UpdatedAt = now

	data, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("failed to marshal shape %s: %w", shape.ID, err)
	}
	if err := s.client.HSet(ctx, s.keys.ShapesKey(canvasID), shape.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store shape %s: %w", shape.ID, err)
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// CreateShapes stores a batch of shapes. Batches above the configured
// ceiling are split into chunks and written in parallel pipelines.
func (s *Store) CreateShapes(ctx context.Context, canvasID string, shapes []canvas.Shape) error {
	if len(shapes) == 0 {
		return nil
	}
	now := time.Now().UTC()
	fields := make(map[string]any, len(shapes))
	for _, shape := range shapes {
		if shape.CreatedAt.IsZero() {
			shape.CreatedAt = now
		}
		shape.UpdatedAt = now
		data, err := json.Marshal(shape)
		if err != nil {
			return fmt.Errorf("failed to marshal shape %s: %w", shape.ID, err)
		}
		fields[shape.ID] = data
	}

	if err := s.writeFieldsChunked(ctx, s.keys.ShapesKey(canvasID), fields); err != nil {
		return err
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// writeFieldsChunked splits a field map at the batch ceiling and issues
// the chunks as parallel pipelines.
func (s *Store) writeFieldsChunked(ctx context.Context, key string, fields map[string]any) error {
	ids := make([]string, 0, len(fields))
	for id := range fields {
		ids = append(ids, id)
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(ids); start += s.batchLimit {
		end := start + s.batchLimit
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		g.Go(func() error {
			pipe := s.client.Pipeline()
			for _, id := range chunk {
				pipe.HSet(gctx, key, id, fields[id])
			}
			if _, err := pipe.Exec(gctx); err != nil {
				return fmt.Errorf("failed to write batch of %d documents: %w", len(chunk), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// UpdateShape merges a patch into the stored shape document. The
// read-modify-write runs on a single document, which is the store's
// consistency unit. Updating a missing document is a silent no-op.
func (s *Store) UpdateShape(ctx context.Context, canvasID, shapeID string, patch canvas.ShapePatch, meta canvas.WriteMeta) error {
	data, err := s.client.HGet(ctx, s.keys.ShapesKey(canvasID), shapeID).Result()
	if err == goredis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read shape %s: %w", shapeID, err)
	}

	var shape canvas.Shape
	if err := json.Unmarshal([]byte(data), &shape); err != nil {
		return fmt.Errorf("failed to unmarshal shape %s: %w", shapeID, err)
	}

	patch.Apply(&shape)
	shape.SessionID = meta.SessionID
	shape.UserID = meta.UserID
	shape.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(shape)
	if err != nil {
		return fmt.Errorf("failed to marshal shape %s: %w", shapeID, err)
	}
	if err := s.client.HSet(ctx, s.keys.ShapesKey(canvasID), shapeID, updated).Err(); err != nil {
		return fmt.Errorf("failed to store shape %s: %w", shapeID, err)
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// UpdateShapes merges a batch of patches and writes them in one pipeline
func (s *Store) UpdateShapes(ctx context.Context, canvasID string, patches map[string]canvas.ShapePatch, meta canvas.WriteMeta) error {
	if len(patches) == 0 {
		return nil
	}
	now := time.Now().UTC()
	fields := make(map[string]any, len(patches))

	for shapeID, patch := range patches {
		data, err := s.client.HGet(ctx, s.keys.ShapesKey(canvasID), shapeID).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read shape %s: %w", shapeID, err)
		}
		var shape canvas.Shape
		if err := json.Unmarshal([]byte(data), &shape); err != nil {
			return fmt.Errorf("failed to unmarshal shape %s: %w", shapeID, err)
		}
		patch.Apply(&shape)
		shape.SessionID = meta.SessionID
		shape.UserID = meta.UserID
		shape.UpdatedAt = now
		updated, err := json.Marshal(shape)
		if err != nil {
			return fmt.Errorf("failed to marshal shape %s: %w", shapeID, err)
		}
		fields[shapeID] = updated
	}

	if len(fields) == 0 {
		return nil
	}
	if err := s.writeFieldsChunked(ctx, s.keys.ShapesKey(canvasID), fields); err != nil {
		return err
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// DeleteShape removes one shape document
func (s *Store) DeleteShape(ctx context.Context, canvasID, shapeID string) error {
	if err := s.client.HDel(ctx, s.keys.ShapesKey(canvasID), shapeID).Err(); err != nil {
		return fmt.Errorf("failed to delete shape %s: %w", shapeID, err)
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// DeleteShapes removes a batch of shape documents, split at the batch
// ceiling like creates.
func (s *Store) DeleteShapes(ctx context.Context, canvasID string, shapeIDs []string) error {
	if len(shapeIDs) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(shapeIDs); start += s.batchLimit {
		end := start + s.batchLimit
		if end > len(shapeIDs) {
			end = len(shapeIDs)
		}
		chunk := shapeIDs[start:end]
		g.Go(func() error {
			if err := s.client.HDel(gctx, s.keys.ShapesKey(canvasID), chunk...).Err(); err != nil {
				return fmt.Errorf("failed to delete batch of %d shapes: %w", len(chunk), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.publish(ctx, canvasID, eventShapes)
	return nil
}

// ListShapes returns every shape on the canvas ordered by creation time
func (s *Store) ListShapes(ctx context.Context, canvasID string) ([]canvas.Shape, error) {
	entries, err := s.client.HGetAll(ctx, s.keys.ShapesKey(canvasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list shapes: %w", err)
	}

	shapes := make([]canvas.Shape, 0, len(entries))
	for shapeID, data := range entries {
		var shape canvas.Shape
		if err := json.Unmarshal([]byte(data), &shape); err != nil {
			slogging.Get().Warn("skipping undecodable shape %s: %v", shapeID, err)
			continue
		}
		shapes = append(shapes, shape)
	}
	sort.Slice(shapes, func(i, j int) bool {
		if shapes[i].CreatedAt.Equal(shapes[j].CreatedAt) {
			return shapes[i].ID < shapes[j].ID
		}
		return shapes[i].CreatedAt.Before(shapes[j].CreatedAt)
	})
	return shapes, nil
}

// SubscribeShapes delivers whole-canvas shape snapshots
func (s *Store) SubscribeShapes(ctx context.Context, canvasID string) (<-chan []canvas.Shape, error) {
	ch := make(chan []canvas.Shape, 1)
	read := func(ctx context.Context) (any, error) { return s.ListShapes(ctx, canvasID) }
	send := func(v any) { sendLatest(ch, v.([]canvas.Shape)) }
	go s.subscriptionLoop(ctx, canvasID, eventShapes, read, send, func() { close(ch) })
	return ch, nil
}

// SetCursor stores an ephemeral cursor record
func (s *Store) SetCursor(ctx context.Context, canvasID, userID string, cursor canvas.Cursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to marshal cursor: %w", err)
	}
	if err := s.client.HSet(ctx, s.keys.CursorsKey(canvasID), userID, data).Err(); err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}
	s.publish(ctx, canvasID, eventCursors)
	return nil
}

// RemoveCursor deletes a cursor record
func (s *Store) RemoveCursor(ctx context.Context, canvasID, userID string) error {
	if err := s.client.HDel(ctx, s.keys.CursorsKey(canvasID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove cursor: %w", err)
	}
	s.publish(ctx, canvasID, eventCursors)
	return nil
}

// readCursors returns the live cursor map, dropping stale records
func (s *Store) readCursors(ctx context.Context, canvasID string) (map[string]canvas.Cursor, error) {
	entries, err := s.client.HGetAll(ctx, s.keys.CursorsKey(canvasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read cursors: %w", err)
	}
	now := s.clock.Now()
	out := make(map[string]canvas.Cursor, len(entries))
	for userID, data := range entries {
		var cursor canvas.Cursor
		if err := json.Unmarshal([]byte(data), &cursor); err != nil {
			continue
		}
		if now.Sub(cursor.UpdatedAt) > s.cursorTTL {
			continue
		}
		out[userID] = cursor
	}
	return out, nil
}

// SubscribeCursors delivers cursor map snapshots
func (s *Store) SubscribeCursors(ctx context.Context, canvasID string) (<-chan map[string]canvas.Cursor, error) {
	ch := make(chan map[string]canvas.Cursor, 1)
	read := func(ctx context.Context) (any, error) { return s.readCursors(ctx, canvasID) }
	send := func(v any) { sendLatest(ch, v.(map[string]canvas.Cursor)) }
	go s.subscriptionLoop(ctx, canvasID, eventCursors, read, send, func() { close(ch) })
	return ch, nil
}

// SetPresence stores a presence record
func (s *Store) SetPresence(ctx context.Context, canvasID, userID string, presence canvas.Presence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.client.HSet(ctx, s.keys.PresenceKey(canvasID), userID, data).Err(); err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}
	s.publish(ctx, canvasID, eventPresence)
	return nil
}

// RemovePresence deletes a presence record
func (s *Store) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if err := s.client.HDel(ctx, s.keys.PresenceKey(canvasID), userID).Err(); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	s.publish(ctx, canvasID, eventPresence)
	return nil
}

// readPresence returns the presence map. A record whose heartbeat is
// older than the presence TTL is surfaced as offline: this is the
// disconnect-triggered transition, observed rather than written.
func (s *Store) readPresence(ctx context.Context, canvasID string) (map[string]canvas.Presence, error) {
	entries, err := s.client.HGetAll(ctx, s.keys.PresenceKey(canvasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}
	now := s.clock.Now()
	out := make(map[string]canvas.Presence, len(entries))
	for userID, data := range entries {
		var presence canvas.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			continue
		}
		if presence.Online && now.Sub(presence.LastSeen) > s.presenceTTL {
			presence.Online = false
		}
		out[userID] = presence
	}
	return out, nil
}

// SubscribePresence delivers presence map snapshots
func (s *Store) SubscribePresence(ctx context.Context, canvasID string) (<-chan map[string]canvas.Presence, error) {
	ch := make(chan map[string]canvas.Presence, 1)
	read := func(ctx context.Context) (any, error) { return s.readPresence(ctx, canvasID) }
	send := func(v any) { sendLatest(ch, v.(map[string]canvas.Presence)) }
	go s.subscriptionLoop(ctx, canvasID, eventPresence, read, send, func() { close(ch) })
	return ch, nil
}

// noopDisconnectHandle exists for interface symmetry: with this store
// the offline transition is observed from heartbeat staleness, so there
// is no server-side registration to arm or revoke.
type noopDisconnectHandle struct{}

func (noopDisconnectHandle) Cancel(ctx context.Context) error { return nil }

// RegisterDisconnect arms the offline transition for a user. The Redis
// rendition needs no registration: once the client's heartbeats stop,
// readers surface the stale record as offline after the presence TTL.
func (s *Store) RegisterDisconnect(ctx context.Context, canvasID, userID string) (canvas.DisconnectHandle, error) {
	return noopDisconnectHandle{}, nil
}

// GetSettings returns the canvas settings
func (s *Store) GetSettings(ctx context.Context, canvasID string) (canvas.Settings, error) {
	data, err := s.client.Get(ctx, s.keys.SettingsKey(canvasID)).Result()
	if err == goredis.Nil {
		return canvas.Settings{}, nil
	}
	if err != nil {
		return canvas.Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var settings canvas.Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return canvas.Settings{}, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	return settings, nil
}

// SetSettings replaces the canvas settings
func (s *Store) SetSettings(ctx context.Context, canvasID string, settings canvas.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := s.client.Set(ctx, s.keys.SettingsKey(canvasID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store settings: %w", err)
	}
	return nil
}

// SaveHistory stores a snapshot entry
func (s *Store) SaveHistory(ctx context.Context, canvasID string, entry canvas.HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}
	if err := s.client.HSet(ctx, s.keys.HistoryKey(canvasID), entry.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store history entry: %w", err)
	}
	return nil
}

// GetHistory loads one snapshot entry
func (s *Store) GetHistory(ctx context.Context, canvasID, historyID string) (canvas.HistoryEntry, error) {
	data, err := s.client.HGet(ctx, s.keys.HistoryKey(canvasID), historyID).Result()
	if err == goredis.Nil {
		return canvas.HistoryEntry{}, fmt.Errorf("history entry %s not found", historyID)
	}
	if err != nil {
		return canvas.HistoryEntry{}, fmt.Errorf("failed to read history entry: %w", err)
	}
	var entry canvas.HistoryEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return canvas.HistoryEntry{}, fmt.Errorf("failed to unmarshal history entry: %w", err)
	}
	return entry, nil
}

// ListHistory returns snapshots ordered most recent first
func (s *Store) ListHistory(ctx context.Context, canvasID string) ([]canvas.HistoryEntry, error) {
	entries, err := s.client.HGetAll(ctx, s.keys.HistoryKey(canvasID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	out := make([]canvas.HistoryEntry, 0, len(entries))
	for _, data := range entries {
		var entry canvas.HistoryEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// DeleteHistory removes a snapshot entry
func (s *Store) DeleteHistory(ctx context.Context, canvasID, historyID string) error {
	if err := s.client.HDel(ctx, s.keys.HistoryKey(canvasID), historyID).Err(); err != nil {
		return fmt.Errorf("failed to delete history entry: %w", err)
	}
	return nil
}

// subscriptionLoop is the shared engine behind the Subscribe methods:
// deliver an initial snapshot, then re-read on every matching pub/sub
// notification and on the poll ticker. The poll catches notifications
// lost by pub/sub's at-most-once delivery and surfaces TTL expiry.
func (s *Store) subscriptionLoop(ctx context.Context, canvasID, kind string, read func(context.Context) (any, error), send func(any), closeFn func()) {
	defer closeFn()

	pubsub := s.client.Subscribe(ctx, s.keys.EventsChannel(canvasID))
	defer func() { _ = pubsub.Close() }()

	deliver := func() {
		value, err := read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slogging.Get().Warn("subscription read failed for canvas %s (%s): %v", canvasID, kind, err)
			}
			return
		}
		send(value)
	}

	deliver()

	ticker := s.clock.NewTicker(s.pollInterval)
	defer ticker.Stop()

	msgs := pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.Payload == kind {
				deliver()
			}
		case <-ticker.Chan():
			deliver()
		case <-ctx.Done():
			return
		}
	}
}

// sendLatest delivers on a buffer-of-one channel with latest-wins
// semantics: a slow consumer loses the stale snapshot, never blocks
// the subscription loop.
func sendLatest[T any](ch chan T, value T) {
	select {
	case ch <- value:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- value:
		default:
		}
	}
}
