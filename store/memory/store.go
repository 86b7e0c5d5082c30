// Package memory provides an in-memory RemoteStore used by tests and
// single-process deployments. Subscription channels carry whole-state
// snapshots with latest-wins buffering, matching the delivery contract
// of the networked stores.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
)

// Store is an in-memory implementation of canvas.RemoteStore
type Store struct {
	mu       sync.RWMutex
	canvases map[string]*canvasState

	// errors injected by tests, keyed by operation name
	errMu  sync.RWMutex
	errors map[string]error
}

type canvasState struct {
	shapes   map[string]canvas.Shape
	cursors  map[string]canvas.Cursor
	presence map[string]canvas.Presence
	settings canvas.Settings
	history  map[string]canvas.HistoryEntry

	nextSub      int
	shapeSubs    map[int]chan []canvas.Shape
	cursorSubs   map[int]chan map[string]canvas.Cursor
	presenceSubs map[int]chan map[string]canvas.Presence

	disconnects map[string]*disconnectHandle
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		canvases: make(map[string]*canvasState),
		errors:   make(map[string]error),
	}
}

// SetError makes the named operation fail with err until cleared with a
// nil err. Operation names match the RemoteStore method names.
func (s *Store) SetError(op string, err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if err == nil {
		delete(s.errors, op)
		return
	}
	s.errors[op] = err
}

func (s *Store) injectedError(op string) error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.errors[op]
}

// state returns the canvas state, creating it on first use. It mutates
// the canvas map, so callers must hold the write lock; read-only paths
// index the map directly and treat a missing canvas as empty.
func (s *Store) state(canvasID string) *canvasState {
	if cs, ok := s.canvases[canvasID]; ok {
		return cs
	}
	cs := &canvasState{
		shapes:       make(map[string]canvas.Shape),
		cursors:      make(map[string]canvas.Cursor),
		presence:     make(map[string]canvas.Presence),
		history:      make(map[string]canvas.HistoryEntry),
		shapeSubs:    make(map[int]chan []canvas.Shape),
		cursorSubs:   make(map[int]chan map[string]canvas.Cursor),
		presenceSubs: make(map[int]chan map[string]canvas.Presence),
		disconnects:  make(map[string]*disconnectHandle),
	}
	s.canvases[canvasID] = cs
	return cs
}

// CreateShape stores a shape and fans out a fresh snapshot
func (s *Store) CreateShape(ctx context.Context, canvasID string, shape canvas.Shape) error {
	if err := s.injectedError("CreateShape"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	now := time.Now().UTC()
	if shape.CreatedAt.IsZero() {
		shape.CreatedAt = now
	}
	shape.UpdatedAt = now
	cs.shapes[shape.ID] = shape
	s.broadcastShapesLocked(cs)
	s.mu.Unlock()
	return nil
}

// CreateShapes stores a batch of shapes in one logical write
func (s *Store) CreateShapes(ctx context.Context, canvasID string, shapes []canvas.Shape) error {
	if err := s.injectedError("CreateShapes"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	now := time.Now().UTC()
	for _, shape := range shapes {
		if shape.CreatedAt.IsZero() {
			shape.CreatedAt = now
		}
		shape.UpdatedAt = now
		cs.shapes[shape.ID] = shape
	}
	s.broadcastShapesLocked(cs)
	s.mu.Unlock()
	return nil
}

// UpdateShape merges a patch into a stored shape. Unknown ids are a
// silent no-op, matching a document store updating a deleted document.
func (s *Store) UpdateShape(ctx context.Context, canvasID, shapeID string, patch canvas.ShapePatch, meta canvas.WriteMeta) error {
	if err := s.injectedError("UpdateShape"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	if shape, ok := cs.shapes[shapeID]; ok {
		patch.Apply(&shape)
		shape.SessionID = meta.SessionID
		shape.UserID = meta.UserID
		shape.UpdatedAt = time.Now().UTC()
		cs.shapes[shapeID] = shape
		s.broadcastShapesLocked(cs)
	}
	s.mu.Unlock()
	return nil
}

// UpdateShapes merges a batch of patches in one logical write
func (s *Store) UpdateShapes(ctx context.Context, canvasID string, patches map[string]canvas.ShapePatch, meta canvas.WriteMeta) error {
	if err := s.injectedError("UpdateShapes"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	now := time.Now().UTC()
	for shapeID, patch := range patches {
		shape, ok := cs.shapes[shapeID]
		if !ok {
			continue
		}
		patch.Apply(&shape)
		shape.SessionID = meta.SessionID
		shape.UserID = meta.UserID
		shape.UpdatedAt = now
		cs.shapes[shapeID] = shape
	}
	s.broadcastShapesLocked(cs)
	s.mu.Unlock()
	return nil
}

// DeleteShape removes a shape
func (s *Store) DeleteShape(ctx context.Context, canvasID, shapeID string) error {
	if err := s.injectedError("DeleteShape"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	delete(cs.shapes, shapeID)
	s.broadcastShapesLocked(cs)
	s.mu.Unlock()
	return nil
}

// DeleteShapes removes a batch of shapes in one logical write
func (s *Store) DeleteShapes(ctx context.Context, canvasID string, shapeIDs []string) error {
	if err := s.injectedError("DeleteShapes"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	for _, id := range shapeIDs {
		delete(cs.shapes, id)
	}
	s.broadcastShapesLocked(cs)
	s.mu.Unlock()
	return nil
}

// ListShapes returns all shapes ordered by creation time
func (s *Store) ListShapes(ctx context.Context, canvasID string) ([]canvas.Shape, error) {
	if err := s.injectedError("ListShapes"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.canvases[canvasID]
	if !ok {
		return []canvas.Shape{}, nil
	}
	return snapshotShapes(cs), nil
}

// SubscribeShapes delivers an initial snapshot and then one per change.
// The channel is closed when ctx is cancelled.
func (s *Store) SubscribeShapes(ctx context.Context, canvasID string) (<-chan []canvas.Shape, error) {
	if err := s.injectedError("SubscribeShapes"); err != nil {
		return nil, err
	}
	ch := make(chan []canvas.Shape, 1)

	s.mu.Lock()
	cs := s.state(canvasID)
	id := cs.nextSub
	cs.nextSub++
	cs.shapeSubs[id] = ch
	ch <- snapshotShapes(cs)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if sub, ok := cs.shapeSubs[id]; ok {
			delete(cs.shapeSubs, id)
			close(sub)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

// SetCursor stores an ephemeral cursor record
func (s *Store) SetCursor(ctx context.Context, canvasID, userID string, cursor canvas.Cursor) error {
	if err := s.injectedError("SetCursor"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	cs.cursors[userID] = cursor
	s.broadcastCursorsLocked(cs)
	s.mu.Unlock()
	return nil
}

// RemoveCursor deletes a cursor record
func (s *Store) RemoveCursor(ctx context.Context, canvasID, userID string) error {
	if err := s.injectedError("RemoveCursor"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	delete(cs.cursors, userID)
	s.broadcastCursorsLocked(cs)
	s.mu.Unlock()
	return nil
}

// SubscribeCursors delivers cursor map snapshots
func (s *Store) SubscribeCursors(ctx context.Context, canvasID string) (<-chan map[string]canvas.Cursor, error) {
	if err := s.injectedError("SubscribeCursors"); err != nil {
		return nil, err
	}
	ch := make(chan map[string]canvas.Cursor, 1)

	s.mu.Lock()
	cs := s.state(canvasID)
	id := cs.nextSub
	cs.nextSub++
	cs.cursorSubs[id] = ch
	ch <- copyCursors(cs.cursors)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if sub, ok := cs.cursorSubs[id]; ok {
			delete(cs.cursorSubs, id)
			close(sub)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

// SetPresence stores a presence record
func (s *Store) SetPresence(ctx context.Context, canvasID, userID string, presence canvas.Presence) error {
	if err := s.injectedError("SetPresence"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	cs.presence[userID] = presence
	s.broadcastPresenceLocked(cs)
	s.mu.Unlock()
	return nil
}

// RemovePresence deletes a presence record
func (s *Store) RemovePresence(ctx context.Context, canvasID, userID string) error {
	if err := s.injectedError("RemovePresence"); err != nil {
		return err
	}
	s.mu.Lock()
	cs := s.state(canvasID)
	delete(cs.presence, userID)
	s.broadcastPresenceLocked(cs)
	s.mu.Unlock()
	return nil
}

// SubscribePresence delivers presence map snapshots
func (s *Store) SubscribePresence(ctx context.Context, canvasID string) (<-chan map[string]canvas.Presence, error) {
	if err := s.injectedError("SubscribePresence"); err != nil {
		return nil, err
	}
	ch := make(chan map[string]canvas.Presence, 1)

	s.mu.Lock()
	cs := s.state(canvasID)
	id := cs.nextSub
	cs.nextSub++
	cs.presenceSubs[id] = ch
	ch <- copyPresence(cs.presence)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if sub, ok := cs.presenceSubs[id]; ok {
			delete(cs.presenceSubs, id)
			close(sub)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

type disconnectHandle struct {
	store    *Store
	canvasID string
	userID   string

	mu        sync.Mutex
	cancelled bool
}

// Cancel revokes the disconnect-triggered transition
func (h *disconnectHandle) Cancel(ctx context.Context) error {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	h.store.mu.Lock()
	cs := h.store.state(h.canvasID)
	if cs.disconnects[h.userID] == h {
		delete(cs.disconnects, h.userID)
	}
	h.store.mu.Unlock()
	return nil
}

// RegisterDisconnect arms an offline transition for the user. Tests
// fire it with TriggerDisconnect to simulate an ungraceful termination.
func (s *Store) RegisterDisconnect(ctx context.Context, canvasID, userID string) (canvas.DisconnectHandle, error) {
	if err := s.injectedError("RegisterDisconnect"); err != nil {
		return nil, err
	}
	handle := &disconnectHandle{store: s, canvasID: canvasID, userID: userID}

	s.mu.Lock()
	cs := s.state(canvasID)
	cs.disconnects[userID] = handle
	s.mu.Unlock()

	return handle, nil
}

// TriggerDisconnect simulates the backing connection dropping for a
// user: if a disconnect registration is still armed, presence flips to
// offline and the cursor record is removed, with no client involvement.
func (s *Store) TriggerDisconnect(canvasID, userID string) {
	s.mu.Lock()
	cs := s.state(canvasID)
	handle, armed := cs.disconnects[userID]
	if !armed {
		s.mu.Unlock()
		return
	}
	handle.mu.Lock()
	cancelled := handle.cancelled
	handle.mu.Unlock()
	if cancelled {
		s.mu.Unlock()
		return
	}
	delete(cs.disconnects, userID)
	if p, ok := cs.presence[userID]; ok {
		p.Online = false
		p.LastSeen = time.Now().UTC()
		cs.presence[userID] = p
	}
	delete(cs.cursors, userID)
	s.broadcastPresenceLocked(cs)
	s.broadcastCursorsLocked(cs)
	s.mu.Unlock()
}

// GetSettings returns the canvas settings
func (s *Store) GetSettings(ctx context.Context, canvasID string) (canvas.Settings, error) {
	if err := s.injectedError("GetSettings"); err != nil {
		return canvas.Settings{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.canvases[canvasID]
	if !ok {
		return canvas.Settings{}, nil
	}
	return cs.settings, nil
}

// SetSettings replaces the canvas settings
func (s *Store) SetSettings(ctx context.Context, canvasID string, settings canvas.Settings) error {
	if err := s.injectedError("SetSettings"); err != nil {
		return err
	}
	s.mu.Lock()
	s.state(canvasID).settings = settings
	s.mu.Unlock()
	return nil
}

// SaveHistory stores a snapshot entry
func (s *Store) SaveHistory(ctx context.Context, canvasID string, entry canvas.HistoryEntry) error {
	if err := s.injectedError("SaveHistory"); err != nil {
		return err
	}
	s.mu.Lock()
	s.state(canvasID).history[entry.ID] = entry
	s.mu.Unlock()
	return nil
}

// GetHistory loads one snapshot entry
func (s *Store) GetHistory(ctx context.Context, canvasID, historyID string) (canvas.HistoryEntry, error) {
	if err := s.injectedError("GetHistory"); err != nil {
		return canvas.HistoryEntry{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.canvases[canvasID]
	if !ok {
		return canvas.HistoryEntry{}, fmt.Errorf("history entry %s not found", historyID)
	}
	entry, ok := cs.history[historyID]
	if !ok {
		return canvas.HistoryEntry{}, fmt.Errorf("history entry %s not found", historyID)
	}
	return entry, nil
}

// ListHistory returns snapshots ordered most recent first
func (s *Store) ListHistory(ctx context.Context, canvasID string) ([]canvas.HistoryEntry, error) {
	if err := s.injectedError("ListHistory"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.canvases[canvasID]
	if !ok {
		return []canvas.HistoryEntry{}, nil
	}
	out := make([]canvas.HistoryEntry, 0, len(cs.history))
	for _, entry := range cs.history {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SavedAt.After(out[j].SavedAt) })
	return out, nil
}

// DeleteHistory removes a snapshot entry
func (s *Store) DeleteHistory(ctx context.Context, canvasID, historyID string) error {
	if err := s.injectedError("DeleteHistory"); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.state(canvasID).history, historyID)
	s.mu.Unlock()
	return nil
}

// broadcastShapesLocked fans the current snapshot out to subscribers.
// Buffers are latest-wins: a slow subscriber drops the stale snapshot
// it has not consumed yet, never blocks the writer.
func (s *Store) broadcastShapesLocked(cs *canvasState) {
	snapshot := snapshotShapes(cs)
	for _, ch := range cs.shapeSubs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (s *Store) broadcastCursorsLocked(cs *canvasState) {
	snapshot := copyCursors(cs.cursors)
	for _, ch := range cs.cursorSubs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (s *Store) broadcastPresenceLocked(cs *canvasState) {
	snapshot := copyPresence(cs.presence)
	for _, ch := range cs.presenceSubs {
		select {
		case ch <- snapshot:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func snapshotShapes(cs *canvasState) []canvas.Shape {
	out := make([]canvas.Shape, 0, len(cs.shapes))
	for _, shape := range cs.shapes {
		out = append(out, shape)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func copyCursors(in map[string]canvas.Cursor) map[string]canvas.Cursor {
	out := make(map[string]canvas.Cursor, len(in))
	for userID, cursor := range in {
		out[userID] = cursor
	}
	return out
}

func copyPresence(in map[string]canvas.Presence) map[string]canvas.Presence {
	out := make(map[string]canvas.Presence, len(in))
	for userID, presence := range in {
		out[userID] = presence
	}
	return out
}
