package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davicaetano/collabcanvas/internal/slogging"
)

// ShapeStateManager owns the authoritative local view of all shapes and
// the current selection set. Mutations apply to local state first
// ("optimistic update") and are then written to the remote store;
// reconciliation passes merge remote snapshots back in.
//
// Failure semantics differ by operation:
//   - create: fatal to the call, full local rollback, error returned
//   - update: local optimistic value kept, error returned but not acted
//     upon; the next reconciliation pass corrects true divergence
//   - delete: deleted entries restored from a retained copy
//
// The manager never retries a failed remote write.
type ShapeStateManager struct {
	mu        sync.RWMutex
	shapes    map[string]Shape
	order     []string
	selection map[string]struct{}

	store     ShapeStore
	session   *Session
	user      User
	validator *PropertyValidator
	canvasID  string

	dragging  bool
	observers *observerList
}

// NewShapeStateManager creates a shape state manager for one canvas
func NewShapeStateManager(store ShapeStore, session *Session, user User, canvasID string) *ShapeStateManager {
	return &ShapeStateManager{
		shapes:    make(map[string]Shape),
		selection: make(map[string]struct{}),
		store:     store,
		session:   session,
		user:      user,
		validator: NewPropertyValidator(),
		canvasID:  canvasID,
		observers: newObserverList(),
	}
}

// AddObserver registers a callback invoked after every local state
// change. The returned function removes the observer.
func (m *ShapeStateManager) AddObserver(fn func()) func() {
	return m.observers.add(fn)
}

// SetDragging marks whether a continuous local drag is in progress.
// The reconciler already keeps local copies of this session's own
// shapes, so the flag only exists for callers that want to defer
// expensive re-renders mid-drag.
func (m *ShapeStateManager) SetDragging(dragging bool) {
	m.mu.Lock()
	m.dragging = dragging
	m.mu.Unlock()
}

// IsDragging reports whether a local drag is in progress
func (m *ShapeStateManager) IsDragging() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dragging
}

// CreateShape assigns an id, fills defaults, appends the shape to local
// state immediately, then issues the remote create tagged with this
// session. On remote failure the shape is removed again and the error
// is returned to the caller.
func (m *ShapeStateManager) CreateShape(ctx context.Context, req Shape) (Shape, error) {
	shape := m.prepareCreate(req)

	m.mu.Lock()
	m.insertLocked(shape)
	m.mu.Unlock()
	m.observers.notify()

	if err := m.store.CreateShape(ctx, m.canvasID, shape); err != nil {
		slogging.Get().Error("remote create failed for shape %s, rolling back: %v", shape.ID, err)
		remoteWriteErrors.WithLabelValues("create").Inc()
		rollbackTotal.WithLabelValues("create").Inc()

		m.mu.Lock()
		m.removeLocked(shape.ID)
		m.mu.Unlock()
		m.observers.notify()

		return Shape{}, fmt.Errorf("failed to create shape: %w", err)
	}

	return shape, nil
}

// CreateShapeBatch creates N shapes in one remote round trip. On remote
// failure all N are rolled back together.
func (m *ShapeStateManager) CreateShapeBatch(ctx context.Context, reqs []Shape) ([]Shape, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	shapes := make([]Shape, 0, len(reqs))
	for _, req := range reqs {
		shapes = append(shapes, m.prepareCreate(req))
	}

	m.mu.Lock()
	for _, s := range shapes {
		m.insertLocked(s)
	}
	m.mu.Unlock()
	m.observers.notify()

	if err := m.store.CreateShapes(ctx, m.canvasID, shapes); err != nil {
		slogging.Get().Error("remote batch create of %d shapes failed, rolling back: %v", len(shapes), err)
		remoteWriteErrors.WithLabelValues("create_batch").Inc()
		rollbackTotal.WithLabelValues("create_batch").Inc()

		m.mu.Lock()
		for _, s := range shapes {
			m.removeLocked(s.ID)
		}
		m.mu.Unlock()
		m.observers.notify()

		return nil, fmt.Errorf("failed to create %d shapes: %w", len(shapes), err)
	}

	return shapes, nil
}

// UpdateShape validates each property independently, applies the valid
// subset to local state immediately, then writes it remotely tagged
// with this session. A remote failure is returned to the caller but the
// optimistic local value is kept; a later reconciliation pass corrects
// any true divergence.
func (m *ShapeStateManager) UpdateShape(ctx context.Context, shapeID string, props map[string]any) error {
	patch := m.validator.ValidatePatch(props)
	if patch.IsEmpty() {
		return nil
	}

	m.mu.Lock()
	shape, ok := m.shapes[shapeID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cannot update %s: %w", shapeID, ErrShapeNotFound)
	}
	patch.Apply(&shape)
	shape.SessionID = m.session.ID()
	shape.UserID = m.user.ID
	shape.UpdatedAt = time.Now().UTC()
	m.shapes[shapeID] = shape
	m.mu.Unlock()
	m.observers.notify()

	meta := WriteMeta{SessionID: m.session.ID(), UserID: m.user.ID}
	if err := m.store.UpdateShape(ctx, m.canvasID, shapeID, patch, meta); err != nil {
		// No rollback: availability over consistency
		slogging.Get().Warn("remote update failed for shape %s, keeping optimistic value: %v", shapeID, err)
		remoteWriteErrors.WithLabelValues("update").Inc()
		return fmt.Errorf("failed to update shape %s: %w", shapeID, err)
	}

	return nil
}

// UpdateShapeBatch applies per-shape property maps in one remote round
// trip. Validation drops invalid keys per shape; shapes whose ids are
// unknown locally are skipped.
func (m *ShapeStateManager) UpdateShapeBatch(ctx context.Context, updates map[string]map[string]any) error {
	patches := make(map[string]ShapePatch, len(updates))
	for id, props := range updates {
		patch := m.validator.ValidatePatch(props)
		if !patch.IsEmpty() {
			patches[id] = patch
		}
	}
	if len(patches) == 0 {
		return nil
	}

	now := time.Now().UTC()
	m.mu.Lock()
	applied := make(map[string]ShapePatch, len(patches))
	for id, patch := range patches {
		shape, ok := m.shapes[id]
		if !ok {
			continue
		}
		patch.Apply(&shape)
		shape.SessionID = m.session.ID()
		shape.UserID = m.user.ID
		shape.UpdatedAt = now
		m.shapes[id] = shape
		applied[id] = patch
	}
	m.mu.Unlock()

	if len(applied) == 0 {
		return nil
	}
	m.observers.notify()

	meta := WriteMeta{SessionID: m.session.ID(), UserID: m.user.ID}
	if err := m.store.UpdateShapes(ctx, m.canvasID, applied, meta); err != nil {
		slogging.Get().Warn("remote batch update of %d shapes failed, keeping optimistic values: %v", len(applied), err)
		remoteWriteErrors.WithLabelValues("update_batch").Inc()
		return fmt.Errorf("failed to update %d shapes: %w", len(applied), err)
	}

	return nil
}

// DeleteShape removes the shape from local state and selection
// immediately, then issues the remote delete. On remote failure the
// retained copy is restored.
func (m *ShapeStateManager) DeleteShape(ctx context.Context, shapeID string) error {
	m.mu.Lock()
	retained, ok := m.shapes[shapeID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("cannot delete %s: %w", shapeID, ErrShapeNotFound)
	}
	m.removeLocked(shapeID)
	m.mu.Unlock()
	m.observers.notify()

	if err := m.store.DeleteShape(ctx, m.canvasID, shapeID); err != nil {
		slogging.Get().Error("remote delete failed for shape %s, restoring: %v", shapeID, err)
		remoteWriteErrors.WithLabelValues("delete").Inc()
		rollbackTotal.WithLabelValues("delete").Inc()

		m.mu.Lock()
		m.insertLocked(retained)
		m.mu.Unlock()
		m.observers.notify()

		return fmt.Errorf("failed to delete shape %s: %w", shapeID, err)
	}

	return nil
}

// DeleteShapeBatch removes N shapes in one remote round trip, restoring
// all retained copies on failure.
func (m *ShapeStateManager) DeleteShapeBatch(ctx context.Context, shapeIDs []string) error {
	m.mu.Lock()
	retained := make([]Shape, 0, len(shapeIDs))
	deleted := make([]string, 0, len(shapeIDs))
	for _, id := range shapeIDs {
		if s, ok := m.shapes[id]; ok {
			retained = append(retained, s)
			deleted = append(deleted, id)
			m.removeLocked(id)
		}
	}
	m.mu.Unlock()

	if len(deleted) == 0 {
		return nil
	}
	m.observers.notify()

	if err := m.store.DeleteShapes(ctx, m.canvasID, deleted); err != nil {
		slogging.Get().Error("remote batch delete of %d shapes failed, restoring: %v", len(deleted), err)
		remoteWriteErrors.WithLabelValues("delete_batch").Inc()
		rollbackTotal.WithLabelValues("delete_batch").Inc()

		m.mu.Lock()
		for _, s := range retained {
			m.insertLocked(s)
		}
		m.mu.Unlock()
		m.observers.notify()

		return fmt.Errorf("failed to delete %d shapes: %w", len(deleted), err)
	}

	return nil
}

// DeleteAllShapes clears the canvas, restoring everything on failure
func (m *ShapeStateManager) DeleteAllShapes(ctx context.Context) error {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	return m.DeleteShapeBatch(ctx, ids)
}

// SelectShapes replaces the selection set, or unions into it when
// additive is true. Ids without a local shape are ignored.
func (m *ShapeStateManager) SelectShapes(shapeIDs []string, additive bool) {
	m.mu.Lock()
	if !additive {
		m.selection = make(map[string]struct{})
	}
	for _, id := range shapeIDs {
		if _, ok := m.shapes[id]; ok {
			m.selection[id] = struct{}{}
		}
	}
	m.mu.Unlock()
	m.observers.notify()
}

// ClearSelection empties the selection set
func (m *ShapeStateManager) ClearSelection() {
	m.mu.Lock()
	changed := len(m.selection) > 0
	m.selection = make(map[string]struct{})
	m.mu.Unlock()
	if changed {
		m.observers.notify()
	}
}

// Reconcile merges a freshly delivered remote snapshot into local
// state. For every incoming shape whose sessionId equals this session,
// the snapshot item is an echo of our own prior write and the local
// in-memory copy wins (falling back to the remote copy when no local
// copy exists, the create-confirmation case). Shapes written by other
// sessions always win outright. Shapes present locally but absent from
// the snapshot are dropped (delete confirmation). This ordering rule is
// what keeps an in-flight local drag from snapping back when the store
// echoes a slightly stale version of our own edit.
func (m *ShapeStateManager) Reconcile(snapshot []Shape) {
	reconcileTotal.Inc()

	m.mu.Lock()
	next := make(map[string]Shape, len(snapshot))
	nextOrder := make([]string, 0, len(snapshot))

	for _, remote := range snapshot {
		if remote.ID == "" {
			continue
		}
		if _, seen := next[remote.ID]; seen {
			continue
		}
		if remote.SessionID == m.session.ID() {
			if local, ok := m.shapes[remote.ID]; ok {
				echoSuppressedTotal.Inc()
				next[remote.ID] = local
				nextOrder = append(nextOrder, remote.ID)
				continue
			}
		}
		next[remote.ID] = remote
		nextOrder = append(nextOrder, remote.ID)
	}

	// Prune selection of ids that did not survive the snapshot
	for id := range m.selection {
		if _, ok := next[id]; !ok {
			delete(m.selection, id)
		}
	}

	m.shapes = next
	m.order = nextOrder
	m.mu.Unlock()
	m.observers.notify()
}

// GetShape returns the local copy of a shape, if present
func (m *ShapeStateManager) GetShape(shapeID string) (Shape, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shapes[shapeID]
	return s, ok
}

// GetAllShapes returns all local shapes in stable order
func (m *ShapeStateManager) GetAllShapes() []Shape {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Shape, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.shapes[id])
	}
	return out
}

// GetSelectedShapes returns the shapes currently selected
func (m *ShapeStateManager) GetSelectedShapes() []Shape {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Shape, 0, len(m.selection))
	for _, id := range m.order {
		if _, ok := m.selection[id]; ok {
			out = append(out, m.shapes[id])
		}
	}
	return out
}

// SelectedIDs returns the ids in the current selection set
func (m *ShapeStateManager) SelectedIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.selection))
	for _, id := range m.order {
		if _, ok := m.selection[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// restore replaces the whole local shape table, used when a history
// snapshot is restored wholesale.
func (m *ShapeStateManager) restore(shapes []Shape) {
	m.mu.Lock()
	m.shapes = make(map[string]Shape, len(shapes))
	m.order = make([]string, 0, len(shapes))
	m.selection = make(map[string]struct{})
	for _, s := range shapes {
		m.insertLocked(s)
	}
	m.mu.Unlock()
	m.observers.notify()
}

// prepareCreate fills defaults and provenance for a creation request
func (m *ShapeStateManager) prepareCreate(req Shape) Shape {
	shape := NewShape(req)
	shape.SessionID = m.session.ID()
	shape.CreatedBy = m.user.ID
	shape.UserID = m.user.ID
	now := time.Now().UTC()
	shape.CreatedAt = now
	shape.UpdatedAt = now
	return shape
}

// insertLocked adds a shape to the table; callers hold m.mu
func (m *ShapeStateManager) insertLocked(s Shape) {
	if _, ok := m.shapes[s.ID]; !ok {
		m.order = append(m.order, s.ID)
	}
	m.shapes[s.ID] = s
}

// removeLocked drops a shape from the table and selection; callers hold m.mu
func (m *ShapeStateManager) removeLocked(shapeID string) {
	if _, ok := m.shapes[shapeID]; !ok {
		return
	}
	delete(m.shapes, shapeID)
	delete(m.selection, shapeID)
	for i, id := range m.order {
		if id == shapeID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
