package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davicaetano/collabcanvas/internal/slogging"
	"github.com/jonboulle/clockwork"
)

// DefaultCursorThrottle is the minimum interval between remote cursor
// broadcasts when no explicit throttle is configured.
const DefaultCursorThrottle = 50 * time.Millisecond

// CursorPresenceManager owns the local cache of remote cursors and the
// throttled broadcast of this client's own cursor. The cache is a pure
// read-through of the subscription stream, keyed by user id, with the
// local user's own entry always excluded.
type CursorPresenceManager struct {
	mu      sync.RWMutex
	cursors map[string]Cursor

	store    CursorStore
	user     User
	canvasID string

	throttle time.Duration
	clock    clockwork.Clock
	lastSent time.Time

	observers *observerList
}

// NewCursorPresenceManager creates a cursor manager for one canvas.
// A zero throttle falls back to DefaultCursorThrottle; a nil clock uses
// the real one.
func NewCursorPresenceManager(store CursorStore, user User, canvasID string, throttle time.Duration, clock clockwork.Clock) *CursorPresenceManager {
	if throttle <= 0 {
		throttle = DefaultCursorThrottle
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CursorPresenceManager{
		cursors:   make(map[string]Cursor),
		store:     store,
		user:      user,
		canvasID:  canvasID,
		throttle:  throttle,
		clock:     clock,
		observers: newObserverList(),
	}
}

// AddObserver registers a callback invoked when the remote cursor cache
// actually changes. The returned function removes the observer.
func (m *CursorPresenceManager) AddObserver(fn func()) func() {
	return m.observers.add(fn)
}

// TrackCursor broadcasts this client's cursor position, at most once
// per throttle window. Calls arriving inside the window are dropped,
// not queued, so only the latest position within a window is ever lost,
// never delayed.
func (m *CursorPresenceManager) TrackCursor(ctx context.Context, x, y float64) error {
	now := m.clock.Now()

	m.mu.Lock()
	if now.Sub(m.lastSent) < m.throttle {
		m.mu.Unlock()
		cursorThrottledTotal.Inc()
		return nil
	}
	m.lastSent = now
	m.mu.Unlock()

	cursor := Cursor{
		X:         x,
		Y:         y,
		Name:      m.user.Name,
		Color:     m.user.Color,
		UpdatedAt: now.UTC(),
	}

	cursorWritesTotal.Inc()
	if err := m.store.SetCursor(ctx, m.canvasID, m.user.ID, cursor); err != nil {
		slogging.Get().Debug("cursor broadcast failed: %v", err)
		return fmt.Errorf("failed to broadcast cursor: %w", err)
	}
	return nil
}

// ApplyRemote ingests one delivery of the cursor subscription stream.
// The local user's own entry is stripped, and observers fire only when
// something actually changed, so redundant snapshot deliveries never
// cause redundant re-renders.
func (m *CursorPresenceManager) ApplyRemote(snapshot map[string]Cursor) {
	incoming := make(map[string]Cursor, len(snapshot))
	for userID, cursor := range snapshot {
		if userID == m.user.ID {
			continue
		}
		incoming[userID] = cursor
	}

	m.mu.Lock()
	if cursorsEqual(m.cursors, incoming) {
		m.mu.Unlock()
		return
	}
	m.cursors = incoming
	m.mu.Unlock()
	m.observers.notify()
}

// Cursors returns a copy of the remote cursor cache
func (m *CursorPresenceManager) Cursors() map[string]Cursor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Cursor, len(m.cursors))
	for userID, cursor := range m.cursors {
		out[userID] = cursor
	}
	return out
}

// Cleanup removes this user's cursor record from the remote store. It
// runs on graceful teardown and is registered best-effort for abrupt
// termination.
func (m *CursorPresenceManager) Cleanup(ctx context.Context) error {
	if err := m.store.RemoveCursor(ctx, m.canvasID, m.user.ID); err != nil {
		return fmt.Errorf("failed to remove cursor: %w", err)
	}
	return nil
}

// cursorsEqual is a deep-equality check over two cursor maps
func cursorsEqual(a, b map[string]Cursor) bool {
	if len(a) != len(b) {
		return false
	}
	for userID, ca := range a {
		cb, ok := b[userID]
		if !ok || ca != cb {
			return false
		}
	}
	return true
}
