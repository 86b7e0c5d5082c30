package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davicaetano/collabcanvas/internal/slogging"
	"github.com/jonboulle/clockwork"
)

// DefaultPresenceHeartbeat is how often online presence is re-asserted
// when no explicit interval is configured.
const DefaultPresenceHeartbeat = 10 * time.Second

// MultiplayerSyncCoordinator wires the remote store's subscription
// streams into the shape and cursor managers and manages the
// attach/detach lifecycle: presence join, heartbeat, disconnect
// registration, and teardown.
type MultiplayerSyncCoordinator struct {
	shapes  *ShapeStateManager
	cursors *CursorPresenceManager
	store   RemoteStore

	session  *Session
	user     User
	canvasID string

	heartbeat time.Duration
	clock     clockwork.Clock

	mu         sync.Mutex
	attached   bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	disconnect DisconnectHandle

	presenceMu sync.RWMutex
	presence   map[string]Presence
	observers  *observerList
}

// CoordinatorConfig bundles the collaborators and tuning for a coordinator
type CoordinatorConfig struct {
	Store     RemoteStore
	Session   *Session
	User      User
	CanvasID  string
	Shapes    *ShapeStateManager
	Cursors   *CursorPresenceManager
	Heartbeat time.Duration
	Clock     clockwork.Clock
}

// NewMultiplayerSyncCoordinator creates a coordinator from its parts
func NewMultiplayerSyncCoordinator(cfg CoordinatorConfig) *MultiplayerSyncCoordinator {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultPresenceHeartbeat
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &MultiplayerSyncCoordinator{
		shapes:    cfg.Shapes,
		cursors:   cfg.Cursors,
		store:     cfg.Store,
		session:   cfg.Session,
		user:      cfg.User,
		canvasID:  cfg.CanvasID,
		heartbeat: cfg.Heartbeat,
		clock:     cfg.Clock,
		presence:  make(map[string]Presence),
		observers: newObserverList(),
	}
}

// AddPresenceObserver registers a callback invoked when the presence
// map changes. The returned function removes the observer.
func (c *MultiplayerSyncCoordinator) AddPresenceObserver(fn func()) func() {
	return c.observers.add(fn)
}

// Attach subscribes to the shapes, cursors, and presence streams,
// registers this user as present, and arms the disconnect-triggered
// offline transition so presence flips even if this process never runs
// any shutdown code.
func (c *MultiplayerSyncCoordinator) Attach(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return fmt.Errorf("coordinator already attached")
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	shapeCh, err := c.store.SubscribeShapes(subCtx, c.canvasID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to shapes: %w", err)
	}
	cursorCh, err := c.store.SubscribeCursors(subCtx, c.canvasID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to cursors: %w", err)
	}
	presenceCh, err := c.store.SubscribePresence(subCtx, c.canvasID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	if err := c.setOnline(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to register presence: %w", err)
	}

	handle, err := c.store.RegisterDisconnect(ctx, c.canvasID, c.user.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to register disconnect transition: %w", err)
	}

	c.cancel = cancel
	c.disconnect = handle
	c.attached = true

	c.wg.Add(4)
	go c.shapesLoop(subCtx, shapeCh)
	go c.cursorsLoop(subCtx, cursorCh)
	go c.presenceLoop(subCtx, presenceCh)
	go c.heartbeatLoop(subCtx)

	slogging.Get().Info("attached to canvas %s as user %s (session %s)", c.canvasID, c.user.ID, c.session.ID())
	return nil
}

// Detach performs a deliberate sign-out: it cancels the disconnect
// registration first, so a stale disconnect transition cannot fire
// after a reconnection and overwrite the sign-out, then removes this
// session's presence and cursor records best-effort and stops the
// subscription loops.
func (c *MultiplayerSyncCoordinator) Detach(ctx context.Context) error {
	c.mu.Lock()
	if !c.attached {
		c.mu.Unlock()
		return nil
	}
	c.attached = false
	cancel := c.cancel
	handle := c.disconnect
	c.cancel = nil
	c.disconnect = nil
	c.mu.Unlock()

	logger := slogging.Get()

	if handle != nil {
		if err := handle.Cancel(ctx); err != nil {
			logger.Warn("failed to cancel disconnect registration: %v", err)
		}
	}
	if err := c.store.RemovePresence(ctx, c.canvasID, c.user.ID); err != nil {
		logger.Warn("failed to remove presence: %v", err)
	}
	if err := c.cursors.Cleanup(ctx); err != nil {
		logger.Warn("failed to remove cursor: %v", err)
	}

	cancel()
	c.wg.Wait()

	logger.Info("detached from canvas %s", c.canvasID)
	return nil
}

// PresenceList returns a copy of the latest presence map
func (c *MultiplayerSyncCoordinator) PresenceList() map[string]Presence {
	c.presenceMu.RLock()
	defer c.presenceMu.RUnlock()
	out := make(map[string]Presence, len(c.presence))
	for userID, p := range c.presence {
		out[userID] = p
	}
	return out
}

// shapesLoop routes each shapes snapshot into the reconciler. The
// reconciler's echo suppression already keeps this session's local
// copies during a drag, so deliveries are passed through unfiltered.
func (c *MultiplayerSyncCoordinator) shapesLoop(ctx context.Context, ch <-chan []Shape) {
	defer c.wg.Done()
	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			c.shapes.Reconcile(snapshot)
		case <-ctx.Done():
			return
		}
	}
}

func (c *MultiplayerSyncCoordinator) cursorsLoop(ctx context.Context, ch <-chan map[string]Cursor) {
	defer c.wg.Done()
	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			c.cursors.ApplyRemote(snapshot)
		case <-ctx.Done():
			return
		}
	}
}

// presenceLoop caches presence deliveries and self-heals: if a delivery
// shows this user offline while this process is demonstrably running
// (another tab of the same user closed), online status is re-asserted.
func (c *MultiplayerSyncCoordinator) presenceLoop(ctx context.Context, ch <-chan map[string]Presence) {
	defer c.wg.Done()
	for {
		select {
		case snapshot, ok := <-ch:
			if !ok {
				return
			}
			c.presenceMu.Lock()
			c.presence = snapshot
			c.presenceMu.Unlock()
			c.observers.notify()

			if self, ok := snapshot[c.user.ID]; (!ok || !self.Online) && c.isAttached() {
				slogging.Get().Debug("presence shows user %s offline while attached, re-asserting", c.user.ID)
				if err := c.setOnline(ctx); err != nil {
					slogging.Get().Warn("failed to re-assert presence: %v", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop periodically refreshes the online presence record so
// TTL-based stores keep it alive between deliveries.
func (c *MultiplayerSyncCoordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if err := c.setOnline(ctx); err != nil {
				slogging.Get().Warn("presence heartbeat failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *MultiplayerSyncCoordinator) isAttached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

func (c *MultiplayerSyncCoordinator) setOnline(ctx context.Context) error {
	return c.store.SetPresence(ctx, c.canvasID, c.user.ID, Presence{
		Name:     c.user.Name,
		Photo:    c.user.Photo,
		Online:   true,
		LastSeen: c.clock.Now().UTC(),
	})
}
