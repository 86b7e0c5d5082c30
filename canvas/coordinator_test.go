package canvas_test

import (
	"context"
	"testing"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/davicaetano/collabcanvas/store/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type testClient struct {
	coordinator *canvas.MultiplayerSyncCoordinator
	shapes      *canvas.ShapeStateManager
	cursors     *canvas.CursorPresenceManager
	session     *canvas.Session
	user        canvas.User
	clock       clockwork.FakeClock
}

func newTestClient(t *testing.T, store *memory.Store, user canvas.User) *testClient {
	t.Helper()
	session := canvas.NewSession()
	clock := clockwork.NewFakeClock()
	shapes := canvas.NewShapeStateManager(store, session, user, testCanvasID)
	cursors := canvas.NewCursorPresenceManager(store, user, testCanvasID, 50*time.Millisecond, clock)
	coordinator := canvas.NewMultiplayerSyncCoordinator(canvas.CoordinatorConfig{
		Store:     store,
		Session:   session,
		User:      user,
		CanvasID:  testCanvasID,
		Shapes:    shapes,
		Cursors:   cursors,
		Heartbeat: 10 * time.Second,
		Clock:     clock,
	})
	return &testClient{
		coordinator: coordinator,
		shapes:      shapes,
		cursors:     cursors,
		session:     session,
		user:        user,
		clock:       clock,
	}
}

func storedPresence(t *testing.T, store *memory.Store) map[string]canvas.Presence {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.SubscribePresence(ctx, testCanvasID)
	require.NoError(t, err)
	return <-ch
}

func TestAttachRegistersPresence(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1", Name: "Alice"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	defer func() { require.NoError(t, client.coordinator.Detach(ctx)) }()

	presence := storedPresence(t, store)
	require.Contains(t, presence, "user-1")
	assert.True(t, presence["user-1"].Online)
	assert.Equal(t, "Alice", presence["user-1"].Name)
}

func TestAttachTwiceFails(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	defer func() { require.NoError(t, client.coordinator.Detach(ctx)) }()

	assert.Error(t, client.coordinator.Attach(ctx))
}

func TestDetachRemovesPresenceAndCursor(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1", Name: "Alice"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	require.NoError(t, client.cursors.TrackCursor(ctx, 5, 5))
	require.NoError(t, client.coordinator.Detach(ctx))

	presence := storedPresence(t, store)
	assert.NotContains(t, presence, "user-1")
	assert.NotContains(t, storedCursors(t, store), "user-1")

	// Detach is idempotent
	assert.NoError(t, client.coordinator.Detach(ctx))
}

func TestDetachCancelsDisconnectRegistration(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1", Name: "Alice"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	require.NoError(t, client.coordinator.Detach(ctx))

	// Sign back in directly, then fire the stale disconnect
	require.NoError(t, store.SetPresence(ctx, testCanvasID, "user-1", canvas.Presence{Name: "Alice", Online: true}))
	store.TriggerDisconnect(testCanvasID, "user-1")

	presence := storedPresence(t, store)
	require.Contains(t, presence, "user-1")
	assert.True(t, presence["user-1"].Online, "a cancelled disconnect registration must not flip presence")
}

func TestDisconnectFlipsPresenceWithoutClientInvolvement(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	// Register presence and the disconnect transition by hand, bypassing
	// the coordinator so its self-heal loop cannot re-assert online.
	require.NoError(t, store.SetPresence(ctx, testCanvasID, "user-9", canvas.Presence{Name: "Eve", Online: true}))
	_, err := store.RegisterDisconnect(ctx, testCanvasID, "user-9")
	require.NoError(t, err)

	store.TriggerDisconnect(testCanvasID, "user-9")

	presence := storedPresence(t, store)
	require.Contains(t, presence, "user-9")
	assert.False(t, presence["user-9"].Online)
}

func TestCoordinatorSelfHealsPresence(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1", Name: "Alice"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	defer func() { require.NoError(t, client.coordinator.Detach(ctx)) }()

	// Another tab of the same user disconnecting flips the shared record
	// offline; the still-running coordinator re-asserts it.
	store.TriggerDisconnect(testCanvasID, "user-1")

	assert.Eventually(t, func() bool {
		presence := storedPresence(t, store)
		p, ok := presence["user-1"]
		return ok && p.Online
	}, waitFor, tick)
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	store := memory.NewStore()
	client := newTestClient(t, store, canvas.User{ID: "user-1", Name: "Alice"})
	ctx := context.Background()

	require.NoError(t, client.coordinator.Attach(ctx))
	defer func() { require.NoError(t, client.coordinator.Detach(ctx)) }()

	before := storedPresence(t, store)["user-1"].LastSeen

	// Wait for the heartbeat ticker to be armed before advancing
	client.clock.BlockUntil(1)
	client.clock.Advance(10 * time.Second)

	assert.Eventually(t, func() bool {
		return storedPresence(t, store)["user-1"].LastSeen.After(before)
	}, waitFor, tick)
}

func TestShapesFlowBetweenClients(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	alice := newTestClient(t, store, canvas.User{ID: "user-a", Name: "Alice"})
	bob := newTestClient(t, store, canvas.User{ID: "user-b", Name: "Bob"})

	require.NoError(t, alice.coordinator.Attach(ctx))
	defer func() { require.NoError(t, alice.coordinator.Detach(ctx)) }()
	require.NoError(t, bob.coordinator.Attach(ctx))
	defer func() { require.NoError(t, bob.coordinator.Detach(ctx)) }()

	created, err := alice.shapes.CreateShape(ctx, canvas.Shape{Type: canvas.ShapeRectangle, X: 42})
	require.NoError(t, err)

	// Bob converges on Alice's create
	assert.Eventually(t, func() bool {
		s, ok := bob.shapes.GetShape(created.ID)
		return ok && s.X == 42
	}, waitFor, tick)

	// Bob edits, Alice converges; Bob's session wins on Alice's side
	require.NoError(t, bob.shapes.UpdateShape(ctx, created.ID, map[string]any{"x": 77.0}))
	assert.Eventually(t, func() bool {
		s, ok := alice.shapes.GetShape(created.ID)
		return ok && s.X == 77 && s.SessionID == bob.session.ID()
	}, waitFor, tick)

	// Bob deletes, Alice's copy and selection converge to empty
	alice.shapes.SelectShapes([]string{created.ID}, false)
	require.NoError(t, bob.shapes.DeleteShape(ctx, created.ID))
	assert.Eventually(t, func() bool {
		_, ok := alice.shapes.GetShape(created.ID)
		return !ok && len(alice.shapes.SelectedIDs()) == 0
	}, waitFor, tick)
}

func TestOwnEchoDoesNotSnapBack(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	alice := newTestClient(t, store, canvas.User{ID: "user-a", Name: "Alice"})
	require.NoError(t, alice.coordinator.Attach(ctx))
	defer func() { require.NoError(t, alice.coordinator.Detach(ctx)) }()

	created, err := alice.shapes.CreateShape(ctx, canvas.Shape{Type: canvas.ShapeRectangle, X: 0})
	require.NoError(t, err)

	// A rapid burst of local edits; every store echo carries our own
	// session id, so the freshest local value must survive them all.
	for i := 1; i <= 20; i++ {
		require.NoError(t, alice.shapes.UpdateShape(ctx, created.ID, map[string]any{"x": float64(i)}))
	}

	assert.Never(t, func() bool {
		s, ok := alice.shapes.GetShape(created.ID)
		return !ok || s.X != 20
	}, 200*time.Millisecond, tick)
}

func TestCursorsFlowBetweenClients(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	alice := newTestClient(t, store, canvas.User{ID: "user-a", Name: "Alice"})
	bob := newTestClient(t, store, canvas.User{ID: "user-b", Name: "Bob"})

	require.NoError(t, alice.coordinator.Attach(ctx))
	defer func() { require.NoError(t, alice.coordinator.Detach(ctx)) }()
	require.NoError(t, bob.coordinator.Attach(ctx))
	defer func() { require.NoError(t, bob.coordinator.Detach(ctx)) }()

	require.NoError(t, alice.cursors.TrackCursor(ctx, 15, 25))

	assert.Eventually(t, func() bool {
		c, ok := bob.cursors.Cursors()["user-a"]
		return ok && c.X == 15 && c.Y == 25
	}, waitFor, tick)

	// Alice never sees her own cursor
	assert.NotContains(t, alice.cursors.Cursors(), "user-a")
}

func TestPresenceObserverFires(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	alice := newTestClient(t, store, canvas.User{ID: "user-a", Name: "Alice"})
	require.NoError(t, alice.coordinator.Attach(ctx))
	defer func() { require.NoError(t, alice.coordinator.Detach(ctx)) }()

	fired := make(chan struct{}, 16)
	alice.coordinator.AddPresenceObserver(func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	bob := newTestClient(t, store, canvas.User{ID: "user-b", Name: "Bob"})
	require.NoError(t, bob.coordinator.Attach(ctx))
	defer func() { require.NoError(t, bob.coordinator.Detach(ctx)) }()

	select {
	case <-fired:
	case <-time.After(waitFor):
		t.Fatal("presence observer never fired after a join")
	}

	assert.Eventually(t, func() bool {
		p, ok := alice.coordinator.PresenceList()["user-b"]
		return ok && p.Online
	}, waitFor, tick)
}
