package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/davicaetano/collabcanvas/store/memory"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCanvasID = "main-canvas"

func newTestHub(t *testing.T) (*Hub, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewHub(store), store
}

func newTestRouter(h *Hub) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/canvas/:id", h.HandleWS)
	return router
}

func TestHandleClientMessageCreate(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	msg := `{"op":"create","sessionId":"sess-1","shape":{"type":"rectangle","x":10,"y":20}}`
	session.handleClientMessage(client, []byte(msg))

	shapes, err := store.ListShapes(context.Background(), testCanvasID)
	require.NoError(t, err)
	require.Len(t, shapes, 1)
	assert.Equal(t, canvas.ShapeRectangle, shapes[0].Type)
	assert.Equal(t, 10.0, shapes[0].X)
	assert.Equal(t, "sess-1", shapes[0].SessionID)
	assert.Equal(t, "user-1", shapes[0].CreatedBy)
	assert.Equal(t, canvas.DefaultShapeFill, shapes[0].Fill, "creation fills defaults server-side")
}

func TestHandleClientMessageCreateBatch(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	msg := `{"op":"create_batch","sessionId":"sess-1","shapes":[{"type":"rectangle"},{"type":"circle","width":60}]}`
	session.handleClientMessage(client, []byte(msg))

	shapes, err := store.ListShapes(context.Background(), testCanvasID)
	require.NoError(t, err)
	assert.Len(t, shapes, 2)
}

func TestHandleClientMessageUpdateValidates(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	require.NoError(t, store.CreateShape(context.Background(), testCanvasID, canvas.Shape{ID: "s1", X: 1, Fill: "#000000"}))

	msg := `{"op":"update","sessionId":"sess-2","shapeId":"s1","props":{"x":40,"fill":"not-a-color"}}`
	session.handleClientMessage(client, []byte(msg))

	shapes, err := store.ListShapes(context.Background(), testCanvasID)
	require.NoError(t, err)
	require.Len(t, shapes, 1)
	assert.Equal(t, 40.0, shapes[0].X)
	assert.Equal(t, "#000000", shapes[0].Fill, "invalid properties are dropped before the write")
	assert.Equal(t, "sess-2", shapes[0].SessionID)
}

func TestHandleClientMessageUpdateBatch(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	ctx := context.Background()
	require.NoError(t, store.CreateShapes(ctx, testCanvasID, []canvas.Shape{{ID: "s1"}, {ID: "s2"}}))

	msg := `{"op":"update_batch","sessionId":"sess-1","updates":{"s1":{"y":5},"s2":{"rotation":9999}}}`
	session.handleClientMessage(client, []byte(msg))

	shapes, err := store.ListShapes(ctx, testCanvasID)
	require.NoError(t, err)
	byID := map[string]canvas.Shape{}
	for _, s := range shapes {
		byID[s.ID] = s
	}
	assert.Equal(t, 5.0, byID["s1"].Y)
	assert.Equal(t, 0.0, byID["s2"].Rotation, "a fully-invalid per-shape patch applies nothing")
}

func TestHandleClientMessageDelete(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	ctx := context.Background()
	require.NoError(t, store.CreateShapes(ctx, testCanvasID, []canvas.Shape{{ID: "s1"}, {ID: "s2"}, {ID: "s3"}}))

	session.handleClientMessage(client, []byte(`{"op":"delete","shapeId":"s1"}`))
	session.handleClientMessage(client, []byte(`{"op":"delete_batch","shapeIds":["s2","s3"]}`))

	shapes, err := store.ListShapes(ctx, testCanvasID)
	require.NoError(t, err)
	assert.Empty(t, shapes)
}

func TestHandleClientMessageCursor(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	session.handleClientMessage(client, []byte(`{"op":"cursor","cursor":{"x":3,"y":4,"name":"Alice","color":"#FF5733"}}`))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.SubscribeCursors(ctx, testCanvasID)
	require.NoError(t, err)
	cursors := <-ch
	require.Contains(t, cursors, "user-1")
	assert.Equal(t, 3.0, cursors["user-1"].X)
	assert.False(t, cursors["user-1"].UpdatedAt.IsZero(), "the gateway stamps cursor updates")
}

func TestHandleClientMessageIgnoresGarbage(t *testing.T) {
	hub, store := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)
	client := &Client{Hub: hub, Session: session, UserID: "user-1"}

	session.handleClientMessage(client, []byte(`{not json`))
	session.handleClientMessage(client, []byte(`{"op":"teleport"}`))
	session.handleClientMessage(client, []byte(`{"op":"create"}`))
	session.handleClientMessage(client, []byte(`{"op":"cursor"}`))

	shapes, err := store.ListShapes(context.Background(), testCanvasID)
	require.NoError(t, err)
	assert.Empty(t, shapes)
}

func TestGetOrCreateSessionReuses(t *testing.T) {
	hub, _ := newTestHub(t)

	first := hub.GetOrCreateSession(testCanvasID)
	second := hub.GetOrCreateSession(testCanvasID)
	assert.Same(t, first, second)

	other := hub.GetOrCreateSession("other-canvas")
	assert.NotSame(t, first, other)
}

func TestCleanupInactiveSessions(t *testing.T) {
	hub, _ := newTestHub(t)

	session := hub.GetOrCreateSession(testCanvasID)
	session.mu.Lock()
	session.LastActivity = time.Now().UTC().Add(-time.Hour)
	session.mu.Unlock()

	hub.CleanupInactiveSessions()

	hub.mu.RLock()
	_, ok := hub.Canvases[testCanvasID]
	hub.mu.RUnlock()
	assert.False(t, ok, "idle empty sessions are reaped")
}

func TestCleanupInactiveSessionsStopsRunLoop(t *testing.T) {
	hub, _ := newTestHub(t)

	session := hub.GetOrCreateSession(testCanvasID)
	session.mu.Lock()
	session.LastActivity = time.Now().UTC().Add(-time.Hour)
	session.mu.Unlock()

	hub.CleanupInactiveSessions()

	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop still running after reap")
	}
}

func TestCloseSessionShutsDownClients(t *testing.T) {
	hub, _ := newTestHub(t)
	session := hub.GetOrCreateSession(testCanvasID)

	client := &Client{Hub: hub, Session: session, UserID: "user-1", Send: make(chan []byte, 4)}
	session.Register <- client

	require.Eventually(t, func() bool {
		session.mu.RLock()
		defer session.mu.RUnlock()
		return session.Clients[client]
	}, 2*time.Second, 10*time.Millisecond)

	hub.CloseSession(testCanvasID)

	select {
	case <-session.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session loop still running after close")
	}

	// Send ends up closed exactly once, by the session loop
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-client.Send:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	// A read pump unregistering after shutdown must not block or panic
	select {
	case session.Unregister <- client:
		t.Fatal("unregister accepted after session shutdown")
	case <-session.done:
	}
}

func TestHandleWSRequiresUserID(t *testing.T) {
	hub, _ := newTestHub(t)
	router := newTestRouter(hub)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws/canvas/main-canvas", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketEndToEnd(t *testing.T) {
	hub, store := newTestHub(t)
	router := newTestRouter(hub)

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/canvas/" + testCanvasID + "?user_id=user-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// Send a create over the wire and watch it land in the store
	create := ClientMessage{
		Op:        "create",
		SessionID: "sess-1",
		Shape:     &canvas.Shape{Type: canvas.ShapeRectangle, X: 12},
	}
	require.NoError(t, conn.WriteJSON(create))

	require.Eventually(t, func() bool {
		shapes, err := store.ListShapes(context.Background(), testCanvasID)
		return err == nil && len(shapes) == 1 && shapes[0].X == 12
	}, 2*time.Second, 10*time.Millisecond)

	// The store change is broadcast back as a shapes snapshot
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "expected a shapes broadcast before the deadline")

		// WritePump coalesces queued messages with newlines
		found := false
		for _, line := range strings.Split(string(raw), "\n") {
			if line == "" {
				continue
			}
			var msg ServerMessage
			require.NoError(t, json.Unmarshal([]byte(line), &msg))
			if msg.Event == "shapes" {
				var shapes []canvas.Shape
				require.NoError(t, json.Unmarshal(msg.Data, &shapes))
				if len(shapes) == 1 && shapes[0].X == 12 {
					found = true
				}
			}
		}
		if found {
			break
		}
	}
}
