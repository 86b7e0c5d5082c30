// Package gateway bridges websocket clients to the canvas remote
// store. Browsers cannot speak the store protocol directly, so each
// canvas gets a fan-out session: inbound operations are validated and
// applied to the store, and the store's snapshot streams are broadcast
// back to every connected client.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/davicaetano/collabcanvas/internal/slogging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub maintains active canvas sessions and their connections
type Hub struct {
	// Registered sessions by canvas ID
	Canvases map[string]*CanvasSession
	store    canvas.RemoteStore
	// Mutex for thread safety
	mu sync.RWMutex
}

// CanvasSession represents one canvas's fan-out session
type CanvasSession struct {
	// Session ID
	ID string
	// Canvas ID
	CanvasID string
	// Connected clients
	Clients map[*Client]bool
	// Outbound messages to all clients
	Broadcast chan []byte
	// Register requests
	Register chan *Client
	// Unregister requests
	Unregister chan *Client
	// Last activity timestamp
	LastActivity time.Time
	// Mutex for thread safety
	mu sync.RWMutex

	hub    *Hub
	cancel context.CancelFunc
	// Closed when Run exits; senders on Register/Unregister select
	// against it so they never block on a torn-down session
	done chan struct{}
}

// Client represents a connected websocket client
type Client struct {
	Hub     *Hub
	Session *CanvasSession
	Conn    *websocket.Conn
	// UserID identifies the human behind the connection; identity is
	// established by the deployment in front of the gateway
	UserID string
	// Buffered channel of outbound messages
	Send chan []byte
}

// Upgrader upgrades HTTP connections to WebSocket
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins for development; restrict in production
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHub creates a new gateway hub backed by the given store
func NewHub(store canvas.RemoteStore) *Hub {
	return &Hub{
		Canvases: make(map[string]*CanvasSession),
		store:    store,
	}
}

// GetOrCreateSession returns an existing session or creates a new one,
// starting its store subscription loops on first use.
func (h *Hub) GetOrCreateSession(canvasID string) *CanvasSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.Canvases[canvasID]; ok {
		session.mu.Lock()
		session.LastActivity = time.Now().UTC()
		session.mu.Unlock()
		return session
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &CanvasSession{
		ID:           uuid.New().String(),
		CanvasID:     canvasID,
		Clients:      make(map[*Client]bool),
		Broadcast:    make(chan []byte, 64),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		LastActivity: time.Now().UTC(),
		hub:          h,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	h.Canvases[canvasID] = session
	go session.Run(ctx)
	go session.pumpStore(ctx)

	return session
}

// CloseSession closes a session and removes it
func (h *Hub) CloseSession(canvasID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session, ok := h.Canvases[canvasID]; ok {
		// Run owns client.Send and closes it when the context falls
		session.cancel()
		delete(h.Canvases, canvasID)
	}
}

// CleanupInactiveSessions removes sessions inactive for 15+ minutes
func (h *Hub) CleanupInactiveSessions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	timeout := time.Now().UTC().Add(-15 * time.Minute)
	for canvasID, session := range h.Canvases {
		session.mu.RLock()
		lastActivity := session.LastActivity
		clientCount := len(session.Clients)
		session.mu.RUnlock()

		if lastActivity.Before(timeout) && clientCount == 0 {
			session.cancel()
			delete(h.Canvases, canvasID)
		}
	}
}

// StartCleanupTimer starts a periodic cleanup timer
func (h *Hub) StartCleanupTimer(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CleanupInactiveSessions()
		case <-ctx.Done():
			return
		}
	}
}

// Run processes registration and broadcast for a canvas session until
// its context is cancelled. It is the sole closer of client Send
// channels.
func (s *CanvasSession) Run(ctx context.Context) {
	logger := slogging.Get()
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			for client := range s.Clients {
				close(client.Send)
				delete(s.Clients, client)
				connectionsGauge.Dec()
			}
			s.mu.Unlock()
			return

		case client := <-s.Register:
			s.mu.Lock()
			s.Clients[client] = true
			s.LastActivity = time.Now().UTC()
			s.mu.Unlock()
			connectionsGauge.Inc()

			if msg, err := marshalServerMessage("join", client.UserID, nil); err == nil {
				s.Broadcast <- msg
			}

		case client := <-s.Unregister:
			s.mu.Lock()
			if _, ok := s.Clients[client]; ok {
				delete(s.Clients, client)
				close(client.Send)
				s.LastActivity = time.Now().UTC()
				connectionsGauge.Dec()
			}
			s.mu.Unlock()

			if msg, err := marshalServerMessage("leave", client.UserID, nil); err == nil {
				s.Broadcast <- msg
			}

		case message := <-s.Broadcast:
			s.mu.Lock()
			s.LastActivity = time.Now().UTC()
			for client := range s.Clients {
				select {
				case client.Send <- message:
				default:
					logger.Warn("dropping slow websocket client for canvas %s", s.CanvasID)
					close(client.Send)
					delete(s.Clients, client)
					connectionsGauge.Dec()
				}
			}
			s.mu.Unlock()
		}
	}
}

// pumpStore forwards the store's snapshot streams into the broadcast
// channel for the session's lifetime.
func (s *CanvasSession) pumpStore(ctx context.Context) {
	logger := slogging.Get()

	shapeCh, err := s.hub.store.SubscribeShapes(ctx, s.CanvasID)
	if err != nil {
		logger.Error("failed to subscribe to shapes for canvas %s: %v", s.CanvasID, err)
		return
	}
	cursorCh, err := s.hub.store.SubscribeCursors(ctx, s.CanvasID)
	if err != nil {
		logger.Error("failed to subscribe to cursors for canvas %s: %v", s.CanvasID, err)
		return
	}
	presenceCh, err := s.hub.store.SubscribePresence(ctx, s.CanvasID)
	if err != nil {
		logger.Error("failed to subscribe to presence for canvas %s: %v", s.CanvasID, err)
		return
	}

	for {
		select {
		case snapshot, ok := <-shapeCh:
			if !ok {
				return
			}
			s.broadcastEvent("shapes", snapshot)
		case snapshot, ok := <-cursorCh:
			if !ok {
				return
			}
			s.broadcastEvent("cursors", snapshot)
		case snapshot, ok := <-presenceCh:
			if !ok {
				return
			}
			s.broadcastEvent("presence", snapshot)
		case <-ctx.Done():
			return
		}
	}
}

func (s *CanvasSession) broadcastEvent(event string, data any) {
	msg, err := marshalServerMessage(event, "", data)
	if err != nil {
		slogging.Get().Error("failed to marshal %s broadcast: %v", event, err)
		return
	}
	broadcastsTotal.WithLabelValues(event).Inc()
	select {
	case s.Broadcast <- msg:
	default:
		slogging.Get().Warn("broadcast channel full for canvas %s, dropping %s snapshot", s.CanvasID, event)
	}
}

// HandleWS handles websocket connection requests
func (h *Hub) HandleWS(c *gin.Context) {
	canvasID := c.Param("id")

	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "bad_request",
			"message": "user_id query parameter is required",
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Error("failed to upgrade connection: %v", err)
		return
	}

	session := h.GetOrCreateSession(canvasID)

	client := &Client{
		Hub:     h,
		Session: session,
		Conn:    conn,
		UserID:  userID,
		Send:    make(chan []byte, 256),
	}

	select {
	case session.Register <- client:
	case <-session.done:
		_ = conn.Close()
		return
	}

	go client.ReadPump()
	go client.WritePump()
}

// ReadPump pumps operations from the websocket into the store
func (c *Client) ReadPump() {
	logger := slogging.Get()
	defer func() {
		select {
		case c.Session.Unregister <- c:
		case <-c.Session.done:
		}
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512 * 1024)
	_ = c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		_ = c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket error for user %s: %v", c.UserID, err)
			}
			break
		}
		messagesTotal.Inc()
		c.Session.handleClientMessage(c, message)
	}
}

// WritePump pumps broadcast messages to the websocket
func (c *Client) WritePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages
			n := len(c.Send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
