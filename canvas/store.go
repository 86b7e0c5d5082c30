package canvas

import (
	"context"
	"errors"
	"time"
)

// ErrShapeNotFound is returned when an operation references a shape id
// that is not present in local state.
var ErrShapeNotFound = errors.New("shape not found")

// Cursor is ephemeral per-user pointer state
type Cursor struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Presence is a per-user online/offline record with a last-activity timestamp
type Presence struct {
	Name     string    `json:"name"`
	Photo    string    `json:"photo,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Settings holds per-canvas display settings
type Settings struct {
	BackgroundColor string `json:"backgroundColor"`
}

// HistoryEntry is an explicit named snapshot of the whole canvas,
// written wholesale and restored wholesale.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SavedBy     string    `json:"savedBy"`
	SavedByName string    `json:"savedByName"`
	SavedAt     time.Time `json:"savedAt"`
	Shapes      []Shape   `json:"shapes"`
	Settings    Settings  `json:"settings"`
}

// WriteMeta tags a remote write with its origin. The store stamps it
// onto the stored record alongside a server-assigned update timestamp.
type WriteMeta struct {
	SessionID string
	UserID    string
}

// ShapeStore is the durable home of canvas shapes. Subscriptions
// deliver whole-canvas snapshots on a channel; the channel is closed
// when the context is cancelled. Delivery is at-least-once and not
// necessarily ordered across write origins.
type ShapeStore interface {
	CreateShape(ctx context.Context, canvasID string, shape Shape) error
	CreateShapes(ctx context.Context, canvasID string, shapes []Shape) error
	UpdateShape(ctx context.Context, canvasID, shapeID string, patch ShapePatch, meta WriteMeta) error
	UpdateShapes(ctx context.Context, canvasID string, patches map[string]ShapePatch, meta WriteMeta) error
	DeleteShape(ctx context.Context, canvasID, shapeID string) error
	DeleteShapes(ctx context.Context, canvasID string, shapeIDs []string) error
	ListShapes(ctx context.Context, canvasID string) ([]Shape, error)
	SubscribeShapes(ctx context.Context, canvasID string) (<-chan []Shape, error)
}

// CursorStore holds ephemeral per-user cursor records keyed by user id
type CursorStore interface {
	SetCursor(ctx context.Context, canvasID, userID string, cursor Cursor) error
	RemoveCursor(ctx context.Context, canvasID, userID string) error
	SubscribeCursors(ctx context.Context, canvasID string) (<-chan map[string]Cursor, error)
}

// DisconnectHandle represents a registered disconnect-triggered
// presence transition. Cancel revokes it; this must happen before a
// deliberate sign-out so a stale disconnect cannot later overwrite it.
type DisconnectHandle interface {
	Cancel(ctx context.Context) error
}

// PresenceStore holds per-user online/offline records. The disconnect
// registration guarantees presence flips to offline on ungraceful
// termination without any client-side shutdown code running.
type PresenceStore interface {
	SetPresence(ctx context.Context, canvasID, userID string, presence Presence) error
	RemovePresence(ctx context.Context, canvasID, userID string) error
	RegisterDisconnect(ctx context.Context, canvasID, userID string) (DisconnectHandle, error)
	SubscribePresence(ctx context.Context, canvasID string) (<-chan map[string]Presence, error)
}

// SettingsStore holds per-canvas settings
type SettingsStore interface {
	GetSettings(ctx context.Context, canvasID string) (Settings, error)
	SetSettings(ctx context.Context, canvasID string, settings Settings) error
}

// HistoryStore holds named whole-canvas snapshots
type HistoryStore interface {
	SaveHistory(ctx context.Context, canvasID string, entry HistoryEntry) error
	GetHistory(ctx context.Context, canvasID, historyID string) (HistoryEntry, error)
	ListHistory(ctx context.Context, canvasID string) ([]HistoryEntry, error)
	DeleteHistory(ctx context.Context, canvasID, historyID string) error
}

// RemoteStore is the full backend surface the engine consumes
type RemoteStore interface {
	ShapeStore
	CursorStore
	PresenceStore
	SettingsStore
	HistoryStore
}
