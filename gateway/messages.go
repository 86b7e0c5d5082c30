package gateway

import (
	"encoding/json"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
)

// ClientMessage is an inbound operation from a websocket client
type ClientMessage struct {
	// Op is one of create, create_batch, update, update_batch, delete,
	// delete_batch, cursor
	Op string `json:"op"`
	// SessionID is the client engine's attachment identity; writes are
	// tagged with it so other clients can recognize their own echoes
	SessionID string `json:"sessionId,omitempty"`

	Shape  *canvas.Shape  `json:"shape,omitempty"`
	Shapes []canvas.Shape `json:"shapes,omitempty"`

	ShapeID string                    `json:"shapeId,omitempty"`
	Props   map[string]any            `json:"props,omitempty"`
	Updates map[string]map[string]any `json:"updates,omitempty"`

	ShapeIDs []string `json:"shapeIds,omitempty"`

	Cursor *canvas.Cursor `json:"cursor,omitempty"`
}

// ServerMessage is an outbound state snapshot or lifecycle event
type ServerMessage struct {
	// Event is one of shapes, cursors, presence, join, leave
	Event     string          `json:"event"`
	UserID    string          `json:"userId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

func marshalServerMessage(event, userID string, data any) ([]byte, error) {
	msg := ServerMessage{
		Event:     event,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
