package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/davicaetano/collabcanvas/internal/slogging"
)

// opTimeout bounds each store write triggered by a client operation
const opTimeout = 10 * time.Second

var validator = canvas.NewPropertyValidator()

// handleClientMessage validates and applies one inbound operation.
// Malformed or unknown operations are logged and dropped; the client
// sees the outcome through the next snapshot broadcast.
func (s *CanvasSession) handleClientMessage(client *Client, raw []byte) {
	logger := slogging.Get()

	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.Warn("dropping malformed message from user %s: %v", client.UserID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	meta := canvas.WriteMeta{SessionID: msg.SessionID, UserID: client.UserID}

	var err error
	switch msg.Op {
	case "create":
		if msg.Shape == nil {
			return
		}
		shape := s.stampShape(canvas.NewShape(*msg.Shape), msg.SessionID, client.UserID)
		err = s.hub.store.CreateShape(ctx, s.CanvasID, shape)

	case "create_batch":
		shapes := make([]canvas.Shape, 0, len(msg.Shapes))
		for _, req := range msg.Shapes {
			shapes = append(shapes, s.stampShape(canvas.NewShape(req), msg.SessionID, client.UserID))
		}
		err = s.hub.store.CreateShapes(ctx, s.CanvasID, shapes)

	case "update":
		patch := validator.ValidatePatch(msg.Props)
		if patch.IsEmpty() {
			return
		}
		err = s.hub.store.UpdateShape(ctx, s.CanvasID, msg.ShapeID, patch, meta)

	case "update_batch":
		patches := make(map[string]canvas.ShapePatch, len(msg.Updates))
		for shapeID, props := range msg.Updates {
			patch := validator.ValidatePatch(props)
			if !patch.IsEmpty() {
				patches[shapeID] = patch
			}
		}
		if len(patches) == 0 {
			return
		}
		err = s.hub.store.UpdateShapes(ctx, s.CanvasID, patches, meta)

	case "delete":
		err = s.hub.store.DeleteShape(ctx, s.CanvasID, msg.ShapeID)

	case "delete_batch":
		err = s.hub.store.DeleteShapes(ctx, s.CanvasID, msg.ShapeIDs)

	case "cursor":
		if msg.Cursor == nil {
			return
		}
		cursor := *msg.Cursor
		cursor.UpdatedAt = time.Now().UTC()
		err = s.hub.store.SetCursor(ctx, s.CanvasID, client.UserID, cursor)

	default:
		logger.Warn("unknown operation %q from user %s", msg.Op, client.UserID)
		return
	}

	if err != nil {
		logger.Error("operation %s failed for user %s on canvas %s: %v", msg.Op, client.UserID, s.CanvasID, err)
	}
}

func (s *CanvasSession) stampShape(shape canvas.Shape, sessionID, userID string) canvas.Shape {
	now := time.Now().UTC()
	shape.SessionID = sessionID
	shape.CreatedBy = userID
	shape.UserID = userID
	if shape.CreatedAt.IsZero() {
		shape.CreatedAt = now
	}
	shape.UpdatedAt = now
	return shape
}
