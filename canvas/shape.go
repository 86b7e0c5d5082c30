package canvas

import (
	"time"

	"github.com/davicaetano/collabcanvas/internal/uuidgen"
)

// ShapeType identifies the kind of canvas object
type ShapeType string

const (
	ShapeRectangle ShapeType = "rectangle"
	ShapeCircle    ShapeType = "circle"
	ShapeText      ShapeType = "text"
)

// Default values applied at creation time when the caller leaves a
// field unset. The geometric fill matches the default tool color.
const (
	DefaultShapeSize   = 100.0
	DefaultShapeFill   = "#3B82F6"
	DefaultTextFill    = "#000000"
	DefaultStroke      = "#000000"
	DefaultStrokeWidth = 0.0
	DefaultFontSize    = 16.0
	DefaultFontFamily  = "Arial"
	DefaultFontStyle   = "normal"
	DefaultTextAlign   = "left"
)

// Shape is a single canvas object. Field names follow the wire schema
// shared with the remote store, so JSON tags are camelCase.
type Shape struct {
	ID       string    `json:"id"`
	Type     ShapeType `json:"type"`
	X        float64   `json:"x"`
	Y        float64   `json:"y"`
	Width    float64   `json:"width"`
	Height   float64   `json:"height"`
	Rotation float64   `json:"rotation"`

	Fill        string  `json:"fill"`
	Stroke      string  `json:"stroke"`
	StrokeWidth float64 `json:"strokeWidth"`

	// Text shapes only
	Text       string  `json:"text,omitempty"`
	FontSize   float64 `json:"fontSize,omitempty"`
	FontFamily string  `json:"fontFamily,omitempty"`
	FontStyle  string  `json:"fontStyle,omitempty"`
	TextAlign  string  `json:"textAlign,omitempty"`

	// Provenance. SessionID identifies the client attachment that
	// performed the most recent write; it is the correlation token the
	// reconciler uses to recognize echoes of this client's own writes.
	SessionID string    `json:"sessionId,omitempty"`
	CreatedBy string    `json:"createdBy,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// NewShape builds a shape from a creation request, assigning an id and
// filling unset fields with defaults. Circles use width as diameter.
func NewShape(req Shape) Shape {
	s := req
	if s.ID == "" {
		s.ID = uuidgen.NewShapeID()
	}
	if s.Type == "" {
		s.Type = ShapeRectangle
	}
	if s.Width <= 0 {
		s.Width = DefaultShapeSize
	}
	if s.Height <= 0 {
		s.Height = s.Width
	}
	if s.Type == ShapeCircle {
		s.Height = s.Width
	}
	if s.Stroke == "" {
		s.Stroke = DefaultStroke
	}
	if s.StrokeWidth < 0 {
		s.StrokeWidth = DefaultStrokeWidth
	}

	if s.Type == ShapeText {
		if s.Fill == "" {
			s.Fill = DefaultTextFill
		}
		if s.FontSize <= 0 {
			s.FontSize = DefaultFontSize
		}
		if s.FontFamily == "" {
			s.FontFamily = DefaultFontFamily
		}
		if s.FontStyle == "" {
			s.FontStyle = DefaultFontStyle
		}
		if s.TextAlign == "" {
			s.TextAlign = DefaultTextAlign
		}
		// Approximate glyph box when the caller gave no explicit size
		if req.Width <= 0 {
			s.Width = float64(len(s.Text)) * s.FontSize * 0.6
			if s.Width <= 0 {
				s.Width = DefaultShapeSize
			}
		}
		if req.Height <= 0 {
			s.Height = s.FontSize * 1.2
		}
	} else if s.Fill == "" {
		s.Fill = DefaultShapeFill
	}

	return s
}

// ShapePatch is the closed set of patchable shape fields. A nil field
// means "leave unchanged". Updates travel through this union instead of
// a string-keyed map, so an unknown property cannot reach a shape.
type ShapePatch struct {
	X           *float64 `json:"x,omitempty"`
	Y           *float64 `json:"y,omitempty"`
	Width       *float64 `json:"width,omitempty"`
	Height      *float64 `json:"height,omitempty"`
	Rotation    *float64 `json:"rotation,omitempty"`
	Fill        *string  `json:"fill,omitempty"`
	Stroke      *string  `json:"stroke,omitempty"`
	StrokeWidth *float64 `json:"strokeWidth,omitempty"`
	Text        *string  `json:"text,omitempty"`
	FontSize    *float64 `json:"fontSize,omitempty"`
	FontFamily  *string  `json:"fontFamily,omitempty"`
	FontStyle   *string  `json:"fontStyle,omitempty"`
	TextAlign   *string  `json:"textAlign,omitempty"`
}

// IsEmpty reports whether the patch changes nothing
func (p ShapePatch) IsEmpty() bool {
	return p.X == nil && p.Y == nil && p.Width == nil && p.Height == nil &&
		p.Rotation == nil && p.Fill == nil && p.Stroke == nil &&
		p.StrokeWidth == nil && p.Text == nil && p.FontSize == nil &&
		p.FontFamily == nil && p.FontStyle == nil && p.TextAlign == nil
}

// Apply merges the patch into the shape, field by field
func (p ShapePatch) Apply(s *Shape) {
	if p.X != nil {
		s.X = *p.X
	}
	if p.Y != nil {
		s.Y = *p.Y
	}
	if p.Width != nil {
		s.Width = *p.Width
	}
	if p.Height != nil {
		s.Height = *p.Height
	}
	if p.Rotation != nil {
		s.Rotation = *p.Rotation
	}
	if p.Fill != nil {
		s.Fill = *p.Fill
	}
	if p.Stroke != nil {
		s.Stroke = *p.Stroke
	}
	if p.StrokeWidth != nil {
		s.StrokeWidth = *p.StrokeWidth
	}
	if p.Text != nil {
		s.Text = *p.Text
	}
	if p.FontSize != nil {
		s.FontSize = *p.FontSize
	}
	if p.FontFamily != nil {
		s.FontFamily = *p.FontFamily
	}
	if p.FontStyle != nil {
		s.FontStyle = *p.FontStyle
	}
	if p.TextAlign != nil {
		s.TextAlign = *p.TextAlign
	}
}
