package canvas

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// PropertyKind classifies how a property value is validated
type PropertyKind int

const (
	PropertyNumber PropertyKind = iota
	PropertyColor
	PropertyString
	PropertyEnum
)

// PropertyRule declares the validation constraints for one property
type PropertyRule struct {
	Kind   PropertyKind
	Min    float64
	Max    float64
	MaxLen int
	Values []string
}

// propertyRules is the closed set of patchable properties. Anything not
// listed here is rejected outright.
var propertyRules = map[string]PropertyRule{
	"x":           {Kind: PropertyNumber, Min: -100000, Max: 100000},
	"y":           {Kind: PropertyNumber, Min: -100000, Max: 100000},
	"width":       {Kind: PropertyNumber, Min: 1, Max: 3000},
	"height":      {Kind: PropertyNumber, Min: 1, Max: 3000},
	"rotation":    {Kind: PropertyNumber, Min: 0, Max: 360},
	"strokeWidth": {Kind: PropertyNumber, Min: 0, Max: 100},
	"fontSize":    {Kind: PropertyNumber, Min: 8, Max: 400},
	"fill":        {Kind: PropertyColor},
	"stroke":      {Kind: PropertyColor},
	"text":        {Kind: PropertyString, MaxLen: 5000},
	"fontFamily": {Kind: PropertyEnum, Values: []string{
		"Arial", "Helvetica", "Times New Roman", "Courier New", "Georgia", "Verdana",
	}},
	"fontStyle": {Kind: PropertyEnum, Values: []string{
		"normal", "bold", "italic", "bold italic",
	}},
	"textAlign": {Kind: PropertyEnum, Values: []string{
		"left", "center", "right",
	}},
}

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// PropertyValidator sanitizes untyped property writes before they reach
// shape state. It is the sole gate between external input and shape
// mutation: keys that fail validation are dropped, never defaulted.
type PropertyValidator struct{}

// NewPropertyValidator creates a new property validator instance
func NewPropertyValidator() *PropertyValidator {
	return &PropertyValidator{}
}

// Validate checks a single property write. It returns the sanitized
// value and true on success, or nil and false on rejection. It has no
// side effects and is safe to call redundantly.
func (v *PropertyValidator) Validate(name string, raw any) (any, bool) {
	rule, ok := propertyRules[name]
	if !ok {
		return nil, false
	}

	switch rule.Kind {
	case PropertyNumber:
		f, ok := toFloat(raw)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		// Out-of-range values are rejected, not clamped, and in-range
		// values are not rounded; rounding belongs to the caller.
		if f < rule.Min || f > rule.Max {
			return nil, false
		}
		return f, true

	case PropertyColor:
		s, ok := raw.(string)
		if !ok || !hexColorPattern.MatchString(s) {
			return nil, false
		}
		return s, true

	case PropertyString:
		s, ok := raw.(string)
		if !ok || len(s) > rule.MaxLen {
			return nil, false
		}
		return s, true

	case PropertyEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, false
		}
		for _, allowed := range rule.Values {
			if s == allowed {
				return s, true
			}
		}
		return nil, false
	}

	return nil, false
}

// ValidatePatch sanitizes an untyped property map into a typed patch.
// Each key is validated independently: invalid keys are dropped while
// the remaining valid keys still apply.
func (v *PropertyValidator) ValidatePatch(props map[string]any) ShapePatch {
	var patch ShapePatch

	for name, raw := range props {
		value, ok := v.Validate(name, raw)
		if !ok {
			continue
		}

		switch name {
		case "x":
			patch.X = floatPtr(value)
		case "y":
			patch.Y = floatPtr(value)
		case "width":
			patch.Width = floatPtr(value)
		case "height":
			patch.Height = floatPtr(value)
		case "rotation":
			patch.Rotation = floatPtr(value)
		case "strokeWidth":
			patch.StrokeWidth = floatPtr(value)
		case "fontSize":
			patch.FontSize = floatPtr(value)
		case "fill":
			patch.Fill = stringPtr(value)
		case "stroke":
			patch.Stroke = stringPtr(value)
		case "text":
			patch.Text = stringPtr(value)
		case "fontFamily":
			patch.FontFamily = stringPtr(value)
		case "fontStyle":
			patch.FontStyle = stringPtr(value)
		case "textAlign":
			patch.TextAlign = stringPtr(value)
		}
	}

	return patch
}

// toFloat applies standard floating-point parsing to the supported
// numeric representations an untyped write can arrive as.
func toFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func floatPtr(v any) *float64 {
	f := v.(float64)
	return &f
}

func stringPtr(v any) *string {
	s := v.(string)
	return &s
}
