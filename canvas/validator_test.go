package canvas_test

import (
	"math"
	"testing"

	"github.com/davicaetano/collabcanvas/canvas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateNumericBoundaries(t *testing.T) {
	v := canvas.NewPropertyValidator()

	tests := []struct {
		name     string
		property string
		value    any
		want     float64
		ok       bool
	}{
		{"x at min", "x", -100000.0, -100000, true},
		{"x at max", "x", 100000.0, 100000, true},
		{"x below min", "x", -100000.1, 0, false},
		{"x above max", "x", 100000.1, 0, false},
		{"width at min", "width", 1.0, 1, true},
		{"width below min", "width", 0.5, 0, false},
		{"width at max", "width", 3000.0, 3000, true},
		{"width above max", "width", 3001.0, 0, false},
		{"rotation at min", "rotation", 0.0, 0, true},
		{"rotation at max", "rotation", 360.0, 360, true},
		{"rotation negative", "rotation", -1.0, 0, false},
		{"strokeWidth zero", "strokeWidth", 0.0, 0, true},
		{"strokeWidth above max", "strokeWidth", 101.0, 0, false},
		{"fontSize at min", "fontSize", 8.0, 8, true},
		{"fontSize below min", "fontSize", 7.9, 0, false},
		{"fontSize at max", "fontSize", 400.0, 400, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := v.Validate(tc.property, tc.value)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.want, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestValidateRejectsNonFiniteNumbers(t *testing.T) {
	v := canvas.NewPropertyValidator()

	for _, value := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, ok := v.Validate("x", value)
		assert.False(t, ok, "expected %v to be rejected", value)
	}
}

func TestValidateNumericCoercion(t *testing.T) {
	v := canvas.NewPropertyValidator()

	got, ok := v.Validate("x", 42)
	require.True(t, ok)
	assert.Equal(t, 42.0, got)

	got, ok = v.Validate("y", "17.5")
	require.True(t, ok)
	assert.Equal(t, 17.5, got)

	_, ok = v.Validate("x", "not a number")
	assert.False(t, ok)

	_, ok = v.Validate("x", true)
	assert.False(t, ok)
}

func TestValidateColors(t *testing.T) {
	v := canvas.NewPropertyValidator()

	for _, prop := range []string{"fill", "stroke"} {
		got, ok := v.Validate(prop, "#3B82F6")
		require.True(t, ok, prop)
		assert.Equal(t, "#3B82F6", got)

		_, ok = v.Validate(prop, "#fff")
		assert.False(t, ok, "short hex should be rejected")

		_, ok = v.Validate(prop, "red")
		assert.False(t, ok, "named colors should be rejected")

		_, ok = v.Validate(prop, "#GGGGGG")
		assert.False(t, ok, "non-hex digits should be rejected")

		_, ok = v.Validate(prop, 0xff0000)
		assert.False(t, ok, "numeric colors should be rejected")
	}
}

func TestValidateEnums(t *testing.T) {
	v := canvas.NewPropertyValidator()

	_, ok := v.Validate("fontFamily", "Arial")
	assert.True(t, ok)
	_, ok = v.Validate("fontFamily", "Comic Sans MS")
	assert.False(t, ok)

	_, ok = v.Validate("fontStyle", "bold italic")
	assert.True(t, ok)
	_, ok = v.Validate("fontStyle", "underline")
	assert.False(t, ok)

	_, ok = v.Validate("textAlign", "center")
	assert.True(t, ok)
	_, ok = v.Validate("textAlign", "justify")
	assert.False(t, ok)
}

func TestValidateText(t *testing.T) {
	v := canvas.NewPropertyValidator()

	long := make([]byte, 5000)
	for i := range long {
		long[i] = 'a'
	}

	_, ok := v.Validate("text", string(long))
	assert.True(t, ok, "text at the length limit should pass")

	_, ok = v.Validate("text", string(long)+"a")
	assert.False(t, ok, "text over the length limit should be rejected")

	got, ok := v.Validate("text", "")
	require.True(t, ok)
	assert.Equal(t, "", got)
}

func TestValidateUnknownProperty(t *testing.T) {
	v := canvas.NewPropertyValidator()

	_, ok := v.Validate("zIndex", 3)
	assert.False(t, ok)
	_, ok = v.Validate("", "anything")
	assert.False(t, ok)
}

func TestValidatePatchDropsInvalidKeysIndependently(t *testing.T) {
	v := canvas.NewPropertyValidator()

	patch := v.ValidatePatch(map[string]any{
		"x":        50.0,
		"y":        math.NaN(),
		"fill":     "#112233",
		"stroke":   "blue",
		"rotation": 720.0,
		"bogus":    "value",
	})

	require.NotNil(t, patch.X)
	assert.Equal(t, 50.0, *patch.X)
	require.NotNil(t, patch.Fill)
	assert.Equal(t, "#112233", *patch.Fill)

	assert.Nil(t, patch.Y, "NaN y should be dropped")
	assert.Nil(t, patch.Stroke, "invalid stroke should be dropped")
	assert.Nil(t, patch.Rotation, "out-of-range rotation should be dropped")
}

func TestValidatePatchEmpty(t *testing.T) {
	v := canvas.NewPropertyValidator()

	patch := v.ValidatePatch(map[string]any{"bogus": 1, "rotation": -5.0})
	assert.True(t, patch.IsEmpty())

	patch = v.ValidatePatch(nil)
	assert.True(t, patch.IsEmpty())
}
