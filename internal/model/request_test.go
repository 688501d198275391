package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ivlev/animcompose/internal/errs"
)

func TestTimelineRangeNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   TimelineRange
		want TimelineRange
	}{
		{"inside", TimelineRange{10, 90}, TimelineRange{10, 90}},
		{"clamped", TimelineRange{-20, 140}, TimelineRange{0, 100}},
		{"swapped", TimelineRange{80, 20}, TimelineRange{20, 80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}

func TestTimelineRangeContains(t *testing.T) {
	r := TimelineRange{Start: 25, End: 75}
	assert.False(t, r.Contains(24.9))
	assert.True(t, r.Contains(25))
	assert.True(t, r.Contains(75))
	assert.False(t, r.Contains(75.1))

	assert.True(t, FullRange.Contains(0))
	assert.True(t, FullRange.Contains(100))
	assert.True(t, TimelineRange{-5, 200}.IsDefault())
}

func TestRequestRangeAndTrims(t *testing.T) {
	req := &CompositionRequest{Timeline: map[string]TimelineRange{
		"a": {0, 100},
		"b": {30, 60},
	}}
	assert.True(t, req.HasTrims())
	assert.Equal(t, FullRange, req.Range("missing"))
	assert.Equal(t, []TimelineRange{{30, 60}}, req.ActiveRanges())

	req.Timeline = map[string]TimelineRange{"a": {0, 100}}
	assert.False(t, req.HasTrims())
}

func validRequest() *CompositionRequest {
	return &CompositionRequest{
		Canvas: Size{W: 200, H: 100},
		Animated: []AnimatedLayer{
			{ID: "1:1", Bounds: Rect{0, 0, 100, 100}, Fill: ImageFillInfo{ScaleMode: ScaleFill}, Z: 1},
		},
		Static: []StaticLayer{{ID: "1:2", Z: 0, Raster: []byte{1}}},
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, validRequest().Validate())

	dup := validRequest()
	dup.Static[0].Z = 1
	err := dup.Validate()
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
	assert.Contains(t, err.Error(), "z-index 1")

	noCanvas := validRequest()
	noCanvas.Canvas = Size{}
	assert.Error(t, noCanvas.Validate())

	badMode := validRequest()
	badMode.Animated[0].Fill.ScaleMode = "STRETCH"
	assert.Error(t, badMode.Validate())

	none := validRequest()
	none.Animated = nil
	assert.Error(t, none.Validate())
}

func TestAnnotationZIsSeparateNamespace(t *testing.T) {
	req := validRequest()
	req.Annotations = []StaticLayer{{ID: "n1", Z: 1, Raster: []byte{1}}}
	assert.NoError(t, req.Validate())

	req.Annotations = append(req.Annotations, StaticLayer{ID: "n2", Z: 1, Raster: []byte{1}})
	assert.Error(t, req.Validate())
}
