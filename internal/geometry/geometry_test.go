package geometry

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivlev/animcompose/internal/model"
)

func layer(mode model.ScaleMode, bounds model.Rect) model.AnimatedLayer {
	return model.AnimatedLayer{ID: "L", Bounds: bounds, Fill: model.ImageFillInfo{ScaleMode: mode}}
}

func TestResolveFit(t *testing.T) {
	// 400x200 source into a 100x100 box: 100x50 centered vertically.
	p, err := Resolve(layer(model.ScaleFit, model.Rect{X: 10, Y: 20, W: 100, H: 100}), 400, 200)
	require.NoError(t, err)

	assert.True(t, p.Fit)
	assert.Equal(t, image.Pt(100, 50), p.Scaled)
	assert.Equal(t, image.Pt(0, 25), p.Pad)
	assert.Equal(t, image.Rect(10, 20, 110, 120), p.Bounds)
	assert.Equal(t, image.Pt(100, 100), p.TargetSize())
}

func TestResolveFillCentersCover(t *testing.T) {
	// 400x200 into 100x100: cover scale 0.5 -> 200x100, centered crop at x=50.
	p, err := Resolve(layer(model.ScaleFill, model.Rect{W: 100, H: 100}), 400, 200)
	require.NoError(t, err)

	assert.False(t, p.Fit)
	assert.Equal(t, image.Pt(200, 100), p.Scaled)
	assert.Equal(t, image.Rect(50, 0, 150, 100), p.Crop)
}

func TestResolveFillWithTransform(t *testing.T) {
	l := layer(model.ScaleFill, model.Rect{W: 100, H: 100})
	l.Fill.Transform = &model.Transform{{0.5, 0, 0.1}, {0, 0.5, 0.9}}

	p, err := Resolve(l, 100, 100)
	require.NoError(t, err)

	// cover 1.0, zoomed by 1/0.5 -> 200x200; offsets 20 and 180 clamped to 100.
	assert.Equal(t, image.Pt(200, 200), p.Scaled)
	assert.Equal(t, image.Rect(20, 100, 120, 200), p.Crop)
}

func TestResolveCrop(t *testing.T) {
	l := layer(model.ScaleCrop, model.Rect{W: 120, H: 80})
	l.Fill.Transform = &model.Transform{{0.5, 0, 0.25}, {0, 0.4, 0.5}}

	p, err := Resolve(l, 640, 480)
	require.NoError(t, err)

	assert.Equal(t, image.Pt(240, 200), p.Scaled)
	// offsets tx*240=60 and ty*200=100 both fall inside their clamp ranges.
	assert.Equal(t, image.Rect(60, 100, 180, 180), p.Crop)
}

func TestResolveCropNegativeOffsetClamped(t *testing.T) {
	l := layer(model.ScaleCrop, model.Rect{W: 100, H: 100})
	l.Fill.Transform = &model.Transform{{0.5, 0, -0.3}, {0, 0.5, 0}}

	p, err := Resolve(l, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Crop.Min.X)
}

func TestCornerRadiusClamped(t *testing.T) {
	l := layer(model.ScaleFill, model.Rect{W: 100, H: 40})
	l.CornerRadius = 64

	p, err := Resolve(l, 100, 40)
	require.NoError(t, err)
	assert.Equal(t, 20.0, p.Radius)
}

func TestAncestorClip(t *testing.T) {
	tests := []struct {
		name       string
		clip       model.Clip
		wantEmpty  bool
		wantBounds image.Rectangle
		wantCrop   image.Rectangle
		wantRadius float64
	}{
		{
			name:       "partial overlap shrinks bounds",
			clip:       model.Clip{Rect: model.Rect{X: 50, Y: 0, W: 200, H: 60}, Radius: 8},
			wantBounds: image.Rect(50, 10, 110, 60),
			wantCrop:   image.Rect(40, 0, 100, 50),
			wantRadius: 8,
		},
		{
			name:      "disjoint clip empties layer",
			clip:      model.Clip{Rect: model.Rect{X: 500, Y: 500, W: 10, H: 10}},
			wantEmpty: true,
		},
		{
			name:       "containing clip without radius is a no-op",
			clip:       model.Clip{Rect: model.Rect{X: 0, Y: 0, W: 1000, H: 1000}},
			wantBounds: image.Rect(10, 10, 110, 110),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := layer(model.ScaleFill, model.Rect{X: 10, Y: 10, W: 100, H: 100})
			clip := tt.clip
			l.Clip = &clip

			p, err := Resolve(l, 100, 100)
			require.NoError(t, err)

			assert.Equal(t, tt.wantEmpty, p.Empty)
			if tt.wantEmpty {
				return
			}
			assert.Equal(t, tt.wantBounds, p.Bounds)
			if tt.wantCrop.Empty() {
				assert.Nil(t, p.Clip)
				return
			}
			require.NotNil(t, p.Clip)
			assert.Equal(t, tt.wantCrop, p.Clip.Crop)
			assert.Equal(t, tt.wantRadius, p.Clip.Radius)
		})
	}
}

func TestResolveRejectsEmptySource(t *testing.T) {
	_, err := Resolve(layer(model.ScaleFit, model.Rect{W: 10, H: 10}), 0, 10)
	assert.Error(t, err)
}
