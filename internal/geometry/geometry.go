// Package geometry resolves where and how an animated layer lands on the canvas:
// scale/crop, corner rounding and ancestor clipping. It performs no I/O.
package geometry

import (
	"fmt"
	"image"
	"math"

	"github.com/ivlev/animcompose/internal/model"
)

// Placement is the fully resolved geometry of one animated layer.
type Placement struct {
	// Target is the layer's own box on the canvas before clipping.
	Target image.Rectangle
	// Scaled is the size the source is resampled to.
	Scaled image.Point
	// Crop selects the Target-sized window out of the scaled source (FILL, CROP).
	Crop image.Rectangle
	// Pad is the offset of the scaled source inside the Target box (FIT).
	Pad image.Point
	Fit bool
	// Radius of the rounded mask applied at Target size; 0 means none.
	Radius float64

	// Clip is set when an ancestor clip shrinks the layer.
	Clip *ClipStep
	// Bounds is the final position on the canvas.
	Bounds image.Rectangle
	// Empty layers contribute nothing to any frame.
	Empty bool
}

// ClipStep crops the Target-sized animation down to the clip intersection.
type ClipStep struct {
	// Crop is relative to the Target box origin.
	Crop   image.Rectangle
	Radius float64
}

// TargetSize is the size of the per-layer intermediate cached on disk.
func (p *Placement) TargetSize() image.Point {
	return p.Target.Size()
}

func (p *Placement) String() string {
	if p.Empty {
		return "empty"
	}
	s := fmt.Sprintf("target=%v scaled=%v", p.Target, p.Scaled)
	if p.Fit {
		s += fmt.Sprintf(" pad=%v", p.Pad)
	} else {
		s += fmt.Sprintf(" crop=%v", p.Crop)
	}
	if p.Radius > 0 {
		s += fmt.Sprintf(" radius=%.1f", p.Radius)
	}
	if p.Clip != nil {
		s += fmt.Sprintf(" clip=%v r=%.1f", p.Clip.Crop, p.Clip.Radius)
	}
	return s + fmt.Sprintf(" bounds=%v", p.Bounds)
}

// Resolve computes the placement of layer for a source of srcW x srcH pixels.
func Resolve(layer model.AnimatedLayer, srcW, srcH int) (*Placement, error) {
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("layer %s: source size %dx%d is not positive", layer.ID, srcW, srcH)
	}
	target := toPixels(layer.Bounds)
	if target.Empty() {
		return &Placement{Target: target, Empty: true}, nil
	}
	tw, th := target.Dx(), target.Dy()

	p := &Placement{Target: target, Bounds: target}
	switch layer.Fill.ScaleMode {
	case model.ScaleFit:
		p.resolveFit(srcW, srcH, tw, th)
	case model.ScaleCrop:
		p.resolveCrop(layer.Fill.Transform, srcW, srcH, tw, th)
	default:
		p.resolveFill(layer.Fill.Transform, srcW, srcH, tw, th)
	}

	p.Radius = clampRadius(layer.CornerRadius, tw, th)

	if layer.Clip != nil {
		clip := toPixels(layer.Clip.Rect)
		inter := target.Intersect(clip)
		if inter.Empty() {
			p.Empty = true
			p.Bounds = image.Rectangle{}
			return p, nil
		}
		if inter != target || layer.Clip.Radius > 0 {
			p.Clip = &ClipStep{
				Crop:   inter.Sub(target.Min),
				Radius: clampRadius(layer.Clip.Radius, inter.Dx(), inter.Dy()),
			}
			p.Bounds = inter
		}
	}
	return p, nil
}

// resolveFit scales uniformly to fit and centers with transparent padding.
func (p *Placement) resolveFit(srcW, srcH, tw, th int) {
	s := math.Min(float64(tw)/float64(srcW), float64(th)/float64(srcH))
	sw := max(1, min(tw, int(math.Round(float64(srcW)*s))))
	sh := max(1, min(th, int(math.Round(float64(srcH)*s))))
	p.Fit = true
	p.Scaled = image.Pt(sw, sh)
	p.Pad = image.Pt((tw-sw)/2, (th-sh)/2)
	p.Crop = image.Rect(0, 0, sw, sh)
}

// resolveCrop uses the transform as the visible fraction of the image: the image is
// scaled to target/(a,d) and the window starts at (tx,ty) times the scaled size.
func (p *Placement) resolveCrop(t *model.Transform, srcW, srcH, tw, th int) {
	if t == nil {
		p.resolveFill(nil, srcW, srcH, tw, th)
		return
	}
	a, d := nonZero(t.A()), nonZero(t.D())
	sw := max(tw, int(math.Round(float64(tw)/a)))
	sh := max(th, int(math.Round(float64(th)/d)))
	p.Scaled = image.Pt(sw, sh)
	x := clampOffset(t.TX()*float64(sw), sw-tw)
	y := clampOffset(t.TY()*float64(sh), sh-th)
	p.Crop = image.Rect(x, y, x+tw, y+th)
}

// resolveFill covers the target box, optionally zoomed by the transform's diagonal.
func (p *Placement) resolveFill(t *model.Transform, srcW, srcH, tw, th int) {
	s := math.Max(float64(tw)/float64(srcW), float64(th)/float64(srcH))
	fw, fh := float64(srcW)*s, float64(srcH)*s
	if t != nil {
		fw /= nonZero(t.A())
		fh /= nonZero(t.D())
	}
	sw := max(tw, int(math.Round(fw)))
	sh := max(th, int(math.Round(fh)))
	p.Scaled = image.Pt(sw, sh)

	var x, y int
	if t != nil && (t.TX() != 0 || t.TY() != 0) {
		x = clampOffset(t.TX()*float64(sw), sw-tw)
		y = clampOffset(t.TY()*float64(sh), sh-th)
	} else {
		x = (sw - tw) / 2
		y = (sh - th) / 2
	}
	p.Crop = image.Rect(x, y, x+tw, y+th)
}

func toPixels(r model.Rect) image.Rectangle {
	x := int(math.Round(r.X))
	y := int(math.Round(r.Y))
	return image.Rect(x, y, x+int(math.Round(r.W)), y+int(math.Round(r.H)))
}

func clampOffset(v float64, limit int) int {
	o := int(math.Round(v))
	if o < 0 {
		return 0
	}
	if limit < 0 {
		return 0
	}
	if o > limit {
		return limit
	}
	return o
}

// clampRadius limits the radius to half the smaller side.
func clampRadius(r float64, w, h int) float64 {
	if r <= 0 {
		return 0
	}
	return math.Min(r, float64(min(w, h))/2)
}

func nonZero(v float64) float64 {
	v = math.Abs(v)
	if v < 1e-6 {
		return 1
	}
	return v
}
