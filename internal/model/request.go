// Package model holds the composition request and result types.
package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/ivlev/animcompose/internal/errs"
)

type ScaleMode string

const (
	ScaleFill ScaleMode = "FILL"
	ScaleFit  ScaleMode = "FIT"
	ScaleCrop ScaleMode = "CROP"
)

// Transform is a 2x3 affine matrix [[a c tx] [b d ty]].
type Transform [2][3]float64

func (t Transform) A() float64  { return t[0][0] }
func (t Transform) D() float64  { return t[1][1] }
func (t Transform) TX() float64 { return t[0][2] }
func (t Transform) TY() float64 { return t[1][2] }

type ImageFillInfo struct {
	ScaleMode ScaleMode  `json:"scaleMode" yaml:"scale_mode"`
	Transform *Transform `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Rect is an absolute canvas rectangle.
type Rect struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	W float64 `json:"w" yaml:"w"`
	H float64 `json:"h" yaml:"h"`
}

// Clip is the visible area inherited from an ancestor element.
type Clip struct {
	Rect   Rect    `json:"rect" yaml:"rect"`
	Radius float64 `json:"radius" yaml:"radius"`
}

// SourceHints are only used to locate the source file, never as identity.
type SourceHints struct {
	CacheID  string            `json:"cacheId,omitempty" yaml:"cache_id,omitempty"`
	Filename string            `json:"filename,omitempty" yaml:"filename,omitempty"`
	Foreign  map[string]string `json:"foreign,omitempty" yaml:"foreign,omitempty"`
}

type AnimatedLayer struct {
	ID           string        `json:"id" yaml:"id"`
	Source       SourceHints   `json:"source" yaml:"source"`
	Bounds       Rect          `json:"bounds" yaml:"bounds"`
	CornerRadius float64       `json:"cornerRadius" yaml:"corner_radius"`
	Clip         *Clip         `json:"clip,omitempty" yaml:"clip,omitempty"`
	Fill         ImageFillInfo `json:"fill" yaml:"fill"`
	Z            int           `json:"z" yaml:"z"`
}

// StaticLayer is a raster already rendered at canvas resolution with its position baked in.
// Annotation layers share the type but are always drawn above animated layers.
type StaticLayer struct {
	ID     string
	Z      int
	Raster []byte
}

// TimelineRange is a visibility window in percent of the output duration.
type TimelineRange struct {
	Start float64 `json:"start" yaml:"start"`
	End   float64 `json:"end" yaml:"end"`
}

// FullRange is the default window: always visible.
var FullRange = TimelineRange{Start: 0, End: 100}

// Normalize clamps both ends into [0,100] and orders them.
func (r TimelineRange) Normalize() TimelineRange {
	s := math.Max(0, math.Min(100, r.Start))
	e := math.Max(0, math.Min(100, r.End))
	if s > e {
		s, e = e, s
	}
	return TimelineRange{Start: s, End: e}
}

func (r TimelineRange) IsDefault() bool {
	n := r.Normalize()
	return n.Start <= 0 && n.End >= 100
}

// Contains reports whether progress (0..100) falls inside the window.
func (r TimelineRange) Contains(progress float64) bool {
	n := r.Normalize()
	if n.Start <= 0 && n.End >= 100 {
		return true
	}
	return progress >= n.Start && progress <= n.End
}

// Color is a solid background.
type Color struct {
	R, G, B uint8
	Alpha   float64
}

func (c Color) Hex() string {
	return fmt.Sprintf("0x%02X%02X%02X", c.R, c.G, c.B)
}

type Size struct {
	W int `json:"width" yaml:"width"`
	H int `json:"height" yaml:"height"`
}

// ProgressSink receives monotonically non-decreasing percentages.
type ProgressSink interface {
	Report(percent int, message string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(percent int, message string)

func (f ProgressFunc) Report(percent int, message string) { f(percent, message) }

type CompositionRequest struct {
	FrameName   string
	Bottom      []byte
	Static      []StaticLayer
	Annotations []StaticLayer
	// LegacyTop is used only when Annotations is empty.
	LegacyTop  []byte
	Canvas     Size
	Background *Color
	Animated   []AnimatedLayer
	Timeline   map[string]TimelineRange
	Dither     string

	IsCancelled func() bool
	Progress    ProgressSink
}

// Range returns the normalized window for a layer id, FullRange when none was given.
func (r *CompositionRequest) Range(id string) TimelineRange {
	if tr, ok := r.Timeline[id]; ok {
		return tr.Normalize()
	}
	return FullRange
}

// HasTrims reports whether any layer carries a non-default window.
func (r *CompositionRequest) HasTrims() bool {
	for _, tr := range r.Timeline {
		if !tr.IsDefault() {
			return true
		}
	}
	return false
}

// ActiveRanges returns the non-default windows sorted by start.
func (r *CompositionRequest) ActiveRanges() []TimelineRange {
	var out []TimelineRange
	for _, tr := range r.Timeline {
		if !tr.IsDefault() {
			out = append(out, tr.Normalize())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// Validate checks structural invariants. Dither profiles are validated by the toolchain.
func (r *CompositionRequest) Validate() error {
	if r.Canvas.W <= 0 || r.Canvas.H <= 0 {
		return errs.InvalidRequest("canvas size %dx%d is not positive", r.Canvas.W, r.Canvas.H)
	}
	if len(r.Animated) == 0 {
		return errs.InvalidRequest("request has no animated layers")
	}

	seen := make(map[int]string)
	claim := func(z int, id string) error {
		if other, ok := seen[z]; ok {
			return errs.InvalidRequest("z-index %d used by both %q and %q", z, other, id)
		}
		seen[z] = id
		return nil
	}
	for _, l := range r.Animated {
		if l.Bounds.W <= 0 || l.Bounds.H <= 0 {
			return errs.InvalidRequest("layer %q has empty bounds", l.ID)
		}
		switch l.Fill.ScaleMode {
		case ScaleFill, ScaleFit, ScaleCrop, "":
		default:
			return errs.InvalidRequest("layer %q has unknown scale mode %q", l.ID, l.Fill.ScaleMode)
		}
		if err := claim(l.Z, l.ID); err != nil {
			return err
		}
	}
	for _, l := range r.Static {
		if len(l.Raster) == 0 {
			return errs.InvalidRequest("static layer %q has no raster", l.ID)
		}
		if err := claim(l.Z, l.ID); err != nil {
			return err
		}
	}

	annotations := make(map[int]string)
	for _, l := range r.Annotations {
		if len(l.Raster) == 0 {
			return errs.InvalidRequest("annotation layer %q has no raster", l.ID)
		}
		if other, ok := annotations[l.Z]; ok {
			return errs.InvalidRequest("annotation z-index %d used by both %q and %q", l.Z, other, l.ID)
		}
		annotations[l.Z] = l.ID
	}
	return nil
}

// Result describes the produced file.
type Result struct {
	Path     string `json:"path"`
	Filename string `json:"filename"`
	ByteSize int64  `json:"byteSize"`
	Skipped  bool   `json:"skipped"`
}
