// Package toolchain is the boundary to the external media transcoding tools.
// The engine only issues and sequences these capability calls; all pixel decode,
// encode, resampling and palette work happens behind this interface.
package toolchain

import (
	"context"
	"errors"
	"image"

	"github.com/ivlev/animcompose/internal/geometry"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/timing"
)

// IntermediateExt is the container used for normalized per-layer animations
// (lossless png frames with alpha).
const IntermediateExt = ".mov"

// ErrOptimizerUnavailable is returned by Optimize when no size optimizer is installed.
var ErrOptimizerUnavailable = errors.New("size optimizer not available")

// MediaInfo is what a probe learns about an animated source.
type MediaInfo struct {
	Width, Height int
	// Delays holds one entry per frame, in 1/100 s ticks.
	Delays []int
	Size   int64
}

func (m *MediaInfo) FrameCount() int { return len(m.Delays) }

// Timing converts the probe into a timing source.
func (m *MediaInfo) Timing(id string) timing.Source {
	return timing.Source{ID: id, Delays: m.Delays}
}

// NormalizeJob scales/crops/pads a source to its target box, applies the corner mask,
// and retimes it to a uniform delay spanning the source's own duration.
type NormalizeJob struct {
	Input     string
	Output    string
	Placement *geometry.Placement
	Info      *MediaInfo
}

// ClipJob crops a normalized animation to an ancestor clip and applies the clip's mask.
type ClipJob struct {
	Input  string
	Output string
	Clip   geometry.ClipStep
	Size   int64
}

// Layer is one input of a canvas composition, already in stacking order.
type Layer struct {
	Path string
	// Animated layers loop and are resampled to the output rate; stills are held.
	Animated bool
	// Source indexes Plan.Sources for animated layers.
	Source int
	At     image.Point
	// Spans are the absolute output frames during which the layer shows;
	// nil means every frame.
	Spans []timing.Window
}

// FlattenJob merges canvas-sized stills into one still, bottom to top.
type FlattenJob struct {
	Canvas     image.Point
	Background *model.Color
	Stills     []string
	Output     string
}

// GraphJob composes every output frame in a single declarative graph.
type GraphJob struct {
	Canvas     image.Point
	Background *model.Color
	Layers     []Layer
	Plan       *timing.Plan
	Dither     string
	Output     string
}

// Placed is a frame file positioned on the canvas.
type Placed struct {
	Path string
	At   image.Point
}

// FrameJob composes a single output frame from already-selected frame files.
type FrameJob struct {
	Canvas     image.Point
	Background *model.Color
	Inputs     []Placed
	Output     string
}

// SequenceJob encodes a directory of numbered frames into the final animation.
type SequenceJob struct {
	// Pattern is a printf-style path such as dir/%05d.png, numbered from zero.
	Pattern   string
	Count     int
	FrameRate string
	Dither    string
	Output    string
}

// Toolchain is the set of capabilities the engine depends on.
type Toolchain interface {
	// Check locates required tools; it fails with errs.ToolchainUnavailable.
	Check(ctx context.Context) error
	// SupportsGraph is a cheap probe for single-graph composition support.
	SupportsGraph(ctx context.Context) bool

	Probe(ctx context.Context, path string) (*MediaInfo, error)
	Normalize(ctx context.Context, job NormalizeJob) error
	Clip(ctx context.Context, job ClipJob) error
	Flatten(ctx context.Context, job FlattenJob) error
	ComposeGraph(ctx context.Context, job GraphJob) error
	// ExtractFrames writes every frame of input as dir/%05d.png numbered from zero
	// and returns the frame count.
	ExtractFrames(ctx context.Context, input, dir string) (int, error)
	ComposeFrame(ctx context.Context, job FrameJob) error
	EncodeSequence(ctx context.Context, job SequenceJob) error
	// Optimize shrinks an encoded animation in place.
	Optimize(ctx context.Context, path string) error
}
