// Package timing reconciles independently timed animated sources onto one output timeline.
// All durations are in ticks of 1/100 second.
package timing

import (
	"fmt"
	"math"

	"github.com/ivlev/animcompose/internal/model"
)

// TicksPerSecond is the resolution of frame delays.
const TicksPerSecond = 100

// Source is the frame timing of one animated layer.
type Source struct {
	ID     string
	Delays []int
}

func (s Source) FrameCount() int { return len(s.Delays) }

// Duration is the sum of the frame delays.
func (s Source) Duration() int {
	total := 0
	for _, d := range s.Delays {
		total += max(d, 0)
	}
	return total
}

// MeanDelay is the representative delay, floored and at least one tick.
func (s Source) MeanDelay() int {
	if len(s.Delays) == 0 {
		return 1
	}
	return max(1, s.Duration()/len(s.Delays))
}

// UniformSource builds a source of n frames sharing one delay.
func UniformSource(id string, n, delay int) Source {
	d := make([]int, n)
	for i := range d {
		d[i] = delay
	}
	return Source{ID: id, Delays: d}
}

// Window is an inclusive range of output frame indices.
type Window struct {
	Start, End int
}

func (w Window) Len() int { return w.End - w.Start + 1 }

// Plan maps output frames to source frames.
type Plan struct {
	Sources        []Source
	OutputDelay    int
	OutputDuration int
	// TotalFrames is the untrimmed output length.
	TotalFrames int
	Window      Window
	Trimmed     bool
}

// Reconcile derives the common output timeline. ranges are the non-default timeline
// windows of the request; when any is present the output is trimmed to
// [min(start), max(end)] of the total.
func Reconcile(sources []Source, ranges []model.TimelineRange) (*Plan, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no animated sources to reconcile")
	}

	p := &Plan{Sources: sources, OutputDelay: math.MaxInt}
	for _, s := range sources {
		if s.FrameCount() == 0 {
			return nil, fmt.Errorf("source %s has no frames", s.ID)
		}
		p.OutputDuration = max(p.OutputDuration, s.Duration())
		p.OutputDelay = min(p.OutputDelay, s.MeanDelay())
	}
	if p.OutputDuration <= 0 {
		p.OutputDuration = p.OutputDelay
	}
	p.TotalFrames = ceilDiv(p.OutputDuration, p.OutputDelay)
	p.Window = Window{Start: 0, End: p.TotalFrames - 1}

	active := make([]model.TimelineRange, 0, len(ranges))
	for _, r := range ranges {
		if !r.IsDefault() {
			active = append(active, r.Normalize())
		}
	}
	if len(active) > 0 {
		lo, hi := 100.0, 0.0
		for _, r := range active {
			lo = math.Min(lo, r.Start)
			hi = math.Max(hi, r.End)
		}
		p.Window = TrimWindow(p.TotalFrames, lo, hi)
		p.Trimmed = true
	}
	return p, nil
}

// TrimWindow converts a percentage window into an inclusive frame range of total frames.
func TrimWindow(total int, startPct, endPct float64) Window {
	start := int(math.Round(startPct / 100 * float64(total)))
	end := int(math.Round(endPct/100*float64(total))) - 1
	start = max(0, min(start, total-1))
	end = max(start, min(end, total-1))
	return Window{Start: start, End: end}
}

// FrameCount is the number of frames actually emitted.
func (p *Plan) FrameCount() int { return p.Window.Len() }

// Absolute maps an emitted frame index (renumbered from zero) to the untrimmed output index.
func (p *Plan) Absolute(i int) int { return p.Window.Start + i }

// SourceFrame returns the frame of source i shown at absolute output frame f.
// Sources loop; frames are spaced evenly over the source duration.
func (p *Plan) SourceFrame(i, f int) int {
	s := p.Sources[i]
	n := s.FrameCount()
	dur := s.Duration()
	if n <= 1 || dur <= 0 {
		return 0
	}
	local := (f * p.OutputDelay) % dur
	return min(local*n/dur, n-1)
}

// SourceProgress is the position of source i's shown frame in percent of its own
// untrimmed frame count.
func (p *Plan) SourceProgress(i, f int) float64 {
	n := p.Sources[i].FrameCount()
	if n <= 1 {
		return 0
	}
	return float64(p.SourceFrame(i, f)) / float64(n-1) * 100
}

// OutputProgress is the position of absolute output frame f in percent of the untrimmed output.
func (p *Plan) OutputProgress(f int) float64 {
	if p.TotalFrames <= 1 {
		return 0
	}
	return float64(f) / float64(p.TotalFrames-1) * 100
}

// FrameRate is the output rate as an ffmpeg rational, e.g. "100/4".
func (p *Plan) FrameRate() string {
	return fmt.Sprintf("%d/%d", TicksPerSecond, p.OutputDelay)
}

// Seconds is the emitted duration.
func (p *Plan) Seconds() float64 {
	return float64(p.FrameCount()*p.OutputDelay) / TicksPerSecond
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
