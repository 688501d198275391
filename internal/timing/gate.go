package timing

import "github.com/ivlev/animcompose/internal/model"

// Gate is the visibility rule of one layer. Source is the index of the animated
// source the layer plays, or -1 for static layers, which are gated by output progress.
type Gate struct {
	Range  model.TimelineRange
	Source int
}

// StaticGate gates a layer by the output timeline.
func StaticGate(r model.TimelineRange) Gate { return Gate{Range: r, Source: -1} }

// Visible reports whether the layer shows at absolute output frame f.
func (p *Plan) Visible(g Gate, f int) bool {
	if g.Range.IsDefault() {
		return true
	}
	if g.Source >= 0 {
		return g.Range.Contains(p.SourceProgress(g.Source, f))
	}
	return g.Range.Contains(p.OutputProgress(f))
}

// Spans returns the runs of absolute output frames inside the emitted window
// during which the layer is visible.
func (p *Plan) Spans(g Gate) []Window {
	var spans []Window
	open := false
	for f := p.Window.Start; f <= p.Window.End; f++ {
		v := p.Visible(g, f)
		switch {
		case v && !open:
			spans = append(spans, Window{Start: f, End: f})
			open = true
		case v && open:
			spans[len(spans)-1].End = f
		case !v:
			open = false
		}
	}
	return spans
}

// AlwaysVisible reports whether the layer shows on every emitted frame.
func (p *Plan) AlwaysVisible(g Gate) bool {
	spans := p.Spans(g)
	return len(spans) == 1 && spans[0] == p.Window
}
