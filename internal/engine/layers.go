package engine

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/geometry"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/raster"
	"github.com/ivlev/animcompose/internal/source"
	"github.com/ivlev/animcompose/internal/timing"
	"github.com/ivlev/animcompose/internal/toolchain"
)

// animated is one animated layer after resolution, probing, geometry and normalization.
type animated struct {
	layer     *model.AnimatedLayer
	src       *source.Resolved
	info      *toolchain.MediaInfo
	placement *geometry.Placement
	// path is the fully geometry-resolved intermediate; empty for layers clipped away.
	path string
	// cachePath is the cache entry path was derived from.
	cachePath string
	cacheHit  bool
}

// entry is one layer of the canvas stack, bottom to top.
type entry struct {
	name string
	path string
	// anim indexes the request's animated layers, -1 for stills.
	anim int
	at   image.Point
	gate timing.Gate
}

func (e entry) still() bool { return e.anim < 0 }

func (c *composition) resolveSources(ctx context.Context) ([]*source.Resolved, error) {
	layers := c.req.Animated
	out := make([]*source.Resolved, len(layers))
	single := len(layers) == 1

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.e.parallelism)
	for i := range layers {
		g.Go(func() error {
			r, err := c.e.resolver.Resolve(gctx, &layers[i], single)
			if err != nil {
				return err
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// prepare probes every source, resolves its geometry and obtains the normalized
// (and, when an ancestor clip applies, clipped) intermediate.
func (c *composition) prepare(ctx context.Context, srcs []*source.Resolved) ([]*animated, error) {
	layers := c.req.Animated
	out := make([]*animated, len(layers))
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.e.parallelism)
	for i := range layers {
		g.Go(func() error {
			a, err := c.prepareOne(gctx, i, &layers[i], srcs[i])
			if err != nil {
				return err
			}
			out[i] = a

			c.mu.Lock()
			done++
			c.progress.span(10, 45, done, len(layers), fmt.Sprintf("prepared layer %s", layers[i].ID))
			c.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *composition) prepareOne(ctx context.Context, i int, l *model.AnimatedLayer, src *source.Resolved) (*animated, error) {
	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	info, err := c.e.tools.Probe(ctx, src.Path)
	if err != nil {
		return nil, err
	}
	p, err := geometry.Resolve(*l, info.Width, info.Height)
	if err != nil {
		return nil, err
	}
	a := &animated{layer: l, src: src, info: info, placement: p}
	c.log.Debug("layer geometry",
		zap.String("layer", l.ID), zap.Stringer("placement", p), zap.Int("frames", info.FrameCount()))
	if p.Empty {
		return a, nil
	}

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	ce, err := c.e.cache.Normalized(ctx, src, info, p, c.dither)
	if err != nil {
		return nil, err
	}
	a.path, a.cachePath, a.cacheHit = ce.Path, ce.Path, ce.Hit

	if p.Clip != nil {
		if err := c.checkpoint(ctx); err != nil {
			return nil, err
		}
		clipped := filepath.Join(c.work, fmt.Sprintf("clip_%02d%s", i, toolchain.IntermediateExt))
		job := toolchain.ClipJob{Input: a.path, Output: clipped, Clip: *p.Clip, Size: info.Size}
		if err := c.e.tools.Clip(ctx, job); err != nil {
			return nil, c.evictCorrupt(err, a)
		}
		a.path = clipped
	}
	return a, nil
}

// evictCorrupt deletes the cache entry a decode failure points at, so the next
// request normalizes that source again.
func (c *composition) evictCorrupt(err error, anims ...*animated) error {
	path := errs.CorruptPath(err)
	if path == "" {
		return err
	}
	for _, a := range anims {
		if a == nil || a.cachePath != path {
			continue
		}
		if rmErr := c.e.cache.Evict(a.src, a.placement, c.dither); rmErr != nil {
			c.log.Warn("could not remove corrupt cache entry", zap.String("path", path), zap.Error(rmErr))
			return err
		}
		c.log.Warn("removed corrupt cache entry", zap.String("layer", a.layer.ID), zap.String("path", path))
		return errs.CacheEvicted(err)
	}
	return err
}

// stack materializes the static rasters and orders every layer: bottom raster,
// static and animated layers by z, annotation layers by z, then the legacy top
// raster when no annotation layers were supplied.
func (c *composition) stack(anims []*animated) ([]entry, error) {
	req := c.req
	m := &raster.Materializer{
		Dir:    c.work,
		Canvas: image.Pt(req.Canvas.W, req.Canvas.H),
		DPI:    c.e.cfg.Render.PDFDPI,
	}
	always := timing.StaticGate(model.FullRange)

	var out []entry
	if len(req.Bottom) > 0 {
		p, err := m.Write("bottom", req.Bottom)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: "bottom", path: p, anim: -1, gate: always})
	}

	type zEntry struct {
		z int
		entry
	}
	var mid []zEntry
	for i, l := range req.Static {
		p, err := m.Write(fmt.Sprintf("static_%02d", i), l.Raster)
		if err != nil {
			return nil, err
		}
		mid = append(mid, zEntry{l.Z, entry{name: l.ID, path: p, anim: -1, gate: timing.StaticGate(req.Range(l.ID))}})
	}
	for i, a := range anims {
		if a.placement.Empty {
			continue
		}
		g := timing.Gate{Range: req.Range(a.layer.ID), Source: i}
		mid = append(mid, zEntry{a.layer.Z, entry{name: a.layer.ID, path: a.path, anim: i, at: a.placement.Bounds.Min, gate: g}})
	}
	sort.SliceStable(mid, func(i, j int) bool { return mid[i].z < mid[j].z })
	for _, z := range mid {
		out = append(out, z.entry)
	}

	notes := make([]model.StaticLayer, len(req.Annotations))
	copy(notes, req.Annotations)
	sort.SliceStable(notes, func(i, j int) bool { return notes[i].Z < notes[j].Z })
	for i, l := range notes {
		p, err := m.Write(fmt.Sprintf("annotation_%02d", i), l.Raster)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: l.ID, path: p, anim: -1, gate: timing.StaticGate(req.Range(l.ID))})
	}

	if len(req.Annotations) == 0 && len(req.LegacyTop) > 0 {
		p, err := m.Write("legacy_top", req.LegacyTop)
		if err != nil {
			return nil, err
		}
		out = append(out, entry{name: "legacy_top", path: p, anim: -1, gate: always})
	}
	return out, nil
}

// mergeStills flattens every run of consecutive stills that show on every
// emitted frame into a single raster. With one animated layer and no windows
// this leaves at most one raster below and one above it.
func (c *composition) mergeStills(ctx context.Context, plan *timing.Plan, stack []entry) ([]entry, error) {
	var out, run []entry
	merged := 0

	flush := func() error {
		defer func() { run = run[:0] }()
		if len(run) < 2 {
			out = append(out, run...)
			return nil
		}
		if err := c.checkpoint(ctx); err != nil {
			return err
		}
		stills := make([]string, len(run))
		for i, e := range run {
			stills[i] = e.path
		}
		path := filepath.Join(c.work, fmt.Sprintf("merged_%02d.png", merged))
		merged++
		job := toolchain.FlattenJob{
			Canvas: image.Pt(c.req.Canvas.W, c.req.Canvas.H),
			Stills: stills,
			Output: path,
		}
		if err := c.e.tools.Flatten(ctx, job); err != nil {
			return err
		}
		out = append(out, entry{name: fmt.Sprintf("merged_%02d", merged-1), path: path, anim: -1, gate: timing.StaticGate(model.FullRange)})
		return nil
	}

	for _, e := range stack {
		if e.still() && plan.AlwaysVisible(e.gate) {
			run = append(run, e)
			continue
		}
		if err := flush(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

// toolLayers converts the stack into toolchain layers with their visibility spans.
// Layers that never show inside the emitted window are dropped.
func toolLayers(plan *timing.Plan, stack []entry) []toolchain.Layer {
	out := make([]toolchain.Layer, 0, len(stack))
	for _, e := range stack {
		l := toolchain.Layer{Path: e.path, Animated: !e.still(), Source: max(e.anim, 0), At: e.at}
		if !plan.AlwaysVisible(e.gate) {
			l.Spans = plan.Spans(e.gate)
			if len(l.Spans) == 0 {
				continue
			}
		}
		out = append(out, l)
	}
	return out
}

// unconditionalLayers is toolLayers for the fast path, where no layer carries a window.
func unconditionalLayers(stack []entry) []toolchain.Layer {
	out := make([]toolchain.Layer, len(stack))
	for i, e := range stack {
		out[i] = toolchain.Layer{Path: e.path, Animated: !e.still(), Source: max(e.anim, 0), At: e.at}
	}
	return out
}
