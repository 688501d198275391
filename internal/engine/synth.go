package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/metrics"
	"github.com/ivlev/animcompose/internal/timing"
	"github.com/ivlev/animcompose/internal/toolchain"
)

// Synthesizer renders every emitted frame of a composition into job.Output.
// Implementations must be observably interchangeable.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, job toolchain.GraphJob) error
}

// GraphSynthesizer hands the whole timeline to the toolchain as one declarative graph.
type GraphSynthesizer struct {
	Tools toolchain.Toolchain
}

func (s *GraphSynthesizer) Name() string { return "graph" }

func (s *GraphSynthesizer) Synthesize(ctx context.Context, job toolchain.GraphJob) error {
	return s.Tools.ComposeGraph(ctx, job)
}

// FrameSynthesizer materializes every output frame into a numbered directory and
// re-encodes the directory.
type FrameSynthesizer struct {
	Tools       toolchain.Toolchain
	Dir         string
	Parallelism int
	Batch       int
	// Check runs before every batch; a non-nil error aborts synthesis.
	Check func(ctx context.Context) error
	// OnBatch observes composed/total frames.
	OnBatch func(done, total int)
}

func (s *FrameSynthesizer) Name() string { return "frames" }

func (s *FrameSynthesizer) Synthesize(ctx context.Context, job toolchain.GraphJob) error {
	plan := job.Plan

	dirs := make([]string, len(job.Layers))
	counts := make([]int, len(job.Layers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Parallelism))
	for i, l := range job.Layers {
		if !l.Animated {
			continue
		}
		dirs[i] = filepath.Join(s.Dir, fmt.Sprintf("layer_%02d", i))
		g.Go(func() error {
			n, err := s.Tools.ExtractFrames(gctx, l.Path, dirs[i])
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("no frames extracted from %s", filepath.Base(l.Path))
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	outDir := filepath.Join(s.Dir, "out")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}
	pattern := filepath.Join(outDir, "%05d.png")
	total := plan.FrameCount()
	batch := max(1, s.Batch)

	for start := 0; start < total; start += batch {
		if s.Check != nil {
			if err := s.Check(ctx); err != nil {
				return err
			}
		}
		end := min(start+batch, total)
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, s.Parallelism))
		for i := start; i < end; i++ {
			g.Go(func() error {
				return s.Tools.ComposeFrame(gctx, frameJob(job, plan, dirs, counts, i, fmt.Sprintf(pattern, i)))
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		if s.OnBatch != nil {
			s.OnBatch(end, total)
		}
	}

	if s.Check != nil {
		if err := s.Check(ctx); err != nil {
			return err
		}
	}
	return s.Tools.EncodeSequence(ctx, toolchain.SequenceJob{
		Pattern:   pattern,
		Count:     total,
		FrameRate: plan.FrameRate(),
		Dither:    job.Dither,
		Output:    job.Output,
	})
}

// frameJob selects, for emitted frame i, the visible layers and the source frame
// each animated layer shows.
func frameJob(job toolchain.GraphJob, plan *timing.Plan, dirs []string, counts []int, i int, output string) toolchain.FrameJob {
	f := plan.Absolute(i)
	fj := toolchain.FrameJob{Canvas: job.Canvas, Background: job.Background, Output: output}
	for li, l := range job.Layers {
		if !visibleAt(l.Spans, f) {
			continue
		}
		path := l.Path
		if l.Animated {
			idx := min(plan.SourceFrame(l.Source, f), counts[li]-1)
			path = filepath.Join(dirs[li], fmt.Sprintf("%05d.png", idx))
		}
		fj.Inputs = append(fj.Inputs, toolchain.Placed{Path: path, At: l.At})
	}
	return fj
}

func visibleAt(spans []timing.Window, f int) bool {
	if spans == nil {
		return true
	}
	for _, s := range spans {
		if f >= s.Start && f <= s.End {
			return true
		}
	}
	return false
}

// synthesize runs the strategies in order, demoting to the next one on any
// failure other than cancellation or the request deadline.
func (c *composition) synthesize(ctx context.Context, strategies []Synthesizer, job toolchain.GraphJob) (string, error) {
	var lastErr error
	for i, s := range strategies {
		if err := c.checkpoint(ctx); err != nil {
			return "", err
		}
		err := s.Synthesize(ctx, job)
		if err == nil {
			return s.Name(), nil
		}
		if ctx.Err() != nil {
			return "", context.Cause(ctx)
		}
		if errs.IsCancelled(err) {
			return "", err
		}
		os.Remove(job.Output)
		lastErr = err
		if i < len(strategies)-1 {
			metrics.SynthesisFallbacks.Inc()
			c.log.Warn("synthesis strategy failed, falling back",
				zap.String("strategy", s.Name()), zap.String("next", strategies[i+1].Name()), zap.Error(err))
		}
	}
	return "", lastErr
}
