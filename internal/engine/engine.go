// Package engine runs composition requests: it reserves the output slot, prepares
// every animated layer, picks the single-layer fast path or the multi-layer
// synthesizer, and finalizes the output file.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/arbiter"
	"github.com/ivlev/animcompose/internal/config"
	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/metrics"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/source"
	"github.com/ivlev/animcompose/internal/system"
	"github.com/ivlev/animcompose/internal/timing"
	"github.com/ivlev/animcompose/internal/toolchain"
)

const (
	pathFast  = "fast"
	pathMulti = "multi"
)

type Engine struct {
	cfg      *config.Config
	tools    toolchain.Toolchain
	resolver *source.Resolver
	cache    *source.Cache
	arena    *arbiter.Arena
	log      *zap.Logger

	parallelism int
	// DisableFastPath sends single-layer requests through the synthesizer as well.
	DisableFastPath bool
	// PollInterval is how often the caller's cancellation predicate is polled
	// between checkpoints.
	PollInterval time.Duration
}

func New(cfg *config.Config, tools toolchain.Toolchain, resolver *source.Resolver, cache *source.Cache, arena *arbiter.Arena, log *zap.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		tools:        tools,
		resolver:     resolver,
		cache:        cache,
		arena:        arena,
		log:          log,
		parallelism:  system.Parallelism(cfg.Limits.Parallelism),
		PollInterval: 100 * time.Millisecond,
	}
}

// Preflight locates the toolchain before any request is accepted.
func (e *Engine) Preflight(ctx context.Context) error {
	return e.tools.Check(ctx)
}

// composition is the state of one request.
type composition struct {
	e        *Engine
	req      *model.CompositionRequest
	log      *zap.Logger
	dither   string
	work     string
	progress *progress
	cancel   context.CancelCauseFunc

	mu sync.Mutex
}

// checkpoint polls the caller's predicate and reports the cancellation cause.
func (c *composition) checkpoint(ctx context.Context) error {
	if c.req.IsCancelled != nil && c.req.IsCancelled() {
		c.cancel(errs.Cancelled(nil))
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// Compose runs one request to completion. A cancelled request returns an error
// matching errs.ErrCancelled and leaves no output file behind.
func (e *Engine) Compose(ctx context.Context, req *model.CompositionRequest) (res *model.Result, err error) {
	start := time.Now()
	id := uuid.NewString()
	log := e.log.With(zap.String("request", id), zap.String("frame", req.FrameName))
	path := pathMulti

	defer func() {
		outcome := "ok"
		switch {
		case errs.IsCancelled(err):
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
		case res != nil && res.Skipped:
			outcome = "skipped"
		}
		metrics.Compositions.WithLabelValues(path, outcome).Inc()
		metrics.CompositionDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
		if err != nil && !errs.IsCancelled(err) {
			log.Error("composition failed", zap.Error(err), zap.String("hint", errs.HintOf(err)))
		}
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	dither := req.Dither
	if dither == "" {
		dither = e.cfg.Render.DefaultDither
	}
	if _, err := toolchain.DitherMode(dither); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d := e.cfg.Limits.RequestTimeout; d > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, d, errs.OperationTimeout("composition request", nil))
		defer stop()
	}
	stopWatch := watchCancellation(ctx, req.IsCancelled, cancel, e.PollInterval)
	defer stopWatch()

	c := &composition{
		e:        e,
		req:      req,
		log:      log,
		dither:   dither,
		progress: newProgress(req.Progress),
		cancel:   cancel,
	}
	if len(req.Animated) == 1 && !req.HasTrims() && !e.DisableFastPath {
		path = pathFast
	}

	res, err = c.run(ctx, path == pathFast)
	if err != nil && ctx.Err() != nil {
		// A killed subprocess reports its own failure; the context holds the real reason.
		err = contextErr(ctx)
	}
	return res, err
}

func (c *composition) run(ctx context.Context, fast bool) (*model.Result, error) {
	e, req := c.e, c.req

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	prefix := arbiter.SanitizePrefix(req.FrameName, e.cfg.Output.DefaultPrefix)
	resv, err := e.arena.Reserve(e.cfg.Output.Dir, prefix, e.cfg.Output.Extension)
	if err != nil {
		return nil, classify("reserve output", err)
	}
	defer e.arena.Release(resv)
	c.log.Info("output reserved", zap.String("file", resv.Filename), zap.Bool("fast_path", fast))
	c.progress.report(2, "output reserved")

	if err := os.MkdirAll(e.cfg.Work.Dir, 0755); err != nil {
		return nil, classify("create work dir", err)
	}
	c.work, err = os.MkdirTemp(e.cfg.Work.Dir, "animcompose-")
	if err != nil {
		return nil, classify("create work dir", err)
	}
	defer func() {
		if err := os.RemoveAll(c.work); err != nil {
			c.log.Debug("work dir cleanup failed", zap.String("dir", c.work), zap.Error(err))
		}
	}()

	srcs, err := c.resolveSources(ctx)
	if err != nil {
		return nil, err
	}
	c.progress.report(8, "sources resolved")

	stamps := make([]model.SourceStamp, len(srcs))
	for i, s := range srcs {
		stamps[i] = model.SourceStamp{Path: s.Path, Size: s.Size, ModTime: s.ModTime}
	}
	fingerprint := model.Fingerprint(req, c.dither, stamps)
	if prior, ok := e.arena.Produced(resv.Dir, fingerprint); ok {
		c.log.Info("identical request already produced", zap.String("path", prior))
		res, err := resultFor(prior, true)
		if err != nil {
			return nil, classify("stat output", err)
		}
		c.progress.finish("already produced")
		return res, nil
	}

	anims, err := c.prepare(ctx, srcs)
	if err != nil {
		return nil, err
	}

	sources := make([]timing.Source, len(anims))
	for i, a := range anims {
		sources[i] = a.info.Timing(a.layer.ID)
	}
	plan, err := timing.Reconcile(sources, req.ActiveRanges())
	if err != nil {
		return nil, classify("reconcile timing", err)
	}
	c.log.Info("timeline",
		zap.Int("output_delay", plan.OutputDelay),
		zap.Int("total_frames", plan.TotalFrames),
		zap.Int("emitted_frames", plan.FrameCount()),
		zap.Bool("trimmed", plan.Trimmed))

	stack, err := c.stack(anims)
	if err != nil {
		return nil, err
	}
	c.progress.report(48, "rasters ready")

	stack, err = c.mergeStills(ctx, plan, stack)
	if err != nil {
		return nil, classify("merge stills", err)
	}
	c.progress.report(52, "layers merged")

	output := filepath.Join(c.work, "composed."+e.cfg.Output.Extension)
	job := toolchain.GraphJob{
		Canvas:     image.Pt(req.Canvas.W, req.Canvas.H),
		Background: req.Background,
		Plan:       plan,
		Dither:     c.dither,
		Output:     output,
	}
	if fast {
		job.Layers = unconditionalLayers(stack)
	} else {
		job.Layers = toolLayers(plan, stack)
	}

	strategy, err := c.synthesize(ctx, c.strategies(ctx), job)
	if err != nil {
		return nil, classify("synthesize", c.evictCorrupt(err, anims...))
	}
	c.log.Info("composed", zap.String("strategy", strategy), zap.Int("layers", len(job.Layers)))
	c.progress.report(92, "encoded")

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	if err := e.tools.Optimize(ctx, output); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		if !errors.Is(err, toolchain.ErrOptimizerUnavailable) {
			c.log.Warn("size optimization failed", zap.Error(err))
		}
	}
	c.progress.report(96, "optimized")

	if err := c.checkpoint(ctx); err != nil {
		return nil, err
	}
	if e.arena.Exists(resv.Path) {
		c.log.Info("output appeared while composing", zap.String("path", resv.Path))
		res, err := resultFor(resv.Path, true)
		if err != nil {
			return nil, classify("stat output", err)
		}
		c.progress.finish("already produced")
		return res, nil
	}
	if err := moveFile(output, resv.Path); err != nil {
		return nil, classify("write output", err)
	}
	if err := e.arena.Commit(resv, fingerprint); err != nil {
		c.log.Warn("could not record request fingerprint", zap.Error(err))
	}

	res, err := resultFor(resv.Path, false)
	if err != nil {
		return nil, classify("stat output", err)
	}
	c.log.Info("output written", zap.String("path", res.Path), zap.Int64("bytes", res.ByteSize))
	c.progress.finish("done")
	return res, nil
}

func (c *composition) strategies(ctx context.Context) []Synthesizer {
	frames := &FrameSynthesizer{
		Tools:       c.e.tools,
		Dir:         filepath.Join(c.work, "frames"),
		Parallelism: c.e.parallelism,
		Batch:       c.e.cfg.Limits.FrameBatch,
		Check:       c.checkpoint,
		OnBatch: func(done, total int) {
			c.progress.span(55, 90, done, total, fmt.Sprintf("composed %d/%d frames", done, total))
		},
	}
	if !c.e.tools.SupportsGraph(ctx) {
		return []Synthesizer{frames}
	}
	return []Synthesizer{&GraphSynthesizer{Tools: c.e.tools}, frames}
}

// contextErr maps a done context onto the error taxonomy.
func contextErr(ctx context.Context) error {
	cause := context.Cause(ctx)
	switch {
	case errs.CodeOf(cause) != "":
		return cause
	case errors.Is(cause, context.Canceled):
		return errs.Cancelled(cause)
	case errors.Is(cause, context.DeadlineExceeded):
		return errs.OperationTimeout("composition request", cause)
	}
	return cause
}

func resultFor(path string, skipped bool) (*model.Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &model.Result{
		Path:     path,
		Filename: filepath.Base(path),
		ByteSize: fi.Size(),
		Skipped:  skipped,
	}, nil
}

// classify wraps errors that carry no taxonomy code.
func classify(stage string, err error) error {
	if errs.CodeOf(err) != "" {
		return err
	}
	return errs.CompositionFailed(stage, err)
}

// moveFile renames src to dst, copying through a temp file next to dst when
// they live on different filesystems. dst never holds partial content.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	os.Remove(src)
	return nil
}
