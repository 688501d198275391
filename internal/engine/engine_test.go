package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/arbiter"
	"github.com/ivlev/animcompose/internal/config"
	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/source"
	"github.com/ivlev/animcompose/internal/toolchain/toolchaintest"
)

const canvasW, canvasH = 12, 8

var (
	red   = color.NRGBA{R: 255, A: 255}
	green = color.NRGBA{G: 255, A: 255}
	blue  = color.NRGBA{B: 255, A: 255}
)

type fixture struct {
	cfg    *config.Config
	fake   *toolchaintest.Fake
	engine *Engine
	drop   string
}

func newFixture(t *testing.T, fake *toolchaintest.Fake) *fixture {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Output.Dir = filepath.Join(base, "out")
	cfg.Cache.Dir = filepath.Join(base, "cache")
	cfg.Work.Dir = filepath.Join(base, "work")
	cfg.Sources.DropDirs = []string{filepath.Join(base, "drop")}
	cfg.Limits.Parallelism = 4
	cfg.Limits.FrameBatch = 3
	cfg.Limits.RequestTimeout = 30 * time.Second
	require.NoError(t, os.MkdirAll(cfg.Sources.DropDirs[0], 0755))

	log := zap.NewNop()
	cache, err := source.NewCache(cfg.Cache.Dir, fake, log)
	require.NoError(t, err)
	resolver := source.NewResolver(nil, cfg.Sources.DropDirs, log)
	e := New(cfg, fake, resolver, cache, arbiter.NewArena(log), log)
	e.PollInterval = 5 * time.Millisecond

	return &fixture{cfg: cfg, fake: fake, engine: e, drop: cfg.Sources.DropDirs[0]}
}

func (f *fixture) addSource(t *testing.T, name string, a *toolchaintest.Anim) {
	t.Helper()
	require.NoError(t, toolchaintest.WriteAnim(filepath.Join(f.drop, name), a))
}

func (f *fixture) outputs(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.cfg.Output.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	return names
}

func delays(n, d int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = d
	}
	return out
}

// rasterPNG draws rect in c onto a transparent canvas-sized PNG.
func rasterPNG(t *testing.T, rect image.Rectangle, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, canvasW, canvasH))
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func animLayer(id, file string, bounds model.Rect, z int) model.AnimatedLayer {
	return model.AnimatedLayer{
		ID:     id,
		Source: model.SourceHints{Filename: file},
		Bounds: bounds,
		Fill:   model.ImageFillInfo{ScaleMode: model.ScaleFill},
		Z:      z,
	}
}

func singleLayerRequest(t *testing.T) *model.CompositionRequest {
	return &model.CompositionRequest{
		FrameName:  "Hero",
		Canvas:     model.Size{W: canvasW, H: canvasH},
		Background: &model.Color{R: 10, G: 20, B: 30, Alpha: 1},
		Bottom:     rasterPNG(t, image.Rect(0, 0, 6, 8), red),
		Static: []model.StaticLayer{
			{ID: "under", Z: 0, Raster: rasterPNG(t, image.Rect(0, 0, 12, 2), blue)},
			{ID: "over", Z: 5, Raster: rasterPNG(t, image.Rect(3, 3, 5, 5), green)},
		},
		Annotations: []model.StaticLayer{
			{ID: "note", Z: 0, Raster: rasterPNG(t, image.Rect(10, 6, 12, 8), red)},
		},
		LegacyTop: rasterPNG(t, image.Rect(0, 0, 12, 8), green),
		Animated:  []model.AnimatedLayer{animLayer("cat", "cat.gif", model.Rect{X: 2, Y: 1, W: 8, H: 6}, 1)},
	}
}

func compose(t *testing.T, f *fixture, req *model.CompositionRequest) (*model.Result, *toolchaintest.Anim) {
	t.Helper()
	res, err := f.engine.Compose(context.Background(), req)
	require.NoError(t, err)
	out, err := toolchaintest.ReadAnim(res.Path)
	require.NoError(t, err)
	return res, out
}

func TestFastPathMatchesBothSynthesizers(t *testing.T) {
	src := toolchaintest.Solid("a", 4, 4, 4, 4, 10)

	fast := newFixture(t, toolchaintest.New())
	fast.addSource(t, "cat.gif", src)
	res, want := compose(t, fast, singleLayerRequest(t))
	assert.Equal(t, "Hero_001.gif", res.Filename)
	assert.False(t, res.Skipped)
	assert.LessOrEqual(t, fast.fake.Calls("flatten"), 2)
	assert.Equal(t, 1, fast.fake.Calls("compose-graph"))
	assert.Len(t, want.Frames, 3)

	variants := map[string]func() *toolchaintest.Fake{
		"graph":    toolchaintest.New,
		"frames":   noGraph,
		"fallback": failGraph,
	}
	for name, newFake := range variants {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, newFake())
			f.engine.DisableFastPath = true
			f.addSource(t, "cat.gif", src)
			_, got := compose(t, f, singleLayerRequest(t))
			assert.Equal(t, want.Frames, got.Frames)
			assert.Equal(t, want.Delays, got.Delays)
		})
	}
}

func noGraph() *toolchaintest.Fake {
	f := toolchaintest.New()
	f.NoGraph = true
	return f
}

func failGraph() *toolchaintest.Fake {
	f := toolchaintest.New()
	f.FailGraph = true
	return f
}

func TestFallbackUsesFrameMaterialization(t *testing.T) {
	fake := failGraph()
	f := newFixture(t, fake)
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 5, 5))

	compose(t, f, singleLayerRequest(t))
	assert.Equal(t, 1, fake.Calls("compose-graph"))
	assert.Equal(t, 1, fake.Calls("extract"))
	assert.Equal(t, 2, fake.Calls("compose-frame"))
	assert.Equal(t, 1, fake.Calls("encode"))
}

func TestLayerStacking(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10, 10, 10))
	req := singleLayerRequest(t)
	req.Background = nil

	_, out := compose(t, f, req)
	require.Len(t, out.Frames, 4)
	for i := range out.Frames {
		assert.Equal(t, "#0000ff", out.At(i, 0, 0), "static z0 outside the animation")
		assert.Equal(t, fmt.Sprintf("a%d", i), out.At(i, 2, 1), "animation occludes static z0")
		assert.Equal(t, fmt.Sprintf("a%d", i), out.At(i, 4, 6), "animation occludes the bottom raster")
		assert.Equal(t, "#00ff00", out.At(i, 3, 3), "static z5 above the animation")
		assert.Equal(t, "#ff0000", out.At(i, 1, 5), "bottom raster below everything")
		assert.Equal(t, "#ff0000", out.At(i, 11, 7), "annotation on top")
		assert.Equal(t, "", out.At(i, 11, 4), "legacy top is ignored when annotations exist")
	}
}

func TestLegacyTopUsedWithoutAnnotations(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10))
	req := singleLayerRequest(t)
	req.Annotations = nil

	_, out := compose(t, f, req)
	assert.Equal(t, "#00ff00", out.At(0, 11, 0))
	assert.Equal(t, "#00ff00", out.At(0, 4, 4))
}

func multiRequest() *model.CompositionRequest {
	return &model.CompositionRequest{
		FrameName: "Board",
		Canvas:    model.Size{W: canvasW, H: canvasH},
		Animated: []model.AnimatedLayer{
			animLayer("fast", "fast.gif", model.Rect{X: 0, Y: 0, W: 6, H: 8}, 1),
			animLayer("slow", "slow.gif", model.Rect{X: 6, Y: 0, W: 6, H: 8}, 2),
		},
	}
}

func multiFixture(t *testing.T, fake *toolchaintest.Fake) *fixture {
	f := newFixture(t, fake)
	f.addSource(t, "fast.gif", toolchaintest.Solid("f", 2, 2, delays(50, 4)...))
	f.addSource(t, "slow.gif", toolchaintest.Solid("s", 2, 2, delays(30, 10)...))
	return f
}

func TestMultiLayerTiming(t *testing.T) {
	f := multiFixture(t, toolchaintest.New())
	_, out := compose(t, f, multiRequest())

	require.Len(t, out.Frames, 75)
	assert.Equal(t, delays(75, 4), out.Delays)
	assert.Equal(t, "f0", out.At(0, 0, 0))
	assert.Equal(t, "s0", out.At(0, 6, 0))
	assert.Equal(t, "f49", out.At(49, 0, 0))
	assert.Equal(t, "f0", out.At(50, 0, 0), "shorter source loops")
	assert.Equal(t, "s29", out.At(74, 6, 0))

	frames := multiFixture(t, noGraph())
	_, viaFrames := compose(t, frames, multiRequest())
	assert.Equal(t, out.Frames, viaFrames.Frames)
	assert.Equal(t, out.Delays, viaFrames.Delays)
}

func TestTrimHalvesFrameCount(t *testing.T) {
	f := multiFixture(t, toolchaintest.New())
	req := multiRequest()
	req.Timeline = map[string]model.TimelineRange{"slow": {Start: 25, End: 75}}

	_, out := compose(t, f, req)
	assert.InDelta(t, 75.0/2, float64(len(out.Frames)), 1)
	assert.Equal(t, "f19", out.At(0, 0, 0), "emitted frames are renumbered from the window start")
}

func TestTimelineWindowsGateLayers(t *testing.T) {
	for name, newFake := range map[string]func() *toolchaintest.Fake{"graph": toolchaintest.New, "frames": noGraph} {
		t.Run(name, func(t *testing.T) {
			f := multiFixture(t, newFake())
			req := multiRequest()
			req.Static = []model.StaticLayer{{ID: "intro", Z: 10, Raster: rasterPNG(t, image.Rect(0, 0, 1, 1), red)}}
			req.Annotations = []model.StaticLayer{{ID: "outro", Z: 0, Raster: rasterPNG(t, image.Rect(1, 0, 2, 1), green)}}
			req.Timeline = map[string]model.TimelineRange{
				"intro": {Start: 0, End: 50},
				"outro": {Start: 50, End: 100},
				"slow":  {Start: -20, End: 50},
			}

			_, out := compose(t, f, req)
			require.Len(t, out.Frames, 75)
			last := len(out.Frames) - 1

			assert.Equal(t, "#ff0000", out.At(0, 0, 0))
			assert.Equal(t, "f24", out.At(last, 0, 0))
			assert.Equal(t, "f0", out.At(0, 1, 0))
			assert.Equal(t, "#00ff00", out.At(last, 1, 0))

			// slow is gated by its own progress: frame k of 30 shows while k/29 <= 0.5.
			assert.Equal(t, "s0", out.At(0, 6, 0))
			assert.Equal(t, "s14", out.At(35, 6, 0))
			assert.Equal(t, "", out.At(40, 6, 0))
		})
	}
}

func TestConcurrentRequestsGetDistinctNames(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))

	const n = 6
	var wg sync.WaitGroup
	names := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &model.CompositionRequest{
				FrameName: "Hero",
				Canvas:    model.Size{W: canvasW, H: canvasH},
				Animated:  []model.AnimatedLayer{animLayer("cat", "cat.gif", model.Rect{X: float64(i), W: 4, H: 4}, 0)},
			}
			res, err := f.engine.Compose(context.Background(), req)
			if assert.NoError(t, err) {
				names[i] = res.Filename
			}
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t,
		[]string{"Hero_001.gif", "Hero_002.gif", "Hero_003.gif", "Hero_004.gif", "Hero_005.gif", "Hero_006.gif"},
		names)
	assert.Len(t, f.outputs(t), n)
}

func TestRepeatedRequestIsSkipped(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))

	first, _ := compose(t, f, singleLayerRequest(t))
	calls := f.fake.Total()

	second, err := f.engine.Compose(context.Background(), singleLayerRequest(t))
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.Path, second.Path)
	assert.Equal(t, first.ByteSize, second.ByteSize)
	assert.Equal(t, calls, f.fake.Total(), "no toolchain work for a repeat")
	assert.Equal(t, []string{"Hero_001.gif"}, f.outputs(t))
}

func TestCacheReusedAcrossRequests(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))

	req := singleLayerRequest(t)
	compose(t, f, req)

	moved := singleLayerRequest(t)
	moved.Animated[0].Bounds.X = 3
	res, _ := compose(t, f, moved)
	assert.Equal(t, "Hero_002.gif", res.Filename)
	assert.Equal(t, 1, f.fake.Calls("normalize"), "same source, size and profile normalize once")
}

func TestCancellationLeavesNoOutput(t *testing.T) {
	fake := toolchaintest.New()
	fake.Block = "compose-graph"
	f := newFixture(t, fake)
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))

	var cancelled atomic.Bool
	go func() {
		<-fake.Started
		cancelled.Store(true)
	}()
	req := singleLayerRequest(t)
	req.IsCancelled = cancelled.Load

	start := time.Now()
	_, err := f.engine.Compose(context.Background(), req)
	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Empty(t, f.outputs(t))
	work, err := os.ReadDir(f.cfg.Work.Dir)
	require.NoError(t, err)
	assert.Empty(t, work, "temporary state is cleaned up")
	assert.Equal(t, 0, f.fake.Calls("compose-frame"), "cancellation does not fall back")

	f.fake.Block = ""
	req.IsCancelled = nil
	res, err := f.engine.Compose(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hero_001.gif", res.Filename, "the reservation was released")
}

func TestParentContextCancellation(t *testing.T) {
	fake := toolchaintest.New()
	fake.Block = "normalize"
	f := newFixture(t, fake)
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fake.Started
		cancel()
	}()
	_, err := f.engine.Compose(ctx, singleLayerRequest(t))
	assert.True(t, errs.IsCancelled(err), "got %v", err)
	assert.Empty(t, f.outputs(t))
}

func TestSourceErrors(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	require.NoError(t, os.WriteFile(filepath.Join(f.drop, "broken.gif"), []byte("GIF89a\x00"), 0644))

	req := singleLayerRequest(t)
	req.Animated[0].Source = model.SourceHints{Filename: "broken.gif"}
	_, err := f.engine.Compose(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrCorruptSource), "got %v", err)
	assert.NotContains(t, errs.HintOf(err), "removed", "no cache entry existed for a corrupt original")

	req = multiRequest()
	_, err = f.engine.Compose(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrSourceUnresolved), "got %v", err)

	assert.Empty(t, f.outputs(t))
}

func TestCorruptCacheEntryIsEvictedAfterDecodeFailure(t *testing.T) {
	fake := noGraph()
	f := newFixture(t, fake)
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))
	compose(t, f, singleLayerRequest(t))

	entries, err := filepath.Glob(filepath.Join(f.cfg.Cache.Dir, "*.mov"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	entry := entries[0]

	// The entry still probes fine; only decoding its frames fails.
	fake.Undecodable = func(op, path string) bool { return op == "extract" && path == entry }
	moved := singleLayerRequest(t)
	moved.Animated[0].Bounds.X = 3
	_, err = f.engine.Compose(context.Background(), moved)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCorruptSource), "got %v", err)
	assert.Contains(t, errs.HintOf(err), "cached copy was removed")
	assert.NoFileExists(t, entry)
	assert.Equal(t, []string{"Hero_001.gif"}, f.outputs(t))

	fake.Undecodable = nil
	res, _ := compose(t, f, moved)
	assert.Equal(t, "Hero_002.gif", res.Filename)
	assert.Equal(t, 2, fake.Calls("normalize"), "the evicted entry is rebuilt")
}

func TestRequestTimeout(t *testing.T) {
	fake := toolchaintest.New()
	fake.Block = "compose-graph"
	f := newFixture(t, fake)
	f.cfg.Limits.RequestTimeout = 100 * time.Millisecond
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10, 10))

	start := time.Now()
	_, err := f.engine.Compose(context.Background(), singleLayerRequest(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrOperationTimeout), "got %v", err)
	assert.False(t, errs.IsCancelled(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Empty(t, f.outputs(t))
	work, err := os.ReadDir(f.cfg.Work.Dir)
	require.NoError(t, err)
	assert.Empty(t, work, "temporary state is cleaned up")
	assert.Equal(t, 0, fake.Calls("compose-frame"), "a timed out request does not fall back")

	fake.Block = ""
	f.cfg.Limits.RequestTimeout = 30 * time.Second
	res, err := f.engine.Compose(context.Background(), singleLayerRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "Hero_001.gif", res.Filename, "the reservation was released")
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, toolchaintest.New())

	req := singleLayerRequest(t)
	req.Dither = "posterize"
	_, err := f.engine.Compose(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))

	req = singleLayerRequest(t)
	req.Static[0].Z = req.Animated[0].Z
	_, err = f.engine.Compose(context.Background(), req)
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
	assert.Equal(t, 0, f.fake.Total())
}

func TestProgressIsMonotonic(t *testing.T) {
	f := multiFixture(t, noGraph())
	var mu sync.Mutex
	var seen []int
	req := multiRequest()
	req.Progress = model.ProgressFunc(func(pct int, _ string) {
		mu.Lock()
		seen = append(seen, pct)
		mu.Unlock()
	})

	res, _ := compose(t, f, req)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, 100, seen[len(seen)-1])
	for _, pct := range seen[:len(seen)-1] {
		assert.Less(t, pct, 100, "completion is only reported once the file is written")
	}
	assert.FileExists(t, res.Path)
}

func TestClippedAwayLayerContributesNothing(t *testing.T) {
	f := multiFixture(t, toolchaintest.New())
	req := multiRequest()
	req.Animated[1].Clip = &model.Clip{Rect: model.Rect{X: 100, Y: 100, W: 5, H: 5}}

	_, out := compose(t, f, req)
	assert.Len(t, out.Frames, 75, "the clipped layer still times the output")
	assert.Equal(t, "", out.At(0, 6, 0))
	assert.Equal(t, 1, f.fake.Calls("normalize"))
}

func TestAncestorClipShrinksLayer(t *testing.T) {
	f := newFixture(t, toolchaintest.New())
	f.addSource(t, "cat.gif", toolchaintest.Solid("a", 4, 4, 10))
	req := &model.CompositionRequest{
		Canvas: model.Size{W: canvasW, H: canvasH},
		Animated: []model.AnimatedLayer{{
			ID:     "cat",
			Source: model.SourceHints{Filename: "cat.gif"},
			Bounds: model.Rect{X: 0, Y: 0, W: 8, H: 8},
			Clip:   &model.Clip{Rect: model.Rect{X: 4, Y: 4, W: 8, H: 8}, Radius: 1},
		}},
	}

	res, out := compose(t, f, req)
	assert.Equal(t, "animation_001.gif", res.Filename)
	assert.Equal(t, 1, f.fake.Calls("clip"))
	assert.Equal(t, "", out.At(0, 3, 3))
	assert.Equal(t, "", out.At(0, 4, 4), "clip corner is rounded")
	assert.Equal(t, "a0", out.At(0, 5, 5))
	assert.Equal(t, "", out.At(0, 9, 5))
}
