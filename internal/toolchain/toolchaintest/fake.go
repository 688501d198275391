// Package toolchaintest provides an in-process Toolchain for tests. Media files
// are JSON documents of labelled pixels, so compositions can be compared exactly
// without ffmpeg. Still rasters may also be real PNG files; every opaque pixel
// is labelled with its color.
package toolchaintest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/timing"
	"github.com/ivlev/animcompose/internal/toolchain"
)

// Anim is a labelled-pixel animation. Frames[i] holds W*H labels, row major; an
// empty label is transparent.
type Anim struct {
	W      int        `json:"w"`
	H      int        `json:"h"`
	Delays []int      `json:"delays"`
	Frames [][]string `json:"frames"`
}

func (a *Anim) At(frame, x, y int) string {
	return a.Frames[frame][y*a.W+x]
}

// Solid builds an animation of n frames where frame i is filled with prefix+i.
func Solid(prefix string, w, h int, delays ...int) *Anim {
	a := &Anim{W: w, H: h, Delays: delays}
	for i := range delays {
		f := make([]string, w*h)
		for j := range f {
			f[j] = fmt.Sprintf("%s%d", prefix, i)
		}
		a.Frames = append(a.Frames, f)
	}
	return a
}

func WriteAnim(path string, a *Anim) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ReadAnim loads a JSON animation or a PNG still.
func ReadAnim(path string) (*Anim, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte("\x89PNG")) {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return fromImage(img), nil
	}
	var a Anim
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	if a.W <= 0 || a.H <= 0 || len(a.Frames) == 0 {
		return nil, errors.New("empty animation")
	}
	return &a, nil
}

func fromImage(img image.Image) *Anim {
	b := img.Bounds()
	a := &Anim{W: b.Dx(), H: b.Dy(), Delays: []int{0}}
	f := make([]string, a.W*a.H)
	for y := 0; y < a.H; y++ {
		for x := 0; x < a.W; x++ {
			r, g, bl, al := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			if al == 0 {
				continue
			}
			f[y*a.W+x] = fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, bl>>8)
		}
	}
	a.Frames = [][]string{f}
	return a
}

var _ toolchain.Toolchain = (*Fake)(nil)

// Fake implements toolchain.Toolchain.
type Fake struct {
	// NoGraph makes SupportsGraph report false.
	NoGraph bool
	// FailGraph makes ComposeGraph fail after writing a partial file.
	FailGraph bool
	// Unavailable makes Check fail.
	Unavailable bool
	// Block makes the named operation wait for context cancellation.
	Block string
	// Started is closed when a blocked operation begins waiting.
	Started chan struct{}
	// Undecodable reports inputs the named operation fails to decode.
	Undecodable func(op, path string) bool

	mu    sync.Mutex
	calls map[string]int
	once  sync.Once
}

func New() *Fake {
	return &Fake{calls: make(map[string]int), Started: make(chan struct{})}
}

func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Total is the number of invocations of any operation.
func (f *Fake) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *Fake) enter(ctx context.Context, op string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
	if f.Block == op {
		f.once.Do(func() { close(f.Started) })
		<-ctx.Done()
		return context.Cause(ctx)
	}
	return nil
}

// decode reads an input the way a decoding operation would, reporting failures
// as corrupt sources.
func (f *Fake) decode(op, path string) (*Anim, error) {
	if f.Undecodable != nil && f.Undecodable(op, path) {
		return nil, errs.CorruptSource(path, errors.New("invalid data found when processing input"))
	}
	a, err := ReadAnim(path)
	if err != nil {
		return nil, errs.CorruptSource(path, err)
	}
	return a, nil
}

func (f *Fake) Check(ctx context.Context) error {
	if f.Unavailable {
		return errs.ToolchainUnavailable("ffmpeg", errors.New("executable file not found in $PATH"))
	}
	return nil
}

func (f *Fake) SupportsGraph(ctx context.Context) bool { return !f.NoGraph }

func (f *Fake) Probe(ctx context.Context, path string) (*toolchain.MediaInfo, error) {
	if err := f.enter(ctx, "probe"); err != nil {
		return nil, err
	}
	a, err := f.decode("probe", path)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &toolchain.MediaInfo{Width: a.W, Height: a.H, Delays: append([]int{}, a.Delays...), Size: fi.Size()}, nil
}

// Normalize fills the target box with each source frame's top-left label. A
// rounded mask clears the four corner pixels.
func (f *Fake) Normalize(ctx context.Context, job toolchain.NormalizeJob) error {
	if err := f.enter(ctx, "normalize"); err != nil {
		return err
	}
	src, err := f.decode("normalize", job.Input)
	if err != nil {
		return err
	}
	t := job.Placement.TargetSize()
	out := &Anim{W: t.X, H: t.Y, Delays: append([]int{}, src.Delays...)}
	for i := range src.Frames {
		fr := make([]string, t.X*t.Y)
		for j := range fr {
			fr[j] = src.At(i, 0, 0)
		}
		if job.Placement.Radius > 0 {
			roundCorners(fr, t.X, t.Y)
		}
		out.Frames = append(out.Frames, fr)
	}
	return WriteAnim(job.Output, out)
}

func roundCorners(fr []string, w, h int) {
	fr[0], fr[w-1], fr[(h-1)*w], fr[h*w-1] = "", "", "", ""
}

func (f *Fake) Clip(ctx context.Context, job toolchain.ClipJob) error {
	if err := f.enter(ctx, "clip"); err != nil {
		return err
	}
	src, err := f.decode("clip", job.Input)
	if err != nil {
		return err
	}
	c := job.Clip.Crop
	out := &Anim{W: c.Dx(), H: c.Dy(), Delays: src.Delays}
	for i := range src.Frames {
		fr := make([]string, out.W*out.H)
		for y := 0; y < out.H; y++ {
			for x := 0; x < out.W; x++ {
				fr[y*out.W+x] = src.At(i, c.Min.X+x, c.Min.Y+y)
			}
		}
		if job.Clip.Radius > 0 {
			roundCorners(fr, out.W, out.H)
		}
		out.Frames = append(out.Frames, fr)
	}
	return WriteAnim(job.Output, out)
}

func canvas(size image.Point, bg *model.Color) []string {
	fr := make([]string, size.X*size.Y)
	if bg != nil {
		for i := range fr {
			fr[i] = "bg" + bg.Hex()
		}
	}
	return fr
}

func overlay(dst []string, size image.Point, src *Anim, frame int, at image.Point) {
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			cx, cy := at.X+x, at.Y+y
			if cx < 0 || cy < 0 || cx >= size.X || cy >= size.Y {
				continue
			}
			if l := src.At(frame, x, y); l != "" {
				dst[cy*size.X+cx] = l
			}
		}
	}
}

func (f *Fake) Flatten(ctx context.Context, job toolchain.FlattenJob) error {
	if err := f.enter(ctx, "flatten"); err != nil {
		return err
	}
	fr := canvas(job.Canvas, job.Background)
	for _, s := range job.Stills {
		a, err := ReadAnim(s)
		if err != nil {
			return err
		}
		overlay(fr, job.Canvas, a, 0, image.Point{})
	}
	return WriteAnim(job.Output, &Anim{W: job.Canvas.X, H: job.Canvas.Y, Delays: []int{0}, Frames: [][]string{fr}})
}

func visible(spans []timing.Window, f int) bool {
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

func (f *Fake) ComposeGraph(ctx context.Context, job toolchain.GraphJob) error {
	if err := f.enter(ctx, "compose-graph"); err != nil {
		return err
	}
	if _, err := toolchain.DitherMode(job.Dither); err != nil {
		return err
	}
	if f.FailGraph {
		os.WriteFile(job.Output, []byte("partial"), 0644)
		return &toolchain.ToolError{Op: "compose-graph", Err: errors.New("exit status 1"), Output: "Filter overlay has an unconnected output"}
	}

	layers := make([]*Anim, len(job.Layers))
	for i, l := range job.Layers {
		a, err := ReadAnim(l.Path)
		if err != nil {
			return err
		}
		layers[i] = a
	}

	plan := job.Plan
	out := &Anim{W: job.Canvas.X, H: job.Canvas.Y}
	for n := plan.Window.Start; n <= plan.Window.End; n++ {
		fr := canvas(job.Canvas, job.Background)
		for i, l := range job.Layers {
			if !visible(l.Spans, n) {
				continue
			}
			idx := 0
			if l.Animated {
				idx = min(plan.SourceFrame(l.Source, n), len(layers[i].Frames)-1)
			}
			overlay(fr, job.Canvas, layers[i], idx, l.At)
		}
		out.Frames = append(out.Frames, fr)
		out.Delays = append(out.Delays, plan.OutputDelay)
	}
	return WriteAnim(job.Output, out)
}

func (f *Fake) ExtractFrames(ctx context.Context, input, dir string) (int, error) {
	if err := f.enter(ctx, "extract"); err != nil {
		return 0, err
	}
	a, err := f.decode("extract", input)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	for i, fr := range a.Frames {
		still := &Anim{W: a.W, H: a.H, Delays: []int{a.Delays[i]}, Frames: [][]string{fr}}
		if err := WriteAnim(filepath.Join(dir, fmt.Sprintf("%05d.png", i)), still); err != nil {
			return 0, err
		}
	}
	return len(a.Frames), nil
}

func (f *Fake) ComposeFrame(ctx context.Context, job toolchain.FrameJob) error {
	if err := f.enter(ctx, "compose-frame"); err != nil {
		return err
	}
	fr := canvas(job.Canvas, job.Background)
	for _, in := range job.Inputs {
		a, err := ReadAnim(in.Path)
		if err != nil {
			return err
		}
		overlay(fr, job.Canvas, a, 0, in.At)
	}
	return WriteAnim(job.Output, &Anim{W: job.Canvas.X, H: job.Canvas.Y, Delays: []int{0}, Frames: [][]string{fr}})
}

func (f *Fake) EncodeSequence(ctx context.Context, job toolchain.SequenceJob) error {
	if err := f.enter(ctx, "encode"); err != nil {
		return err
	}
	if _, err := toolchain.DitherMode(job.Dither); err != nil {
		return err
	}
	delay := 0
	if _, d, ok := strings.Cut(job.FrameRate, "/"); ok {
		delay, _ = strconv.Atoi(d)
	}
	var out *Anim
	for i := 0; i < job.Count; i++ {
		a, err := ReadAnim(fmt.Sprintf(job.Pattern, i))
		if err != nil {
			return err
		}
		if out == nil {
			out = &Anim{W: a.W, H: a.H}
		}
		out.Frames = append(out.Frames, a.Frames[0])
		out.Delays = append(out.Delays, delay)
	}
	if out == nil {
		return errors.New("no frames to encode")
	}
	return WriteAnim(job.Output, out)
}

func (f *Fake) Optimize(ctx context.Context, path string) error {
	if err := f.enter(ctx, "optimize"); err != nil {
		return err
	}
	return toolchain.ErrOptimizerUnavailable
}
