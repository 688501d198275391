package toolchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/errs"
)

// FFmpeg implements Toolchain with ffmpeg, ffprobe and (optionally) gifsicle subprocesses.
type FFmpeg struct {
	FFmpegPath   string
	FFprobePath  string
	GifsiclePath string
	// MaskDir holds generated corner masks; they are shared across requests.
	MaskDir string

	run *runner
	log *zap.Logger

	graphMu    sync.Mutex
	graphKnown bool
	graphOK    bool
}

type Options struct {
	FFmpeg, FFprobe, Gifsicle string
	MaskDir                   string
	Parallelism               int
	Budget                    Budget
}

func NewFFmpeg(opts Options, log *zap.Logger) *FFmpeg {
	return &FFmpeg{
		FFmpegPath:   opts.FFmpeg,
		FFprobePath:  opts.FFprobe,
		GifsiclePath: opts.Gifsicle,
		MaskDir:      opts.MaskDir,
		run:          newRunner(log, opts.Parallelism, opts.Budget),
		log:          log,
	}
}

func (f *FFmpeg) Check(ctx context.Context) error {
	for _, tool := range []*string{&f.FFmpegPath, &f.FFprobePath} {
		p, err := exec.LookPath(*tool)
		if err != nil {
			return errs.ToolchainUnavailable(*tool, err)
		}
		*tool = p
	}
	if p, err := exec.LookPath(f.GifsiclePath); err == nil {
		f.GifsiclePath = p
	} else {
		f.log.Info("gifsicle not found, size optimization disabled")
		f.GifsiclePath = ""
	}
	if f.MaskDir != "" {
		if err := os.MkdirAll(f.MaskDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

var graphFilters = []string{"overlay", "alphamerge", "alphaextract", "blend", "palettegen", "paletteuse", "trim"}

// SupportsGraph checks that ffmpeg ships every filter the single-graph path uses.
// The answer is remembered once ffmpeg has listed its filters. The listing runs
// detached from ctx so one request's cancellation cannot settle it for the process.
func (f *FFmpeg) SupportsGraph(ctx context.Context) bool {
	f.graphMu.Lock()
	defer f.graphMu.Unlock()
	if f.graphKnown {
		return f.graphOK
	}

	lctx, cancel := context.WithTimeout(context.Background(), f.listTimeout())
	defer cancel()
	out, err := exec.CommandContext(lctx, f.FFmpegPath, "-hide_banner", "-filters").CombinedOutput()
	if err != nil {
		f.log.Warn("could not list ffmpeg filters", zap.Error(err))
		return false
	}
	f.graphOK = hasFilters(string(out), graphFilters)
	f.graphKnown = true
	if !f.graphOK {
		f.log.Info("ffmpeg lacks single-graph filters, composing frame by frame")
	}
	return f.graphOK
}

func (f *FFmpeg) listTimeout() time.Duration {
	if f.run != nil && f.run.budget.Base > 0 {
		return f.run.budget.Base
	}
	return 30 * time.Second
}

func hasFilters(listing string, names []string) bool {
	have := make(map[string]bool)
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			have[fields[1]] = true
		}
	}
	for _, n := range names {
		if !have[n] {
			return false
		}
	}
	return true
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Frames []struct {
		DurationTime    string `json:"duration_time"`
		PktDurationTime string `json:"pkt_duration_time"`
	} `json:"frames"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	out, err := f.run.run(ctx, "probe", fi.Size(), f.FFprobePath, probeArgs(path)...)
	if err != nil {
		var te *ToolError
		if errors.As(err, &te) && te.IsCorrupt() {
			return nil, errs.CorruptSource(path, err)
		}
		return nil, err
	}
	info, err := parseProbe(out)
	if err != nil {
		return nil, errs.CorruptSource(path, err)
	}
	info.Size = fi.Size()
	return info, nil
}

func parseProbe(out []byte) (*MediaInfo, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 || po.Streams[0].Width <= 0 || po.Streams[0].Height <= 0 {
		return nil, errors.New("no video stream")
	}
	if len(po.Frames) == 0 {
		return nil, errors.New("no decodable frames")
	}

	st := po.Streams[0]
	fallback := delayFromRate(st.AvgFrameRate)
	info := &MediaInfo{Width: st.Width, Height: st.Height, Delays: make([]int, len(po.Frames))}
	for i, fr := range po.Frames {
		s := fr.DurationTime
		if s == "" {
			s = fr.PktDurationTime
		}
		d := fallback
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			d = max(1, int(math.Round(v*100)))
		}
		info.Delays[i] = d
	}
	return info, nil
}

// delayFromRate turns "num/den" frames per second into ticks, defaulting to 10.
func delayFromRate(rate string) int {
	num, den, ok := strings.Cut(rate, "/")
	if !ok {
		return 10
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || n <= 0 || d <= 0 {
		return 10
	}
	return max(1, int(math.Round(100*d/n)))
}

func (f *FFmpeg) mask(w, h int, r float64) (string, error) {
	if r <= 0 {
		return "", nil
	}
	dir := f.MaskDir
	if dir == "" {
		dir = os.TempDir()
	}
	return WriteMask(dir, w, h, r)
}

func (f *FFmpeg) Normalize(ctx context.Context, job NormalizeJob) error {
	t := job.Placement.TargetSize()
	maskPath, err := f.mask(t.X, t.Y, job.Placement.Radius)
	if err != nil {
		return err
	}
	_, err = f.run.run(ctx, "normalize", job.Info.Size, f.FFmpegPath, normalizeArgs(job, maskPath)...)
	return f.decodeErr(job.Input, err)
}

func (f *FFmpeg) Clip(ctx context.Context, job ClipJob) error {
	maskPath, err := f.mask(job.Clip.Crop.Dx(), job.Clip.Crop.Dy(), job.Clip.Radius)
	if err != nil {
		return err
	}
	_, err = f.run.run(ctx, "clip", job.Size, f.FFmpegPath, clipArgs(job, maskPath)...)
	return f.decodeErr(job.Input, err)
}

func (f *FFmpeg) Flatten(ctx context.Context, job FlattenJob) error {
	_, err := f.run.run(ctx, "flatten", fileSize(job.Stills...), f.FFmpegPath, flattenArgs(job)...)
	return err
}

func (f *FFmpeg) ComposeGraph(ctx context.Context, job GraphJob) error {
	dither, err := DitherMode(job.Dither)
	if err != nil {
		return err
	}
	paths := make([]string, len(job.Layers))
	for i, l := range job.Layers {
		paths[i] = l.Path
	}
	_, err = f.run.run(ctx, "compose-graph", fileSize(paths...), f.FFmpegPath, graphArgs(job, dither)...)
	return err
}

func (f *FFmpeg) ExtractFrames(ctx context.Context, input, dir string) (int, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	_, err := f.run.run(ctx, "extract", fileSize(input), f.FFmpegPath, extractArgs(input, filepath.Join(dir, "%05d.png"))...)
	if err != nil {
		return 0, f.decodeErr(input, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

func (f *FFmpeg) ComposeFrame(ctx context.Context, job FrameJob) error {
	paths := make([]string, len(job.Inputs))
	for i, in := range job.Inputs {
		paths[i] = in.Path
	}
	_, err := f.run.run(ctx, "compose-frame", fileSize(paths...), f.FFmpegPath, frameArgs(job)...)
	return err
}

func (f *FFmpeg) EncodeSequence(ctx context.Context, job SequenceJob) error {
	dither, err := DitherMode(job.Dither)
	if err != nil {
		return err
	}
	size := fileSize(fmt.Sprintf(job.Pattern, 0)) * int64(max(1, job.Count))
	_, err = f.run.run(ctx, "encode", size, f.FFmpegPath, sequenceArgs(job, dither)...)
	return err
}

func (f *FFmpeg) Optimize(ctx context.Context, path string) error {
	if f.GifsiclePath == "" {
		return ErrOptimizerUnavailable
	}
	_, err := f.run.run(ctx, "optimize", fileSize(path), f.GifsiclePath, "-O3", "--batch", path)
	return err
}

// decodeErr reclassifies header/decode failures as corrupt sources.
func (f *FFmpeg) decodeErr(input string, err error) error {
	var te *ToolError
	if errors.As(err, &te) && te.IsCorrupt() {
		return errs.CorruptSource(input, err)
	}
	return err
}
