package toolchain

import (
	"fmt"
	"image"
	"strings"

	"github.com/ivlev/animcompose/internal/geometry"
	"github.com/ivlev/animcompose/internal/model"
	"github.com/ivlev/animcompose/internal/timing"
)

// canvasSource is an endless canvas of the background color (transparent when nil).
func canvasSource(canvas image.Point, bg *model.Color, rate string) string {
	c := "black@0"
	if bg != nil {
		c = fmt.Sprintf("%s@%.4f", bg.Hex(), bg.Alpha)
	}
	src := fmt.Sprintf("color=c=%s:s=%dx%d", c, canvas.X, canvas.Y)
	if rate != "" {
		src += ":r=" + rate
	}
	return src + ",format=rgba"
}

// fpsRounding makes output slot k show the newest source frame whose timestamp is
// at or before k, the same frame timing.Plan.SourceFrame selects.
const fpsRounding = "up"

// retimeFilter spaces n frames evenly over duration ticks.
func retimeFilter(n, duration int) string {
	if n <= 0 {
		n = 1
	}
	if duration <= 0 {
		duration = n * 10
	}
	return fmt.Sprintf("setpts=N*%d/%d/TB", duration, n*timing.TicksPerSecond)
}

// geometryFilter resamples to the placement's scaled size and crops or pads to the target box.
func geometryFilter(p *geometry.Placement) string {
	t := p.TargetSize()
	scale := fmt.Sprintf("scale=%d:%d:flags=lanczos", p.Scaled.X, p.Scaled.Y)
	if p.Fit {
		return fmt.Sprintf("%s,pad=%d:%d:%d:%d:color=black@0", scale, t.X, t.Y, p.Pad.X, p.Pad.Y)
	}
	return fmt.Sprintf("%s,crop=%d:%d:%d:%d", scale, p.Crop.Dx(), p.Crop.Dy(), p.Crop.Min.X, p.Crop.Min.Y)
}

func cropFilter(r image.Rectangle) string {
	return fmt.Sprintf("crop=%d:%d:%d:%d", r.Dx(), r.Dy(), r.Min.X, r.Min.Y)
}

// maskChain multiplies the alpha of in by the luminance of mask.
func maskChain(prefix, in, mask, out string) string {
	return fmt.Sprintf(
		"[%[2]s]split[%[1]sc][%[1]sa];[%[1]sa]alphaextract[%[1]sal];[%[3]s]format=gray[%[1]sm];"+
			"[%[1]sal][%[1]sm]blend=all_mode=multiply[%[1]sna];[%[1]sc][%[1]sna]alphamerge[%[4]s]",
		prefix, in, mask, out)
}

// paletteChain reduces in to a 256-color palette with the given paletteuse dither mode.
func paletteChain(in, dither, out string) string {
	return fmt.Sprintf(
		"[%s]split[p0][p1];[p0]palettegen=reserve_transparent=1:stats_mode=full[pal];"+
			"[p1][pal]paletteuse=dither=%s:alpha_threshold=128[%s]",
		in, dither, out)
}

// enableExpr turns visibility spans into an overlay timeline expression on the frame number.
func enableExpr(spans []timing.Window) string {
	parts := make([]string, len(spans))
	for i, s := range spans {
		if s.Start == s.End {
			parts[i] = fmt.Sprintf("eq(n,%d)", s.Start)
		} else {
			parts[i] = fmt.Sprintf("between(n,%d,%d)", s.Start, s.End)
		}
	}
	return strings.Join(parts, "+")
}

func normalizeArgs(job NormalizeJob, maskPath string) []string {
	p := job.Placement
	args := []string{"-y", "-v", "error", "-i", job.Input}
	if maskPath != "" {
		args = append(args, "-i", maskPath)
	}

	head := fmt.Sprintf("[0:v]%s,format=rgba,%s",
		retimeFilter(job.Info.FrameCount(), sumDelays(job.Info.Delays)), geometryFilter(p))
	var graph string
	if maskPath != "" {
		graph = head + "[geo];" + maskChain("m", "geo", "1:v", "out")
	} else {
		graph = head + "[out]"
	}

	args = append(args,
		"-filter_complex", graph,
		"-map", "[out]",
		"-fps_mode", "passthrough",
		"-c:v", "png", "-pix_fmt", "rgba",
		"-f", "mov", job.Output,
	)
	return args
}

func clipArgs(job ClipJob, maskPath string) []string {
	args := []string{"-y", "-v", "error", "-i", job.Input}
	if maskPath != "" {
		args = append(args, "-i", maskPath)
	}

	head := "[0:v]format=rgba," + cropFilter(job.Clip.Crop)
	var graph string
	if maskPath != "" {
		graph = head + "[geo];" + maskChain("k", "geo", "1:v", "out")
	} else {
		graph = head + "[out]"
	}

	args = append(args,
		"-filter_complex", graph,
		"-map", "[out]",
		"-fps_mode", "passthrough",
		"-c:v", "png", "-pix_fmt", "rgba",
		"-f", "mov", job.Output,
	)
	return args
}

// overlayStep is one overlay onto the running composition.
type overlayStep struct {
	in     string
	at     image.Point
	enable string
}

// overlayChain stacks steps onto base and returns the graph parts and the final label.
func overlayChain(base string, steps []overlayStep) ([]string, string) {
	parts := make([]string, 0, len(steps))
	last := base
	for i, s := range steps {
		out := fmt.Sprintf("c%d", i)
		f := fmt.Sprintf("[%s][%s]overlay=x=%d:y=%d:format=auto", last, s.in, s.at.X, s.at.Y)
		if s.enable != "" {
			f += fmt.Sprintf(":enable='%s'", s.enable)
		}
		parts = append(parts, f+"["+out+"]")
		last = out
	}
	return parts, last
}

func flattenArgs(job FlattenJob) []string {
	args := []string{"-y", "-v", "error", "-f", "lavfi", "-i", canvasSource(job.Canvas, job.Background, "")}
	steps := make([]overlayStep, len(job.Stills))
	parts := make([]string, 0, len(job.Stills)+1)
	for i, s := range job.Stills {
		args = append(args, "-i", s)
		label := fmt.Sprintf("s%d", i)
		parts = append(parts, fmt.Sprintf("[%d:v]format=rgba[%s]", i+1, label))
		steps[i] = overlayStep{in: label}
	}
	chain, last := overlayChain("0:v", steps)
	parts = append(parts, chain...)
	return finishStill(args, parts, last, job.Output)
}

func frameArgs(job FrameJob) []string {
	args := []string{"-y", "-v", "error", "-f", "lavfi", "-i", canvasSource(job.Canvas, job.Background, "")}
	steps := make([]overlayStep, len(job.Inputs))
	parts := make([]string, 0, len(job.Inputs)+1)
	for i, in := range job.Inputs {
		args = append(args, "-i", in.Path)
		label := fmt.Sprintf("s%d", i)
		parts = append(parts, fmt.Sprintf("[%d:v]format=rgba[%s]", i+1, label))
		steps[i] = overlayStep{in: label, at: in.At}
	}
	chain, last := overlayChain("0:v", steps)
	parts = append(parts, chain...)
	return finishStill(args, parts, last, job.Output)
}

func finishStill(args, parts []string, last, output string) []string {
	parts = append(parts, fmt.Sprintf("[%s]format=rgba[out]", last))
	return append(args,
		"-filter_complex", strings.Join(parts, ";"),
		"-map", "[out]",
		"-frames:v", "1",
		"-update", "1",
		output,
	)
}

// graphArgs composes the whole timeline in one invocation: every layer is overlaid
// with a timeline expression derived from its visibility spans, the result is trimmed
// to the output window and palette-reduced.
func graphArgs(job GraphJob, dither string) []string {
	plan := job.Plan
	rate := plan.FrameRate()
	args := []string{"-y", "-v", "error", "-f", "lavfi", "-i", canvasSource(job.Canvas, job.Background, rate)}

	var parts []string
	var steps []overlayStep
	input := 1
	for i, l := range job.Layers {
		if l.Spans != nil && len(l.Spans) == 0 {
			continue
		}
		label := fmt.Sprintf("l%d", i)
		if l.Animated {
			args = append(args, "-stream_loop", "-1", "-i", l.Path)
			src := plan.Sources[l.Source]
			parts = append(parts, fmt.Sprintf("[%d:v]%s,fps=fps=%s:round=%s,format=rgba[%s]",
				input, retimeFilter(src.FrameCount(), src.Duration()), rate, fpsRounding, label))
		} else {
			args = append(args, "-loop", "1", "-framerate", rate, "-i", l.Path)
			parts = append(parts, fmt.Sprintf("[%d:v]format=rgba[%s]", input, label))
		}
		input++

		step := overlayStep{in: label, at: l.At}
		if l.Spans != nil {
			step.enable = enableExpr(l.Spans)
		}
		steps = append(steps, step)
	}

	chain, last := overlayChain("0:v", steps)
	parts = append(parts, chain...)
	parts = append(parts, fmt.Sprintf("[%s]trim=start_frame=%d:end_frame=%d,setpts=PTS-STARTPTS[comp]",
		last, plan.Window.Start, plan.Window.End+1))
	parts = append(parts, paletteChain("comp", dither, "out"))

	return append(args,
		"-filter_complex", strings.Join(parts, ";"),
		"-map", "[out]",
		"-frames:v", fmt.Sprint(plan.FrameCount()),
		"-loop", "0",
		"-f", "gif", job.Output,
	)
}

func sequenceArgs(job SequenceJob, dither string) []string {
	return []string{
		"-y", "-v", "error",
		"-framerate", job.FrameRate,
		"-start_number", "0",
		"-i", job.Pattern,
		"-filter_complex", "[0:v]format=rgba[comp];" + paletteChain("comp", dither, "out"),
		"-map", "[out]",
		"-frames:v", fmt.Sprint(job.Count),
		"-loop", "0",
		"-f", "gif", job.Output,
	}
}

func extractArgs(input, pattern string) []string {
	return []string{
		"-y", "-v", "error",
		"-i", input,
		"-fps_mode", "passthrough",
		"-start_number", "0",
		"-pix_fmt", "rgba",
		pattern,
	}
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate:frame=duration_time,pkt_duration_time",
		"-of", "json",
		path,
	}
}

func sumDelays(delays []int) int {
	total := 0
	for _, d := range delays {
		total += d
	}
	return total
}
