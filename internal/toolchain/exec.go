package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/metrics"
)

// ToolError is a failed external invocation with its trimmed output.
type ToolError struct {
	Op     string
	Err    error
	Output string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v, output: %s", e.Op, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

var corruptMarkers = []string{
	"invalid data found when processing input",
	"could not find codec parameters",
	"moov atom not found",
	"invalid gif header",
	"end of file",
}

// IsCorrupt reports whether the tool failed to read its input header.
func (e *ToolError) IsCorrupt() bool {
	out := strings.ToLower(e.Output)
	for _, m := range corruptMarkers {
		if strings.Contains(out, m) {
			return true
		}
	}
	return false
}

// Budget sizes per-invocation timeouts by input size.
type Budget struct {
	Base  time.Duration
	PerMB time.Duration
}

// For returns the timeout for an invocation reading bytes of input.
func (b Budget) For(bytes int64) time.Duration {
	mb := float64(bytes) / (1 << 20)
	return b.Base + time.Duration(mb*float64(b.PerMB))
}

// runner executes tools under a process-wide concurrency cap.
type runner struct {
	log    *zap.Logger
	sem    *semaphore.Weighted
	budget Budget
}

func newRunner(log *zap.Logger, parallelism int, budget Budget) *runner {
	return &runner{
		log:    log,
		sem:    semaphore.NewWeighted(int64(max(1, parallelism))),
		budget: budget,
	}
}

// run invokes bin with args. The context's cause is returned unchanged when the
// caller cancelled; a blown per-invocation budget becomes errs.OperationTimeout.
func (r *runner) run(ctx context.Context, op string, inputBytes int64, bin string, args ...string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, context.Cause(ctx)
	}
	defer r.sem.Release(1)

	budget := r.budget.For(inputBytes)
	tctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(tctx, bin, args...)
	cmd.WaitDelay = 2 * time.Second
	r.log.Debug("tool invocation", zap.String("op", op), zap.String("bin", bin), zap.Strings("args", args))
	out, err := cmd.CombinedOutput()
	if err == nil {
		metrics.ToolInvocations.WithLabelValues(op, "ok").Inc()
		r.log.Debug("tool finished", zap.String("op", op), zap.Duration("elapsed", time.Since(start)))
		return out, nil
	}

	switch {
	case ctx.Err() != nil:
		metrics.ToolInvocations.WithLabelValues(op, "cancelled").Inc()
		return nil, context.Cause(ctx)
	case errors.Is(tctx.Err(), context.DeadlineExceeded):
		metrics.ToolInvocations.WithLabelValues(op, "timeout").Inc()
		return nil, errs.OperationTimeout(fmt.Sprintf("%s (budget %s)", op, budget), err)
	}

	metrics.ToolInvocations.WithLabelValues(op, "error").Inc()
	te := &ToolError{Op: op, Err: err, Output: tail(string(out), 2000)}
	r.log.Warn("tool failed", zap.String("op", op), zap.Error(err), zap.String("output", tail(te.Output, 400)))
	return out, te
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}

func fileSize(paths ...string) int64 {
	var total int64
	for _, p := range paths {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}
