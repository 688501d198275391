package engine

import (
	"context"
	"sync"
	"time"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/model"
)

// progress forwards monotonically non-decreasing percentages to the caller's sink.
// Intermediate checkpoints are capped at 99; only finish reports 100.
type progress struct {
	mu   sync.Mutex
	sink model.ProgressSink
	last int
}

func newProgress(sink model.ProgressSink) *progress {
	return &progress{sink: sink, last: -1}
}

func (p *progress) report(pct int, msg string) {
	p.emit(min(pct, 99), msg)
}

// span maps done/total of a stage onto [from, to].
func (p *progress) span(from, to, done, total int, msg string) {
	if total <= 0 {
		p.report(to, msg)
		return
	}
	p.report(from+(to-from)*done/total, msg)
}

func (p *progress) finish(msg string) {
	p.emit(100, msg)
}

func (p *progress) emit(pct int, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pct = max(pct, p.last, 0)
	if pct == p.last {
		return
	}
	p.last = pct
	if p.sink != nil {
		p.sink.Report(pct, msg)
	}
}

// watchCancellation polls the caller's predicate and cancels ctx with
// errs.Cancelled once it trips. The returned func stops the watcher.
func watchCancellation(ctx context.Context, isCancelled func() bool, cancel context.CancelCauseFunc, every time.Duration) func() {
	if isCancelled == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if isCancelled() {
					cancel(errs.Cancelled(nil))
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
