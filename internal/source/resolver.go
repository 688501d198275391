// Package source locates the original media behind an animated layer and keeps
// the on-disk cache of normalized per-layer intermediates.
package source

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/metrics"
	"github.com/ivlev/animcompose/internal/model"
)

// Strategy names, in the order they are attempted.
const (
	StrategyCacheID   = "cache-id"
	StrategyFilename  = "filename"
	StrategyForeignID = "foreign-id"
	StrategyFuzzy     = "fuzzy-filename"
	StrategySingle    = "single-candidate"
)

var mediaExtensions = []string{".gif", ".webp", ".png", ".apng", ".mp4", ".mov", ".webm"}

// Resolved is the concrete file behind a layer.
type Resolved struct {
	Path     string
	Strategy string
	Size     int64
	ModTime  time.Time
}

// Resolver runs the lookup strategy chain against an index and a set of drop directories.
type Resolver struct {
	Index    Index
	DropDirs []string
	log      *zap.Logger
}

func NewResolver(index Index, dropDirs []string, log *zap.Logger) *Resolver {
	return &Resolver{Index: index, DropDirs: dropDirs, log: log}
}

type attempt struct {
	name string
	fn   func(ctx context.Context, l *model.AnimatedLayer) (string, error)
}

// Resolve finds the source of layer. single enables the last-resort heuristic
// that accepts the only media file present when the request has one animated layer.
func (r *Resolver) Resolve(ctx context.Context, layer *model.AnimatedLayer, single bool) (*Resolved, error) {
	chain := []attempt{
		{StrategyCacheID, r.byCacheID},
		{StrategyFilename, r.byFilename},
		{StrategyForeignID, r.byForeignID},
		{StrategyFuzzy, r.byFuzzyName},
	}
	if single {
		chain = append(chain, attempt{StrategySingle, r.bySingleCandidate})
	}

	var tried []string
	for _, a := range chain {
		if err := ctx.Err(); err != nil {
			return nil, context.Cause(ctx)
		}
		path, err := a.fn(ctx, layer)
		if err != nil {
			r.log.Warn("source strategy failed",
				zap.String("layer", layer.ID), zap.String("strategy", a.name), zap.Error(err))
			tried = append(tried, a.name+" (error)")
			continue
		}
		if path == "" {
			tried = append(tried, a.name)
			continue
		}
		fi, err := os.Stat(path)
		if err != nil || fi.IsDir() {
			tried = append(tried, a.name+" (stale: "+path+")")
			continue
		}

		metrics.SourceResolutions.WithLabelValues(a.name).Inc()
		r.log.Debug("source resolved",
			zap.String("layer", layer.ID), zap.String("strategy", a.name), zap.String("path", path))
		return &Resolved{Path: path, Strategy: a.name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
	}

	metrics.SourceResolutions.WithLabelValues("unresolved").Inc()
	locations := append([]string{}, r.DropDirs...)
	if len(locations) == 0 {
		locations = []string{"(no drop directories configured)"}
	}
	return nil, errs.SourceUnresolved(layer.ID, tried, locations)
}

func (r *Resolver) lookup(ctx context.Context, kind, key string) (string, error) {
	if r.Index == nil || key == "" {
		return "", nil
	}
	p, ok, err := r.Index.Lookup(ctx, kind, key)
	if err != nil || !ok {
		return "", err
	}
	return p, nil
}

// indexed consults the index for a strategy that has filesystem probes to fall
// back on; an unreachable index is logged and treated as a miss.
func (r *Resolver) indexed(ctx context.Context, l *model.AnimatedLayer, kind, key string) string {
	p, err := r.lookup(ctx, kind, key)
	if err != nil {
		r.log.Warn("source index lookup failed, probing drop directories",
			zap.String("layer", l.ID), zap.String("kind", kind), zap.Error(err))
		return ""
	}
	return p
}

func (r *Resolver) byCacheID(ctx context.Context, l *model.AnimatedLayer) (string, error) {
	return r.lookup(ctx, KindCacheID, l.Source.CacheID)
}

func (r *Resolver) byFilename(ctx context.Context, l *model.AnimatedLayer) (string, error) {
	name := l.Source.Filename
	if name == "" {
		return "", nil
	}
	if p := r.indexed(ctx, l, KindFilename, name); p != "" {
		return p, nil
	}
	if filepath.IsAbs(name) && isFile(name) {
		return name, nil
	}
	for _, dir := range r.DropDirs {
		if p := filepath.Join(dir, filepath.Base(name)); isFile(p) {
			return p, nil
		}
	}
	return "", nil
}

// byForeignID looks foreign identifiers up in the index, then probes each drop
// directory for <dir>/<id>/ (newest media inside) or <dir>/<id>.<ext>.
func (r *Resolver) byForeignID(ctx context.Context, l *model.AnimatedLayer) (string, error) {
	kinds := make([]string, 0, len(l.Source.Foreign))
	for k := range l.Source.Foreign {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		id := l.Source.Foreign[kind]
		if id == "" {
			continue
		}
		if p := r.indexed(ctx, l, kind, id); p != "" {
			return p, nil
		}
		safe := filepath.Base(id)
		for _, dir := range r.DropDirs {
			if p, err := FindLatestMedia(filepath.Join(dir, safe), nil); err == nil {
				return p, nil
			}
			for _, ext := range mediaExtensions {
				if p := filepath.Join(dir, safe+ext); isFile(p) {
					return p, nil
				}
			}
		}
	}
	return "", nil
}

// byFuzzyName compares normalized stems: case, punctuation and copy suffixes such
// as "clip (1).gif" are ignored. The newest match wins.
func (r *Resolver) byFuzzyName(_ context.Context, l *model.AnimatedLayer) (string, error) {
	want := normalizeStem(l.Source.Filename)
	if want == "" {
		return "", nil
	}
	match := func(name string) bool {
		got := normalizeStem(name)
		return got != "" && (strings.Contains(got, want) || strings.Contains(want, got))
	}

	var best string
	var bestTime time.Time
	for _, dir := range r.DropDirs {
		p, err := FindLatestMedia(dir, match)
		if err != nil {
			continue
		}
		if fi, err := os.Stat(p); err == nil && fi.ModTime().After(bestTime) {
			best, bestTime = p, fi.ModTime()
		}
	}
	return best, nil
}

func (r *Resolver) bySingleCandidate(_ context.Context, _ *model.AnimatedLayer) (string, error) {
	var found []string
	for _, dir := range r.DropDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && isMedia(e.Name()) {
				found = append(found, filepath.Join(dir, e.Name()))
			}
		}
	}
	if len(found) != 1 {
		return "", nil
	}
	return found[0], nil
}

// FindLatestMedia returns the most recently modified media file in dir accepted by match
// (every media file when match is nil).
func FindLatestMedia(dir string, match func(name string) bool) (string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var latestFile string
	var latestTime time.Time
	for _, f := range files {
		if f.IsDir() || !isMedia(f.Name()) {
			continue
		}
		if match != nil && !match(f.Name()) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if latestFile == "" || info.ModTime().After(latestTime) {
			latestTime = info.ModTime()
			latestFile = filepath.Join(dir, f.Name())
		}
	}

	if latestFile == "" {
		return "", os.ErrNotExist
	}
	return latestFile, nil
}

func isMedia(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range mediaExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func isFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func normalizeStem(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	stem := strings.ToLower(strings.TrimSuffix(base, filepath.Ext(base)))
	if i := strings.LastIndex(stem, " ("); i > 0 && strings.HasSuffix(stem, ")") {
		stem = stem[:i]
	}
	stem = strings.TrimSuffix(stem, " copy")
	var b strings.Builder
	for _, r := range stem {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
