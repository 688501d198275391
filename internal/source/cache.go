package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivlev/animcompose/internal/errs"
	"github.com/ivlev/animcompose/internal/geometry"
	"github.com/ivlev/animcompose/internal/metrics"
	"github.com/ivlev/animcompose/internal/toolchain"
)

// Cache stores normalized intermediates keyed by source identity and target geometry.
// Concurrent writers of the same key each write a private temp file and rename it
// into place, so the last rename wins with identical content.
type Cache struct {
	Dir   string
	tools toolchain.Toolchain
	log   *zap.Logger
}

func NewCache(dir string, tools toolchain.Toolchain, log *zap.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Cache{Dir: dir, tools: tools, log: log}, nil
}

// Key hashes the source file identity (path, size, mtime), the target size, the
// dither profile and the rest of the placement that shapes the intermediate.
func Key(src *Resolved, p *geometry.Placement, dither string) string {
	h := sha256.New()
	t := p.TargetSize()
	fmt.Fprintf(h, "%s\x00%d\x00%d\x00%d\x00%d\x00%s\x00", src.Path, src.Size, src.ModTime.UnixNano(), t.X, t.Y, dither)
	fmt.Fprintf(h, "%v\x00%v\x00%v\x00%t\x00%.3f", p.Scaled, p.Crop, p.Pad, p.Fit, p.Radius)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.Dir, key+toolchain.IntermediateExt)
}

// Entry is a normalized intermediate ready for composition.
type Entry struct {
	Path string
	Hit  bool
}

// Normalized returns the cached intermediate for src at placement p, converting
// it once on a miss. A cached entry that no longer decodes is deleted and
// reported as errs.CorruptSource.
func (c *Cache) Normalized(ctx context.Context, src *Resolved, info *toolchain.MediaInfo, p *geometry.Placement, dither string) (*Entry, error) {
	key := Key(src, p, dither)
	path := c.path(key)

	if _, err := os.Stat(path); err == nil {
		if _, err := c.tools.Probe(ctx, path); err != nil {
			if errors.Is(err, errs.ErrCorruptSource) {
				metrics.CacheLookups.WithLabelValues("corrupt").Inc()
				c.log.Warn("removing corrupt cache entry", zap.String("path", path), zap.Error(err))
				if rmErr := c.remove(path); rmErr != nil {
					c.log.Warn("could not remove cache entry", zap.String("path", path), zap.Error(rmErr))
					return nil, err
				}
				return nil, errs.CacheEvicted(err)
			}
			return nil, err
		}
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return &Entry{Path: path, Hit: true}, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	tmp := filepath.Join(c.Dir, fmt.Sprintf(".%s.%s%s", key[:16], uuid.NewString(), toolchain.IntermediateExt))
	job := toolchain.NormalizeJob{Input: src.Path, Output: tmp, Placement: p, Info: info}
	if err := c.tools.Normalize(ctx, job); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("commit cache entry: %w", err)
	}
	c.log.Debug("cache entry written", zap.String("path", path), zap.String("source", src.Path))
	return &Entry{Path: path}, nil
}

// Evict removes the entry for src at placement p. Callers use it when a cached
// intermediate passed the hit probe but failed to decode later on.
func (c *Cache) Evict(src *Resolved, p *geometry.Placement, dither string) error {
	metrics.CacheLookups.WithLabelValues("corrupt").Inc()
	return c.remove(c.path(Key(src, p, dither)))
}

func (c *Cache) remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
