package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Key kinds understood by every index. Foreign identifiers use their own kind name.
const (
	KindCacheID  = "cache_id"
	KindFilename = "filename"
)

// Index maps locator hints to filesystem paths of original media.
type Index interface {
	Lookup(ctx context.Context, kind, key string) (string, bool, error)
}

// FileIndex is an Index backed by a yaml document of the form
//
//	cache_id:
//	  3f2a...: /media/drops/clip.gif
//	filename:
//	  clip.gif: /media/drops/clip.gif
//	photos_asset:
//	  A1B2: /media/photos/A1B2
//
// The file is re-read when its modification time changes.
type FileIndex struct {
	Path string

	mu      sync.Mutex
	modTime time.Time
	entries map[string]map[string]string
}

func NewFileIndex(path string) *FileIndex {
	return &FileIndex{Path: path}
}

func (f *FileIndex) Lookup(_ context.Context, kind, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reload(); err != nil {
		return "", false, err
	}
	p, ok := f.entries[kind][key]
	return p, ok, nil
}

func (f *FileIndex) reload() error {
	fi, err := os.Stat(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		f.entries = nil
		return nil
	}
	if err != nil {
		return err
	}
	if f.entries != nil && fi.ModTime().Equal(f.modTime) {
		return nil
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}
	entries := make(map[string]map[string]string)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse source index %s: %w", f.Path, err)
	}
	f.entries = entries
	f.modTime = fi.ModTime()
	return nil
}

// Put records key -> path and rewrites the file.
func (f *FileIndex) Put(kind, key, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.reload(); err != nil {
		return err
	}
	if f.entries == nil {
		f.entries = make(map[string]map[string]string)
	}
	if f.entries[kind] == nil {
		f.entries[kind] = make(map[string]string)
	}
	f.entries[kind][key] = path

	data, err := yaml.Marshal(f.entries)
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.Path, data, 0644); err != nil {
		return err
	}
	if fi, err := os.Stat(f.Path); err == nil {
		f.modTime = fi.ModTime()
	}
	return nil
}

// RedisIndex keeps one hash per key kind under <prefix>:<kind>.
type RedisIndex struct {
	Client *redis.Client
	Prefix string
}

func NewRedisIndex(addr, password string, db int, prefix string) *RedisIndex {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if prefix == "" {
		prefix = "animcompose:sources"
	}
	return &RedisIndex{Client: rdb, Prefix: prefix}
}

func (r *RedisIndex) hash(kind string) string {
	return r.Prefix + ":" + kind
}

func (r *RedisIndex) Lookup(ctx context.Context, kind, key string) (string, bool, error) {
	p, err := r.Client.HGet(ctx, r.hash(kind), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis index lookup %s/%s: %w", kind, key, err)
	}
	return p, true, nil
}

func (r *RedisIndex) Put(ctx context.Context, kind, key, path string) error {
	return r.Client.HSet(ctx, r.hash(kind), key, path).Err()
}

func (r *RedisIndex) Ping(ctx context.Context) error {
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (r *RedisIndex) Close() error {
	return r.Client.Close()
}

// Chain consults indexes in order and returns the first hit.
type Chain []Index

func (c Chain) Lookup(ctx context.Context, kind, key string) (string, bool, error) {
	var firstErr error
	for _, idx := range c {
		p, ok, err := idx.Lookup(ctx, kind, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return p, true, nil
		}
	}
	return "", false, firstErr
}
