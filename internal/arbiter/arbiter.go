// Package arbiter assigns collision-free sequential output filenames to
// concurrently running compositions.
package arbiter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ivlev/animcompose/internal/metrics"
)

// LedgerFile records which request fingerprint produced which file in an output directory.
const LedgerFile = ".animcompose-ledger.yaml"

// Reservation is an output slot held for the lifetime of one request.
type Reservation struct {
	Dir      string
	Filename string
	Path     string

	released bool
}

// Ledger maps request fingerprints to filenames produced in one directory.
type Ledger struct {
	Produced map[string]string `yaml:"produced"`
}

// Arena is the process-wide reservation state. Its zero value is not usable; use NewArena.
type Arena struct {
	mu       sync.Mutex
	reserved map[string]struct{}
	ledgers  map[string]*Ledger
	log      *zap.Logger
}

func NewArena(log *zap.Logger) *Arena {
	return &Arena{
		reserved: make(map[string]struct{}),
		ledgers:  make(map[string]*Ledger),
		log:      log,
	}
}

// SanitizePrefix turns a frame name into a filename prefix.
func SanitizePrefix(name, fallback string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case unicode.IsSpace(r), r == '/', r == '\\', r == ':':
			b.WriteRune('_')
		}
	}
	s := strings.Trim(b.String(), "._")
	if s == "" {
		return fallback
	}
	return s
}

// Reserve atomically claims the first sequence number whose file neither exists
// in dir nor is held by another in-flight request.
func (a *Arena) Reserve(dir, prefix, ext string) (*Reservation, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	ext = strings.TrimPrefix(ext, ".")

	a.mu.Lock()
	defer a.mu.Unlock()

	for seq := 1; ; seq++ {
		name := fmt.Sprintf("%s_%03d.%s", prefix, seq, ext)
		path := filepath.Join(dir, name)
		if _, held := a.reserved[path]; held {
			continue
		}
		if _, err := os.Lstat(path); err == nil {
			continue
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		a.reserved[path] = struct{}{}
		metrics.ReservationsActive.Inc()
		return &Reservation{Dir: dir, Filename: name, Path: path}, nil
	}
}

// Release frees the slot. It is safe to call more than once.
func (a *Arena) Release(r *Reservation) {
	if r == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	delete(a.reserved, r.Path)
	metrics.ReservationsActive.Dec()
}

// Exists confirms whether path is already on disk.
func (a *Arena) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Produced returns the file an identical earlier request wrote into dir, if it is still there.
func (a *Arena) Produced(dir, fingerprint string) (string, bool) {
	if fingerprint == "" {
		return "", false
	}
	a.mu.Lock()
	l := a.ledger(dir)
	name, ok := l.Produced[fingerprint]
	a.mu.Unlock()
	if !ok {
		return "", false
	}
	path := filepath.Join(dir, name)
	if !a.Exists(path) {
		return "", false
	}
	return path, true
}

// Commit records that r's file was produced for fingerprint.
func (a *Arena) Commit(r *Reservation, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	l := a.ledger(r.Dir)
	l.Produced[fingerprint] = r.Filename
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	tmp := filepath.Join(r.Dir, LedgerFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(r.Dir, LedgerFile))
}

// ledger loads dir's ledger once. Callers hold a.mu.
func (a *Arena) ledger(dir string) *Ledger {
	if l, ok := a.ledgers[dir]; ok {
		return l
	}
	l := &Ledger{}
	path := filepath.Join(dir, LedgerFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, l); err != nil {
			a.log.Warn("ignoring unreadable output ledger, repeat requests will be composed again",
				zap.String("path", path), zap.Error(err))
			l = &Ledger{}
		}
	case !errors.Is(err, os.ErrNotExist):
		a.log.Warn("could not read output ledger", zap.String("path", path), zap.Error(err))
	}
	if l.Produced == nil {
		l.Produced = make(map[string]string)
	}
	a.ledgers[dir] = l
	return l
}
