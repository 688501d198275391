package arbiter

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReserveSkipsExistingAndHeld(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame_001.gif"), nil, 0644))

	a := NewArena(zap.NewNop())
	r1, err := a.Reserve(dir, "frame", "gif")
	require.NoError(t, err)
	assert.Equal(t, "frame_002.gif", r1.Filename)

	r2, err := a.Reserve(dir, "frame", ".gif")
	require.NoError(t, err)
	assert.Equal(t, "frame_003.gif", r2.Filename)

	a.Release(r1)
	a.Release(r1)
	r3, err := a.Reserve(dir, "frame", "gif")
	require.NoError(t, err)
	assert.Equal(t, "frame_002.gif", r3.Filename, "released slots are reused")
}

func TestConcurrentReservationsAreDistinctAndGapFree(t *testing.T) {
	dir := t.TempDir()
	a := NewArena(zap.NewNop())

	const n = 32
	names := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := a.Reserve(dir, "Hero", "gif")
			if err != nil {
				t.Error(err)
				return
			}
			names[i] = r.Filename
		}(i)
	}
	wg.Wait()

	sort.Strings(names)
	for i, name := range names {
		assert.Equal(t, fmt.Sprintf("Hero_%03d.gif", i+1), name)
	}
}

func TestLedgerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := NewArena(zap.NewNop())

	r, err := a.Reserve(dir, "f", "gif")
	require.NoError(t, err)
	_, ok := a.Produced(dir, "fp-1")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(r.Path, []byte("GIF89a"), 0644))
	require.NoError(t, a.Commit(r, "fp-1"))
	a.Release(r)

	p, ok := a.Produced(dir, "fp-1")
	require.True(t, ok)
	assert.Equal(t, r.Path, p)

	fresh := NewArena(zap.NewNop())
	p, ok = fresh.Produced(dir, "fp-1")
	require.True(t, ok, "ledger persists across arenas")
	assert.Equal(t, r.Path, p)

	require.NoError(t, os.Remove(r.Path))
	_, ok = fresh.Produced(dir, "fp-1")
	assert.False(t, ok, "a deleted output is produced again")
}

func TestCorruptLedgerIsReportedAndReplaced(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, LedgerFile), []byte("produced: [unclosed"), 0644))

	core, logs := observer.New(zapcore.WarnLevel)
	a := NewArena(zap.New(core))

	_, ok := a.Produced(dir, "fp-1")
	assert.False(t, ok)
	require.Equal(t, 1, logs.FilterMessageSnippet("unreadable output ledger").Len())

	r, err := a.Reserve(dir, "f", "gif")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(r.Path, []byte("GIF89a"), 0644))
	require.NoError(t, a.Commit(r, "fp-1"))
	a.Release(r)

	p, ok := NewArena(zap.NewNop()).Produced(dir, "fp-1")
	require.True(t, ok, "the next commit rewrites a valid ledger")
	assert.Equal(t, r.Path, p)
}

func TestSanitizePrefix(t *testing.T) {
	assert.Equal(t, "Hero_Banner", SanitizePrefix("  Hero Banner ", "export"))
	assert.Equal(t, "a_b", SanitizePrefix("a/b", "export"))
	assert.Equal(t, "export", SanitizePrefix("***", "export"))
	assert.Equal(t, "Кадр_1", SanitizePrefix("Кадр 1", "export"))
}
