package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEntry(t *testing.T, dir, name string, size int, mtime, atime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644))
	require.NoError(t, os.Chtimes(path, atime, mtime))
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestReclaimByAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := writeEntry(t, dir, "old.json", 100, now.Add(-2*time.Hour), now.Add(-2*time.Hour))
	fresh := writeEntry(t, dir, "fresh.json", 50, now.Add(-time.Minute), now.Add(-time.Minute))

	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(filepath.Join(nested, "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "inner", "blob"), []byte(strings.Repeat("y", 30)), 0o644))
	require.NoError(t, os.Chtimes(nested, now.Add(-3*time.Hour), now.Add(-3*time.Hour)))

	m := NewManager(dir, Config{}, WithClock(func() time.Time { return now }))
	stats, err := m.ReclaimByAge(context.Background(), time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, int64(130), stats.FreedBytes)
	assert.Equal(t, int64(50), stats.TotalBytes)
	assert.Zero(t, stats.ErrorCount())

	assert.False(t, exists(old))
	assert.False(t, exists(nested))
	assert.True(t, exists(fresh))
}

func TestReclaimBySize_EvictsLeastRecentlyAccessed(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	mtime := now.Add(-time.Minute)

	a := writeEntry(t, dir, "a.json", 100, mtime, now.Add(-30*time.Minute))
	b := writeEntry(t, dir, "b.json", 100, mtime, now.Add(-10*time.Minute))
	c := writeEntry(t, dir, "c.json", 100, mtime, now.Add(-20*time.Minute))

	m := NewManager(dir, Config{})
	stats, err := m.ReclaimBySize(context.Background(), 150)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, int64(200), stats.FreedBytes)
	assert.Equal(t, int64(100), stats.TotalBytes)
	assert.False(t, exists(a))
	assert.False(t, exists(c))
	assert.True(t, exists(b))
}

func TestReclaimBySize_UnderLimitIsNoop(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	a := writeEntry(t, dir, "a.json", 100, now, now)

	m := NewManager(dir, Config{})
	stats, err := m.ReclaimBySize(context.Background(), 1000)
	require.NoError(t, err)
	assert.Zero(t, stats.Removed)
	assert.True(t, exists(a))
}

func TestReclaim_MissingDirectory(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "missing"), DefaultConfig())
	stats, err := m.Reclaim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Scanned)
}

func TestReclaim_RunsBothPasses(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := writeEntry(t, dir, "old.json", 10, now.Add(-48*time.Hour), now.Add(-48*time.Hour))
	lru := writeEntry(t, dir, "lru.json", 100, now, now.Add(-time.Hour))
	mru := writeEntry(t, dir, "mru.json", 100, now, now)

	m := NewManager(dir, Config{MaxAge: 24 * time.Hour, MaxSize: 150}, WithClock(func() time.Time { return now }))
	stats, err := m.Reclaim(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Removed)
	assert.Equal(t, int64(110), stats.FreedBytes)
	assert.False(t, exists(old))
	assert.False(t, exists(lru))
	assert.True(t, exists(mru))
}

func TestStartStop(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := writeEntry(t, dir, "old.json", 10, now.Add(-48*time.Hour), now.Add(-48*time.Hour))

	m := NewManager(dir, Config{MaxAge: time.Hour, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	m.Start(ctx)
	require.Eventually(t, func() bool { return !exists(old) }, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestShutdown_RunsEachHandlerOnceInOrder(t *testing.T) {
	m := NewManager(t.TempDir(), Config{})

	var mu sync.Mutex
	var calls []string
	record := func(name string, err error) Handler {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return err
		}
	}

	m.RegisterHandler("first", record("first", nil))
	m.RegisterHandler("failing", record("failing", errors.New("boom")))
	m.RegisterHandler("panicking", func(context.Context) error {
		mu.Lock()
		calls = append(calls, "panicking")
		mu.Unlock()
		panic("handler exploded")
	})
	m.RegisterHandler("last", record("last", nil))

	err := m.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "handler exploded")

	err2 := m.Shutdown(context.Background())
	assert.Equal(t, err, err2)

	assert.Equal(t, []string{"first", "failing", "panicking", "last"}, calls)
}

func TestShutdown_ConcurrentCallsRunOnce(t *testing.T) {
	m := NewManager(t.TempDir(), Config{})

	var mu sync.Mutex
	count := 0
	m.RegisterHandler("count", func(context.Context) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Shutdown(context.Background()))
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, count)
}

func TestRecoverAndExit(t *testing.T) {
	exitCode := -1
	m := NewManager(t.TempDir(), Config{}, WithExit(func(code int) { exitCode = code }))
	ran := false
	m.RegisterHandler("flag", func(context.Context) error {
		ran = true
		return nil
	})

	func() {
		defer m.RecoverAndExit(context.Background())
		panic("fault")
	}()

	assert.True(t, ran)
	assert.Equal(t, 1, exitCode)
}

func TestRecoverAndExit_NoPanic(t *testing.T) {
	exited := false
	m := NewManager(t.TempDir(), Config{}, WithExit(func(int) { exited = true }))

	func() {
		defer m.RecoverAndExit(context.Background())
	}()

	assert.False(t, exited)
}

func TestHandleSignals(t *testing.T) {
	exitCh := make(chan int, 1)
	m := NewManager(t.TempDir(), Config{}, WithExit(func(code int) { exitCh <- code }))
	handled := make(chan struct{}, 1)
	m.RegisterHandler("flag", func(context.Context) error {
		handled <- struct{}{}
		return nil
	})

	stop := m.HandleSignals(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))

	select {
	case code := <-exitCh:
		assert.Equal(t, 0, code)
	case <-time.After(5 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	assert.Len(t, handled, 1)
}

func TestWatch_ReclaimsWhenOverSize(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, Config{MaxSize: 150})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx, 20*time.Millisecond) }()

	// Give the watcher time to register before producing events.
	time.Sleep(100 * time.Millisecond)
	now := time.Now()
	writeEntry(t, dir, "a.json", 100, now, now.Add(-time.Hour))
	writeEntry(t, dir, "b.json", 100, now, now)

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatch_DisabledWithoutMaxSize(t *testing.T) {
	m := NewManager(t.TempDir(), Config{})
	assert.NoError(t, m.Watch(context.Background(), 0))
}
