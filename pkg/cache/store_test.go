package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := NewStore(t.TempDir(), WithClock(clock.Now))
	require.NoError(t, err)
	return store, clock
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"operation":"scan","opts":{"x":1,"y":[1,{"b":2,"a":1}]}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"opts":{"y":[1,{"a":1,"b":2}],"x":1},"operation":"scan"}`), &b))

	ka, err := Fingerprint("tech-debt-tracker", a)
	require.NoError(t, err)
	kb, err := Fingerprint("tech-debt-tracker", b)
	require.NoError(t, err)
	assert.Equal(t, ka, kb)
	assert.Len(t, ka, 64)

	kc, err := Fingerprint("security-scanner", a)
	require.NoError(t, err)
	assert.NotEqual(t, ka, kc)

	kd, err := Fingerprint("tech-debt-tracker", map[string]any{"operation": "analyze"})
	require.NoError(t, err)
	assert.NotEqual(t, ka, kd)
}

func TestCanonicalize(t *testing.T) {
	out, err := Canonicalize(map[string]any{"b": 1, "a": []any{true, nil, "s"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null,"s"],"b":1}`, string(out))
}

func TestStore_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"operation": "scan"}
	result := skilltypes.StructuredResult(map[string]any{"success": true, "count": float64(3)})

	require.NoError(t, store.Put(ctx, "tech-debt-tracker", input, result, time.Minute))

	got, ok, err := store.Get(ctx, "tech-debt-tracker", input)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, result, got)
}

func TestStore_TextResultRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{}

	require.NoError(t, store.Put(ctx, "echo-skill", input, skilltypes.TextResult("hello"), 0))

	got, ok, err := store.Get(ctx, "echo-skill", input)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, skilltypes.ResultText, got.Type)
	assert.Equal(t, map[string]any{"output": "hello"}, got.Payload())
}

func TestStore_ExpiryRemovesEntry(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"operation": "scan"}

	require.NoError(t, store.Put(ctx, "tech-debt-tracker", input, skilltypes.TextResult("x"), time.Second))
	key, err := Fingerprint("tech-debt-tracker", input)
	require.NoError(t, err)

	clock.Advance(999 * time.Millisecond)
	_, ok, err := store.Get(ctx, "tech-debt-tracker", input)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(time.Millisecond)
	_, ok, err = store.Get(ctx, "tech-debt-tracker", input)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = os.Stat(filepath.Join(store.Dir(), key+".json"))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_DefaultTTL(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store, err := NewStore(t.TempDir(), WithClock(clock.Now), WithDefaultTTL(2*time.Second))
	require.NoError(t, err)
	ctx := context.Background()
	input := map[string]any{"a": "b"}

	require.NoError(t, store.Put(ctx, "some-skill", input, skilltypes.TextResult("x"), 0))

	clock.Advance(time.Second)
	_, ok, _ := store.Get(ctx, "some-skill", input)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = store.Get(ctx, "some-skill", input)
	assert.False(t, ok)
}

func TestStore_PutOverwrites(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"n": 1}

	require.NoError(t, store.Put(ctx, "some-skill", input, skilltypes.TextResult("first"), time.Minute))
	require.NoError(t, store.Put(ctx, "some-skill", input, skilltypes.TextResult("second"), time.Minute))

	got, ok, err := store.Get(ctx, "some-skill", input)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.Text)

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files may be left behind")
}

func TestStore_CorruptEntryIsAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"n": 1}
	key, err := Fingerprint("some-skill", input)
	require.NoError(t, err)
	path := filepath.Join(store.Dir(), key+".json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, ok, err := store.Get(ctx, "some-skill", input)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_EntryLayout(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"b": 2, "a": 1}

	require.NoError(t, store.Put(ctx, "some-skill", input, skilltypes.TextResult("x"), 5*time.Second))
	key, err := Fingerprint("some-skill", input)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(store.Dir(), key+".json"))
	require.NoError(t, err)

	var entry Entry
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "some-skill", entry.Skill)
	assert.JSONEq(t, `{"a":1,"b":2}`, string(entry.Context))
	assert.Equal(t, clock.Now().UnixMilli(), entry.CreatedAt)
	assert.Equal(t, int64(5000), entry.TTL)
}

func TestStore_StatsDeleteAndClear(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "skill-one", map[string]any{"i": 1}, skilltypes.TextResult("a"), time.Second))
	require.NoError(t, store.Put(ctx, "skill-two", map[string]any{"i": 2}, skilltypes.TextResult("b"), time.Hour))
	require.NoError(t, store.Put(ctx, "skill-three", map[string]any{"i": 3}, skilltypes.TextResult("c"), time.Hour))
	clock.Advance(2 * time.Second)

	stats, err := store.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 1, stats.Expired)
	assert.Positive(t, stats.TotalBytes)

	require.NoError(t, store.Delete(ctx, "skill-two", map[string]any{"i": 2}))
	require.NoError(t, store.Delete(ctx, "skill-two", map[string]any{"i": 2}))

	removed, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err = store.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
}

func TestStore_ConcurrentWritersLeaveCompleteEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	input := map[string]any{"operation": "scan"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Put(ctx, "race-skill", input, skilltypes.StructuredResult(map[string]any{"writer": float64(i)}), time.Minute))
		}(i)
	}
	wg.Wait()

	got, ok, err := store.Get(ctx, "race-skill", input)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, got.Value.(map[string]any), "writer")
}
