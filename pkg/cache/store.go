// Package cache persists skill results on disk, one JSON file per
// fingerprint, each visible only while younger than its TTL.
//
// Writes go to a temporary file in the cache directory and are renamed into
// place, so readers never observe a partial entry. Concurrent misses for the
// same fingerprint are not coordinated here: both writers succeed and the
// later rename wins.
package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/logger"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/pkg/errors"
)

const (
	// DefaultTTL applies when Put is called with a zero TTL.
	DefaultTTL = 300 * time.Second

	entryExt      = ".json"
	tempPrefix    = ".tmp-"
	dirPermission = 0o755
)

// Entry is the on-disk layout of a cache file.
type Entry struct {
	Skill     string             `json:"skill"`
	Context   json.RawMessage    `json:"context"`
	Result    *skilltypes.Result `json:"result"`
	CreatedAt int64              `json:"createdAt"` // unix milliseconds
	TTL       int64              `json:"ttl"`       // milliseconds
}

// Expired reports whether the entry is no longer visible at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.UnixMilli()-e.CreatedAt >= e.TTL
}

// Store is a directory-backed result cache
type Store struct {
	dir        string
	defaultTTL time.Duration
	now        func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithDefaultTTL overrides DefaultTTL
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates the cache directory if needed and returns a Store over it
func NewStore(dir string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve cache directory %s", dir)
	}
	if err := os.MkdirAll(abs, dirPermission); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	s := &Store{
		dir:        abs,
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute cache directory
func (s *Store) Dir() string {
	return s.dir
}

// DefaultTTL returns the TTL used when Put receives zero
func (s *Store) DefaultTTL() time.Duration {
	return s.defaultTTL
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+entryExt)
}

// Get returns the live result cached for skillName and context. Expired or
// unreadable entries are deleted and reported as absent.
func (s *Store) Get(ctx context.Context, skillName string, skillContext map[string]any) (*skilltypes.Result, bool, error) {
	key, err := Fingerprint(skillName, skillContext)
	if err != nil {
		return nil, false, err
	}

	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "failed to read cache entry")
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Result == nil {
		logger.G(ctx).WithField("key", key).Warn("discarding corrupt cache entry")
		s.remove(ctx, path)
		return nil, false, nil
	}

	now := s.now()
	if entry.Expired(now) {
		s.remove(ctx, path)
		return nil, false, nil
	}

	// Record the access so size-based reclaim evicts least recently used first.
	if info, err := os.Stat(path); err == nil {
		_ = os.Chtimes(path, now, info.ModTime())
	}

	return entry.Result, true, nil
}

// Put stores result for skillName and context, replacing any previous entry.
// A zero ttl uses the store default.
func (s *Store) Put(ctx context.Context, skillName string, skillContext map[string]any, result *skilltypes.Result, ttl time.Duration) error {
	if result == nil {
		return errors.New("cannot cache a nil result")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	key, err := Fingerprint(skillName, skillContext)
	if err != nil {
		return err
	}
	canonical, err := Canonicalize(skillContext)
	if err != nil {
		return errors.Wrap(err, "failed to canonicalize context")
	}

	data, err := json.Marshal(Entry{
		Skill:     skillName,
		Context:   canonical,
		Result:    result,
		CreatedAt: s.now().UnixMilli(),
		TTL:       ttl.Milliseconds(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal cache entry")
	}

	if err := os.MkdirAll(s.dir, dirPermission); err != nil {
		return errors.Wrap(err, "failed to create cache directory")
	}

	tmp, err := os.CreateTemp(s.dir, tempPrefix+key+"-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary cache file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to write cache entry")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to close cache entry")
	}

	// Rename to final file (this is atomic on most systems)
	if err := os.Rename(tmpPath, s.path(key)); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "failed to place cache entry")
	}

	logger.G(ctx).WithField("skill", skillName).WithField("key", key).WithField("ttl", ttl).Debug("cached skill result")
	return nil
}

// Delete removes the entry for skillName and context if present
func (s *Store) Delete(ctx context.Context, skillName string, skillContext map[string]any) error {
	key, err := Fingerprint(skillName, skillContext)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to delete cache entry")
	}
	return nil
}

func (s *Store) remove(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.G(ctx).WithError(err).WithField("path", path).Warn("failed to remove cache entry")
	}
}

// Stats summarizes the cache directory
type Stats struct {
	Dir        string `json:"dir"`
	Entries    int    `json:"entries"`
	Expired    int    `json:"expired"`
	TotalBytes int64  `json:"totalBytes"`
}

// Stats scans the cache directory without modifying it
func (s *Store) Stats() (Stats, error) {
	stats := Stats{Dir: s.dir}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, errors.Wrap(err, "failed to read cache directory")
	}

	now := s.now()
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) || strings.HasPrefix(de.Name(), tempPrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.TotalBytes += info.Size()

		data, err := os.ReadFile(filepath.Join(s.dir, de.Name()))
		if err != nil {
			continue
		}
		var entry Entry
		if json.Unmarshal(data, &entry) != nil || entry.Expired(now) {
			stats.Expired++
		}
	}

	return stats, nil
}

// Clear deletes every entry in the cache directory and returns how many
// were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to read cache directory")
	}

	removed := 0
	for _, de := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, de.Name())); err != nil {
			logger.G(ctx).WithError(err).WithField("entry", de.Name()).Warn("failed to clear cache entry")
			continue
		}
		removed++
	}
	return removed, nil
}
