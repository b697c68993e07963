package cleanup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/pkg/errors"
)

// ReclaimStats reports what a reclaim pass removed. Errors holds the
// per-entry failures; they never abort the pass.
type ReclaimStats struct {
	Scanned    int               `json:"scanned"`
	Removed    int               `json:"removed"`
	FreedBytes int64             `json:"freedBytes"`
	TotalBytes int64             `json:"totalBytes"` // bytes left after the pass
	Errors     *multierror.Error `json:"-"`
}

// ErrorCount returns the number of per-entry failures
func (s ReclaimStats) ErrorCount() int {
	if s.Errors == nil {
		return 0
	}
	return len(s.Errors.Errors)
}

type cacheEntry struct {
	path       string
	size       int64
	modTime    time.Time
	accessTime time.Time
}

// scanEntries lists the top-level entries of dir with their recursive size
func scanEntries(dir string) ([]cacheEntry, *multierror.Error, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrapf(err, "failed to read cache directory %s", dir)
	}

	var errs *multierror.Error
	entries := make([]cacheEntry, 0, len(des))
	for _, de := range des {
		path := filepath.Join(dir, de.Name())
		info, err := os.Lstat(path)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "failed to stat %s", path))
			continue
		}
		size, err := entrySize(path, info)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		entries = append(entries, cacheEntry{
			path:       path,
			size:       size,
			modTime:    info.ModTime(),
			accessTime: accessTime(info),
		})
	}
	return entries, errs, nil
}

func entrySize(path string, info os.FileInfo) (int64, error) {
	if !info.IsDir() {
		return info.Size(), nil
	}

	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		total += fi.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to size %s", path)
	}
	return total, nil
}

// ReclaimByAge deletes every top-level cache entry whose modification time
// is older than maxAge.
func (m *Manager) ReclaimByAge(ctx context.Context, maxAge time.Duration) (ReclaimStats, error) {
	entries, errs, err := scanEntries(m.dir)
	if err != nil {
		return ReclaimStats{}, err
	}

	stats := ReclaimStats{Scanned: len(entries), Errors: errs}
	now := m.now()
	for _, e := range entries {
		stats.TotalBytes += e.size
		if now.Sub(e.modTime) <= maxAge {
			continue
		}
		if err := os.RemoveAll(e.path); err != nil {
			stats.Errors = multierror.Append(stats.Errors, errors.Wrapf(err, "failed to remove %s", e.path))
			continue
		}
		stats.Removed++
		stats.FreedBytes += e.size
	}
	stats.TotalBytes -= stats.FreedBytes

	m.logStats(ctx, "age", stats)
	return stats, nil
}

// ReclaimBySize deletes the least recently accessed entries until the cache
// directory holds at most maxSize bytes.
func (m *Manager) ReclaimBySize(ctx context.Context, maxSize int64) (ReclaimStats, error) {
	entries, errs, err := scanEntries(m.dir)
	if err != nil {
		return ReclaimStats{}, err
	}

	stats := ReclaimStats{Scanned: len(entries), Errors: errs}
	for _, e := range entries {
		stats.TotalBytes += e.size
	}
	if stats.TotalBytes <= maxSize {
		return stats, nil
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].accessTime.Before(entries[j].accessTime)
	})

	current := stats.TotalBytes
	for _, e := range entries {
		if current <= maxSize {
			break
		}
		if err := os.RemoveAll(e.path); err != nil {
			stats.Errors = multierror.Append(stats.Errors, errors.Wrapf(err, "failed to remove %s", e.path))
			continue
		}
		current -= e.size
		stats.Removed++
		stats.FreedBytes += e.size
	}

	stats.TotalBytes = current

	m.logStats(ctx, "size", stats)
	return stats, nil
}

func (m *Manager) logStats(ctx context.Context, strategy string, stats ReclaimStats) {
	log := logger.G(ctx).
		WithField("strategy", strategy).
		WithField("removed", stats.Removed).
		WithField("freed_bytes", stats.FreedBytes)
	if stats.Errors != nil {
		for _, err := range stats.Errors.Errors {
			logger.G(ctx).WithError(err).Warn("failed to reclaim cache entry")
		}
		log = log.WithField("errors", len(stats.Errors.Errors))
	}
	log.Debug("cache reclaim completed")
}
