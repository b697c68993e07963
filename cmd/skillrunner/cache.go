package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/cleanup"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and reclaim the result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size and entry counts",
	Run: func(_ *cobra.Command, _ []string) {
		store, err := openStore(cfg)
		if err != nil {
			presenter.Error(err, "Failed to open cache")
			os.Exit(1)
		}

		stats, err := store.Stats()
		if err != nil {
			presenter.Error(err, "Failed to read cache")
			os.Exit(1)
		}

		presenter.Stats("cache", []presenter.Stat{
			{Label: "Dir", Value: stats.Dir},
			{Label: "Entries", Value: stats.Entries},
			{Label: "Expired", Value: stats.Expired},
			{Label: "Size", Value: formatBytes(stats.TotalBytes)},
		})
	},
}

var cacheCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Reclaim cache entries by age and size",
	Long: `Remove cache entries older than --max-age, then evict the least recently
accessed entries until the cache fits in --max-size. Both default to the
cleanup section of the configuration.`,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		maxAge, _ := cmd.Flags().GetDuration("max-age")
		maxSize, _ := cmd.Flags().GetInt64("max-size")

		if !cmd.Flags().Changed("max-age") {
			maxAge = cfg.Cleanup.MaxAge
		}
		if !cmd.Flags().Changed("max-size") {
			maxSize = cfg.Cleanup.MaxSizeBytes
		}

		manager := cleanup.NewManager(cfg.CacheDir, cleanup.Config{MaxAge: maxAge, MaxSize: maxSize})
		stats, err := manager.Reclaim(ctx)
		if err != nil {
			presenter.Error(err, "Failed to clean cache")
			os.Exit(1)
		}

		presenter.Stats("cache clean", []presenter.Stat{
			{Label: "Scanned", Value: stats.Scanned},
			{Label: "Removed", Value: stats.Removed},
			{Label: "Freed", Value: formatBytes(stats.FreedBytes)},
			{Label: "Remaining", Value: formatBytes(stats.TotalBytes)},
		})
		if n := stats.ErrorCount(); n > 0 {
			presenter.Warning(fmt.Sprintf("%d entries could not be removed, see logs", n))
		}
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache entry",
	Run: func(cmd *cobra.Command, _ []string) {
		store, err := openStore(cfg)
		if err != nil {
			presenter.Error(err, "Failed to open cache")
			os.Exit(1)
		}

		removed, err := store.Clear(cmd.Context())
		if err != nil {
			presenter.Error(err, "Failed to clear cache")
			os.Exit(1)
		}
		presenter.Success(fmt.Sprintf("Removed %d cache entries", removed))
	},
}

func init() {
	cacheCleanCmd.Flags().Duration("max-age", 24*time.Hour, "Remove entries older than this (0 disables)")
	cacheCleanCmd.Flags().Int64("max-size", 100<<20, "Cache size ceiling in bytes (0 disables)")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
