package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/audit"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent skill executions",
	Long: `Show recent skill executions, newest first. Records come from the SQLite
history when audit.sqlite is enabled and from the audit log otherwise.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		skill, _ := cmd.Flags().GetString("skill")
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")

		entries, err := loadHistory(ctx, limit, skill)
		if err != nil {
			presenter.Error(err, "Failed to load history")
			os.Exit(1)
		}

		if err := printHistory(cmd.OutOrStdout(), entries, format); err != nil {
			presenter.Error(err, "Failed to print history")
			os.Exit(1)
		}
	},
}

func init() {
	historyCmd.Flags().String("skill", "", "Only show executions of this skill")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of executions to show")
	historyCmd.Flags().String("format", "text", "Output format (text, json, yaml)")
}

func loadHistory(ctx context.Context, limit int, skill string) ([]audit.Entry, error) {
	if cfg.Audit.SQLite {
		store, err := audit.NewSQLiteStore(ctx, cfg.Audit.DBPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.History(ctx, limit, skill)
	}

	log, err := audit.NewFileLog(cfg.Audit.LogPath)
	if err != nil {
		return nil, err
	}
	return log.Tail(ctx, limit, skill)
}

func printHistory(w io.Writer, entries []audit.Entry, format string) error {
	switch format {
	case "json":
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode history")
		}
		fmt.Fprintln(w, string(out))
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(entries); err != nil {
			return errors.Wrap(err, "failed to encode history")
		}
	case "text":
		if len(entries) == 0 {
			fmt.Fprintln(w, "No executions recorded")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tSKILL\tSTATUS\tELAPSED\tCACHED")
		for _, e := range entries {
			status := "ok"
			if !e.Success {
				status = string(e.ErrorCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%t\n",
				e.Timestamp.Local().Format(time.DateTime), e.Skill, status, e.ElapsedMs, e.Cached)
		}
		return tw.Flush()
	default:
		return errors.Errorf("unknown format %q", format)
	}
	return nil
}
