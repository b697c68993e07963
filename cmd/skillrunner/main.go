package main

import (
	"fmt"
	"os"

	"github.com/jingkaihe/skillrunner/pkg/config"
	"github.com/jingkaihe/skillrunner/pkg/logger"
	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfg *config.Config

func init() {
	if err := config.Init(viper.GetViper()); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %s\n", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "skillrunner",
	Short: "Run sandboxed skills with caching and bounded concurrency",
	Long: `skillrunner executes named skills (scripts under a skills directory) with
path containment, context sanitization, a global concurrency ceiling, a TTL
result cache and guaranteed cleanup of processes and cache storage.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		cfg = loaded

		if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
			return err
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
			presenter.SetQuiet(true)
		}
		return nil
	},
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

func main() {
	flags := rootCmd.PersistentFlags()
	flags.String("skills-dir", "", "Directory containing skills (default ./skills)")
	flags.String("cache-dir", "", "Result cache directory (default ~/.skillrunner/cache)")
	flags.String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	flags.String("log-format", "fmt", "Log format (fmt, json)")
	flags.Int("max-concurrent", 0, "Maximum concurrent skill executions")
	flags.BoolP("quiet", "q", false, "Suppress informational output")

	viper.BindPFlag("skills_dir", flags.Lookup("skills-dir"))
	viper.BindPFlag("cache_dir", flags.Lookup("cache-dir"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("log_format", flags.Lookup("log-format"))
	viper.BindPFlag("executor.max_concurrent", flags.Lookup("max-concurrent"))

	rootCmd.AddCommand(withTracing(runCmd))
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(withTracing(serveCmd))
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		presenter.Error(err, "")
		os.Exit(1)
	}
}
