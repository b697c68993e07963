package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jingkaihe/skillrunner/pkg/presenter"
	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// RunConfig holds the flags of the run command
type RunConfig struct {
	Context     string
	ContextFile string
	UseCache    bool
	Timeout     time.Duration
	CacheTTL    time.Duration
	Output      string
}

// NewRunConfig creates a new RunConfig with default values
func NewRunConfig() *RunConfig {
	return &RunConfig{
		UseCache: true,
		Output:   "payload",
	}
}

var runCmd = &cobra.Command{
	Use:   "run <skill>",
	Short: "Execute a skill",
	Long: `Execute a skill with a JSON context object.

The context is read from --context, from --context-file, or from stdin when
--context-file is "-". The skill's payload is printed to stdout; use
--output record to print the complete execution record instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		runConfig := getRunConfigFromFlags(cmd)

		a, err := newApp(ctx, cfg)
		if err != nil {
			presenter.Error(err, "Failed to initialize")
			os.Exit(1)
		}
		a.arm()
		defer a.cleanup.RecoverAndExit(ctx)

		stop := a.cleanup.HandleSignals(ctx)
		defer stop()

		record, err := runSkill(ctx, a, args[0], runConfig, cmd.InOrStdin(), cmd.OutOrStdout())
		if err != nil {
			presenter.Error(err, "Failed to run skill")
			a.exit(ctx, 1)
		}

		if record.Success {
			a.exit(ctx, 0)
		}
		a.exit(ctx, 1)
	},
}

func init() {
	defaults := NewRunConfig()
	runCmd.Flags().StringP("context", "c", "", "Skill context as a JSON object")
	runCmd.Flags().StringP("context-file", "f", "", "Read the skill context from a file, or stdin with -")
	runCmd.Flags().Bool("cache", defaults.UseCache, "Serve and store results in the result cache")
	runCmd.Flags().Duration("timeout", defaults.Timeout, "Execution timeout (default from executor.timeout_ms)")
	runCmd.Flags().Duration("cache-ttl", defaults.CacheTTL, "Lifetime of the cached result (default from executor.cache_ttl_ms)")
	runCmd.Flags().StringP("output", "o", defaults.Output, "Output mode (payload, record)")
}

func getRunConfigFromFlags(cmd *cobra.Command) *RunConfig {
	config := NewRunConfig()

	if context, err := cmd.Flags().GetString("context"); err == nil {
		config.Context = context
	}
	if contextFile, err := cmd.Flags().GetString("context-file"); err == nil {
		config.ContextFile = contextFile
	}
	if useCache, err := cmd.Flags().GetBool("cache"); err == nil {
		config.UseCache = useCache
	}
	if timeout, err := cmd.Flags().GetDuration("timeout"); err == nil {
		config.Timeout = timeout
	}
	if cacheTTL, err := cmd.Flags().GetDuration("cache-ttl"); err == nil {
		config.CacheTTL = cacheTTL
	}
	if output, err := cmd.Flags().GetString("output"); err == nil {
		config.Output = output
	}

	return config
}

// readContext returns the raw JSON context selected by the flags. No
// context yields nil, which the executor treats as an empty object.
func readContext(runConfig *RunConfig, stdin io.Reader) (json.RawMessage, error) {
	if runConfig.Context != "" && runConfig.ContextFile != "" {
		return nil, errors.New("--context and --context-file are mutually exclusive")
	}

	switch {
	case runConfig.Context != "":
		return json.RawMessage(runConfig.Context), nil
	case runConfig.ContextFile == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read context from stdin")
		}
		return json.RawMessage(data), nil
	case runConfig.ContextFile != "":
		data, err := os.ReadFile(runConfig.ContextFile)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read context file %s", runConfig.ContextFile)
		}
		return json.RawMessage(data), nil
	}
	return nil, nil
}

func runSkill(ctx context.Context, a *app, skillName string, runConfig *RunConfig, stdin io.Reader, stdout io.Writer) (*skilltypes.ExecutionRecord, error) {
	if runConfig.Output != "payload" && runConfig.Output != "record" {
		return nil, errors.Errorf("invalid output mode %q, must be payload or record", runConfig.Output)
	}

	rawContext, err := readContext(runConfig, stdin)
	if err != nil {
		return nil, err
	}

	var skillContext any
	if rawContext != nil {
		skillContext = rawContext
	}

	record := a.executor.Execute(ctx, skillName, skillContext, skilltypes.Options{
		UseCache: runConfig.UseCache,
		Timeout:  runConfig.Timeout,
		CacheTTL: runConfig.CacheTTL,
	})

	if err := printRecord(stdout, record, runConfig.Output); err != nil {
		return record, err
	}
	presenter.Record(record)
	return record, nil
}

func printRecord(w io.Writer, record *skilltypes.ExecutionRecord, mode string) error {
	var v any = record
	if mode == "payload" {
		if !record.Success {
			return nil
		}
		v = record.Result.Payload()
	}

	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	fmt.Fprintln(w, string(out))
	return nil
}
