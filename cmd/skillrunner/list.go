package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/jingkaihe/skillrunner/pkg/presenter"
	"github.com/jingkaihe/skillrunner/pkg/skills"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type skillListing struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Directory   string `json:"directory" yaml:"directory"`
}

var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List available skills",
	Long:  `List the skills under the skills directory, optionally filtered by a glob pattern such as "data-*".`,
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")

		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}

		discovery, err := skills.NewDiscovery(skills.WithRoot(cfg.SkillsDir))
		if err != nil {
			presenter.Error(err, "Failed to open skills directory")
			os.Exit(1)
		}

		found, err := discovery.List(ctx, pattern)
		if err != nil {
			presenter.Error(err, "Failed to list skills")
			os.Exit(1)
		}

		if err := printSkills(cmd.OutOrStdout(), found, format); err != nil {
			presenter.Error(err, "Failed to print skills")
			os.Exit(1)
		}
	},
}

func init() {
	listCmd.Flags().String("format", "text", "Output format (text, json, yaml)")
}

func printSkills(w io.Writer, found []*skills.Skill, format string) error {
	listings := make([]skillListing, 0, len(found))
	for _, s := range found {
		listings = append(listings, skillListing{
			Name:        s.Name,
			Description: s.Description,
			Directory:   s.Directory,
		})
	}

	switch format {
	case "json":
		out, err := json.MarshalIndent(listings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode skills")
		}
		fmt.Fprintln(w, string(out))
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		if err := enc.Encode(listings); err != nil {
			return errors.Wrap(err, "failed to encode skills")
		}
	case "text":
		if len(listings) == 0 {
			fmt.Fprintln(w, "No skills found")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tDESCRIPTION")
		for _, l := range listings {
			fmt.Fprintf(tw, "%s\t%s\n", l.Name, l.Description)
		}
		return tw.Flush()
	default:
		return errors.Errorf("unknown format %q", format)
	}
	return nil
}
