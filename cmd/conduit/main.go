package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pipelinePath string
	configPath   string
	startJobs    []string
	noTrigger    bool
)

var rootCmd = &cobra.Command{
	Use:   "conduit",
	Short: "Run container jobs on schedules and cascades",
	Long: "conduit loads a pipeline of container jobs, fires them on cron or interval " +
		"schedules and on command, and enqueues each job's triggers when it finishes.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var validateCmd = &cobra.Command{
	Use:          "validate",
	Short:        "Validate the pipeline and config without running anything",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return validate(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&pipelinePath, "pipeline", "p", "", "Pipeline file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Optional config file (YAML or JSON)")
	_ = rootCmd.MarkPersistentFlagRequired("pipeline")

	rootCmd.Flags().StringArrayVarP(&startJobs, "jobs", "j", nil, "Job to trigger at start-up (repeatable)")
	rootCmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "Disable schedule-driven triggering")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
