package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/askdata/conductor/cmd/conductor/commands"
	"github.com/askdata/conductor/logger"
)

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - graph-orchestrated question answering",
	Long: `Conductor runs a question-answering pipeline as a DAG of modules over a
shared broker. Each module runs as its own long-lived worker process; jobs
hop between modules through per-module queues with durable state in between.

Available commands:
  serve   - Start the websocket submission and streaming front
  worker  - Run the worker pool for one pipeline module
  submit  - Submit a question and stream its events (dry-run collaborators)
  jobs    - Inspect queues and archived jobs
  version - Show build information

Examples:
  conductor serve                          # Start the front on :8770
  conductor worker intent_validator        # Serve one module
  conductor worker sql_executor --workers 4
  conductor submit "Quantos pedidos temos hoje?"
  conductor jobs --queues`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.WorkerCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
