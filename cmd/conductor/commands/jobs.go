package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/askdata/conductor/archive"
	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/config"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/logger"
	"github.com/askdata/conductor/worker"
)

// JobsCmd inspects queues, live records, and the archive
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect queues and job records",
	Long: `Without flags, lists recently finished jobs from the local archive.

  --queues   print the depth of every module queue
  --id <id>  print one job record (live broker record first, then archive)`,
	RunE: runJobs,
}

func init() {
	JobsCmd.Flags().Bool("queues", false, "Print module queue depths")
	JobsCmd.Flags().String("id", "", "Print one job record as JSON")
	JobsCmd.Flags().Int("limit", 20, "Archive rows to list")
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	if showQueues, _ := cmd.Flags().GetBool("queues"); showQueues {
		gw, err := broker.NewRedisGateway(cfg.Broker.URL)
		if err != nil {
			return err
		}
		defer gw.Close()
		reg, err := graph.Pipeline()
		if err != nil {
			return err
		}
		stats, err := worker.QueueStats(ctx, gw, reg)
		if err != nil {
			return err
		}
		fmt.Println(string(worker.MarshalStats(stats)))
		return nil
	}

	if id, _ := cmd.Flags().GetString("id"); id != "" {
		j, err := loadRecord(cmd, cfg, id)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(j, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	ar, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return err
	}
	defer ar.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	rows, err := ar.List(ctx, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no archived jobs")
		return nil
	}
	for _, r := range rows {
		line := fmt.Sprintf("%s  %-9s  %-16s  hops=%d", r.ID, r.Status, r.CurrentModule, r.ChainLength)
		if r.ErrorKind != "" {
			line += "  " + r.ErrorKind
		}
		fmt.Println(line)
	}
	return nil
}

// loadRecord prefers the live broker record and falls back to the archive
func loadRecord(cmd *cobra.Command, cfg *config.Config, id string) (*job.Job, error) {
	ctx := cmd.Context()

	gw, err := broker.NewRedisGateway(cfg.Broker.URL)
	if err == nil {
		defer gw.Close()
		store := job.NewStore(gw, cfg.JobRetention(), logger.Logger)
		if j, err := store.Load(ctx, id); err == nil {
			return j, nil
		}
	}

	ar, err := archive.Open(cfg.Archive.Path)
	if err != nil {
		return nil, err
	}
	defer ar.Close()
	return ar.Get(ctx, id)
}
