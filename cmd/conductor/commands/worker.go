package commands

import (
	"context"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/askdata/conductor/archive"
	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/config"
	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/event"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/logger"
	"github.com/askdata/conductor/pipeline"
	"github.com/askdata/conductor/worker"
)

// WorkerCmd runs the worker pool for one or more pipeline modules
var WorkerCmd = &cobra.Command{
	Use:   "worker <module> [module...]",
	Short: "Run the worker pool for pipeline modules",
	Long: `Runs long-lived workers for the named modules. Each module gets its own
pool competing on its broker queue; several worker processes for the same
module load-balance by pop competition.

The first worker process should also run the janitor (--janitor) so crashed
hops are recovered and terminal records are archived.

Module names:
  intent_validator, plan_builder, plan_confirm, sql_generator,
  sql_executor, analysis, feedback_gate, error_responder

Use "all" to serve every module from one process.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorker,
}

func init() {
	WorkerCmd.Flags().Int("workers", 0, "Workers per module (overrides config)")
	WorkerCmd.Flags().Bool("janitor", false, "Also run the recovery janitor in this process")
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Worker.Workers = n
	}
	runJanitor, _ := cmd.Flags().GetBool("janitor")

	gw, err := broker.NewRedisGateway(cfg.Broker.URL)
	if err != nil {
		return err
	}
	defer gw.Close()
	if err := gw.Ping(cmd.Context()); err != nil {
		return err
	}

	reg, err := graph.Pipeline()
	if err != nil {
		return err
	}

	modules := args
	if len(args) == 1 && args[0] == "all" {
		modules = reg.Names()
	}

	store := job.NewStore(gw, cfg.JobRetention(), log)
	emitter := event.NewEmitter(gw, log)

	// Production collaborators plug in here; the deterministic stubs keep
	// the pipeline runnable end to end without external services.
	handlers, err := pipeline.Handlers(&pipeline.StubModel{}, &pipeline.StubWarehouse{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var runtimes []*worker.Runtime
	for _, module := range modules {
		h := handlers.Get(module)
		if h == nil {
			return errors.Newf("unknown module %s (known: %s)", module, strings.Join(reg.Names(), ", "))
		}
		rt, err := worker.NewRuntime(ctx, gw, store, reg, h, emitter, worker.Options{
			Module:               module,
			Workers:              cfg.Worker.Workers,
			PopTimeout:           cfg.PopTimeout(),
			ModuleDeadline:       cfg.ModuleDeadline(),
			WaitingTTL:           cfg.WaitingTTL(),
			MaxTransientAttempts: cfg.Worker.MaxTransientAttempts,
		}, log)
		if err != nil {
			return err
		}
		runtimes = append(runtimes, rt)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, rt := range runtimes {
		rt.Start()
	}

	if runJanitor {
		var sink worker.ArchiveSink
		if cfg.Archive.Path != "" {
			ar, err := archive.Open(cfg.Archive.Path)
			if err != nil {
				return err
			}
			defer ar.Close()
			sink = ar
		}
		jn := worker.NewJanitor(gw, store, reg, emitter, sink, worker.JanitorOptions{
			ModuleDeadline: cfg.ModuleDeadline(),
			WaitingTTL:     cfg.WaitingTTL(),
		}, log)
		g.Go(func() error {
			jn.Run(gctx)
			return nil
		})
	}

	log.Infow("Worker process started", "modules", strings.Join(modules, ","), "janitor", runJanitor)

	<-gctx.Done()
	for _, rt := range runtimes {
		rt.Stop()
	}
	return g.Wait()
}
