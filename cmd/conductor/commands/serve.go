// Package commands implements the conductor CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/askdata/conductor/broker"
	"github.com/askdata/conductor/config"
	"github.com/askdata/conductor/graph"
	"github.com/askdata/conductor/job"
	"github.com/askdata/conductor/logger"
	"github.com/askdata/conductor/server"
)

// ServeCmd starts the websocket front
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket submission and streaming front",
	Long: `Starts the front that accepts questions over a websocket, enqueues them
into the pipeline, and relays each job's live event stream back to the
submitting connection.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().Int("port", 0, "Listen port (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

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
	store := job.NewStore(gw, cfg.JobRetention(), log)

	front := server.New(gw, store, reg, cfg, log)

	// Serve until interrupted, then drain
	errCh := make(chan error, 1)
	go func() { errCh <- front.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infow("Shutting down front", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return front.Shutdown(ctx)
	}
}
