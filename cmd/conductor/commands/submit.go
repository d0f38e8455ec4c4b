package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

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

// SubmitCmd submits one question and streams its events
var SubmitCmd = &cobra.Command{
	Use:   "submit <question>",
	Short: "Submit a question and stream its events",
	Long: `Submits a question to a running front over its websocket and prints the
job's event stream until it finishes.

With --dry the whole pipeline runs in-process against an in-memory broker
and the deterministic stub collaborators; no front or Redis is needed.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	SubmitCmd.Flags().String("addr", "", "Front address host:port (default localhost:<config port>)")
	SubmitCmd.Flags().String("user", "", "Submitting user")
	SubmitCmd.Flags().String("project", "", "Project the question belongs to")
	SubmitCmd.Flags().Bool("auto-confirm", true, "Skip the interactive plan confirmation")
	SubmitCmd.Flags().Bool("dry", false, "Run the pipeline in-process with stub collaborators")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	question := args[0]
	if dry, _ := cmd.Flags().GetBool("dry"); dry {
		return runSubmitDry(cmd, question)
	}
	return runSubmitRemote(cmd, question)
}

// runSubmitRemote talks to a running front over its websocket
func runSubmitRemote(cmd *cobra.Command, question string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = "localhost:" + strconv.Itoa(cfg.Server.Port)
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to front at %s", addr)
	}
	defer conn.Close()

	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")
	autoConfirm, _ := cmd.Flags().GetBool("auto-confirm")

	start := map[string]interface{}{
		"type":         "start_job",
		"question":     question,
		"user":         user,
		"project":      project,
		"auto_confirm": autoConfirm,
	}
	if err := conn.WriteJSON(start); err != nil {
		return errors.Wrap(err, "failed to submit question")
	}

	// Interrupt closes the connection; the job itself keeps running
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, "event stream closed")
		}
		ev, err := event.Decode(raw)
		if err != nil {
			continue
		}
		printEvent(ev)
		if ev.Kind == event.KindJobCompleted || ev.Kind == event.KindError {
			return nil
		}
	}
}

// runSubmitDry runs the pipeline end to end inside this process
func runSubmitDry(cmd *cobra.Command, question string) error {
	log := logger.Logger

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	gw := broker.NewMemoryGateway()
	defer gw.Close()

	reg, err := graph.Pipeline()
	if err != nil {
		return err
	}
	store := job.NewStore(gw, cfg.JobRetention(), log)
	emitter := event.NewEmitter(gw, log)
	handlers, err := pipeline.Handlers(&pipeline.StubModel{}, &pipeline.StubWarehouse{})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	var runtimes []*worker.Runtime
	for _, module := range reg.Names() {
		rt, err := worker.NewRuntime(ctx, gw, store, reg, handlers.Get(module), emitter, worker.Options{
			Module:               module,
			Workers:              1,
			PopTimeout:           200 * time.Millisecond,
			ModuleDeadline:       cfg.ModuleDeadline(),
			WaitingTTL:           cfg.WaitingTTL(),
			MaxTransientAttempts: cfg.Worker.MaxTransientAttempts,
		}, log)
		if err != nil {
			return err
		}
		rt.Start()
		runtimes = append(runtimes, rt)
	}
	defer func() {
		for _, rt := range runtimes {
			rt.Stop()
		}
	}()

	user, _ := cmd.Flags().GetString("user")
	project, _ := cmd.Flags().GetString("project")

	j, err := store.Create(ctx, reg.First(), job.State{
		pipeline.KeyQuestion: question,
		"user":               user,
		"project":            project,
		graph.KeyAutoConfirm: true, // nobody is here to confirm a plan
	})
	if err != nil {
		return err
	}

	sub, err := gw.Subscribe(ctx, broker.EventsChannel(j.ID))
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := gw.Push(ctx, broker.QueueName(reg.First()), job.EncodeQueuePayload(j.ID)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "dry run did not finish")
		case raw, ok := <-sub.Channel():
			if !ok {
				return errors.New("event stream closed before the job finished")
			}
			ev, err := event.Decode(raw)
			if err != nil {
				continue
			}
			printEvent(ev)
			if ev.Kind == event.KindJobCompleted || ev.Kind == event.KindError {
				final, err := store.Load(ctx, j.ID)
				if err == nil {
					fmt.Println()
					fmt.Println(final.State.String(pipeline.KeyAnswer))
				}
				return nil
			}
		}
	}
}

// printEvent renders one event line for the terminal
func printEvent(ev event.Event) {
	switch ev.Kind {
	case event.KindNeedInput:
		payload, _ := json.Marshal(ev.PromptPayload)
		fmt.Printf("[%s] %s needs %s: %s\n", ev.Kind, ev.Module, ev.Type, payload)
	case event.KindJobCompleted:
		fmt.Printf("[%s] finished after %d hops\n", ev.Kind, ev.ExecutionChainLength)
	case event.KindError:
		fmt.Printf("[%s] %s\n", ev.Kind, ev.Message)
	default:
		if ev.Message != "" {
			fmt.Printf("[%s] %s: %s\n", ev.Kind, ev.Module, ev.Message)
		} else {
			fmt.Printf("[%s] %s\n", ev.Kind, ev.Module)
		}
	}
}
