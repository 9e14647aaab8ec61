package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"queue-rebirth/internal/api"
	"queue-rebirth/internal/config"
	"queue-rebirth/internal/rebirth"
	"queue-rebirth/internal/scheduler"
	"queue-rebirth/internal/stats"
	"queue-rebirth/internal/telemetry"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan run queues, reset crashed requests and optionally resurrect runs",
		Long: `Scan the request queue of every selected run and reset requests whose
execution crashed. Runs are selected by id (--run-id) and/or by an actor or
actor task id with an optional start date window.

Examples:
  # Reset crashed requests in two runs
  rebirth run --run-id abc123 --run-id def456

  # All runs of an actor started in January, then resurrect them
  rebirth run --actor-or-task-id my-actor --date-from 2024-01-01 --date-to 2024-01-31 --resurrect

  # Read the input record from a file
  rebirth run --input input.json`,
		Args: cobra.NoArgs,
		RunE: runRebirth,
	}

	f := cmd.Flags()
	f.String("input", "", "Input record file (json or yaml)")
	f.StringSlice("run-id", nil, "Run id to process (repeatable)")
	f.String("actor-or-task-id", "", "Actor or actor task whose runs to process")
	f.String("date-from", "", "Only runs started at or after this date (YYYY-MM-DD or RFC 3339)")
	f.String("date-to", "", "Only runs started at or before this date (YYYY-MM-DD or RFC 3339)")
	f.Bool("resurrect", false, "Resurrect runs that received resets and wait for them")
	f.Int("resurrect-concurrency", 1, "Runs resurrected and awaited at once")
	f.String("resurrect-build", "", "Build to resurrect runs with")
	f.String("token", "", "API token, overrides the configured one")
	return cmd
}

// readInput loads --input and applies the flags that were set on top of it.
func readInput(cmd *cobra.Command) (config.Input, error) {
	path, _ := cmd.Flags().GetString("input")
	in, err := config.LoadInput(path)
	if err != nil {
		return config.Input{}, err
	}

	f := cmd.Flags()
	if f.Changed("run-id") {
		ids, _ := f.GetStringSlice("run-id")
		in.RunIDs = append(in.RunIDs, ids...)
	}
	if f.Changed("actor-or-task-id") {
		in.ActorOrTaskID, _ = f.GetString("actor-or-task-id")
	}
	if f.Changed("date-from") {
		in.DateFrom, _ = f.GetString("date-from")
	}
	if f.Changed("date-to") {
		in.DateTo, _ = f.GetString("date-to")
	}
	if f.Changed("resurrect") {
		in.ResurrectRuns, _ = f.GetBool("resurrect")
	}
	if f.Changed("resurrect-concurrency") {
		in.ResurrectRunsConcurrency, _ = f.GetInt("resurrect-concurrency")
	}
	if f.Changed("resurrect-build") {
		in.ResurrectBuildName, _ = f.GetString("resurrect-build")
	}
	if f.Changed("token") {
		in.Token, _ = f.GetString("token")
	}
	return in, in.Validate()
}

func runRebirth(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	in, err := readInput(cmd)
	if err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString("config")
	a, err := newApp(configFile, in.Token)
	if err != nil {
		return err
	}
	defer a.close()

	telemetry.Register()

	backend, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	pub, err := a.publisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	scanQ, resQ, durable := a.queues()
	st := stats.NewStore(backend, a.stateKey(), a.logger)

	svc, err := rebirth.New(rebirth.Options{
		Config:         a.cfg,
		Input:          in,
		Platform:       a.client,
		Stats:          st,
		ScanQueue:      scanQ,
		ResurrectQueue: resQ,
		Resume:         durable,
		Events:         pub,
		Logger:         a.logger,
	})
	if err != nil {
		return err
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srvCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		server := api.New(st, svc.Phase, a.logger)
		go func() {
			if err := server.Serve(srvCtx, addr); err != nil {
				a.logger.Warn("Status server stopped", zap.Error(err))
			}
		}()
	}

	a.logger.Info("Starting rebirth",
		zap.Int("run_ids", len(in.RunIDs)),
		zap.String("actor_or_task_id", in.ActorOrTaskID),
		zap.Bool("resurrect", in.ResurrectRuns),
		zap.String("queue_backend", a.cfg.Queue.Backend),
		zap.String("state_backend", a.cfg.State.Backend))

	report, err := svc.Run(ctx)
	if report != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			a.logger.Warn("Write report failed", zap.Error(encErr))
		}
	}
	if scheduler.IsCancelled(err) && durable {
		a.logger.Info("Rebirth interrupted, rerun with the same state id to resume",
			zap.String("state_id", a.cfg.State.ID))
	}
	return err
}
