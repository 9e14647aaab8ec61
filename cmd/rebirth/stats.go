package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"queue-rebirth/internal/models"
	"queue-rebirth/internal/stats"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the persisted run stats checkpoint",
		Long: `Print the RunStats checkpoint of an invocation from the configured state
backend. The invocation is selected with REBIRTH_STATE_ID or state.id.

Examples:
  REBIRTH_STATE_ID=3f0c... rebirth stats
  rebirth stats --config rebirth.yaml --run abc123`,
		Args: cobra.NoArgs,
		RunE: runStats,
	}
	cmd.Flags().String("run", "", "Only print this run")
	return cmd
}

type statsOutput struct {
	StateID string                     `json:"state_id"`
	Key     string                     `json:"key"`
	Totals  models.RunStats            `json:"totals"`
	Runs    map[string]models.RunStats `json:"runs"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configFile, _ := cmd.Flags().GetString("config")
	runID, _ := cmd.Flags().GetString("run")

	a, err := newApp(configFile, "")
	if err != nil {
		return err
	}
	defer a.close()
	if a.generatedID {
		return fmt.Errorf("state.id is required to read a checkpoint")
	}

	backend, err := a.openState(ctx)
	if err != nil {
		return err
	}
	defer backend.Close()

	st := stats.NewStore(backend, a.stateKey(), a.logger)
	if err := st.Load(ctx); err != nil {
		return err
	}

	out := statsOutput{
		StateID: a.cfg.State.ID,
		Key:     a.stateKey(),
		Totals:  st.Totals(),
		Runs:    st.Snapshot(),
	}
	if runID != "" {
		rs, ok := st.Get(runID)
		if !ok {
			return fmt.Errorf("run %s not found in checkpoint %s", runID, a.stateKey())
		}
		out.Runs = map[string]models.RunStats{runID: rs}
		out.Totals = rs
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
