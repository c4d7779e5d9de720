package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/store"
)

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"exp"},
	Short:   "Inspect experiments",
}

// -- experiments list --

var experimentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List experiments, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		exps, err := st.ListExperiments(ctx, store.ExperimentFilter{
			Status: model.ExperimentStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "experiments list")
		}
		if len(exps) == 0 {
			fmt.Fprintln(os.Stderr, "No experiments found.")
			return nil
		}

		formatExperimentsList(cmd.OutOrStdout(), exps)
		return nil
	},
}

// -- experiments show --

var experimentsShowCmd = &cobra.Command{
	Use:   "show <experiment-id>",
	Short: "Show an experiment and its result counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		exp, err := st.GetExperiment(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "experiments show")
		}
		rows, err := st.ListResults(ctx, exp.ID)
		if err != nil {
			return eris.Wrap(err, "experiments show")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(experimentDetail{Experiment: exp, ByStatus: countByStatus(rows)})
	},
}

func init() {
	experimentsListCmd.Flags().String("status", "", "filter by status (running, completed, failed)")
	experimentsListCmd.Flags().Int("limit", 50, "max number of experiments to display")

	experimentsCmd.AddCommand(experimentsListCmd)
	experimentsCmd.AddCommand(experimentsShowCmd)
	rootCmd.AddCommand(experimentsCmd)
}

type experimentDetail struct {
	*model.Experiment
	ByStatus map[model.ParseStatus]int `json:"results_by_status"`
}

func countByStatus(rows []model.NarrativeResult) map[model.ParseStatus]int {
	out := make(map[model.ParseStatus]int)
	for _, r := range rows {
		out[r.ParseStatus]++
	}
	return out
}

// formatExperimentsList writes a tabular list of experiments to out.
func formatExperimentsList(out io.Writer, exps []model.Experiment) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tMODEL\tSTATUS\tPROGRESS\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t------\t--------\t-------\t--------")

	for _, e := range exps {
		dur := ""
		if e.CompletedAt != nil {
			dur = e.CompletedAt.Sub(e.StartedAt).Round(time.Second).String()
		}
		name := e.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(e.ID),
			name,
			e.Model,
			e.Status,
			e.NProcessed, e.NTotal,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
