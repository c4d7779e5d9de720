package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ipv-detect/internal/model"
	"github.com/sells-group/ipv-detect/internal/reconcile"
)

var verdictsCmd = &cobra.Command{
	Use:   "verdicts <experiment-id>",
	Short: "Reconcile the stored results of an experiment into per-case verdicts",
	Long:  "Verdicts are recomputed from stored rows with the configured reconcile weights; nothing is written back.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("verdicts"); err != nil {
			return err
		}
		rec, err := reconcile.New(cfg.Reconcile)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetExperiment(ctx, args[0]); err != nil {
			return eris.Wrap(err, "verdicts")
		}
		verdicts, err := rec.ReconcileExperiment(ctx, st, args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "csv":
			return writeVerdictsCSV(cmd.OutOrStdout(), verdicts)
		case "json":
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(verdictsResponse{
				ExperimentID: args[0],
				Summary:      reconcile.Summarize(verdicts),
				Verdicts:     verdicts,
			})
		default:
			return eris.Errorf("verdicts: unknown format %q (csv, json)", format)
		}
	},
}

func init() {
	verdictsCmd.Flags().String("format", "csv", "output format: csv or json")
	rootCmd.AddCommand(verdictsCmd)
}

type verdictsResponse struct {
	ExperimentID string              `json:"experiment_id"`
	Summary      reconcile.Summary   `json:"summary"`
	Verdicts     []model.CaseVerdict `json:"verdicts"`
}

// writeVerdictsCSV writes one line per case. Unknown detections and missing
// confidences are left empty.
func writeVerdictsCSV(out io.Writer, verdicts []model.CaseVerdict) error {
	w := csv.NewWriter(out)
	if err := w.Write([]string{"case_id", "final_detected", "final_confidence", "conflict", "sources", "basis"}); err != nil {
		return eris.Wrap(err, "verdicts: write header")
	}
	for _, v := range verdicts {
		detected := ""
		if v.FinalDetected.Known() {
			detected = strconv.FormatBool(v.FinalDetected == model.Yes)
		}
		conf := ""
		if v.FinalConfidence != nil {
			conf = strconv.FormatFloat(*v.FinalConfidence, 'f', 4, 64)
		}
		if err := w.Write([]string{
			v.CaseID,
			detected,
			conf,
			strconv.FormatBool(v.Conflict),
			strconv.Itoa(v.Sources),
			string(v.Basis),
		}); err != nil {
			return eris.Wrapf(err, "verdicts: write case %s", v.CaseID)
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "verdicts: flush")
}
