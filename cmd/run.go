package main

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/cost"
	"github.com/sells-group/ipv-detect/internal/llm"
	"github.com/sells-group/ipv-detect/internal/monitoring"
	"github.com/sells-group/ipv-detect/internal/narrative"
	"github.com/sells-group/ipv-detect/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Classify a narrative file into a new or resumed experiment",
	Long: `Loads narratives from a CSV, TSV or XLSX file and classifies each one with the configured model.
Use --resume to continue an interrupted experiment; narratives already stored are skipped.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyRunOverrides(cmd)
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		input, _ := cmd.Flags().GetString("input")
		name, _ := cmd.Flags().GetString("name")
		promptID, _ := cmd.Flags().GetString("prompt")
		resumeID, _ := cmd.Flags().GetString("resume")
		if resumeID == "" && promptID == "" {
			return eris.New("run: --prompt is required unless --resume is set")
		}
		if name == "" {
			name = input
		}

		narratives, err := narrative.LoadFile(ctx, input, cfg.Narrative)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		client, err := llm.FromConfig(cfg, reg)
		if err != nil {
			return err
		}

		runner := pipeline.New(st, client, client.Model(), cost.FromConfig(cfg.Pricing), pipeline.ConfigFrom(cfg.Batch))
		sum, runErr := runner.Run(ctx, pipeline.RunSpec{
			ExperimentName:  name,
			PromptVersionID: promptID,
			ResumeID:        resumeID,
		}, narratives)

		if path, _ := cmd.Flags().GetString("metrics-file"); path != "" {
			if err := prometheus.WriteToTextfile(path, reg); err != nil {
				zap.L().Warn("run: write metrics file", zap.String("path", path), zap.Error(err))
			}
		}

		alerter := monitoring.NewAlerter(cfg.Monitoring)
		alerter.SendAlerts(context.WithoutCancel(ctx), alerter.Evaluate(sum))

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return err
		}
		if errors.Is(runErr, context.Canceled) {
			zap.L().Warn("run interrupted; resume with --resume", zap.String("experiment_id", sum.ExperimentID))
		}
		return runErr
	},
}

// applyRunOverrides copies explicitly set flags over the loaded batch config.
func applyRunOverrides(cmd *cobra.Command) {
	if cmd.Flags().Changed("max-items") {
		cfg.Batch.MaxItems, _ = cmd.Flags().GetInt("max-items")
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Batch.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Batch.Size, _ = cmd.Flags().GetInt("batch-size")
	}
}

func init() {
	runCmd.Flags().String("input", "", "narrative file (.csv, .tsv, .txt or .xlsx)")
	runCmd.Flags().String("name", "", "experiment name (default: input path)")
	runCmd.Flags().String("prompt", "", "prompt version id")
	runCmd.Flags().String("resume", "", "experiment id to resume")
	runCmd.Flags().Int("max-items", 0, "stop after this many narratives (0 = all)")
	runCmd.Flags().Int("concurrency", 1, "parallel model calls per batch")
	runCmd.Flags().Int("batch-size", 100, "narratives per batch")
	runCmd.Flags().String("metrics-file", "", "write Prometheus metrics to this file when the run ends")
	_ = runCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(runCmd)
}
