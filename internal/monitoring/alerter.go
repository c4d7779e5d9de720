// Package monitoring raises webhook alerts when a finished run looks
// unhealthy.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertErrorRate        AlertType = "error_rate"
	AlertParseFailureRate AlertType = "parse_failure_rate"
	AlertCostOverrun      AlertType = "cost_overrun"
	AlertRunFailed        AlertType = "run_failed"
)

// minAttempted is the number of model calls below which rates are too noisy
// to alert on.
const minAttempted = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type         AlertType      `json:"type"`
	Severity     string         `json:"severity"`
	ExperimentID string         `json:"experiment_id"`
	Message      string         `json:"message"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Alerter evaluates a RunSummary against configured thresholds and sends
// alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	now    func() time.Time
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate checks the summary against thresholds and returns any alerts.
// Rates are relative to processed narratives that were not skipped as
// empty.
func (a *Alerter) Evaluate(sum *model.RunSummary) []Alert {
	var alerts []Alert
	now := a.now()
	attempted := sum.Processed - sum.Skipped

	if sum.Status == model.ExperimentFailed {
		alerts = append(alerts, Alert{
			Type:         AlertRunFailed,
			Severity:     "high",
			ExperimentID: sum.ExperimentID,
			Message:      fmt.Sprintf("Experiment %s failed after %d of %d narratives", sum.ExperimentID, sum.Processed, sum.Total),
			Timestamp:    now,
		})
	}

	if attempted >= minAttempted {
		if rate := float64(sum.Errors) / float64(attempted); a.cfg.ErrorRateThreshold > 0 && rate > a.cfg.ErrorRateThreshold {
			alerts = append(alerts, Alert{
				Type:         AlertErrorRate,
				Severity:     "high",
				ExperimentID: sum.ExperimentID,
				Message: fmt.Sprintf("Error rate %.1f%% exceeds threshold %.1f%% (%d of %d)",
					rate*100, a.cfg.ErrorRateThreshold*100, sum.Errors, attempted),
				Details: map[string]any{
					"error_rate": rate,
					"threshold":  a.cfg.ErrorRateThreshold,
					"errors":     sum.Errors,
					"attempted":  attempted,
				},
				Timestamp: now,
			})
		}
		if rate := float64(sum.ParseFailures) / float64(attempted); a.cfg.ParseFailureRateThreshold > 0 && rate > a.cfg.ParseFailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:         AlertParseFailureRate,
				Severity:     "medium",
				ExperimentID: sum.ExperimentID,
				Message: fmt.Sprintf("Parse failure rate %.1f%% exceeds threshold %.1f%% (%d of %d)",
					rate*100, a.cfg.ParseFailureRateThreshold*100, sum.ParseFailures, attempted),
				Details: map[string]any{
					"parse_failure_rate": rate,
					"threshold":          a.cfg.ParseFailureRateThreshold,
					"parse_failures":     sum.ParseFailures,
					"attempted":          attempted,
				},
				Timestamp: now,
			})
		}
	}

	if a.cfg.CostThresholdUSD > 0 && sum.EstimatedCostUSD > a.cfg.CostThresholdUSD {
		alerts = append(alerts, Alert{
			Type:         AlertCostOverrun,
			Severity:     "high",
			ExperimentID: sum.ExperimentID,
			Message: fmt.Sprintf("Estimated cost $%.2f exceeds threshold $%.2f",
				sum.EstimatedCostUSD, a.cfg.CostThresholdUSD),
			Details: map[string]any{
				"cost_usd":      sum.EstimatedCostUSD,
				"threshold_usd": a.cfg.CostThresholdUSD,
				"total_tokens":  sum.Tokens.TotalTokens,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
