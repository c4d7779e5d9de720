package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/ipv-detect/internal/config"
	"github.com/sells-group/ipv-detect/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func thresholds() config.MonitoringConfig {
	return config.MonitoringConfig{
		ErrorRateThreshold:        0.10,
		ParseFailureRateThreshold: 0.20,
		CostThresholdUSD:          5.0,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&model.RunSummary{
		ExperimentID:     "exp-1",
		Status:           model.ExperimentCompleted,
		Total:            100,
		Processed:        100,
		Inserted:         100,
		Errors:           5,
		ParseFailures:    10,
		EstimatedCostUSD: 1.2,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_ErrorRate(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&model.RunSummary{
		ExperimentID: "exp-1",
		Status:       model.ExperimentCompleted,
		Processed:    30,
		Skipped:      10,
		Errors:       8,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertErrorRate, alerts[0].Type)
	assert.Equal(t, "exp-1", alerts[0].ExperimentID)
	// Skipped narratives are not part of the denominator: 8/20.
	assert.Contains(t, alerts[0].Message, "40.0%")
}

func TestAlerter_Evaluate_ParseFailureRate(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&model.RunSummary{
		Status:        model.ExperimentCompleted,
		Processed:     10,
		ParseFailures: 3,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertParseFailureRate, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
}

func TestAlerter_Evaluate_SmallRunsIgnoreRates(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&model.RunSummary{
		Status:    model.ExperimentCompleted,
		Processed: 4,
		Errors:    4,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_CostAndFailure(t *testing.T) {
	a := NewAlerter(thresholds())

	alerts := a.Evaluate(&model.RunSummary{
		ExperimentID:     "exp-9",
		Status:           model.ExperimentFailed,
		Total:            50,
		EstimatedCostUSD: 7.5,
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertRunFailed, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "0 of 50")
	assert.Equal(t, AlertCostOverrun, alerts[1].Type)
	assert.Contains(t, alerts[1].Message, "$7.50")
}

func TestAlerter_SendAlerts(t *testing.T) {
	var received atomic.Int32
	var last Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertErrorRate, Severity: "high", ExperimentID: "exp-1", Message: "boom"},
	})
	assert.Equal(t, 1, sent)
	assert.EqualValues(t, 1, received.Load())
	assert.Equal(t, AlertErrorRate, last.Type)
	assert.Equal(t, "exp-1", last.ExperimentID)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := thresholds()
	cfg.WebhookURL = srv.URL
	sent := NewAlerter(cfg).SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	sent := NewAlerter(thresholds()).SendAlerts(context.Background(), []Alert{{Type: AlertCostOverrun}})
	assert.Equal(t, 0, sent)
}
