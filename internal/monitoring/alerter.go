// Package monitoring turns finished source runs into webhook alerts when a
// run looks unhealthy.
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

	"github.com/ghadam-app/crawlers/internal/ingest"
	"github.com/ghadam-app/crawlers/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "failure_rate"
	AlertRunFailed   AlertType = "run_failed"
	AlertEmptyRun    AlertType = "empty_run"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Source    string         `json:"source"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Config sets the alert thresholds.
type Config struct {
	WebhookURL string
	// FailureRateThreshold is the failed share of processed items above
	// which a run alerts.
	FailureRateThreshold float64
	// MinItems processed before the failure rate is considered.
	MinItems int
}

// Alerter evaluates finished runs against thresholds and posts alerts to a
// webhook.
type Alerter struct {
	cfg    Config
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter.
func NewAlerter(cfg Config) *Alerter {
	if cfg.MinItems <= 0 {
		cfg.MinItems = 5
	}
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
}

// Evaluate checks one source run. res may be nil when the run never
// started.
func (a *Alerter) Evaluate(source string, res *ingest.Result, runErr error) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if runErr != nil {
		alerts = append(alerts, Alert{
			Type:      AlertRunFailed,
			Source:    source,
			Severity:  "high",
			Message:   fmt.Sprintf("Run of %s ended with an error: %v", source, runErr),
			Timestamp: now,
		})
	}
	if res == nil {
		return alerts
	}

	processed := res.Crawl.TotalProcessed
	if processed == 0 && runErr == nil {
		alerts = append(alerts, Alert{
			Type:      AlertEmptyRun,
			Source:    source,
			Severity:  "medium",
			Message:   fmt.Sprintf("Run of %s fetched no items; the source may have changed", source),
			Timestamp: now,
		})
		return alerts
	}

	failed := res.Ingest.ItemsFailed
	if processed >= a.cfg.MinItems && a.cfg.FailureRateThreshold > 0 {
		rate := float64(failed) / float64(processed)
		if rate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertFailureRate,
				Source:   source,
				Severity: "high",
				Message: fmt.Sprintf(
					"Failure rate %.1f%% for %s exceeds threshold %.1f%% (%d failed / %d processed)",
					rate*100, source, a.cfg.FailureRateThreshold*100, failed, processed,
				),
				Details: map[string]any{
					"failure_rate": rate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       failed,
					"processed":    processed,
				},
				Timestamp: now,
			})
		}
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
		if err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.sendWebhook(ctx, alert)
		}); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.String("source", alert.Source),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("source", alert.Source),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
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
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}
