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

	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/config"
	"github.com/sells-group/tagging-cli/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertAutoRecovery AlertType = "auto_recovery"
	AlertSaveRejected AlertType = "save_rejected"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter posts durability alerts to a webhook. With no webhook configured
// alerts are only logged.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// RecoveryAlert describes an automatic restore. It returns nil when
// nothing was restored.
func RecoveryAlert(r *backup.Recovery) *Alert {
	if r == nil || !r.Restored {
		return nil
	}
	return &Alert{
		Type:     AlertAutoRecovery,
		Severity: "high",
		Message: fmt.Sprintf(
			"Tagged store regressed to %d rows; restored %d rows from %s",
			r.CurrentRows, r.BestRows, r.BestPath,
		),
		Details: map[string]any{
			"current_rows":  r.CurrentRows,
			"restored_rows": r.BestRows,
			"backup":        r.BestPath,
			"scanned":       r.Scanned,
		},
		Timestamp: time.Now().UTC(),
	}
}

// RejectionAlert describes a save the store refused.
func RejectionAlert(tagger, key, reason string, cause error) *Alert {
	details := map[string]any{
		"tagger": tagger,
		"key":    key,
		"reason": reason,
	}
	if cause != nil {
		details["error"] = cause.Error()
	}
	return &Alert{
		Type:      AlertSaveRejected,
		Severity:  "high",
		Message:   fmt.Sprintf("Save of %s by %s rejected (%s)", key, tagger, reason),
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts ...*Alert) int {
	sent := 0
	for _, alert := range alerts {
		if alert == nil {
			continue
		}
		zap.L().Warn("monitoring: alert",
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
		)
		if a == nil || a.cfg.WebhookURL == "" {
			continue
		}
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

// sendWebhook posts a single alert to the webhook URL, retrying transient
// failures.
func (a *Alerter) sendWebhook(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
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
			err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
			if resilience.IsTransientHTTPStatus(resp.StatusCode) {
				return resilience.NewTransientError(err, resp.StatusCode)
			}
			return err
		}
		return nil
	})
}
