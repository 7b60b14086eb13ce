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

	"github.com/sells-group/pald-cli/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertDeadLetterDepth  AlertType = "dead_letter_depth"
	AlertExhaustionRate   AlertType = "exhaustion_rate"
	AlertSchemaDegraded   AlertType = "schema_degraded"
	AlertCandidateBacklog AlertType = "candidate_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Dead-lettered bias jobs wait for manual intervention.
	if a.cfg.DeadLetterThreshold > 0 && snap.JobsDeadLetter >= a.cfg.DeadLetterThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertDeadLetterDepth,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d bias job(s) in dead letter (threshold %d)",
				snap.JobsDeadLetter, a.cfg.DeadLetterThreshold,
			),
			Details: map[string]any{
				"dead_letter": snap.JobsDeadLetter,
				"threshold":   a.cfg.DeadLetterThreshold,
				"pending":     snap.JobsPending,
			},
			Timestamp: now,
		})
	}

	// Check loop exhaustion rate.
	if snap.RunsTotal >= 5 && snap.ExhaustionRate > a.cfg.ExhaustionRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertExhaustionRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Consistency loop exhaustion rate %.1f%% exceeds threshold %.1f%% (%d exhausted / %d finished in last %dh)",
				snap.ExhaustionRate*100, a.cfg.ExhaustionRateThreshold*100,
				snap.RunsExhausted, snap.RunsTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"exhaustion_rate": snap.ExhaustionRate,
				"threshold":       a.cfg.ExhaustionRateThreshold,
				"exhausted":       snap.RunsExhausted,
				"finished":        snap.RunsTotal,
			},
			Timestamp: now,
		})
	}

	if snap.SchemaDegraded {
		alerts = append(alerts, Alert{
			Type:     AlertSchemaDegraded,
			Severity: "high",
			Message:  "Schema registry is serving the embedded default schema; harvesting and publication are suspended",
			Details: map[string]any{
				"schema_version": snap.SchemaVersion,
			},
			Timestamp: now,
		})
	}

	if a.cfg.CandidateBacklog > 0 && snap.CandidateBacklog >= a.cfg.CandidateBacklog {
		alerts = append(alerts, Alert{
			Type:     AlertCandidateBacklog,
			Severity: "low",
			Message: fmt.Sprintf(
				"%d field candidate(s) awaiting review (top: %s, %d occurrences)",
				snap.CandidateBacklog, snap.TopCandidate, snap.TopCandidateHits,
			),
			Details: map[string]any{
				"backlog":       snap.CandidateBacklog,
				"threshold":     a.cfg.CandidateBacklog,
				"top_candidate": snap.TopCandidate,
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
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
