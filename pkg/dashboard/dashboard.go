// Package dashboard aggregates the observability surfaces into one
// operator view: system status, per-endpoint metrics, recent samples, top
// error patterns, anomalies and the alert lifecycle, with JSON and CSV
// export.
package dashboard

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riskmesh/riskmesh/pkg/analyzer"
	"github.com/riskmesh/riskmesh/pkg/errors"
	"github.com/riskmesh/riskmesh/pkg/metrics"
	"github.com/riskmesh/riskmesh/pkg/observability"
)

// System status values.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Alert types and severities.
const (
	AlertTypePerformance = "performance"
	AlertTypeError       = "error"
	AlertTypeSystem      = "system"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one tracked operational condition.
type Alert struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Severity     string                 `json:"severity"`
	Message      string                 `json:"message"`
	FirstSeenAt  time.Time              `json:"firstSeenAt"`
	LastSeenAt   time.Time              `json:"lastSeenAt"`
	Acknowledged bool                   `json:"acknowledged"`
	Resolved     bool                   `json:"resolved"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// Overview is the full dashboard snapshot.
type Overview struct {
	GeneratedAt     time.Time                          `json:"generatedAt"`
	Status          Status                             `json:"status"`
	HealthScore     float64                            `json:"healthScore"`
	ErrorRate       float64                            `json:"errorRate"`
	AvgResponseTime time.Duration                      `json:"avgResponseTime"`
	Endpoints       map[string]metrics.EndpointMetrics `json:"endpoints"`
	RecentSamples   []metrics.PerformanceSample        `json:"recentSamples"`
	TopErrors       []analyzer.ErrorPattern            `json:"topErrors"`
	Anomalies       []analyzer.Anomaly                 `json:"anomalies"`
	ActiveAlerts    []Alert                            `json:"activeAlerts"`
}

// Dashboard owns alert records and composes read-only views of the
// recorder and analyzer.
type Dashboard struct {
	recorder *metrics.Recorder
	analyzer *analyzer.Analyzer
	logger   observability.Logger

	mu     sync.Mutex
	alerts map[string]*Alert
}

// New creates a Dashboard.
func New(recorder *metrics.Recorder, la *analyzer.Analyzer, logger observability.Logger) *Dashboard {
	return &Dashboard{
		recorder: recorder,
		analyzer: la,
		logger:   logger,
		alerts:   make(map[string]*Alert),
	}
}

// Snapshot builds the current overview.
func (d *Dashboard) Snapshot() Overview {
	report := d.analyzer.Analyze()
	endpoints := d.recorder.AllEndpoints()

	var totalReq, failedReq int
	var weighted time.Duration
	for _, m := range endpoints {
		totalReq += m.TotalRequests
		failedReq += m.FailedRequests
		weighted += m.AvgResponseTime * time.Duration(m.TotalRequests)
	}

	var errorRate float64
	var avgResp time.Duration
	if totalReq > 0 {
		errorRate = float64(failedReq) / float64(totalReq)
		avgResp = weighted / time.Duration(totalReq)
	}

	return Overview{
		GeneratedAt:     time.Now(),
		Status:          deriveStatus(report.HealthScore, errorRate, avgResp),
		HealthScore:     report.HealthScore,
		ErrorRate:       errorRate,
		AvgResponseTime: avgResp,
		Endpoints:       endpoints,
		RecentSamples:   d.recorder.RecentSamples(20),
		TopErrors:       report.TopErrors,
		Anomalies:       report.Anomalies,
		ActiveAlerts:    d.ActiveAlerts(),
	}
}

// deriveStatus applies the fixed thresholds: critical beats warning
// beats healthy.
func deriveStatus(healthScore, errorRate float64, avgResp time.Duration) Status {
	if healthScore < 50 || errorRate >= 0.10 {
		return StatusCritical
	}
	if healthScore < 80 || errorRate >= 0.05 || avgResp >= time.Second {
		return StatusWarning
	}
	return StatusHealthy
}

// RaiseAlert records a condition. An unresolved alert with the same type
// and message is refreshed instead of duplicated.
func (d *Dashboard) RaiseAlert(alertType, severity, message string, context map[string]interface{}) *Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for _, a := range d.alerts {
		if !a.Resolved && a.Type == alertType && a.Message == message {
			a.LastSeenAt = now
			if severityRank(severity) > severityRank(a.Severity) {
				a.Severity = severity
			}
			return a
		}
	}

	a := &Alert{
		ID:          uuid.New().String(),
		Type:        alertType,
		Severity:    severity,
		Message:     message,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Context:     context,
	}
	d.alerts[a.ID] = a

	d.logger.Warn("alert raised", map[string]interface{}{
		"alertId":  a.ID,
		"type":     alertType,
		"severity": severity,
		"message":  message,
	})
	return a
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Acknowledge marks an alert as seen by an operator.
func (d *Dashboard) Acknowledge(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.alerts[id]
	if !ok {
		return errors.Newf(errors.TypeNotFound, "ALERT_NOT_FOUND", "no alert with id %s", id)
	}
	a.Acknowledged = true
	return nil
}

// Resolve closes an alert; it no longer appears in active views.
func (d *Dashboard) Resolve(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.alerts[id]
	if !ok {
		return errors.Newf(errors.TypeNotFound, "ALERT_NOT_FOUND", "no alert with id %s", id)
	}
	a.Resolved = true
	return nil
}

// ActiveAlerts returns unresolved alerts, most recent first.
func (d *Dashboard) ActiveAlerts() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Alert, 0, len(d.alerts))
	for _, a := range d.alerts {
		if !a.Resolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	return out
}

// ExportJSON serializes the full overview.
func (d *Dashboard) ExportJSON() ([]byte, error) {
	return json.MarshalIndent(d.Snapshot(), "", "  ")
}

// csvHeader is the fixed export column set; consumers parse by name.
var csvHeader = []string{
	"timestamp", "endpoint", "totalRequests", "successfulRequests",
	"failedRequests", "averageResponseTime", "errorRatePct", "cacheHitRatePct",
}

// ExportCSV writes one row per endpoint. averageResponseTime is in
// milliseconds; rates are percentages.
func (d *Dashboard) ExportCSV() ([]byte, error) {
	overview := d.Snapshot()

	endpoints := make([]string, 0, len(overview.Endpoints))
	for ep := range overview.Endpoints {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	ts := overview.GeneratedAt.UTC().Format(time.RFC3339)
	for _, ep := range endpoints {
		m := overview.Endpoints[ep]
		row := []string{
			ts,
			ep,
			fmt.Sprint(m.TotalRequests),
			fmt.Sprint(m.SuccessfulRequests),
			fmt.Sprint(m.FailedRequests),
			fmt.Sprintf("%.2f", float64(m.AvgResponseTime)/float64(time.Millisecond)),
			fmt.Sprintf("%.2f", m.ErrorRate*100),
			fmt.Sprintf("%.2f", m.CacheHitRate*100),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Reset clears alerts and the underlying recorder.
func (d *Dashboard) Reset() {
	d.mu.Lock()
	d.alerts = make(map[string]*Alert)
	d.mu.Unlock()
	d.recorder.Reset()
}
