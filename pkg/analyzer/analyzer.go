// Package analyzer inspects the logger's ring buffer: it clusters errors
// by stable signature, detects anomalies, computes a 0-100 health score
// and derives operational recommendations.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/riskmesh/riskmesh/pkg/observability"
)

// Config tunes the analyzer.
type Config struct {
	Window time.Duration `mapstructure:"window"`
	// TopErrors bounds the number of reported error patterns.
	TopErrors int `mapstructure:"top_errors"`
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 5 * time.Minute
	}
	if c.TopErrors <= 0 {
		c.TopErrors = 10
	}
}

// ErrorPattern is one cluster of similar error records.
type ErrorPattern struct {
	Signature   string                `json:"signature"`
	Level       observability.LogLevel `json:"level"`
	Count       int                   `json:"count"`
	FirstSeenAt time.Time             `json:"firstSeenAt"`
	LastSeenAt  time.Time             `json:"lastSeenAt"`
	Sample      string                `json:"sample"`
}

// Anomaly is a detected irregularity in the log stream.
type Anomaly struct {
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// Report is one analysis pass over the window.
type Report struct {
	GeneratedAt     time.Time      `json:"generatedAt"`
	Window          time.Duration  `json:"window"`
	TotalRecords    int            `json:"totalRecords"`
	ErrorCount      int            `json:"errorCount"`
	WarnCount       int            `json:"warnCount"`
	ErrorRate       float64        `json:"errorRate"`
	HealthScore     float64        `json:"healthScore"`
	TopErrors       []ErrorPattern `json:"topErrors"`
	Anomalies       []Anomaly      `json:"anomalies"`
	Recommendations []string       `json:"recommendations"`
}

// Analyzer reads a ring buffer it does not own.
type Analyzer struct {
	ring   *observability.RingBuffer
	config Config
	logger observability.Logger
}

// New creates an Analyzer over the given ring buffer.
func New(ring *observability.RingBuffer, cfg Config, logger observability.Logger) *Analyzer {
	cfg.applyDefaults()
	return &Analyzer{ring: ring, config: cfg, logger: logger}
}

var (
	hexRun     = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	digitRun   = regexp.MustCompile(`\d+`)
	quotedText = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// Signature normalizes a message into a stable cluster key: identifiers,
// numbers and quoted values collapse so recurring errors with varying
// details land in the same bucket.
func Signature(msg string) string {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = quotedText.ReplaceAllString(s, `"?"`)
	s = hexRun.ReplaceAllString(s, "#")
	s = digitRun.ReplaceAllString(s, "#")
	return s
}

// Analyze runs one pass over the retained records.
func (a *Analyzer) Analyze() Report {
	now := time.Now()
	records := a.ring.RecentSince(now.Add(-a.config.Window))

	report := Report{
		GeneratedAt: now,
		Window:      a.config.Window,
	}

	clusters := make(map[string]*ErrorPattern)
	var fatalSeen bool
	var recentErrors int
	lastMinute := now.Add(-time.Minute)

	for _, rec := range records {
		report.TotalRecords++
		switch rec.Level {
		case observability.LogLevelWarn:
			report.WarnCount++
			continue
		case observability.LogLevelError, observability.LogLevelFatal:
		default:
			continue
		}

		report.ErrorCount++
		if rec.Level == observability.LogLevelFatal {
			fatalSeen = true
		}
		if !rec.Time.Before(lastMinute) {
			recentErrors++
		}

		sig := Signature(rec.Message)
		cluster, ok := clusters[sig]
		if !ok {
			cluster = &ErrorPattern{
				Signature:   sig,
				Level:       rec.Level,
				FirstSeenAt: rec.Time,
				Sample:      rec.Message,
			}
			clusters[sig] = cluster
		}
		cluster.Count++
		if rec.Time.After(cluster.LastSeenAt) {
			cluster.LastSeenAt = rec.Time
		}
	}

	if report.TotalRecords > 0 {
		report.ErrorRate = float64(report.ErrorCount) / float64(report.TotalRecords)
	}

	report.TopErrors = topPatterns(clusters, a.config.TopErrors)
	report.Anomalies = a.detectAnomalies(report, recentErrors, fatalSeen, now)
	report.HealthScore = healthScore(report)
	report.Recommendations = recommendations(report)
	return report
}

func topPatterns(clusters map[string]*ErrorPattern, limit int) []ErrorPattern {
	out := make([]ErrorPattern, 0, len(clusters))
	for _, c := range clusters {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (a *Analyzer) detectAnomalies(report Report, recentErrors int, fatalSeen bool, now time.Time) []Anomaly {
	var anomalies []Anomaly

	minutes := a.config.Window.Minutes()
	if minutes > 1 && report.ErrorCount > 0 {
		avgPerMinute := float64(report.ErrorCount) / minutes
		if avgPerMinute > 0 && float64(recentErrors) >= 3*avgPerMinute && recentErrors >= 5 {
			anomalies = append(anomalies, Anomaly{
				Type:     "error_burst",
				Severity: "critical",
				Description: fmt.Sprintf("%d errors in the last minute against a window average of %.1f/min",
					recentErrors, avgPerMinute),
				DetectedAt: now,
			})
		}
	}

	if len(report.TopErrors) > 0 {
		top := report.TopErrors[0]
		if top.Count >= 5 && float64(top.Count) > 0.5*float64(report.ErrorCount) {
			anomalies = append(anomalies, Anomaly{
				Type:        "repeated_error",
				Severity:    "warning",
				Description: fmt.Sprintf("a single error pattern accounts for %d of %d errors: %s", top.Count, report.ErrorCount, top.Signature),
				DetectedAt:  now,
			})
		}
	}

	if fatalSeen {
		anomalies = append(anomalies, Anomaly{
			Type:        "fatal_logged",
			Severity:    "critical",
			Description: "at least one FATAL record in the window",
			DetectedAt:  now,
		})
	}
	return anomalies
}

// healthScore maps the window onto [0,100]: error and warning rates drag
// the score down, each anomaly costs a flat penalty.
func healthScore(report Report) float64 {
	score := 100.0
	score -= report.ErrorRate * 100 * 0.6
	if report.TotalRecords > 0 {
		warnRate := float64(report.WarnCount) / float64(report.TotalRecords)
		score -= warnRate * 100 * 0.2
	}
	for _, an := range report.Anomalies {
		if an.Severity == "critical" {
			score -= 15
		} else {
			score -= 5
		}
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// recommendation rules keyed by substring of the clustered signature.
var recommendationRules = []struct {
	match  string
	advice string
}{
	{"database", "persistent database errors: check store connectivity and connection pool limits"},
	{"connection refused", "persistent database errors: check store connectivity and connection pool limits"},
	{"breaker", "circuit breaker activity: inspect downstream health before resetting"},
	{"timeout", "recurring timeouts: consider raising request timeouts or reducing downstream load"},
	{"slow query", "slow queries detected: review indexes for the affected query types"},
	{"memory", "memory pressure: review cache maxMemoryUsage and compression settings"},
}

func recommendations(report Report) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(advice string) {
		if !seen[advice] {
			seen[advice] = true
			out = append(out, advice)
		}
	}

	for _, pattern := range report.TopErrors {
		if pattern.Count < 3 {
			continue
		}
		for _, rule := range recommendationRules {
			if strings.Contains(pattern.Signature, rule.match) {
				add(rule.advice)
			}
		}
	}
	if report.ErrorRate >= 0.10 {
		add("error rate above 10%: enable degraded mode review and check recent deploys")
	}
	return out
}
