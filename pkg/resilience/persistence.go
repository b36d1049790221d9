package resilience

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// snapshotVersion is the persisted-state format version. A snapshot with a
// different version is discarded and the breaker starts fresh.
const snapshotVersion = 1

// persistedSchema validates snapshots before any field is trusted. A file
// that fails validation is treated the same as a missing file.
const persistedSchema = `{
	"type": "object",
	"required": ["version", "state", "counters"],
	"properties": {
		"version": {"type": "integer"},
		"state": {"type": "string", "enum": ["CLOSED", "OPEN", "HALF_OPEN"]},
		"openedAt": {"type": "string"},
		"counters": {
			"type": "object",
			"required": ["totalCalls", "successfulCalls", "failedCalls", "timeoutCalls", "slowCalls", "trips"],
			"properties": {
				"totalCalls": {"type": "integer", "minimum": 0},
				"successfulCalls": {"type": "integer", "minimum": 0},
				"failedCalls": {"type": "integer", "minimum": 0},
				"timeoutCalls": {"type": "integer", "minimum": 0},
				"slowCalls": {"type": "integer", "minimum": 0},
				"trips": {"type": "integer", "minimum": 0}
			}
		},
		"config": {"type": "object"}
	}
}`

type persistedCounters struct {
	TotalCalls      int64 `json:"totalCalls"`
	SuccessfulCalls int64 `json:"successfulCalls"`
	FailedCalls     int64 `json:"failedCalls"`
	TimeoutCalls    int64 `json:"timeoutCalls"`
	SlowCalls       int64 `json:"slowCalls"`
	Trips           int64 `json:"trips"`
}

type persistedState struct {
	Version  int               `json:"version"`
	State    string            `json:"state"`
	OpenedAt time.Time         `json:"openedAt,omitempty"`
	Counters persistedCounters `json:"counters"`
	Config   Config            `json:"config"`
}

// persist writes the current state atomically (temp file + rename).
func (cb *CircuitBreaker) persist() error {
	cb.mu.Lock()
	snap := persistedState{
		Version:  snapshotVersion,
		State:    cb.state.String(),
		OpenedAt: cb.openedAt,
		Counters: persistedCounters{
			TotalCalls:      cb.totalCalls,
			SuccessfulCalls: cb.successfulCalls,
			FailedCalls:     cb.failedCalls,
			TimeoutCalls:    cb.timeoutCalls,
			SlowCalls:       cb.slowCalls,
			Trips:           cb.trips,
		},
		Config: cb.config,
	}
	path := cb.config.PersistencePath
	cb.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// restore loads persisted state. Any problem (missing file, schema or
// version mismatch, unparseable timestamps) yields a fresh CLOSED breaker;
// restore never fails the constructor.
func (cb *CircuitBreaker) restore() {
	data, err := os.ReadFile(cb.config.PersistencePath)
	if err != nil {
		return
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(persistedSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil || !result.Valid() {
		cb.logger.Warn("discarding invalid breaker state snapshot", map[string]interface{}{
			"breaker": cb.name,
			"path":    cb.config.PersistencePath,
		})
		return
	}

	var snap persistedState
	if err := json.Unmarshal(data, &snap); err != nil {
		return
	}
	if snap.Version != snapshotVersion {
		cb.logger.Info("breaker snapshot version mismatch, starting fresh", map[string]interface{}{
			"breaker":  cb.name,
			"found":    snap.Version,
			"expected": snapshotVersion,
		})
		return
	}

	cb.totalCalls = snap.Counters.TotalCalls
	cb.successfulCalls = snap.Counters.SuccessfulCalls
	cb.failedCalls = snap.Counters.FailedCalls
	cb.timeoutCalls = snap.Counters.TimeoutCalls
	cb.slowCalls = snap.Counters.SlowCalls
	cb.trips = snap.Counters.Trips

	switch snap.State {
	case StateOpen.String():
		// Resume OPEN with the original opening time so the recovery clock
		// keeps counting across the restart.
		cb.state = StateOpen
		cb.openedAt = snap.OpenedAt
		if cb.openedAt.IsZero() {
			cb.openedAt = time.Now()
		}
	case StateHalfOpen.String():
		// Probe bookkeeping does not survive restarts; go back to OPEN and
		// let the recovery timeout re-admit probes.
		cb.state = StateOpen
		cb.openedAt = time.Now().Add(-cb.config.RecoveryTimeout)
	default:
		cb.state = StateClosed
	}

	cb.logger.Info("restored breaker state", map[string]interface{}{
		"breaker": cb.name,
		"state":   cb.state.String(),
		"trips":   cb.trips,
	})
}
