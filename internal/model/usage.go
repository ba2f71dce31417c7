package model

import "time"

// TierPolicy holds the limits attached to a subscription tier. Zero numeric
// limits mean unlimited.
type TierPolicy struct {
	Name              string   `json:"name" yaml:"name" toml:"name"`
	MaxFileSizeBytes  int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes" toml:"max_file_size_bytes"`
	MaxExecutions     int64    `json:"max_executions" yaml:"max_executions" toml:"max_executions"`
	RequestsPerMinute int      `json:"requests_per_minute" yaml:"requests_per_minute" toml:"requests_per_minute"`
	Features          []string `json:"features" yaml:"features" toml:"features"`
	Timeout           string   `json:"timeout" yaml:"timeout" toml:"timeout"` // e.g. "5m"
}

// Allows reports whether the tier grants a feature
func (p TierPolicy) Allows(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// UsageRecord is one append-only metering entry
type UsageRecord struct {
	Seq             int64         `json:"seq"` // per-caller, strictly increasing
	RunID           string        `json:"run_id"`
	CallerID        string        `json:"caller_id"`
	Tier            string        `json:"tier"`
	BytesProcessed  int64         `json:"bytes_processed"`
	ComputeDuration time.Duration `json:"compute_duration"`
	ExecutionCount  int64         `json:"execution_count"`
	Status          string        `json:"status"`
	RecordedAt      time.Time     `json:"recorded_at"`
}

// UsageReport summarizes a caller's consumption in the current billing period
type UsageReport struct {
	CallerID            string    `json:"caller_id"`
	Tier                string    `json:"tier"`
	PeriodStart         time.Time `json:"period_start"`
	Executions          int64     `json:"executions"`
	RemainingExecutions int64     `json:"remaining_executions"` // -1 when unlimited
	BytesProcessed      int64     `json:"bytes_processed"`
	ComputeSeconds      float64   `json:"compute_seconds"`
	RequestsLastMinute  int       `json:"requests_last_minute"`
}
