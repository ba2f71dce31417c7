package model

import "time"

// Run statuses
const (
	StatusRunning    = "running"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusLoadFailed = "load_failed" // transform succeeded, target write did not
	StatusDenied     = "denied"
	StatusTimeout    = "timeout"
)

// QualityReport scores a dataset after transformation
type QualityReport struct {
	Score                  float64        `json:"quality_score"`
	Rows                   int            `json:"rows"`
	Columns                int            `json:"columns"`
	NullCounts             map[string]int `json:"null_counts"`
	NullCells              int            `json:"null_cells"`
	DuplicateRows          int            `json:"duplicate_rows"`
	ConversionFailures     int            `json:"conversion_failures"`
	ConversionAttempts     int            `json:"conversion_attempts"`
	NullRatio              float64        `json:"null_ratio"`
	DuplicateRatio         float64        `json:"duplicate_ratio"`
	ConversionFailureRatio float64        `json:"conversion_failure_ratio"`
}

// StepStats describes one applied transformation
type StepStats struct {
	Index              int    `json:"index"`
	Operation          string `json:"operation"`
	RowsIn             int    `json:"rows_in"`
	RowsOut            int    `json:"rows_out"`
	ConversionAttempts int    `json:"conversion_attempts,omitempty"`
	ConversionFailures int    `json:"conversion_failures,omitempty"`
}

// RecordsProcessed is the per-stage row count block of a result
type RecordsProcessed struct {
	Extracted   int `json:"extracted"`
	Transformed int `json:"transformed"`
	Loaded      int `json:"loaded"`
}

// MetricsSnapshot is the immutable view of one run's metrics
type MetricsSnapshot struct {
	RunID               string        `json:"run_id"`
	CallerID            string        `json:"caller_id"`
	Tier                string        `json:"tier"`
	Status              string        `json:"status"`
	RecordsExtracted    int           `json:"records_extracted"`
	RecordsTransformed  int           `json:"records_transformed"`
	RecordsLoaded       int           `json:"records_loaded"`
	Steps               []StepStats   `json:"steps"`
	ErrorsCount         int           `json:"errors_count"`
	BytesProcessed      int64         `json:"bytes_processed"`
	DataQualityScore    float64       `json:"data_quality_score"`
	ExecutionTime       float64       `json:"execution_time"` // seconds
	ThroughputPerSecond float64       `json:"throughput_per_second"`
	StageDurations      []StageTiming `json:"stage_durations"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
}

// StageTiming is the wall time spent in one stage
type StageTiming struct {
	Stage    string  `json:"stage"`
	Seconds  float64 `json:"seconds"`
	Rows     int     `json:"rows"`
	Finished bool    `json:"finished"`
}

// Result is what a caller gets back from a submission
type Result struct {
	RunID               string           `json:"run_id"`
	Status              string           `json:"status"`
	RecordsProcessed    RecordsProcessed `json:"records_processed"`
	DataQualityScore    float64          `json:"data_quality_score"`
	ExecutionTime       float64          `json:"execution_time"`
	ThroughputPerSecond float64          `json:"throughput_per_second"`
	Quality             *QualityReport   `json:"quality,omitempty"`
	Output              string           `json:"output,omitempty"` // where the target was written
	Error               *Error           `json:"error,omitempty"`
}

// RunRecord is the persisted summary of a run
type RunRecord struct {
	ID        string       `json:"id"`
	CallerID  string       `json:"caller_id"`
	Tier      string       `json:"tier"`
	Spec      PipelineSpec `json:"spec"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RunSummary is a run listing entry, without the spec
type RunSummary struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageProgress is one persisted stage transition
type StageProgress struct {
	RunID     string     `json:"run_id"`
	Stage     string     `json:"stage"`
	Status    string     `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Rows      int        `json:"rows"`
}

// ErrorDetail is one error recorded against a run
type ErrorDetail struct {
	Timestamp time.Time  `json:"timestamp"`
	Stage     string     `json:"stage"`
	Class     ErrorClass `json:"class,omitempty"`
	Kind      ErrorKind  `json:"kind,omitempty"`
	Message   string     `json:"message"`
	Retryable bool       `json:"retryable"`
	Severity  string     `json:"severity"` // low, medium, high, critical
}
