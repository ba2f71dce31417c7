package pipeline

import (
	"context"
	"sync"
	"time"

	"go-etl-engine/internal/model"

	"github.com/rs/zerolog"
)

// Pipeline stages
const (
	StageAdmission = "admission"
	StageExtract   = "extract"
	StageTransform = "transform"
	StageValidate  = "validate"
	StageLoad      = "load"
)

// MetricsSink receives the final snapshot of every run
type MetricsSink interface {
	RecordRun(ctx context.Context, snap model.MetricsSnapshot) error
}

type stageState struct {
	name     string
	start    time.Time
	end      time.Time
	rows     int
	finished bool
}

// RunTracker collects the metrics of one run. It only observes; nothing in the
// run reads it back to make decisions.
type RunTracker struct {
	mu      sync.RWMutex
	metrics model.MetricsSnapshot
	stages  []*stageState
	errors  []model.ErrorDetail
	done    bool
	now     func() time.Time
	log     zerolog.Logger
}

func newRunTracker(runID string, caller model.Caller, now func() time.Time, log zerolog.Logger) *RunTracker {
	return &RunTracker{
		metrics: model.MetricsSnapshot{
			RunID:     runID,
			CallerID:  caller.ID,
			Tier:      caller.Tier,
			Status:    model.StatusRunning,
			StartedAt: now().UTC(),
		},
		now: now,
		log: log,
	}
}

func (rt *RunTracker) stage(name string) *stageState {
	for _, s := range rt.stages {
		if s.name == name {
			return s
		}
	}
	s := &stageState{name: name}
	rt.stages = append(rt.stages, s)
	return s
}

// StartStage marks the start of a pipeline stage
func (rt *RunTracker) StartStage(stage string) model.StageProgress {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s := rt.stage(stage)
	s.start = rt.now()
	rt.log.Debug().Str("run_id", rt.metrics.RunID).Str("stage", stage).Msg("stage started")

	started := s.start.UTC()
	return model.StageProgress{RunID: rt.metrics.RunID, Stage: stage, Status: "started", StartedAt: &started}
}

// EndStage marks the end of a pipeline stage and the rows it produced
func (rt *RunTracker) EndStage(stage string, rows int) model.StageProgress {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s := rt.stage(stage)
	s.end = rt.now()
	s.rows = rows
	s.finished = true
	rt.log.Debug().
		Str("run_id", rt.metrics.RunID).
		Str("stage", stage).
		Int("rows", rows).
		Dur("duration", s.end.Sub(s.start)).
		Msg("stage completed")

	started, ended := s.start.UTC(), s.end.UTC()
	return model.StageProgress{RunID: rt.metrics.RunID, Stage: stage, Status: "completed", StartedAt: &started, EndedAt: &ended, Rows: rows}
}

// SetExtracted records the extractor output
func (rt *RunTracker) SetExtracted(rows int, bytes int64) {
	rt.mu.Lock()
	rt.metrics.RecordsExtracted = rows
	rt.metrics.BytesProcessed = bytes
	rt.mu.Unlock()
}

// SetTransformed records per-step row counts and the final row count
func (rt *RunTracker) SetTransformed(steps []model.StepStats, rows int) {
	rt.mu.Lock()
	rt.metrics.Steps = append([]model.StepStats(nil), steps...)
	rt.metrics.RecordsTransformed = rows
	rt.mu.Unlock()
}

// SetQuality records the quality score
func (rt *RunTracker) SetQuality(score float64) {
	rt.mu.Lock()
	rt.metrics.DataQualityScore = score
	rt.mu.Unlock()
}

// SetLoaded records how many rows reached the target
func (rt *RunTracker) SetLoaded(rows int) {
	rt.mu.Lock()
	rt.metrics.RecordsLoaded = rows
	rt.mu.Unlock()
}

// RecordError records an error with its stage and severity
func (rt *RunTracker) RecordError(stage string, err error) model.ErrorDetail {
	e := model.AsError(err)
	detail := model.ErrorDetail{
		Timestamp: rt.now().UTC(),
		Stage:     stage,
		Class:     e.Class,
		Kind:      e.Kind,
		Message:   err.Error(),
		Retryable: model.IsRetryable(err),
		Severity:  determineSeverity(e),
	}

	rt.mu.Lock()
	rt.errors = append(rt.errors, detail)
	rt.metrics.ErrorsCount++
	rt.mu.Unlock()

	ev := rt.log.Warn()
	if detail.Severity == "critical" {
		ev = rt.log.Error()
	}
	ev.Str("run_id", rt.metrics.RunID).
		Str("stage", stage).
		Str("kind", string(detail.Kind)).
		Str("severity", detail.Severity).
		Msg(detail.Message)
	return detail
}

// Complete freezes the run with its final status
func (rt *RunTracker) Complete(status string) model.MetricsSnapshot {
	rt.mu.Lock()
	if !rt.done {
		end := rt.now()
		rt.done = true
		rt.metrics.Status = status
		rt.metrics.FinishedAt = end.UTC()
		elapsed := end.Sub(rt.metrics.StartedAt).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		rt.metrics.ExecutionTime = elapsed
		if elapsed > 0 {
			rt.metrics.ThroughputPerSecond = float64(rt.metrics.RecordsLoaded) / elapsed
		}
	}
	rt.mu.Unlock()
	return rt.Snapshot()
}

// Snapshot returns a copy of the current metrics
func (rt *RunTracker) Snapshot() model.MetricsSnapshot {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	snap := rt.metrics
	snap.Steps = append([]model.StepStats(nil), rt.metrics.Steps...)
	now := rt.now()
	if rt.done {
		now = rt.metrics.FinishedAt
	}
	snap.StageDurations = make([]model.StageTiming, 0, len(rt.stages))
	for _, s := range rt.stages {
		end := s.end
		if !s.finished {
			end = now
		}
		snap.StageDurations = append(snap.StageDurations, model.StageTiming{
			Stage:    s.name,
			Seconds:  end.Sub(s.start).Seconds(),
			Rows:     s.rows,
			Finished: s.finished,
		})
	}
	return snap
}

// Errors returns a copy of the recorded errors
func (rt *RunTracker) Errors() []model.ErrorDetail {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]model.ErrorDetail(nil), rt.errors...)
}

// determineSeverity ranks an error for alerting
func determineSeverity(e *model.Error) string {
	switch e.Kind {
	case model.WriteFailure, model.TimeoutError:
		return "critical"
	case model.RateLimited, model.QuotaExceeded:
		return "medium"
	}
	switch e.Class {
	case model.ClassExtraction, model.ClassTransformation, model.ClassLoad:
		return "high"
	}
	return "low"
}

// MetricsRecorder keeps the trackers of active runs and a bounded registry of
// finished ones, and forwards final snapshots to its sinks.
type MetricsRecorder struct {
	mu       sync.RWMutex
	active   map[string]*RunTracker
	finished map[string]model.MetricsSnapshot
	order    []string // finished run ids, oldest first
	capacity int
	sinks    []MetricsSink
	now      func() time.Time
	log      zerolog.Logger
}

// DefaultRegistrySize is the number of finished runs kept in memory
const DefaultRegistrySize = 1000

// NewMetricsRecorder creates a recorder keeping at most capacity finished runs
func NewMetricsRecorder(capacity int, log zerolog.Logger, sinks ...MetricsSink) *MetricsRecorder {
	if capacity <= 0 {
		capacity = DefaultRegistrySize
	}
	return &MetricsRecorder{
		active:   make(map[string]*RunTracker),
		finished: make(map[string]model.MetricsSnapshot),
		capacity: capacity,
		sinks:    sinks,
		now:      time.Now,
		log:      log,
	}
}

// AddSink registers another MetricsSink
func (m *MetricsRecorder) AddSink(sink MetricsSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// Start begins tracking a run
func (m *MetricsRecorder) Start(runID string, caller model.Caller) *RunTracker {
	rt := newRunTracker(runID, caller, m.now, m.log)
	m.mu.Lock()
	m.active[runID] = rt
	m.mu.Unlock()
	return rt
}

// Finish completes a run, moves it into the registry and notifies the sinks
func (m *MetricsRecorder) Finish(ctx context.Context, rt *RunTracker, status string) model.MetricsSnapshot {
	snap := rt.Complete(status)

	m.mu.Lock()
	delete(m.active, snap.RunID)
	if _, ok := m.finished[snap.RunID]; !ok {
		m.order = append(m.order, snap.RunID)
	}
	m.finished[snap.RunID] = snap
	for len(m.order) > m.capacity {
		delete(m.finished, m.order[0])
		m.order = m.order[1:]
	}
	sinks := append([]MetricsSink(nil), m.sinks...)
	m.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.RecordRun(ctx, snap); err != nil {
			m.log.Error().Err(err).Str("run_id", snap.RunID).Msg("metrics sink failed")
		}
	}
	return snap
}

// Get returns the metrics of an active or recently finished run
func (m *MetricsRecorder) Get(runID string) (model.MetricsSnapshot, bool) {
	m.mu.RLock()
	rt, active := m.active[runID]
	snap, finished := m.finished[runID]
	m.mu.RUnlock()

	if active {
		return rt.Snapshot(), true
	}
	return snap, finished
}

// Tracker returns the tracker of an active run
func (m *MetricsRecorder) Tracker(runID string) (*RunTracker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.active[runID]
	return rt, ok
}
