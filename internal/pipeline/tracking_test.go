package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go-etl-engine/internal/model"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by one second on every call
func stepClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestRunTrackerSnapshot(t *testing.T) {
	rt := newRunTracker("run-1", model.Caller{ID: "acme", Tier: "basic"}, stepClock(), zerolog.Nop())

	started := rt.StartStage(StageExtract)
	assert.Equal(t, "started", started.Status)
	rt.SetExtracted(10, 2048)
	ended := rt.EndStage(StageExtract, 10)
	assert.Equal(t, "completed", ended.Status)
	assert.Equal(t, 10, ended.Rows)
	require.NotNil(t, ended.EndedAt)

	rt.StartStage(StageTransform)
	rt.SetTransformed([]model.StepStats{{Index: 0, Operation: "dedup", RowsIn: 10, RowsOut: 8}}, 8)
	rt.EndStage(StageTransform, 8)
	rt.SetQuality(0.9)
	rt.SetLoaded(8)

	snap := rt.Complete(model.StatusSuccess)
	assert.Equal(t, model.StatusSuccess, snap.Status)
	assert.Equal(t, 10, snap.RecordsExtracted)
	assert.Equal(t, 8, snap.RecordsTransformed)
	assert.Equal(t, 8, snap.RecordsLoaded)
	assert.Equal(t, int64(2048), snap.BytesProcessed)
	assert.Equal(t, 0.9, snap.DataQualityScore)
	assert.Greater(t, snap.ExecutionTime, 0.0)
	assert.InDelta(t, 8/snap.ExecutionTime, snap.ThroughputPerSecond, 1e-9)

	require.Len(t, snap.StageDurations, 2)
	assert.Equal(t, StageExtract, snap.StageDurations[0].Stage)
	assert.Equal(t, 1.0, snap.StageDurations[0].Seconds)
	assert.True(t, snap.StageDurations[1].Finished)

	// a completed tracker is frozen
	again := rt.Complete(model.StatusFailed)
	assert.Equal(t, model.StatusSuccess, again.Status)
	assert.Equal(t, snap.ExecutionTime, again.ExecutionTime)
}

func TestRunTrackerSnapshotIsACopy(t *testing.T) {
	rt := newRunTracker("run-1", model.Caller{}, stepClock(), zerolog.Nop())
	rt.SetTransformed([]model.StepStats{{Operation: "dedup"}}, 1)

	snap := rt.Snapshot()
	snap.Steps[0].Operation = "changed"
	assert.Equal(t, "dedup", rt.Snapshot().Steps[0].Operation)
}

func TestRecordError(t *testing.T) {
	rt := newRunTracker("run-1", model.Caller{}, stepClock(), zerolog.Nop())

	d := rt.RecordError(StageLoad, model.NewError(model.WriteFailure, "disk full"))
	assert.Equal(t, StageLoad, d.Stage)
	assert.Equal(t, model.ClassLoad, d.Class)
	assert.Equal(t, "critical", d.Severity)
	assert.True(t, d.Retryable)

	rt.RecordError(StageExtract, errors.New("boom"))
	assert.Len(t, rt.Errors(), 2)
	assert.Equal(t, 2, rt.Snapshot().ErrorsCount)
}

func TestDetermineSeverity(t *testing.T) {
	tests := []struct {
		err  *model.Error
		want string
	}{
		{model.NewError(model.WriteFailure, ""), "critical"},
		{model.NewError(model.TimeoutError, ""), "critical"},
		{model.NewError(model.QuotaExceeded, ""), "medium"},
		{model.NewError(model.RateLimited, ""), "medium"},
		{model.NewError(model.MalformedInput, ""), "high"},
		{model.NewError(model.ColumnNotFound, ""), "high"},
		{model.NewError(model.UnsupportedTarget, ""), "high"},
		{model.NewError(model.FeatureNotAvailable, ""), "low"},
		{model.AsError(errors.New("plain")), "low"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, determineSeverity(tt.err), string(tt.err.Kind))
	}
}

type captureSink struct {
	snaps []model.MetricsSnapshot
}

func (c *captureSink) RecordRun(_ context.Context, snap model.MetricsSnapshot) error {
	c.snaps = append(c.snaps, snap)
	return nil
}

type failingSink struct{}

func (failingSink) RecordRun(context.Context, model.MetricsSnapshot) error {
	return errors.New("sink down")
}

func TestMetricsRecorderEvictsOldestFinishedRuns(t *testing.T) {
	sink := &captureSink{}
	m := NewMetricsRecorder(2, zerolog.Nop(), failingSink{})
	m.AddSink(sink)

	for _, id := range []string{"a", "b", "c"} {
		rt := m.Start(id, model.Caller{ID: "acme"})
		_, active := m.Tracker(id)
		assert.True(t, active)
		m.Finish(context.Background(), rt, model.StatusSuccess)
		_, active = m.Tracker(id)
		assert.False(t, active)
	}

	_, ok := m.Get("a")
	assert.False(t, ok, "oldest run is evicted")
	for _, id := range []string{"b", "c"} {
		snap, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, model.StatusSuccess, snap.Status)
	}
	assert.Len(t, sink.snaps, 3, "a failing sink does not stop the others")
}

func TestMetricsRecorderReportsActiveRuns(t *testing.T) {
	m := NewMetricsRecorder(0, zerolog.Nop())
	rt := m.Start("run-1", model.Caller{ID: "acme"})
	rt.SetExtracted(5, 10)

	snap, ok := m.Get("run-1")
	require.True(t, ok)
	assert.Equal(t, model.StatusRunning, snap.Status)
	assert.Equal(t, 5, snap.RecordsExtracted)
}
