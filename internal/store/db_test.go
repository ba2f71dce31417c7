package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"go-etl-engine/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(id, caller string, created time.Time) model.RunRecord {
	return model.RunRecord{
		ID:       id,
		CallerID: caller,
		Tier:     "basic",
		Spec: model.PipelineSpec{
			Source: model.SourceDescriptor{Type: "csv", Location: "in.csv"},
			Transformations: []model.OperationSpec{
				{"operation": "rename_column", "old_name": "a", "new_name": "b"},
			},
			Target: model.TargetDescriptor{Type: "json", Location: "out.json"},
		},
		Status:    model.StatusRunning,
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, sampleRun("r1", "acme", created)))
	require.NoError(t, s.UpdateRunStatus(ctx, "r1", model.StatusFailed, "MalformedInput: bad csv"))

	rec, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.CallerID)
	assert.Equal(t, model.StatusFailed, rec.Status)
	assert.Equal(t, "MalformedInput: bad csv", rec.Error)
	assert.True(t, created.Equal(rec.CreatedAt))
	assert.Equal(t, "rename_column", rec.Spec.Transformations[0].Name())
	assert.Equal(t, "out.json", rec.Spec.Target.Location)
}

func TestRunNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
	assert.ErrorIs(t, s.UpdateRunStatus(ctx, "missing", model.StatusSuccess, ""), model.ErrRunNotFound)
	_, err = s.GetRunMetrics(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, sampleRun("r1", "acme", base)))
	require.NoError(t, s.SaveRun(ctx, sampleRun("r2", "acme", base.Add(time.Minute))))
	require.NoError(t, s.SaveRun(ctx, sampleRun("r3", "other", base.Add(2*time.Minute))))

	runs, err := s.ListRuns(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID, "newest first")
	assert.Equal(t, "acme", runs[0].CallerID)

	data, err := json.Marshal(runs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"spec"`)

	all, err := s.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := s.ListRuns(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "r3", limited[0].ID)

	none, err := s.ListRuns(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestStageProgressUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Second)
	later := start.Add(5 * time.Second)

	require.NoError(t, s.SaveStageProgress(ctx, model.StageProgress{RunID: "r1", Stage: "extract", Status: "started", StartedAt: &start}))
	require.NoError(t, s.SaveStageProgress(ctx, model.StageProgress{RunID: "r1", Stage: "extract", Status: "completed", EndedAt: &end, Rows: 10}))
	require.NoError(t, s.SaveStageProgress(ctx, model.StageProgress{RunID: "r1", Stage: "transform", Status: "started", StartedAt: &later}))

	stages, err := s.ListStageProgress(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, stages, 2)

	assert.Equal(t, "extract", stages[0].Stage)
	assert.Equal(t, "completed", stages[0].Status)
	assert.Equal(t, 10, stages[0].Rows)
	require.NotNil(t, stages[0].StartedAt, "start time survives the update")
	assert.True(t, start.Equal(*stages[0].StartedAt))
	require.NotNil(t, stages[0].EndedAt)
	assert.True(t, end.Equal(*stages[0].EndedAt))

	assert.Equal(t, "transform", stages[1].Stage)
	assert.Nil(t, stages[1].EndedAt)
}

func TestRunErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRunError(ctx, "r1", model.ErrorDetail{
		Timestamp: ts,
		Stage:     "load",
		Class:     model.ClassLoad,
		Kind:      model.WriteFailure,
		Message:   "disk full",
		Retryable: true,
		Severity:  "critical",
	}))
	require.NoError(t, s.SaveRunError(ctx, "r1", model.ErrorDetail{Timestamp: ts, Stage: "extract", Message: "second"}))

	errs, err := s.ListRunErrors(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, model.WriteFailure, errs[0].Kind)
	assert.Equal(t, model.ClassLoad, errs[0].Class)
	assert.True(t, errs[0].Retryable)
	assert.Equal(t, "critical", errs[0].Severity)
	assert.Equal(t, "second", errs[1].Message)

	none, err := s.ListRunErrors(ctx, "r2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunMetrics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	snap := model.MetricsSnapshot{
		RunID:            "r1",
		Status:           model.StatusSuccess,
		RecordsExtracted: 3,
		RecordsLoaded:    2,
		DataQualityScore: 0.5,
		Steps:            []model.StepStats{{Index: 0, Operation: "dedup", RowsIn: 3, RowsOut: 2}},
	}
	require.NoError(t, s.RecordRun(ctx, snap))

	snap.Status = model.StatusLoadFailed
	require.NoError(t, s.RecordRun(ctx, snap), "recording twice replaces")

	got, err := s.GetRunMetrics(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusLoadFailed, got.Status)
	assert.Equal(t, 3, got.RecordsExtracted)
	assert.Equal(t, "dedup", got.Steps[0].Operation)
}

func TestUsageRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.RecordUsage(ctx, model.UsageRecord{
			Seq:             i,
			RunID:           "r",
			CallerID:        "acme",
			Tier:            "basic",
			BytesProcessed:  100 * i,
			ComputeDuration: time.Duration(i) * time.Second,
			ExecutionCount:  1,
			Status:          model.StatusSuccess,
			RecordedAt:      ts,
		}))
	}
	require.NoError(t, s.RecordUsage(ctx, model.UsageRecord{Seq: 1, CallerID: "other", RecordedAt: ts}))

	recs, err := s.ListUsage(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
	assert.Equal(t, 3*time.Second, recs[2].ComputeDuration)
	assert.Equal(t, int64(300), recs[2].BytesProcessed)
	assert.True(t, ts.Equal(recs[0].RecordedAt))
}
