package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go-etl-engine/internal/model"
	"go-etl-engine/internal/usage"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	mu       sync.Mutex
	ds       *model.Dataset
	size     int64
	err      error
	block    bool
	stats    int
	extracts int
	maxBytes int64
}

func (f *fakeExtractor) Stat(context.Context, model.SourceDescriptor) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats++
	return f.size, nil
}

func (f *fakeExtractor) Extract(ctx context.Context, _ model.SourceDescriptor, maxBytes int64) (*model.Dataset, int64, error) {
	f.mu.Lock()
	f.extracts++
	f.maxBytes = maxBytes
	block, ds, err, size := f.block, f.ds, f.err, f.size
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	if err != nil {
		return nil, 0, err
	}
	return ds.Clone(), size, nil
}

type fakeLoader struct {
	mu     sync.Mutex
	loads  int
	got    *model.Dataset
	target model.TargetDescriptor
	err    error
}

func (f *fakeLoader) Load(_ context.Context, ds *model.Dataset, target model.TargetDescriptor) (ExportResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return ExportResult{}, f.err
	}
	f.got = ds
	f.target = target
	return ExportResult{Type: TargetType(target), Location: target.Location, RecordsLoaded: ds.NumRows()}, nil
}

// memRunStore is an in-memory RunStore
type memRunStore struct {
	mu       sync.Mutex
	runs     map[string]model.RunRecord
	progress []model.StageProgress
	errors   map[string][]model.ErrorDetail
	metrics  map[string]model.MetricsSnapshot
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:    map[string]model.RunRecord{},
		errors:  map[string][]model.ErrorDetail{},
		metrics: map[string]model.MetricsSnapshot{},
	}
}

func (s *memRunStore) SaveRun(_ context.Context, rec model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = rec
	return nil
}

func (s *memRunStore) UpdateRunStatus(_ context.Context, runID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return model.ErrRunNotFound
	}
	rec.Status, rec.Error = status, errMsg
	s.runs[runID] = rec
	return nil
}

func (s *memRunStore) GetRun(_ context.Context, runID string) (model.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return model.RunRecord{}, model.ErrRunNotFound
	}
	return rec, nil
}

func (s *memRunStore) SaveStageProgress(_ context.Context, p model.StageProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, p)
	return nil
}

func (s *memRunStore) SaveRunError(_ context.Context, runID string, d model.ErrorDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[runID] = append(s.errors[runID], d)
	return nil
}

func (s *memRunStore) RecordRun(_ context.Context, snap model.MetricsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[snap.RunID] = snap
	return nil
}

func (s *memRunStore) GetRunMetrics(_ context.Context, runID string) (model.MetricsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.metrics[runID]
	if !ok {
		return model.MetricsSnapshot{}, model.ErrRunNotFound
	}
	return snap, nil
}

type engineFixture struct {
	engine    *Engine
	extractor *fakeExtractor
	loader    *fakeLoader
	gate      *usage.Gate
	store     *memRunStore
}

func newFixture(t *testing.T, policies usage.Policies, ds *model.Dataset) *engineFixture {
	t.Helper()
	f := &engineFixture{
		extractor: &fakeExtractor{ds: ds, size: 128},
		loader:    &fakeLoader{},
		gate:      usage.NewGate(policies),
		store:     newMemRunStore(),
	}
	recorder := NewMetricsRecorder(10, zerolog.Nop(), f.store)
	engine, err := NewEngine(Config{
		Extractor: f.extractor,
		Loader:    f.loader,
		Gate:      f.gate,
		Recorder:  recorder,
		Store:     f.store,
		Output:    utils.NewOutputManager(t.TempDir()),
		Log:       zerolog.Nop(),
	})
	require.NoError(t, err)
	f.engine = engine
	return f
}

func statusDataset(t *testing.T) *model.Dataset {
	return table(t, []string{"status", "amount"},
		[]interface{}{"active", "10"},
		[]interface{}{"inactive", "20"},
	)
}

func statusSpec() model.PipelineSpec {
	return model.PipelineSpec{
		Source: model.SourceDescriptor{Type: "json", Location: "in.json"},
		Transformations: []model.OperationSpec{
			{"operation": "filter_rows", "column": "status", "condition": "equals", "value": "active"},
			{"operation": "convert_type", "column": "amount", "target_type": "numeric"},
		},
		Target: model.TargetDescriptor{Type: "json", Location: "out.json"},
	}
}

func TestNewEngineRequiresComponents(t *testing.T) {
	_, err := NewEngine(Config{Loader: &fakeLoader{}, Gate: usage.NewGate(usage.DefaultPolicies())})
	assert.Error(t, err)
	_, err = NewEngine(Config{Extractor: &fakeExtractor{}, Gate: usage.NewGate(usage.DefaultPolicies())})
	assert.Error(t, err)
	_, err = NewEngine(Config{Extractor: &fakeExtractor{}, Loader: &fakeLoader{}})
	assert.Error(t, err)
}

func TestSubmitFilterConvertExample(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	caller := model.Caller{ID: "acme", Tier: usage.TierBasic}

	result, err := f.engine.Submit(context.Background(), statusSpec(), caller)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.Equal(t, model.RecordsProcessed{Extracted: 2, Transformed: 1, Loaded: 1}, result.RecordsProcessed)
	assert.Equal(t, 1.0, result.DataQualityScore)
	assert.Nil(t, result.Error)
	assert.Nil(t, result.Quality, "basic tier has no quality_metrics")
	assert.Equal(t, "out.json", result.Output)

	expected := table(t, []string{"status", "amount"}, []interface{}{"active", 10.0})
	assert.True(t, expected.Equal(f.loader.got))
	assert.Equal(t, int64(10*1024*1024), f.extractor.maxBytes)

	snap, err := f.engine.GetMetrics(result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, snap.Status)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, "convert_type", snap.Steps[1].Operation)

	rec, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, rec.Status)
	assert.Equal(t, "acme", rec.CallerID)

	usageRecs := f.gate.Records("acme")
	require.Len(t, usageRecs, 1)
	assert.Equal(t, result.RunID, usageRecs[0].RunID)
	assert.Equal(t, int64(128), usageRecs[0].BytesProcessed)
}

func TestSubmitIncludesQualityReportWhenTierAllows(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	result, err := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: usage.TierProfessional})
	require.NoError(t, err)
	require.NotNil(t, result.Quality)
	assert.Equal(t, 1, result.Quality.Rows)
	assert.Equal(t, 1, result.Quality.ConversionAttempts)
}

func TestSubmitNoOpPipelineLoadsInputUnchanged(t *testing.T) {
	ds := statusDataset(t)
	f := newFixture(t, usage.DefaultPolicies(), ds)
	spec := statusSpec()
	spec.Transformations = nil

	result, err := f.engine.Submit(context.Background(), spec, model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, result.Status)
	assert.True(t, ds.Equal(f.loader.got))
}

func TestDenialNeverExtractsOrLoads(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))

	// json is not on the free tier
	result, err := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: usage.TierFree})
	require.Error(t, err)
	assert.Equal(t, model.StatusDenied, result.Status)
	assert.Equal(t, model.FeatureNotAvailable, result.Error.Kind)
	assert.Equal(t, usage.FeatureJSON, result.Error.Feature)

	assert.Zero(t, f.extractor.stats)
	assert.Zero(t, f.extractor.extracts)
	assert.Zero(t, f.loader.loads)
	assert.Empty(t, f.gate.Records("acme"), "denied runs are not metered")

	rec, err := f.store.GetRun(context.Background(), result.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDenied, rec.Status)
	assert.Len(t, f.store.errors[result.RunID], 1)
}

func TestDeclaredSizeOverLimitIsDeniedBeforeExtraction(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	spec := statusSpec()
	spec.Source.Options = model.Options{"declared_size_bytes": float64(15 * 1024 * 1024)}

	result, err := f.engine.Submit(context.Background(), spec, model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusDenied, result.Status)
	assert.Equal(t, model.SizeLimitExceeded, result.Error.Kind)
	assert.Equal(t, int64(10*1024*1024), result.Error.Limit)
	assert.Equal(t, int64(15*1024*1024), result.Error.Actual)
	assert.Zero(t, f.extractor.extracts)
	assert.Zero(t, f.extractor.stats)
	assert.Zero(t, f.loader.loads)
}

func TestStatSizeOverLimitIsDenied(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.extractor.size = 20 * 1024 * 1024

	result, _ := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: usage.TierBasic})
	assert.Equal(t, model.SizeLimitExceeded, result.Error.Kind)
	assert.Equal(t, 1, f.extractor.stats)
	assert.Zero(t, f.extractor.extracts)
}

func TestInvalidSpecCostsNoQuota(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	spec := statusSpec()
	spec.Transformations = append(spec.Transformations, model.OperationSpec{"operation": "pivot"})

	result, err := f.engine.Submit(context.Background(), spec, model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, model.OperationFailedAtIndex, result.Error.Kind)
	require.NotNil(t, result.Error.Index)
	assert.Equal(t, 2, *result.Error.Index)
	assert.Zero(t, f.gate.Usage(model.Caller{ID: "acme", Tier: usage.TierBasic}).Executions)
	assert.Zero(t, f.extractor.extracts)
}

func TestTransformationFailureWritesNothing(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	spec := statusSpec()
	spec.Transformations = []model.OperationSpec{{"operation": "rename_column", "old_name": "missing", "new_name": "x"}}

	result, err := f.engine.Submit(context.Background(), spec, model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.True(t, model.IsKind(result.Error, model.ColumnNotFound))
	assert.Zero(t, f.loader.loads)
	assert.Len(t, f.gate.Records("acme"), 1, "admitted runs are metered even when they fail")
}

func TestExtractionFailure(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), nil)
	f.extractor.err = model.NewError(model.MalformedInput, "invalid json")

	result, err := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, model.MalformedInput, result.Error.Kind)
	assert.False(t, ShouldResubmit(result))
}

func TestLoadFailureIsDistinguished(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.loader.err = writeFailure(errors.New("disk full"), "failed to write out.json")

	result, err := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusLoadFailed, result.Status)
	assert.Equal(t, model.WriteFailure, result.Error.Kind)
	assert.Equal(t, 1, result.RecordsProcessed.Transformed)
	assert.Zero(t, result.RecordsProcessed.Loaded)
	assert.True(t, ShouldResubmit(result))

	details := f.store.errors[result.RunID]
	require.Len(t, details, 1)
	assert.Equal(t, StageLoad, details[0].Stage)
	assert.Equal(t, "critical", details[0].Severity)
}

func TestTimeoutAbortsWithoutWriting(t *testing.T) {
	policies := usage.PolicySet{"tiny": {
		Name:     "tiny",
		Features: []string{usage.FeatureJSON, usage.FeatureBasicTransformations},
		Timeout:  "30ms",
	}}
	f := newFixture(t, policies, statusDataset(t))
	f.extractor.block = true

	start := time.Now()
	result, err := f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: "tiny"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, model.StatusTimeout, result.Status)
	assert.Equal(t, model.TimeoutError, result.Error.Kind)
	assert.True(t, result.Error.Retryable)
	assert.Zero(t, f.loader.loads)
}

func TestEveryFailureCarriesAKind(t *testing.T) {
	caller := model.Caller{ID: "acme", Tier: usage.TierBasic}

	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.extractor.err = model.NewError(model.TimeoutError, "rate limit wait would pass the run deadline")
	result, err := f.engine.Submit(context.Background(), statusSpec(), caller)
	require.Error(t, err)
	assert.Equal(t, model.StatusTimeout, result.Status)
	assert.Equal(t, model.TimeoutError, result.Error.Kind)

	f = newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.extractor.err = errors.New("connection reset")
	result, err = f.engine.Submit(context.Background(), statusSpec(), caller)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, model.MalformedInput, result.Error.Kind)
	assert.Equal(t, model.ClassExtraction, result.Error.Class)

	f = newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.loader.err = errors.New("broken pipe")
	result, err = f.engine.Submit(context.Background(), statusSpec(), caller)
	require.Error(t, err)
	assert.Equal(t, model.StatusLoadFailed, result.Status)
	assert.Equal(t, model.WriteFailure, result.Error.Kind)
	assert.True(t, result.Error.Retryable)
}

func TestCallerCancellationIsTagged(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	f.extractor.block = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, err := f.engine.Submit(ctx, statusSpec(), model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, result.Status)
	assert.Equal(t, model.Cancelled, result.Error.Kind)
	assert.Equal(t, model.ClassCancellation, result.Error.Class)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.loader.loads)
}

func TestDefaultTargetLocation(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	spec := statusSpec()
	spec.Target = model.TargetDescriptor{Type: "json"}

	result, err := f.engine.Submit(context.Background(), spec, model.Caller{ID: "acme", Tier: usage.TierBasic})
	require.NoError(t, err)
	assert.Contains(t, f.loader.target.Location, result.RunID)
	assert.True(t, strings.HasSuffix(f.loader.target.Location, "output.json"))
}

func TestConcurrentSubmissionsRespectQuota(t *testing.T) {
	policies := usage.PolicySet{"one": {
		Name:          "one",
		MaxExecutions: 1,
		Features:      []string{usage.FeatureJSON, usage.FeatureBasicTransformations},
	}}
	f := newFixture(t, policies, statusDataset(t))

	var wg sync.WaitGroup
	results := make([]*model.Result, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = f.engine.Submit(context.Background(), statusSpec(), model.Caller{ID: "acme", Tier: "one"})
		}(i)
	}
	wg.Wait()

	statuses := []string{results[0].Status, results[1].Status}
	assert.ElementsMatch(t, []string{model.StatusSuccess, model.StatusDenied}, statuses)
	for _, r := range results {
		if r.Status == model.StatusDenied {
			assert.Equal(t, model.QuotaExceeded, r.Error.Kind)
		}
	}
	assert.Equal(t, 1, f.loader.loads)
}

func TestResubmit(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	caller := model.Caller{ID: "acme", Tier: usage.TierBasic}
	f.loader.err = writeFailure(errors.New("disk full"), "write failed")

	first, _ := f.engine.Submit(context.Background(), statusSpec(), caller)
	require.Equal(t, model.StatusLoadFailed, first.Status)

	f.loader.err = nil
	second, err := f.engine.Resubmit(context.Background(), first.RunID, model.Caller{})
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Equal(t, model.StatusSuccess, second.Status)
	assert.Len(t, f.gate.Records("acme"), 2)

	_, err = f.engine.Resubmit(context.Background(), first.RunID, model.Caller{ID: "mallory", Tier: usage.TierBasic})
	assert.ErrorIs(t, err, ErrForeignRun)

	_, err = f.engine.Resubmit(context.Background(), "nope", model.Caller{})
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestResubmitNeedsStore(t *testing.T) {
	engine, err := NewEngine(Config{
		Extractor: &fakeExtractor{},
		Loader:    &fakeLoader{},
		Gate:      usage.NewGate(usage.DefaultPolicies()),
	})
	require.NoError(t, err)
	_, err = engine.Resubmit(context.Background(), "x", model.Caller{})
	assert.ErrorIs(t, err, ErrNoRunStore)
}

func TestGetMetricsFallsBackToStore(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	require.NoError(t, f.store.RecordRun(context.Background(), model.MetricsSnapshot{RunID: "old", Status: model.StatusSuccess}))

	snap, err := f.engine.GetMetrics("old")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, snap.Status)

	_, err = f.engine.GetMetrics("unknown")
	assert.ErrorIs(t, err, model.ErrRunNotFound)
}

func TestIdenticalSubmissionsGiveIdenticalResults(t *testing.T) {
	f := newFixture(t, usage.DefaultPolicies(), statusDataset(t))
	caller := model.Caller{ID: "acme", Tier: usage.TierBasic}

	a, err := f.engine.Submit(context.Background(), statusSpec(), caller)
	require.NoError(t, err)
	firstOut := f.loader.got
	b, err := f.engine.Submit(context.Background(), statusSpec(), caller)
	require.NoError(t, err)

	assert.Equal(t, a.RecordsProcessed, b.RecordsProcessed)
	assert.Equal(t, a.DataQualityScore, b.DataQualityScore)
	assert.True(t, firstOut.Equal(f.loader.got))
}
