package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go-etl-engine/internal/model"
	"go-etl-engine/internal/usage"
	"go-etl-engine/pkg/utils"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout applies when a tier declares no timeout
const DefaultTimeout = 5 * time.Minute

// Admitter is the admission side of the usage gate
type Admitter interface {
	Admit(ctx context.Context, req usage.Request) (*usage.Reservation, error)
	Finalize(ctx context.Context, res *usage.Reservation, out usage.Outcome) model.UsageRecord
}

// RunStore persists run history. Writes are best effort; a failing store never
// fails a run.
type RunStore interface {
	SaveRun(ctx context.Context, rec model.RunRecord) error
	UpdateRunStatus(ctx context.Context, runID, status, errMsg string) error
	GetRun(ctx context.Context, runID string) (model.RunRecord, error)
	SaveStageProgress(ctx context.Context, p model.StageProgress) error
	SaveRunError(ctx context.Context, runID string, d model.ErrorDetail) error
	GetRunMetrics(ctx context.Context, runID string) (model.MetricsSnapshot, error)
}

// Config wires the engine components. Extractor, Loader and Gate are required.
type Config struct {
	Extractor      Extractor
	Transformer    *Transformer
	Validator      *QualityValidator
	Loader         Loader
	Gate           Admitter
	Recorder       *MetricsRecorder
	Store          RunStore
	Output         *utils.OutputManager
	Tracer         trace.Tracer
	Log            zerolog.Logger
	DefaultTimeout time.Duration
}

// Engine runs pipeline specs end to end
type Engine struct {
	extractor      Extractor
	transformer    *Transformer
	validator      *QualityValidator
	loader         Loader
	gate           Admitter
	recorder       *MetricsRecorder
	store          RunStore
	output         *utils.OutputManager
	tracer         trace.Tracer
	log            zerolog.Logger
	defaultTimeout time.Duration
}

// NewEngine validates the config and fills defaults for optional components
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Extractor == nil {
		return nil, errors.New("engine: extractor is required")
	}
	if cfg.Loader == nil {
		return nil, errors.New("engine: loader is required")
	}
	if cfg.Gate == nil {
		return nil, errors.New("engine: usage gate is required")
	}

	e := &Engine{
		extractor:      cfg.Extractor,
		transformer:    cfg.Transformer,
		validator:      cfg.Validator,
		loader:         cfg.Loader,
		gate:           cfg.Gate,
		recorder:       cfg.Recorder,
		store:          cfg.Store,
		output:         cfg.Output,
		tracer:         cfg.Tracer,
		log:            cfg.Log,
		defaultTimeout: cfg.DefaultTimeout,
	}
	if e.transformer == nil {
		e.transformer = NewTransformer(cfg.Log)
	}
	if e.validator == nil {
		e.validator = NewQualityValidator(DefaultQualityWeights())
	}
	if e.recorder == nil {
		e.recorder = NewMetricsRecorder(DefaultRegistrySize, cfg.Log)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("go-etl-engine/pipeline")
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	return e, nil
}

// Recorder returns the metrics recorder
func (e *Engine) Recorder() *MetricsRecorder { return e.recorder }

// Submit admits, executes and meters one run. The result is always returned;
// the error is its Result.Error when the run did not succeed.
func (e *Engine) Submit(ctx context.Context, spec model.PipelineSpec, caller model.Caller) (*model.Result, error) {
	runID := uuid.New().String()

	ctx, span := e.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("caller.id", caller.ID),
		attribute.String("caller.tier", caller.Tier),
	))
	defer span.End()

	r := &run{
		engine:     e,
		id:         runID,
		spec:       spec,
		caller:     caller,
		tracker:    e.recorder.Start(runID, caller),
		span:       span,
		persistCtx: context.WithoutCancel(ctx),
		log:        e.log.With().Str("run_id", runID).Str("caller_id", caller.ID).Str("tier", caller.Tier).Logger(),
	}

	r.log.Info().
		Str("source", spec.Source.Location).
		Int("transformations", len(spec.Transformations)).
		Msg("run submitted")
	r.saveRun()

	return r.execute(ctx)
}

// GetMetrics returns the metrics snapshot of a run
func (e *Engine) GetMetrics(runID string) (model.MetricsSnapshot, error) {
	if snap, ok := e.recorder.Get(runID); ok {
		return snap, nil
	}
	if e.store != nil {
		snap, err := e.store.GetRunMetrics(context.Background(), runID)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, model.ErrRunNotFound) {
			return model.MetricsSnapshot{}, err
		}
	}
	return model.MetricsSnapshot{}, fmt.Errorf("%w: %s", model.ErrRunNotFound, runID)
}

// run holds the state of one submission
type run struct {
	engine      *Engine
	id          string
	spec        model.PipelineSpec
	caller      model.Caller
	tracker     *RunTracker
	span        trace.Span
	persistCtx  context.Context
	log         zerolog.Logger
	reservation *usage.Reservation
	quality     *model.QualityReport
	output      string
}

func (r *run) execute(ctx context.Context) (*model.Result, error) {
	e := r.engine

	// Decoding happens before admission so a bad spec costs no quota
	ops, err := ParseOperations(r.spec.Transformations)
	if err != nil {
		return r.finish(StageAdmission, model.StatusFailed, err)
	}

	err = r.stage(ctx, StageAdmission, func(ctx context.Context) (int, error) {
		res, err := e.gate.Admit(ctx, usage.Request{
			RunID:    r.id,
			Caller:   r.caller,
			Features: RequiredFeatures(r.spec, ops),
			SizeFunc: r.sourceSize,
		})
		if err != nil {
			return 0, err
		}
		r.reservation = res
		return 0, nil
	})
	if err != nil {
		return r.finish(StageAdmission, model.StatusDenied, err)
	}

	policy := r.reservation.Policy
	timeout := utils.ParseDuration(policy.Timeout, e.defaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ds *model.Dataset
	err = r.stage(runCtx, StageExtract, func(ctx context.Context) (int, error) {
		var bytesRead int64
		var err error
		ds, bytesRead, err = e.extractor.Extract(ctx, r.spec.Source, policy.MaxFileSizeBytes)
		if err != nil {
			return 0, err
		}
		r.tracker.SetExtracted(ds.NumRows(), bytesRead)
		return ds.NumRows(), nil
	})
	if err != nil {
		return r.finish(StageExtract, model.StatusFailed, err)
	}

	var out *model.Dataset
	var summary Transformation
	err = r.stage(runCtx, StageTransform, func(ctx context.Context) (int, error) {
		var err error
		out, summary, err = e.transformer.Apply(ctx, ds, ops)
		if err != nil {
			r.tracker.SetTransformed(summary.Steps, 0)
			return 0, err
		}
		r.tracker.SetTransformed(summary.Steps, out.NumRows())
		return out.NumRows(), nil
	})
	if err != nil {
		return r.finish(StageTransform, model.StatusFailed, err)
	}

	err = r.stage(runCtx, StageValidate, func(ctx context.Context) (int, error) {
		report := e.validator.Score(out, summary)
		r.quality = &report
		r.tracker.SetQuality(report.Score)
		return report.Rows, nil
	})
	if err != nil {
		return r.finish(StageValidate, model.StatusFailed, err)
	}

	// Nothing is written once the deadline has passed
	if err := runCtx.Err(); err != nil {
		return r.finish(StageLoad, model.StatusFailed, err)
	}

	err = r.stage(runCtx, StageLoad, func(ctx context.Context) (int, error) {
		target, err := r.resolveTarget()
		if err != nil {
			return 0, err
		}
		res, err := e.loader.Load(ctx, out, target)
		if err != nil {
			return 0, err
		}
		r.tracker.SetLoaded(res.RecordsLoaded)
		r.output = res.Location
		return res.RecordsLoaded, nil
	})
	if err != nil {
		return r.finish(StageLoad, model.StatusLoadFailed, err)
	}

	return r.finish("", model.StatusSuccess, nil)
}

// stage runs fn inside its own span and records the stage transitions
func (r *run) stage(ctx context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	r.saveProgress(r.tracker.StartStage(name))

	ctx, span := r.engine.tracer.Start(ctx, "pipeline."+name, trace.WithAttributes(attribute.String("run.id", r.id)))
	defer span.End()

	rows, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("rows", rows))
	r.saveProgress(r.tracker.EndStage(name, rows))
	return nil
}

// sourceSize is the declared_size_bytes option, else the size reported by Stat. An
// unknown size admits as 0; the bounded read still enforces the limit.
func (r *run) sourceSize(ctx context.Context) int64 {
	if n := r.spec.Source.Options.Int64("declared_size_bytes", -1); n >= 0 {
		return n
	}
	n, err := r.engine.extractor.Stat(ctx, r.spec.Source)
	if err != nil {
		r.log.Debug().Err(err).Msg("source size unknown at admission")
		return 0
	}
	return n
}

var defaultExtensions = map[string]string{
	"csv":     "csv",
	"json":    "json",
	"jsonl":   "jsonl",
	"parquet": "parquet",
	"sqlite":  "db",
}

// resolveTarget places targets without a location in the run's output directory
func (r *run) resolveTarget() (model.TargetDescriptor, error) {
	target := r.spec.Target
	if target.Location != "" || r.engine.output == nil {
		return target, nil
	}
	ext, ok := defaultExtensions[TargetType(target)]
	if !ok {
		return target, nil
	}
	if _, err := r.engine.output.CreateRunOutputDir(r.id); err != nil {
		return target, writeFailure(err, "failed to create run output directory")
	}
	// Relative to the output directory, where the loader resolves it
	target.Location = filepath.Join(r.id, "output."+ext)
	return target, nil
}

// stageKinds tags errors that reach the end of a run without a kind
var stageKinds = map[string]model.ErrorKind{
	StageAdmission: model.InvalidParameters,
	StageExtract:   model.MalformedInput,
	StageTransform: model.InvalidParameters,
	StageValidate:  model.InvalidParameters,
	StageLoad:      model.WriteFailure,
}

func untaggedError(stage string, err error) error {
	kind, ok := stageKinds[stage]
	if !ok {
		return err
	}
	if kind == model.WriteFailure {
		return writeFailure(err, "%s failed", stage)
	}
	return model.WrapError(kind, err, "%s failed", stage)
}

func (r *run) finish(stage, status string, err error) (*model.Result, error) {
	e := r.engine
	ctx := r.persistCtx

	var runErr *model.Error
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = model.StatusTimeout
			timeoutErr := model.WrapError(model.TimeoutError, err, "run exceeded its time limit during %s", stage)
			timeoutErr.Retryable = true
			err = timeoutErr
		case model.KindOf(err) == model.TimeoutError:
			status = model.StatusTimeout
		case errors.Is(err, context.Canceled):
			status = model.StatusFailed
			cancelErr := model.WrapError(model.Cancelled, err, "run cancelled during %s", stage)
			cancelErr.Retryable = true
			err = cancelErr
		case model.KindOf(err) == "":
			err = untaggedError(stage, err)
		}
		runErr = model.AsError(err)
		r.saveError(r.tracker.RecordError(stage, err))
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, err.Error())
	}

	snap := e.recorder.Finish(ctx, r.tracker, status)
	if r.reservation != nil {
		e.gate.Finalize(ctx, r.reservation, usage.Outcome{
			Status:          status,
			BytesProcessed:  snap.BytesProcessed,
			ComputeDuration: time.Duration(snap.ExecutionTime * float64(time.Second)),
		})
	}
	r.updateStatus(status, runErr)
	r.span.SetAttributes(attribute.String("run.status", status))

	ev := r.log.Info()
	if runErr != nil {
		ev = r.log.Warn().Str("kind", string(runErr.Kind))
	}
	ev.Str("status", status).
		Int("records_extracted", snap.RecordsExtracted).
		Int("records_loaded", snap.RecordsLoaded).
		Float64("quality_score", snap.DataQualityScore).
		Float64("execution_time", snap.ExecutionTime).
		Msg("run finished")

	result := &model.Result{
		RunID:  r.id,
		Status: status,
		RecordsProcessed: model.RecordsProcessed{
			Extracted:   snap.RecordsExtracted,
			Transformed: snap.RecordsTransformed,
			Loaded:      snap.RecordsLoaded,
		},
		DataQualityScore:    snap.DataQualityScore,
		ExecutionTime:       snap.ExecutionTime,
		ThroughputPerSecond: snap.ThroughputPerSecond,
		Output:              r.output,
		Error:               runErr,
	}
	if r.quality != nil && r.reservation != nil && r.reservation.Policy.Allows(usage.FeatureQualityMetrics) {
		result.Quality = r.quality
	}
	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

func (r *run) saveRun() {
	if r.engine.store == nil {
		return
	}
	now := time.Now().UTC()
	err := r.engine.store.SaveRun(r.persistCtx, model.RunRecord{
		ID:        r.id,
		CallerID:  r.caller.ID,
		Tier:      r.caller.Tier,
		Spec:      r.spec,
		Status:    model.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("failed to save run")
	}
}

func (r *run) saveProgress(p model.StageProgress) {
	if r.engine.store == nil {
		return
	}
	if err := r.engine.store.SaveStageProgress(r.persistCtx, p); err != nil {
		r.log.Error().Err(err).Str("stage", p.Stage).Msg("failed to save stage progress")
	}
}

func (r *run) saveError(d model.ErrorDetail) {
	if r.engine.store == nil {
		return
	}
	if err := r.engine.store.SaveRunError(r.persistCtx, r.id, d); err != nil {
		r.log.Error().Err(err).Msg("failed to save run error")
	}
}

func (r *run) updateStatus(status string, runErr *model.Error) {
	if r.engine.store == nil {
		return
	}
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	if err := r.engine.store.UpdateRunStatus(r.persistCtx, r.id, status, msg); err != nil {
		r.log.Error().Err(err).Msg("failed to update run status")
	}
}
