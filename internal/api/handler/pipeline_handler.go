package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go-etl-engine/internal/agent"
	"go-etl-engine/internal/model"
	"go-etl-engine/internal/pipeline"
	"go-etl-engine/internal/store"
	"go-etl-engine/internal/usage"
	"go-etl-engine/pkg/utils"

	"github.com/rs/zerolog"
)

// Caller identity headers, set by the upstream identity resolver
const (
	HeaderCallerID   = "X-Caller-ID"
	HeaderCallerTier = "X-Caller-Tier"
)

const maxBodyBytes = 1 << 20

// Handler serves the pipeline API
type Handler struct {
	Engine *pipeline.Engine
	Gate   *usage.Gate
	Store  *store.Store // nil disables history endpoints
	Agents *agent.Registry
	Output *utils.OutputManager
	Log    zerolog.Logger
}

// PipelineResponse is a run result plus where to fetch the output
type PipelineResponse struct {
	*model.Result
	DownloadURL string `json:"download_url,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreatePipeline runs a pipeline
// @Summary Run a pipeline
// @Description Admit, execute and meter a pipeline run for the calling tier
// @Tags pipelines
// @Accept json
// @Produce json
// @Param X-Caller-ID header string true "Caller id"
// @Param X-Caller-Tier header string true "Caller tier"
// @Param pipeline body model.PipelineSpec true "Pipeline definition"
// @Success 200 {object} PipelineResponse "Run succeeded"
// @Failure 400 {object} ErrorResponse "Invalid request payload"
// @Failure 403 {object} PipelineResponse "Feature not available"
// @Failure 413 {object} PipelineResponse "Source too large"
// @Failure 422 {object} PipelineResponse "Run failed"
// @Failure 429 {object} PipelineResponse "Quota or rate limit exceeded"
// @Failure 504 {object} PipelineResponse "Run timed out"
// @Router /pipelines [post]
func (h *Handler) CreatePipeline(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFromHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "X-Caller-ID and X-Caller-Tier headers are required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	spec, err := agent.DecodeSpec(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, _ := h.Engine.Submit(r.Context(), spec, caller)
	h.writeResult(w, result)
}

// ListPipelines lists runs
// @Summary List pipeline runs
// @Description List runs newest first, optionally only those of the calling caller
// @Tags pipelines
// @Produce json
// @Param X-Caller-ID header string false "Caller id"
// @Param limit query int false "Maximum number of runs"
// @Success 200 {array} model.RunSummary "List of runs"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /pipelines [get]
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	if !h.requireStore(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.Store.ListRuns(r.Context(), r.Header.Get(HeaderCallerID), limit)
	if err != nil {
		h.Log.Error().Err(err).Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "Failed to fetch pipelines")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetPipeline returns one run
// @Summary Get pipeline run
// @Description Retrieve the definition and status of a run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.RunRecord "Run details"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /pipelines/{id} [get]
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "")
	if !ok || !h.requireStore(w) {
		return
	}
	rec, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		h.writeLookupError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetPipelineMetrics returns the metrics of a run
// @Summary Get pipeline metrics
// @Description Retrieve the metrics snapshot of an active or finished run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} model.MetricsSnapshot "Run metrics"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /pipelines/{id}/metrics [get]
func (h *Handler) GetPipelineMetrics(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "metrics")
	if !ok {
		return
	}
	snap, err := h.Engine.GetMetrics(runID)
	if err != nil {
		h.writeLookupError(w, err, "metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetPipelineErrors returns the errors of a run
// @Summary Get pipeline errors
// @Description Retrieve all errors recorded during a run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run errors"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /pipelines/{id}/errors [get]
func (h *Handler) GetPipelineErrors(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "errors")
	if !ok || !h.requireStore(w) {
		return
	}
	details, err := h.Store.ListRunErrors(r.Context(), runID)
	if err != nil {
		h.Log.Error().Err(err).Str("run_id", runID).Msg("failed to list run errors")
		writeError(w, http.StatusInternalServerError, "Failed to fetch errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":      runID,
		"errors":      details,
		"error_count": len(details),
	})
}

// GetPipelineProgress returns the stage progress of a run
// @Summary Get pipeline progress
// @Description Retrieve stage transitions of a run
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Success 200 {object} map[string]interface{} "Run progress"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /pipelines/{id}/progress [get]
func (h *Handler) GetPipelineProgress(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "progress")
	if !ok || !h.requireStore(w) {
		return
	}
	stages, err := h.Store.ListStageProgress(r.Context(), runID)
	if err != nil {
		h.Log.Error().Err(err).Str("run_id", runID).Msg("failed to list stage progress")
		writeError(w, http.StatusInternalServerError, "Failed to fetch progress")
		return
	}
	completed := 0
	for _, s := range stages {
		if s.Status == "completed" {
			completed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":           runID,
		"stages":           stages,
		"completed_stages": completed,
	})
}

// RetryPipeline resubmits a stored run
// @Summary Resubmit pipeline
// @Description Run the stored spec of a previous run again under a new run id
// @Tags pipelines
// @Produce json
// @Param id path string true "Run ID"
// @Param X-Caller-ID header string true "Caller id"
// @Param X-Caller-Tier header string true "Caller tier"
// @Success 200 {object} PipelineResponse "Run succeeded"
// @Failure 400 {object} ErrorResponse "Missing caller headers"
// @Failure 403 {object} ErrorResponse "Run belongs to another caller"
// @Failure 404 {object} ErrorResponse "Run not found"
// @Router /pipelines/{id}/retry [post]
func (h *Handler) RetryPipeline(w http.ResponseWriter, r *http.Request) {
	runID, ok := runIDFromPath(w, r, "retry")
	if !ok {
		return
	}
	caller, ok := callerFromHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "X-Caller-ID and X-Caller-Tier headers are required")
		return
	}

	result, err := h.Engine.Resubmit(r.Context(), runID, caller)
	if result == nil {
		switch {
		case errors.Is(err, model.ErrRunNotFound):
			writeError(w, http.StatusNotFound, "Run not found")
		case errors.Is(err, pipeline.ErrForeignRun):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, pipeline.ErrNoRunStore):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.Log.Error().Err(err).Str("run_id", runID).Msg("resubmit failed")
			writeError(w, http.StatusInternalServerError, "Failed to resubmit run")
		}
		return
	}
	h.writeResult(w, result)
}

// UsageResponse is a caller's usage report and ledger
type UsageResponse struct {
	Report  model.UsageReport   `json:"report"`
	Records []model.UsageRecord `json:"records"`
}

// GetUsage returns a caller's usage
// @Summary Get caller usage
// @Description Executions, bytes and compute used in the current billing period
// @Tags usage
// @Produce json
// @Param caller path string true "Caller id"
// @Param tier query string false "Tier used to compute remaining executions"
// @Success 200 {object} UsageResponse "Usage report"
// @Router /usage/{caller} [get]
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	callerID := pathSegment(r.URL.Path, 3)
	if callerID == "" {
		writeError(w, http.StatusBadRequest, "Caller ID is required")
		return
	}
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = r.Header.Get(HeaderCallerTier)
	}

	resp := UsageResponse{Report: h.Gate.Usage(model.Caller{ID: callerID, Tier: tier})}
	resp.Records = h.Gate.Records(callerID)
	if h.Store != nil {
		// The persisted ledger survives restarts
		if records, err := h.Store.ListUsage(r.Context(), callerID); err == nil {
			resp.Records = records
		} else {
			h.Log.Error().Err(err).Str("caller_id", callerID).Msg("failed to list usage")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExecuteAgent runs a registered agent
// @Summary Execute agent
// @Description Execute the agent registered under a type tag
// @Tags agents
// @Accept json
// @Produce json
// @Param type path string true "Agent type"
// @Param X-Caller-ID header string true "Caller id"
// @Param X-Caller-Tier header string true "Caller tier"
// @Success 200 {object} agent.Output "Agent output"
// @Failure 404 {object} ErrorResponse "Unknown agent"
// @Router /agents/{type}/execute [post]
func (h *Handler) ExecuteAgent(w http.ResponseWriter, r *http.Request) {
	agentType := pathSegment(r.URL.Path, 3)
	caller, ok := callerFromHeaders(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "X-Caller-ID and X-Caller-Tier headers are required")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	out, err := h.Agents.Execute(r.Context(), agentType, agent.Input{Caller: caller, Payload: body})
	switch {
	case errors.Is(err, agent.ErrUnknownAgent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, agent.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil && out.Data == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		status := http.StatusOK
		if result, ok := out.Data.(*model.Result); ok {
			status = resultStatusCode(result)
		}
		writeJSON(w, status, out)
	}
}

// DownloadOutput serves a file written under the output directory
// @Summary Download run output
// @Tags pipelines
// @Produce octet-stream
// @Param id path string true "Run ID"
// @Param file path string true "File name"
// @Success 200 {file} file "Output file"
// @Failure 404 {object} ErrorResponse "File not found"
// @Router /download/{id}/{file} [get]
func (h *Handler) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	runID := filepath.Base(pathSegment(r.URL.Path, 3))
	file := filepath.Base(pathSegment(r.URL.Path, 4))
	if h.Output == nil || runID == "." || file == "." || runID == "" || file == "" {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	path := filepath.Join(h.Output.BaseOutputDir, runID, file)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(file))
	http.ServeFile(w, r, path)
}

// ---- helpers ----

func (h *Handler) writeResult(w http.ResponseWriter, result *model.Result) {
	resp := PipelineResponse{Result: result}
	if h.Output != nil && result.Output != "" {
		base, err := filepath.Abs(h.Output.BaseOutputDir)
		out, err2 := filepath.Abs(result.Output)
		if err == nil && err2 == nil && filepath.Dir(filepath.Dir(out)) == base && filepath.Base(filepath.Dir(out)) == result.RunID {
			resp.DownloadURL = h.Output.GetDownloadURL(result.RunID, out)
		}
	}
	writeJSON(w, resultStatusCode(result), resp)
}

// resultStatusCode maps a run outcome to an HTTP status
func resultStatusCode(result *model.Result) int {
	if result.Error == nil {
		return http.StatusOK
	}
	switch result.Error.Kind {
	case model.FeatureNotAvailable:
		return http.StatusForbidden
	case model.SizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case model.QuotaExceeded, model.RateLimited:
		return http.StatusTooManyRequests
	case model.TimeoutError:
		return http.StatusGatewayTimeout
	case model.WriteFailure:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) requireStore(w http.ResponseWriter) bool {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "Run history is not configured")
		return false
	}
	return true
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, model.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "Run not found")
		return
	}
	h.Log.Error().Err(err).Msgf("failed to fetch %s", what)
	writeError(w, http.StatusInternalServerError, "Failed to fetch "+what)
}

func callerFromHeaders(r *http.Request) (model.Caller, bool) {
	caller := model.Caller{
		ID:   strings.TrimSpace(r.Header.Get(HeaderCallerID)),
		Tier: strings.TrimSpace(r.Header.Get(HeaderCallerTier)),
	}
	return caller, caller.ID != "" && caller.Tier != ""
}

// pathSegment returns the i-th segment of /api/v1/... paths
func pathSegment(path string, i int) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if i >= len(segments) {
		return ""
	}
	return segments[i]
}

// runIDFromPath extracts the id of /api/v1/pipelines/{id}[/suffix]
func runIDFromPath(w http.ResponseWriter, r *http.Request, suffix string) (string, bool) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	want := 4
	if suffix != "" {
		want = 5
	}
	if len(segments) != want || segments[3] == "" || (suffix != "" && segments[4] != suffix) {
		writeError(w, http.StatusNotFound, "Not Found")
		return "", false
	}
	return segments[3], true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
